package gpu

import (
	"fmt"

	"github.com/gekko3d/rtcore/rt/backend"
	"github.com/gekko3d/rtcore/rt/bvh"
	"github.com/gekko3d/rtcore/rt/core"
)

// AccelerationStructure is a bvh serialized into GPU storage. Bottom levels
// share the pool buffer and are addressed by byte offset into it, which is
// what the traversal kernel indexes with. Top levels own a buffer.
type AccelerationStructure struct {
	dev  *Device
	desc backend.AccelerationStructureDesc
	buf  *Buffer
	off  uint64

	recorded    bool
	allowUpdate bool
	instances   uint32

	blas *bvh.BottomLevel
	tlas *bvh.TopLevel
}

func asStructure(as backend.AccelerationStructure) (*AccelerationStructure, error) {
	a, ok := as.(*AccelerationStructure)
	if !ok || a == nil {
		return nil, fmt.Errorf("not a gpu acceleration structure: %T", as)
	}
	return a, nil
}

func (d *Device) CreateAccelerationStructure(desc backend.AccelerationStructureDesc) (backend.AccelerationStructure, error) {
	a := &AccelerationStructure{dev: d, desc: desc}
	switch desc.Level {
	case backend.LevelBottom:
		d.mu.Lock()
		off, err := d.pool.alloc(desc.Size)
		if err == nil {
			d.bottoms[off] = a
		}
		d.mu.Unlock()
		if err != nil {
			return nil, err
		}
		a.buf, a.off = d.blasPool, off
	case backend.LevelTop:
		b, err := d.CreateBuffer(backend.BufferDesc{Label: desc.Label, Size: desc.Size, Usage: backend.UsageStorage})
		if err != nil {
			return nil, err
		}
		a.buf = b.(*Buffer)
	default:
		return nil, fmt.Errorf("%w: level %d", backend.ErrUnsupported, desc.Level)
	}
	return a, nil
}

func (a *AccelerationStructure) Level() backend.Level   { return a.desc.Level }
func (a *AccelerationStructure) Buffer() backend.Buffer { return a.buf }

func (a *AccelerationStructure) Address() uint64 {
	if a.desc.Level == backend.LevelBottom {
		return a.off
	}
	return a.buf.addr
}

func (a *AccelerationStructure) Release() {
	if a.desc.Level == backend.LevelTop {
		a.buf.Release()
		return
	}
	d := a.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bottoms[a.off] == a {
		delete(d.bottoms, a.off)
		d.pool.release(a.off, a.desc.Size)
	}
}

// capacity is the byte size reserved for the result.
func (a *AccelerationStructure) capacity() uint64 {
	if a.desc.Level == backend.LevelBottom {
		return a.desc.Size
	}
	return a.buf.Size()
}

func (a *AccelerationStructure) result() []byte {
	return a.buf.mirror[a.off : a.off+a.capacity()]
}

func (d *Device) bottomAt(addr uint64) *AccelerationStructure {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bottoms[addr]
}

func (d *Device) PrebuildInfo(in backend.BuildInputs) (backend.PrebuildInfo, error) {
	var n uint64
	var result int
	switch in.Level {
	case backend.LevelBottom:
		if len(in.Geometries) != 1 {
			return backend.PrebuildInfo{}, fmt.Errorf("%w: bottom level with %d geometries", backend.ErrUnsupported, len(in.Geometries))
		}
		n = uint64(in.Geometries[0].IndexCount / 3)
		result = bvh.BottomLevelMaxSize(int(n))
	case backend.LevelTop:
		n = uint64(in.InstanceCount)
		result = bvh.TopLevelMaxSize(int(n))
	default:
		return backend.PrebuildInfo{}, fmt.Errorf("%w: level %d", backend.ErrUnsupported, in.Level)
	}
	info := backend.PrebuildInfo{
		ResultSize:       backend.AlignUp(uint64(result), blasAlignment),
		BuildScratchSize: n*32 + 256,
	}
	if in.Flags.Has(backend.BuildAllowUpdate) {
		info.UpdateScratchSize = n*24 + 256
	}
	return info, nil
}

func buildName(l backend.Level, update bool) string {
	switch {
	case l == backend.LevelBottom:
		return "build-blas"
	case update:
		return "update-tlas"
	}
	return "build-tlas"
}

func (d *Device) BuildAccelerationStructure(cmd backend.CommandList, desc backend.BuildDesc) {
	c, ok := cmd.(*CommandList)
	if !ok {
		return
	}
	dst, err := asStructure(desc.Dest)
	if err != nil {
		c.fail("build: %v", err)
		return
	}
	scratch, err := asBuffer(desc.Scratch)
	if err != nil {
		c.fail("build: scratch: %v", err)
		return
	}
	in := desc.Inputs
	if in.Level != dst.desc.Level {
		c.fail("build: inputs for level %d into %q of level %d", in.Level, dst.desc.Label, dst.desc.Level)
		return
	}
	info, err := d.PrebuildInfo(in)
	if err != nil {
		c.fail("build: %v", err)
		return
	}
	update := in.Flags.Has(backend.BuildPerformUpdate)
	need := info.BuildScratchSize
	if update {
		need = info.UpdateScratchSize
	}
	if scratch.Size() < need {
		c.fail("build: scratch %q holds %d bytes, %s needs %d", scratch.desc.Label, scratch.Size(), buildName(in.Level, update), need)
	}
	if dst.capacity() < info.ResultSize {
		c.fail("build: %q holds %d bytes, result needs %d", dst.desc.Label, dst.capacity(), info.ResultSize)
		return
	}
	if update {
		src, err := asStructure(desc.Source)
		if err != nil {
			c.fail("build: update source: %v", err)
			return
		}
		switch {
		case src != dst:
			c.fail("build: update of %q into %q, only in-place updates are supported", src.desc.Label, dst.desc.Label)
			return
		case !src.recorded || !src.allowUpdate:
			c.fail("build: update of %q which was not built with allow-update", src.desc.Label)
			return
		case in.Level == backend.LevelTop && src.instances != in.InstanceCount:
			c.fail("build: update with %d instances, built with %d", in.InstanceCount, src.instances)
			return
		}
	}

	dst.recorded = true
	dst.allowUpdate = in.Flags.Has(backend.BuildAllowUpdate)
	dst.instances = in.InstanceCount
	c.unfenced[dst] = true

	o := op{name: buildName(in.Level, update)}
	if in.Level == backend.LevelBottom {
		geo := in.Geometries[0]
		o.host = func() error { return d.buildBottom(dst, geo) }
	} else {
		o.host = func() error { return d.buildTop(dst, update, in) }
	}
	c.record(o)
}

func (d *Device) buildBottom(dst *AccelerationStructure, g backend.TriangleGeometry) error {
	vb, err := asBuffer(g.Vertices)
	if err != nil {
		return err
	}
	ib, err := asBuffer(g.Indices)
	if err != nil {
		return err
	}
	if g.VertexStride != core.VertexStride {
		return fmt.Errorf("vertex stride %d, want %d", g.VertexStride, core.VertexStride)
	}
	vend := g.VertexOffset + uint64(g.VertexCount)*core.VertexStride
	if vend > vb.Size() || g.IndexOffset > ib.Size() {
		return fmt.Errorf("geometry out of range of %q/%q", vb.desc.Label, ib.desc.Label)
	}
	tris, err := bvh.ReadTriangles(vb.mirror[g.VertexOffset:vend], ib.mirror[g.IndexOffset:], g.IndexCount)
	if err != nil {
		return err
	}
	bl, err := bvh.BuildBottomLevel(tris)
	if err != nil {
		return err
	}
	return dst.store(bl.Size(), bl.PutBytes, func() { dst.blas = bl })
}

func (d *Device) buildTop(dst *AccelerationStructure, update bool, in backend.BuildInputs) error {
	ib, err := asBuffer(in.Instances)
	if err != nil {
		return err
	}
	n := int(in.InstanceCount)
	end := in.InstanceOffset + uint64(n)*core.InstanceStride
	if end > ib.Size() {
		return fmt.Errorf("%d instances at offset %d overflow %q", n, in.InstanceOffset, ib.desc.Label)
	}
	instances := make([]core.InstanceRecord, n)
	bottoms := make([]*bvh.BottomLevel, n)
	for i := range instances {
		off := in.InstanceOffset + uint64(i)*core.InstanceStride
		instances[i] = core.DecodeInstance(ib.mirror[off : off+core.InstanceStride])
		ref := d.bottomAt(instances[i].BLASAddress)
		if ref == nil || ref.blas == nil {
			return fmt.Errorf("instance %d references unbuilt structure at %#x", i, instances[i].BLASAddress)
		}
		bottoms[i] = ref.blas
	}

	tl := dst.tlas
	if update {
		if tl == nil {
			return fmt.Errorf("update of %q before its build executed", dst.desc.Label)
		}
		if err := tl.Refit(instances, bottoms); err != nil {
			return err
		}
	} else if tl, err = bvh.BuildTopLevel(instances, bottoms); err != nil {
		return err
	}
	return dst.store(tl.Size(), tl.PutBytes, func() { dst.tlas = tl })
}

// store serializes a result into the mirror and queues the upload.
func (a *AccelerationStructure) store(size int, put func([]byte), commit func()) error {
	if uint64(size) > a.capacity() {
		return fmt.Errorf("result of %d bytes overflows %q", size, a.desc.Label)
	}
	dst := a.result()
	clear(dst)
	put(dst)
	commit()
	return a.buf.upload(a.off, uint64(size))
}
