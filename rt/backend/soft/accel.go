package soft

import (
	"fmt"

	"github.com/gekko3d/rtcore/rt/backend"
	"github.com/gekko3d/rtcore/rt/bvh"
	"github.com/gekko3d/rtcore/rt/core"
)

type AccelerationStructure struct {
	dev  *Device
	desc backend.AccelerationStructureDesc
	buf  *Buffer

	// recording-time view
	recorded    bool
	allowUpdate bool
	instances   uint32

	// execution-time shadow of the serialized result
	blas *bvh.BottomLevel
	tlas *bvh.TopLevel
	// bottom levels referenced by tlas instances
	refs []*AccelerationStructure
}

func asStructure(as backend.AccelerationStructure) (*AccelerationStructure, error) {
	a, ok := as.(*AccelerationStructure)
	if !ok || a == nil {
		return nil, fmt.Errorf("not a soft acceleration structure: %T", as)
	}
	return a, nil
}

func (d *Device) CreateAccelerationStructure(desc backend.AccelerationStructureDesc) (backend.AccelerationStructure, error) {
	b, err := d.CreateBuffer(backend.BufferDesc{Label: desc.Label, Size: desc.Size, Usage: backend.UsageStorage})
	if err != nil {
		return nil, err
	}
	a := &AccelerationStructure{dev: d, desc: desc, buf: b.(*Buffer)}
	d.mu.Lock()
	d.structs[a.buf.addr] = a
	d.mu.Unlock()
	return a, nil
}

func (a *AccelerationStructure) Level() backend.Level   { return a.desc.Level }
func (a *AccelerationStructure) Address() uint64        { return a.buf.addr }
func (a *AccelerationStructure) Buffer() backend.Buffer { return a.buf }

func (a *AccelerationStructure) Release() {
	a.dev.mu.Lock()
	delete(a.dev.structs, a.buf.addr)
	a.dev.mu.Unlock()
}

func (d *Device) structureAt(addr uint64) *AccelerationStructure {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.structs[addr]
}

func primitiveCount(in backend.BuildInputs) uint64 {
	var n uint64
	for _, g := range in.Geometries {
		n += uint64(g.IndexCount / 3)
	}
	return n
}

func (d *Device) PrebuildInfo(in backend.BuildInputs) (backend.PrebuildInfo, error) {
	switch in.Level {
	case backend.LevelBottom:
		if len(in.Geometries) != 1 {
			return backend.PrebuildInfo{}, fmt.Errorf("%w: bottom level with %d geometries", backend.ErrUnsupported, len(in.Geometries))
		}
		n := primitiveCount(in)
		info := backend.PrebuildInfo{
			ResultSize:       uint64(bvh.BottomLevelMaxSize(int(n))),
			BuildScratchSize: n*32 + 256,
		}
		if in.Flags.Has(backend.BuildAllowUpdate) {
			info.UpdateScratchSize = n*24 + 256
		}
		return info, nil
	case backend.LevelTop:
		n := uint64(in.InstanceCount)
		info := backend.PrebuildInfo{
			ResultSize:       uint64(bvh.TopLevelMaxSize(int(n))),
			BuildScratchSize: n*32 + 256,
		}
		if in.Flags.Has(backend.BuildAllowUpdate) {
			info.UpdateScratchSize = n*24 + 256
		}
		return info, nil
	}
	return backend.PrebuildInfo{}, fmt.Errorf("%w: level %d", backend.ErrUnsupported, in.Level)
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
		c.fail("build: scratch %q holds %d bytes, %s needs %d", scratch.desc.Label, scratch.Size(), opName(in.Level, update), need)
	}
	if dst.buf.Size() < info.ResultSize {
		c.fail("build: %q holds %d bytes, result needs %d", dst.desc.Label, dst.buf.Size(), info.ResultSize)
		return
	}

	var src *AccelerationStructure
	if update {
		if src, err = asStructure(desc.Source); err != nil {
			c.fail("build: update source: %v", err)
			return
		}
		if src != dst {
			c.fail("build: update of %q into %q, only in-place updates are supported", src.desc.Label, dst.desc.Label)
			return
		}
		if !src.recorded || !src.allowUpdate {
			c.fail("build: update of %q which was not built with allow-update", src.desc.Label)
			return
		}
		if in.Level == backend.LevelTop && src.instances != in.InstanceCount {
			c.fail("build: update with %d instances, built with %d", in.InstanceCount, src.instances)
			return
		}
	}

	dst.recorded = true
	dst.allowUpdate = in.Flags.Has(backend.BuildAllowUpdate)
	dst.instances = in.InstanceCount
	c.unfenced[dst] = true

	switch in.Level {
	case backend.LevelBottom:
		geo := in.Geometries[0]
		c.record(opName(in.Level, update), func() error { return d.buildBottom(dst, geo) })
	case backend.LevelTop:
		c.record(opName(in.Level, update), func() error { return d.buildTop(dst, update, in) })
	}
}

func opName(l backend.Level, update bool) string {
	switch {
	case l == backend.LevelBottom:
		return "build-blas"
	case update:
		return "update-tlas"
	}
	return "build-tlas"
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
	tris, err := bvh.ReadTriangles(vb.data[g.VertexOffset:vend], ib.data[g.IndexOffset:], g.IndexCount)
	if err != nil {
		return err
	}
	bl, err := bvh.BuildBottomLevel(tris)
	if err != nil {
		return err
	}
	if uint64(bl.Size()) > dst.buf.Size() {
		return fmt.Errorf("result of %d bytes overflows %q", bl.Size(), dst.desc.Label)
	}
	clear(dst.buf.data)
	bl.PutBytes(dst.buf.data)
	dst.blas = bl
	return nil
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
	refs := make([]*AccelerationStructure, n)
	bottoms := make([]*bvh.BottomLevel, n)
	for i := range instances {
		off := in.InstanceOffset + uint64(i)*core.InstanceStride
		instances[i] = core.DecodeInstance(ib.data[off : off+core.InstanceStride])
		ref := d.structureAt(instances[i].BLASAddress)
		if ref == nil || ref.blas == nil {
			return fmt.Errorf("instance %d references unbuilt structure at %#x", i, instances[i].BLASAddress)
		}
		refs[i] = ref
		bottoms[i] = ref.blas
	}

	if update {
		if dst.tlas == nil {
			return fmt.Errorf("update of %q before its build executed", dst.desc.Label)
		}
		if err := dst.tlas.Refit(instances, bottoms); err != nil {
			return err
		}
	} else {
		tl, err := bvh.BuildTopLevel(instances, bottoms)
		if err != nil {
			return err
		}
		dst.tlas = tl
	}
	dst.refs = refs

	if uint64(dst.tlas.Size()) > dst.buf.Size() {
		return fmt.Errorf("result of %d bytes overflows %q", dst.tlas.Size(), dst.desc.Label)
	}
	clear(dst.buf.data)
	dst.tlas.PutBytes(dst.buf.data)
	return nil
}
