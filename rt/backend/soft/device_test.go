package soft

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/rtcore/rt/backend"
	"github.com/gekko3d/rtcore/rt/core"
)

func quad(size float32, tag uint32) ([]core.Vertex, []uint32) {
	up := mgl32.Vec3{0, 1, 0}
	verts := []core.Vertex{
		{Position: mgl32.Vec3{-size, 0, -size}, Normal: up, Tag: tag},
		{Position: mgl32.Vec3{size, 0, -size}, Normal: up, Tag: tag},
		{Position: mgl32.Vec3{size, 0, size}, Normal: up, Tag: tag},
		{Position: mgl32.Vec3{-size, 0, size}, Normal: up, Tag: tag},
	}
	return verts, []uint32{0, 2, 1, 0, 3, 2}
}

func hostBuffer(t *testing.T, d *Device, label string, data []byte) backend.Buffer {
	t.Helper()
	b, err := d.CreateBuffer(backend.BufferDesc{Label: label, Size: uint64(len(data)), Memory: backend.MemoryHostVisible})
	require.NoError(t, err)
	copy(b.Mapped(), data)
	return b
}

type fixture struct {
	d         *Device
	blas      backend.AccelerationStructure
	tlas      backend.AccelerationStructure
	instances backend.Buffer
	scratch   backend.Buffer
	fence     backend.Fence
	next      uint64
	topInputs backend.BuildInputs
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	d := New(opts)
	t.Cleanup(func() { _ = d.Close() })

	verts, idx := quad(4, core.PackTag(1, core.MaterialDiffuse))
	vb := hostBuffer(t, d, "vertices", core.EncodeVertices(verts))
	ib := hostBuffer(t, d, "indices", core.EncodeIndices(idx))
	bottom := backend.BuildInputs{
		Level: backend.LevelBottom,
		Flags: backend.BuildPreferFastTrace,
		Geometries: []backend.TriangleGeometry{{
			Vertices: vb, VertexStride: core.VertexStride, VertexCount: uint32(len(verts)),
			Indices: ib, IndexCount: uint32(len(idx)),
		}},
	}
	binfo, err := d.PrebuildInfo(bottom)
	require.NoError(t, err)
	blas, err := d.CreateAccelerationStructure(backend.AccelerationStructureDesc{Label: "blas", Level: backend.LevelBottom, Size: binfo.ResultSize})
	require.NoError(t, err)

	inst, err := d.CreateBuffer(backend.BufferDesc{Label: "instances", Size: 2 * core.InstanceStride, Memory: backend.MemoryHostVisible})
	require.NoError(t, err)
	recs := []core.InstanceRecord{
		{Transform: core.IdentityAffine(), BLASAddress: blas.Address(), Mask: 0xff},
		{Transform: core.AffineFromMat4(mgl32.Translate3D(0, 2, 0)), BLASAddress: blas.Address(), CustomIndex: 1, Mask: 0xff},
	}
	for i := range recs {
		recs[i].PutBytes(inst.Mapped()[i*core.InstanceStride:])
	}
	top := backend.BuildInputs{
		Level:         backend.LevelTop,
		Flags:         backend.BuildPreferFastBuild | backend.BuildAllowUpdate,
		Instances:     inst,
		InstanceCount: 2,
	}
	tinfo, err := d.PrebuildInfo(top)
	require.NoError(t, err)
	tlas, err := d.CreateAccelerationStructure(backend.AccelerationStructureDesc{Label: "tlas", Level: backend.LevelTop, Size: tinfo.ResultSize})
	require.NoError(t, err)
	scratch, err := d.CreateBuffer(backend.BufferDesc{
		Label: "scratch",
		Size:  max(binfo.BuildScratchSize, tinfo.BuildScratchSize, tinfo.UpdateScratchSize),
		Usage: backend.UsageScratch,
	})
	require.NoError(t, err)
	fence, err := d.CreateFence()
	require.NoError(t, err)

	f := &fixture{d: d, blas: blas, tlas: tlas, instances: inst, scratch: scratch, fence: fence, topInputs: top}
	f.submit(t, func(cmd backend.CommandList) {
		d.BuildAccelerationStructure(cmd, backend.BuildDesc{Inputs: bottom, Dest: blas, Scratch: scratch})
		cmd.StructureBarrier(blas)
		d.BuildAccelerationStructure(cmd, backend.BuildDesc{Inputs: top, Dest: tlas, Scratch: scratch})
		cmd.StructureBarrier(tlas)
	})
	return f
}

func (f *fixture) record(t *testing.T, fn func(cmd backend.CommandList)) backend.CommandList {
	t.Helper()
	cmd, err := f.d.CreateCommandList("test")
	require.NoError(t, err)
	fn(cmd)
	return cmd
}

func (f *fixture) submit(t *testing.T, fn func(cmd backend.CommandList)) {
	t.Helper()
	cmd := f.record(t, fn)
	f.next++
	require.NoError(t, f.d.Submit(cmd, f.fence, f.next))
	require.NoError(t, f.fence.Wait(context.Background(), f.next))
}

func (f *fixture) update(cmd backend.CommandList) {
	in := f.topInputs
	in.Flags |= backend.BuildPerformUpdate
	f.d.BuildAccelerationStructure(cmd, backend.BuildDesc{Inputs: in, Dest: f.tlas, Source: f.tlas, Scratch: f.scratch})
}

func (f *fixture) setTransform(i int, m mgl32.Mat4) {
	core.AffineFromMat4(m).PutBytes(f.instances.Mapped()[i*core.InstanceStride:])
}

func TestCopyBufferExecutesInOrder(t *testing.T) {
	d := New(DefaultOptions())
	defer d.Close()
	src := hostBuffer(t, d, "src", []byte{1, 2, 3, 4})
	dst, err := d.CreateBuffer(backend.BufferDesc{Label: "dst", Size: 4, Memory: backend.MemoryHostVisible})
	require.NoError(t, err)
	fence, err := d.CreateFence()
	require.NoError(t, err)

	cmd, err := d.CreateCommandList("copy")
	require.NoError(t, err)
	cmd.CopyBuffer(dst, 0, src, 0, 4)
	require.NoError(t, d.Submit(cmd, fence, 1))
	require.NoError(t, fence.Wait(context.Background(), 1))

	assert.Equal(t, []byte{1, 2, 3, 4}, dst.Mapped())
	assert.Equal(t, uint64(1), fence.Completed())
	assert.Equal(t, []string{"copy-buffer"}, d.Ops())
}

func TestResetInFlightIsRejected(t *testing.T) {
	d := New(DefaultOptions())
	defer d.Close()
	fence, err := d.CreateFence()
	require.NoError(t, err)

	gate := make(chan struct{})
	require.NoError(t, d.enqueue(job{label: "stall", run: func() error { <-gate; return nil }}))

	cmd, err := d.CreateCommandList("slot")
	require.NoError(t, err)
	require.NoError(t, d.Submit(cmd, fence, 1))

	err = cmd.Reset()
	require.ErrorIs(t, err, backend.ErrInFlight)
	require.ErrorIs(t, d.Submit(cmd, fence, 2), backend.ErrInFlight)

	close(gate)
	require.NoError(t, fence.Wait(context.Background(), 1))
	require.NoError(t, cmd.Reset())
}

func TestFenceValuesMustIncrease(t *testing.T) {
	d := New(DefaultOptions())
	defer d.Close()
	fence, _ := d.CreateFence()
	a, _ := d.CreateCommandList("a")
	b, _ := d.CreateCommandList("b")
	require.NoError(t, d.Submit(a, fence, 5))
	require.ErrorIs(t, d.Submit(b, fence, 5), backend.ErrValidation)
}

func TestReleasedFencesAreForgotten(t *testing.T) {
	d := New(DefaultOptions())
	defer d.Close()
	d.mu.Lock()
	base := len(d.fences)
	d.mu.Unlock()

	for range 16 {
		f, err := d.CreateFence()
		require.NoError(t, err)
		f.Release()
	}
	kept, err := d.CreateFence()
	require.NoError(t, err)
	defer kept.Release()

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Len(t, d.fences, base+1)
	assert.Same(t, kept, d.fences[len(d.fences)-1])
}

func TestFenceWaitHonorsContext(t *testing.T) {
	d := New(DefaultOptions())
	defer d.Close()
	fence, _ := d.CreateFence()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := fence.Wait(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueErrorLosesDevice(t *testing.T) {
	d := New(DefaultOptions())
	defer d.Close()
	fence, _ := d.CreateFence()

	boom := errors.New("boom")
	require.NoError(t, d.enqueue(job{label: "bad", run: func() error { return boom }}))
	cmd, _ := d.CreateCommandList("after")
	// The loss may or may not have been observed yet; either way the wait fails.
	if err := d.Submit(cmd, fence, 1); err == nil {
		assert.ErrorIs(t, fence.Wait(context.Background(), 1), backend.ErrDeviceLost)
	} else {
		assert.ErrorIs(t, err, backend.ErrDeviceLost)
	}
	assert.ErrorIs(t, d.WaitIdle(context.Background()), backend.ErrDeviceLost)
}

func TestDispatchWithoutBarrierFailsValidation(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	img, err := f.d.CreateImage(backend.ImageDesc{Label: "rt", Width: 4, Height: 4, InitialState: backend.StateUnorderedAccess})
	require.NoError(t, err)
	p, table := pipelineWithTable(t, f.d, nil)
	ub := hostBuffer(t, f.d, "uniforms", make([]byte, core.UniformSize))

	cmd := f.record(t, func(cmd backend.CommandList) {
		f.update(cmd)
		f.d.DispatchRays(cmd, backend.DispatchDesc{
			Pipeline: p, Table: table, Scene: f.tlas,
			Uniforms: ub, UniformSize: core.UniformSize,
			Output: img, Width: 4, Height: 4,
		})
	})
	err = cmd.Close()
	require.ErrorIs(t, err, backend.ErrValidation)
	assert.Contains(t, err.Error(), "structure barrier")
}

func TestImageStateValidation(t *testing.T) {
	d := New(DefaultOptions())
	defer d.Close()
	a, _ := d.CreateImage(backend.ImageDesc{Label: "a", Width: 2, Height: 2, InitialState: backend.StateUnorderedAccess})
	b, _ := d.CreateImage(backend.ImageDesc{Label: "b", Width: 2, Height: 2, InitialState: backend.StatePresent})

	cmd, _ := d.CreateCommandList("copy")
	cmd.CopyImage(b, a)
	require.ErrorIs(t, cmd.Close(), backend.ErrValidation)

	ok, _ := d.CreateCommandList("ok")
	ok.Transition(a, backend.StateUnorderedAccess, backend.StateCopySource)
	ok.Transition(b, backend.StatePresent, backend.StateCopyDest)
	ok.CopyImage(b, a)
	ok.Transition(b, backend.StateCopyDest, backend.StatePresent)
	ok.Transition(a, backend.StateCopySource, backend.StateUnorderedAccess)
	require.NoError(t, ok.Close())

	wrong, _ := d.CreateCommandList("wrong")
	wrong.Transition(a, backend.StateCopySource, backend.StateUnorderedAccess)
	require.ErrorIs(t, wrong.Close(), backend.ErrValidation)
}

func TestStaleShaderTableIsRejected(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	img, _ := f.d.CreateImage(backend.ImageDesc{Label: "rt", Width: 2, Height: 2, InitialState: backend.StateUnorderedAccess})
	ub := hostBuffer(t, f.d, "uniforms", make([]byte, core.UniformSize))
	_, oldTable := pipelineWithTable(t, f.d, nil)
	p, _ := pipelineWithTable(t, f.d, nil)

	cmd := f.record(t, func(cmd backend.CommandList) {
		f.d.DispatchRays(cmd, backend.DispatchDesc{
			Pipeline: p, Table: oldTable, Scene: f.tlas,
			Uniforms: ub, UniformSize: core.UniformSize,
			Output: img, Width: 2, Height: 2,
		})
	})
	err := cmd.Close()
	require.ErrorIs(t, err, backend.ErrValidation)
	assert.Contains(t, err.Error(), "shader table")
}

func TestScratchTooSmall(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	small, err := f.d.CreateBuffer(backend.BufferDesc{Label: "small", Size: 8, Usage: backend.UsageScratch})
	require.NoError(t, err)
	cmd := f.record(t, func(cmd backend.CommandList) {
		in := f.topInputs
		in.Flags |= backend.BuildPerformUpdate
		f.d.BuildAccelerationStructure(cmd, backend.BuildDesc{Inputs: in, Dest: f.tlas, Source: f.tlas, Scratch: small})
	})
	err = cmd.Close()
	require.ErrorIs(t, err, backend.ErrValidation)
	assert.Contains(t, err.Error(), "scratch")
}

func TestTopLevelUpdateIsDeterministic(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	snapshot := func() []byte {
		return append([]byte(nil), f.tlas.Buffer().(*Buffer).Bytes()...)
	}
	moveTo := func(x float32) {
		f.setTransform(1, mgl32.Translate3D(x, 2, 0).Mul4(mgl32.HomogRotate3DY(x)))
		f.submit(t, func(cmd backend.CommandList) {
			f.update(cmd)
			cmd.StructureBarrier(f.tlas)
		})
	}

	moveTo(1)
	first := snapshot()
	moveTo(3)
	assert.NotEqual(t, first, snapshot())
	moveTo(1)
	assert.Equal(t, first, snapshot())
}

func TestUpdateWithoutAllowUpdateIsRejected(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	cmd := f.record(t, func(cmd backend.CommandList) {
		in := f.topInputs
		in.Flags |= backend.BuildPerformUpdate
		f.d.BuildAccelerationStructure(cmd, backend.BuildDesc{Inputs: in, Dest: f.blas, Source: f.blas, Scratch: f.scratch})
	})
	require.ErrorIs(t, cmd.Close(), backend.ErrValidation)
}

func TestRenderAndPresent(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	const w, h = 16, 12
	img, err := f.d.CreateImage(backend.ImageDesc{Label: "rt", Width: w, Height: h, InitialState: backend.StateUnorderedAccess})
	require.NoError(t, err)
	surf, err := f.d.NewSurface(w, h)
	require.NoError(t, err)
	p, table := pipelineWithTable(t, f.d, []string{"SPOTLIGHT", "REFLECTIONS"})

	cam := core.Camera{Position: mgl32.Vec3{0, 8, 8}, Target: mgl32.Vec3{0, 0, 0}, FOV: 60}
	ctx := core.NewContext(core.DefaultFeatureFlags(), nil)
	ctx.Stats.Width, ctx.Stats.Height = w, h
	u := core.NewFrameUniforms(ctx, cam)
	ub := hostBuffer(t, f.d, "uniforms", make([]byte, core.UniformSize))
	u.PutBytes(ub.Mapped())

	target, err := surf.Acquire()
	require.NoError(t, err)
	f.submit(t, func(cmd backend.CommandList) {
		f.d.DispatchRays(cmd, backend.DispatchDesc{
			Pipeline: p, Table: table, Scene: f.tlas,
			Uniforms: ub, UniformSize: core.UniformSize,
			Output: img, Width: w, Height: h,
		})
		cmd.Transition(img, backend.StateUnorderedAccess, backend.StateCopySource)
		cmd.Transition(target, backend.StatePresent, backend.StateCopyDest)
		cmd.CopyImage(target, img)
		cmd.Transition(target, backend.StateCopyDest, backend.StatePresent)
		cmd.Transition(img, backend.StateCopySource, backend.StateUnorderedAccess)
	})
	require.NoError(t, surf.Present())
	require.NoError(t, f.d.WaitIdle(context.Background()))

	assert.Equal(t, 1, surf.Presented())
	frame := surf.Capture()
	center := frame.RGBAAt(w/2, h/2)
	corner := frame.RGBAAt(0, 0)
	assert.Equal(t, uint8(255), center.A)
	assert.NotEqual(t, center, corner, "the plane should differ from the sky")

	ops := f.d.Ops()
	assert.Equal(t, "present", ops[len(ops)-1])
}

func pipelineWithTable(t *testing.T, d *Device, defines []string) (backend.Pipeline, *backend.ShaderTable) {
	t.Helper()
	p, err := d.CreatePipeline(backend.CompiledShader{Label: "test", Bytecode: []byte{1}, Defines: defines})
	require.NoError(t, err)
	table, err := backend.NewShaderTable(d, p)
	require.NoError(t, err)
	return p, table
}
