package frame

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/rtcore/rt/accel"
	"github.com/gekko3d/rtcore/rt/backend"
	"github.com/gekko3d/rtcore/rt/backend/soft"
	"github.com/gekko3d/rtcore/rt/core"
	"github.com/gekko3d/rtcore/rt/scene"
	"github.com/gekko3d/rtcore/rt/variant"
)

const testW, testH = 16, 12

type stubFrontEnd struct{ fail bool }

func (s *stubFrontEnd) Compile(string) ([]byte, error) {
	if s.fail {
		return nil, errors.New("stub: rejected")
	}
	return []byte{1, 2, 3, 4}, nil
}

// watchAdapter logs fence waits and submissions of the executor's fence.
type watchAdapter struct {
	backend.Adapter
	events []string
}

type watchFence struct {
	backend.Fence
	a *watchAdapter
}

func (f *watchFence) Wait(ctx context.Context, v uint64) error {
	err := f.Fence.Wait(ctx, v)
	f.a.events = append(f.a.events, fmt.Sprintf("waited:%d:completed=%t", v, f.Fence.Completed() >= v))
	return err
}

func (w *watchAdapter) CreateFence() (backend.Fence, error) {
	f, err := w.Adapter.CreateFence()
	if err != nil {
		return nil, err
	}
	return &watchFence{Fence: f, a: w}, nil
}

func (w *watchAdapter) Submit(cmd backend.CommandList, fence backend.Fence, v uint64) error {
	if wf, ok := fence.(*watchFence); ok {
		fence = wf.Fence
	}
	w.events = append(w.events, fmt.Sprintf("submit:%d", v))
	return w.Adapter.Submit(cmd, fence, v)
}

type rig struct {
	ctx   *core.Context
	dev   *soft.Device
	watch *watchAdapter
	surf  *soft.Surface
	am    *accel.Manager
	vc    *variant.Compiler
	fe    *stubFrontEnd
	ex    *Executor
}

func newRig(t *testing.T, ring int) *rig {
	t.Helper()
	dev := soft.New(soft.DefaultOptions())
	t.Cleanup(func() { _ = dev.Close() })
	ctx := core.NewContext(core.DefaultFeatureFlags(), nil)

	store, err := scene.Upload(ctx, dev, scene.DefaultStatic(), scene.DefaultDynamic())
	require.NoError(t, err)
	am, err := accel.NewManager(dev, ring, accel.DefaultLimits())
	require.NoError(t, err)
	blas, err := am.BuildBottomLevels(ctx, store.Meshes()...)
	require.NoError(t, err)
	_, err = am.BuildTopLevel(ctx, []accel.InstanceDesc{
		{BLAS: blas[0], Transform: core.IdentityAffine(), Mask: 0xff},
		{BLAS: blas[1], Transform: DynamicInstanceTransform(0), CustomIndex: 1, Mask: 0xff},
	})
	require.NoError(t, err)

	fe := &stubFrontEnd{}
	vc := variant.NewCompiler(dev, fe, nil)
	surf, err := dev.NewSurface(testW, testH)
	require.NoError(t, err)

	w := &watchAdapter{Adapter: dev}
	ex, err := NewExecutor(w, surf, am, vc, Options{
		Width:            testW,
		Height:           testH,
		FramesInFlight:   ring,
		Camera:           core.DefaultCamera(),
		DynamicInstances: []int{1},
	})
	require.NoError(t, err)
	return &rig{ctx: ctx, dev: dev, watch: w, surf: surf, am: am, vc: vc, fe: fe, ex: ex}
}

func (r *rig) render(t *testing.T, time float64) {
	t.Helper()
	r.ctx.Time = time
	require.NoError(t, r.ex.RenderFrame(context.Background(), r.ctx))
}

func expectedTransform(t float64) mgl32.Mat4 {
	return mgl32.Translate3D(0, 1.5, 0).
		Mul4(mgl32.Rotate3DY(float32(1.2 * t)).Mat4()).
		Mul4(mgl32.Rotate3DX(float32(0.7 * t)).Mat4())
}

func TestSlotsWaitForPriorFence(t *testing.T) {
	r := newRig(t, 2)
	for k := 0; k < 6; k++ {
		r.render(t, float64(k)*0.016)
	}
	require.NoError(t, r.dev.WaitIdle(context.Background()))

	assert.Equal(t, []string{
		"submit:1",
		"submit:2",
		"waited:1:completed=true", "submit:3",
		"waited:2:completed=true", "submit:4",
		"waited:3:completed=true", "submit:5",
		"waited:4:completed=true", "submit:6",
	}, r.watch.events)
	assert.Equal(t, uint64(6), r.ctx.FrameIndex)
	assert.Equal(t, uint64(6), r.ctx.Stats.FramesRendered)
	assert.Equal(t, 6, r.surf.Presented())

	slots := r.ex.Slots()
	require.Len(t, slots, 2)
	assert.Equal(t, SlotInfo{Index: 0, State: SlotIdle, FenceValue: 5}, slots[0])
	assert.Equal(t, SlotInfo{Index: 1, State: SlotIdle, FenceValue: 6}, slots[1])
}

func TestDynamicTransformFollowsTime(t *testing.T) {
	r := newRig(t, 3)
	for k := 0; k < 100; k++ {
		tk := 0.5 + float64(k)*0.0125
		r.render(t, tk)
		got := r.am.InstanceTransform(1).Mat4()
		want := expectedTransform(tk)
		for i := range want {
			require.InDelta(t, want[i], got[i], 1e-5, "frame %d element %d", k, i)
		}
		slot := k % 3
		assert.Equal(t, r.am.InstanceTransform(1), r.am.TopLevel().MappedRecord(slot, 1).Transform)
		assert.Equal(t, core.IdentityAffine(), r.am.TopLevel().MappedRecord(slot, 0).Transform)
	}
}

func TestNoTimeAdvanceGivesIdenticalUpdates(t *testing.T) {
	r := newRig(t, 2)
	r.render(t, 2.5)
	first := r.am.InstanceTransform(1)
	r.render(t, 2.5)
	assert.Equal(t, first, r.am.InstanceTransform(1))
	top := r.am.TopLevel()
	assert.Equal(t, top.MappedRecord(0, 1), top.MappedRecord(1, 1))
}

func TestUpdatePrecedesDispatchAndCopyPrecedesPresent(t *testing.T) {
	r := newRig(t, 2)
	r.render(t, 0)
	require.NoError(t, r.dev.WaitIdle(context.Background()))
	r.dev.ResetOps()

	r.render(t, 0.1)
	require.NoError(t, r.dev.WaitIdle(context.Background()))
	assert.Equal(t, []string{
		"update-tlas",
		"barrier",
		"dispatch",
		"transition:copy-source",
		"transition:copy-dest",
		"copy-image",
		"transition:present",
		"transition:unordered-access",
		"present",
	}, r.dev.Ops())
}

func TestFrameImageReachesSurface(t *testing.T) {
	r := newRig(t, 2)
	r.render(t, 0)
	require.NoError(t, r.dev.WaitIdle(context.Background()))
	img := r.surf.Capture()
	assert.Equal(t, uint8(255), img.RGBAAt(testW/2, testH/2).A)
	assert.Equal(t, r.ex.Target().(*soft.Image).Pixels(), img.Pix)
}

func TestCompileFailureMidRunKeepsRendering(t *testing.T) {
	r := newRig(t, 2)
	r.render(t, 0)
	before := r.vc.Active()

	next := r.ctx.Flags
	next.GlobalIllumination = true
	r.ctx.RequestFlags(next)
	r.fe.fail = true
	r.render(t, 0.1)
	r.render(t, 0.2)
	require.NoError(t, r.dev.WaitIdle(context.Background()))

	assert.Same(t, before, r.vc.Active())
	assert.True(t, r.ctx.Flags.Equal(r.ctx.CompiledFlags))
	assert.False(t, r.ctx.Flags.GlobalIllumination)
	assert.Equal(t, uint64(1), r.ctx.Stats.CompileFailures)
	assert.Equal(t, 3, r.surf.Presented())
}

func TestFlagChangeAppliesAtFrameBoundary(t *testing.T) {
	r := newRig(t, 2)
	r.render(t, 0)
	next := r.ctx.Flags
	next.SoftShadows = true
	next.ShadowSamples = 16
	r.ctx.RequestFlags(next)
	for k := 1; k < 5; k++ {
		r.render(t, float64(k))
	}
	assert.Equal(t, uint64(2), r.ctx.Stats.CompileCount)
	assert.Equal(t, uint64(3), r.ctx.Stats.SkippedCompiles)
	assert.Contains(t, r.ctx.Stats.ActiveVariant, "SHADOW_SAMPLES=16u")
}

func TestShutdownDrains(t *testing.T) {
	r := newRig(t, 3)
	for k := 0; k < 4; k++ {
		r.render(t, float64(k))
	}
	require.NoError(t, r.ex.Shutdown(context.Background()))
	assert.Empty(t, r.ex.Slots())
	assert.Equal(t, 4, r.surf.Presented())
}

func TestNewExecutorValidatesOptions(t *testing.T) {
	r := newRig(t, 2)
	_, err := NewExecutor(r.dev, r.surf, r.am, r.vc, Options{Width: 4, Height: 4, FramesInFlight: 1})
	assert.Error(t, err)
	_, err = NewExecutor(r.dev, r.surf, r.am, r.vc, Options{Width: 0, Height: 4, FramesInFlight: 2})
	assert.Error(t, err)
	_, err = NewExecutor(r.dev, r.surf, r.am, r.vc, Options{Width: 4, Height: 4, FramesInFlight: 2, DynamicInstances: []int{5}})
	assert.Error(t, err)
}

func TestProfilerRecordsScopes(t *testing.T) {
	r := newRig(t, 2)
	r.render(t, 0)
	assert.Equal(t, []string{"frame", "variant", "wait", "record"}, r.ex.Profiler().Scopes())
	assert.Greater(t, int64(r.ctx.Stats.LastFrameCPU), int64(0))
	assert.Contains(t, r.ex.Profiler().String(), "frame")
}
