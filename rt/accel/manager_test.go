package accel

import (
	"context"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/rtcore/rt/backend"
	"github.com/gekko3d/rtcore/rt/backend/soft"
	"github.com/gekko3d/rtcore/rt/core"
	"github.com/gekko3d/rtcore/rt/scene"
)

type env struct {
	ctx  *core.Context
	dev  *soft.Device
	m    *Manager
	top  *TopLevelStructure
	blas []*BottomLevelStructure
}

func newEnv(t *testing.T, ring int) *env {
	t.Helper()
	dev := soft.New(soft.DefaultOptions())
	t.Cleanup(func() { _ = dev.Close() })
	ctx := core.NewContext(core.DefaultFeatureFlags(), nil)

	store, err := scene.Upload(ctx, dev, scene.DefaultStatic(), scene.DefaultDynamic())
	require.NoError(t, err)
	m, err := NewManager(dev, ring, DefaultLimits())
	require.NoError(t, err)
	blas, err := m.BuildBottomLevels(ctx, store.Meshes()...)
	require.NoError(t, err)
	top, err := m.BuildTopLevel(ctx, []InstanceDesc{
		{BLAS: blas[0], Transform: core.IdentityAffine(), CustomIndex: 0, Mask: 0xff},
		{BLAS: blas[1], Transform: core.IdentityAffine(), CustomIndex: 1, Mask: 0xff},
	})
	require.NoError(t, err)
	return &env{ctx: ctx, dev: dev, m: m, top: top, blas: blas}
}

func (e *env) frame(t *testing.T, slot int, value uint64, fence backend.Fence) {
	t.Helper()
	cmd, err := e.dev.CreateCommandList("frame")
	require.NoError(t, err)
	require.NoError(t, e.m.UpdateTopLevel(e.ctx, cmd, slot))
	require.NoError(t, e.dev.Submit(cmd, fence, value))
	require.NoError(t, fence.Wait(context.Background(), value))
}

func TestInitProducesTwoInstances(t *testing.T) {
	e := newEnv(t, 3)
	assert.Equal(t, uint32(2), e.m.InstanceCount())
	assert.Equal(t, uint32(2), e.ctx.Stats.InstanceCount)
	assert.Len(t, e.m.BottomLevels(), 2)

	want := uint64(scene.DefaultStatic().PrimitiveCount() + scene.DefaultDynamic().PrimitiveCount())
	assert.Equal(t, want, e.m.TriangleCount())
	assert.Equal(t, want, e.ctx.Stats.TriangleCount)

	// one region per slot
	assert.Equal(t, uint64(3*2*core.InstanceStride), e.top.instances.Size())
	assert.GreaterOrEqual(t, e.top.scratch.Size(), max(e.top.Prebuild.BuildScratchSize, e.top.Prebuild.UpdateScratchSize))
	assert.Equal(t, []string{"copy-buffer", "copy-buffer", "copy-buffer", "copy-buffer",
		"build-blas", "barrier", "build-blas", "barrier", "build-tlas", "barrier"}, e.dev.Ops())
}

func TestUpdateWritesOnlyTheSlotRegion(t *testing.T) {
	e := newEnv(t, 3)
	fence, _ := e.dev.CreateFence()
	moved := core.AffineFromMat4(mgl32.Translate3D(1, 2, 3))
	require.NoError(t, e.m.SetInstanceTransform(1, moved))
	e.frame(t, 1, 1, fence)

	assert.Equal(t, moved, e.top.MappedRecord(1, 1).Transform)
	assert.Equal(t, core.IdentityAffine(), e.top.MappedRecord(0, 1).Transform)
	assert.Equal(t, core.IdentityAffine(), e.top.MappedRecord(2, 1).Transform)
	assert.Equal(t, e.blas[1].Structure.Address(), e.top.MappedRecord(1, 1).BLASAddress)
	assert.Equal(t, uint32(1), e.top.MappedRecord(1, 1).CustomIndex)

	ops := e.dev.Ops()
	assert.Equal(t, []string{"update-tlas", "barrier"}, ops[len(ops)-2:])
}

func TestRepeatedUpdateIsBitIdentical(t *testing.T) {
	e := newEnv(t, 2)
	fence, _ := e.dev.CreateFence()
	tlasBytes := func() []byte {
		return append([]byte(nil), e.top.Structure.Buffer().(*soft.Buffer).Bytes()...)
	}
	tr := core.AffineFromMat4(mgl32.Translate3D(0, 1.5, 0).Mul4(mgl32.HomogRotate3DY(0.4)))
	require.NoError(t, e.m.SetInstanceTransform(1, tr))
	e.frame(t, 0, 1, fence)
	first := tlasBytes()
	e.frame(t, 1, 2, fence)
	assert.Equal(t, first, tlasBytes())

	require.NoError(t, e.m.SetInstanceTransform(1, core.IdentityAffine()))
	e.frame(t, 0, 3, fence)
	assert.NotEqual(t, first, tlasBytes())
}

func TestSetInstanceTransformBounds(t *testing.T) {
	e := newEnv(t, 2)
	assert.Error(t, e.m.SetInstanceTransform(2, core.IdentityAffine()))
	assert.Error(t, e.m.SetInstanceTransform(-1, core.IdentityAffine()))

	cmd, _ := e.dev.CreateCommandList("x")
	assert.Error(t, e.m.UpdateTopLevel(e.ctx, cmd, 2))
}

func TestBuildOverflowIsFatal(t *testing.T) {
	dev := soft.New(soft.DefaultOptions())
	defer dev.Close()
	ctx := core.NewContext(core.DefaultFeatureFlags(), nil)
	store, err := scene.Upload(ctx, dev, scene.DefaultStatic())
	require.NoError(t, err)

	m, err := NewManager(dev, 2, Limits{MaxResultBytes: 64, MaxInstances: 4})
	require.NoError(t, err)
	_, err = m.BuildBottomLevel(ctx, store.Meshes()[0])
	require.ErrorIs(t, err, ErrBuildOverflow)

	m2, err := NewManager(dev, 2, Limits{MaxResultBytes: 1 << 20, MaxInstances: 1})
	require.NoError(t, err)
	b, err := m2.BuildBottomLevel(ctx, store.Meshes()[0])
	require.NoError(t, err)
	_, err = m2.BuildTopLevel(ctx, []InstanceDesc{{BLAS: b, Mask: 1}, {BLAS: b, Mask: 1}})
	require.ErrorIs(t, err, ErrBuildOverflow)
}

func TestCustomIndexLimit(t *testing.T) {
	dev := soft.New(soft.DefaultOptions())
	defer dev.Close()
	ctx := core.NewContext(core.DefaultFeatureFlags(), nil)
	store, err := scene.Upload(ctx, dev, scene.DefaultStatic())
	require.NoError(t, err)
	m, err := NewManager(dev, 2, DefaultLimits())
	require.NoError(t, err)
	b, err := m.BuildBottomLevel(ctx, store.Meshes()[0])
	require.NoError(t, err)
	_, err = m.BuildTopLevel(ctx, []InstanceDesc{{BLAS: b, CustomIndex: core.MaxCustomIndex + 1}})
	assert.Error(t, err)
}

func TestReleaseClearsState(t *testing.T) {
	e := newEnv(t, 2)
	e.m.Release()
	assert.Nil(t, e.m.TopLevel())
	assert.Zero(t, e.m.InstanceCount())
	assert.Zero(t, e.m.TriangleCount())
}
