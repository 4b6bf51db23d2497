package core

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsValidate(t *testing.T) {
	f := FeatureFlagSet{ShadowSamples: 500, AORadius: -1, GIBounces: 99, DenoiseBlend: 3}
	assert.True(t, f.Validate())
	assert.Equal(t, uint32(MaxSamples), f.ShadowSamples)
	assert.Equal(t, uint32(DefaultAOSamples), f.AOSamples)
	assert.Equal(t, float32(DefaultAORadius), f.AORadius)
	assert.Equal(t, uint32(MaxGIBounces), f.GIBounces)
	assert.Equal(t, float32(1), f.DenoiseBlend)

	d := DefaultFeatureFlags()
	assert.False(t, d.Validate(), "defaults are already valid")
}

func TestFlagsEqual(t *testing.T) {
	a := DefaultFeatureFlags()
	b := DefaultFeatureFlags()
	assert.True(t, a.Equal(b))
	b.ShadowSamples = 16
	assert.False(t, a.Equal(b))
	assert.Zero(t, testing.AllocsPerRun(100, func() { _ = a.Equal(b) }))
}

func TestEffectiveCounts(t *testing.T) {
	f := DefaultFeatureFlags()
	f.SoftShadows = false
	assert.Equal(t, uint32(1), f.EffectiveShadowSamples())
	assert.Zero(t, f.EffectiveAOSamples())
	assert.Zero(t, f.EffectiveGIBounces())
	f.GlobalIllumination = true
	assert.Equal(t, uint32(DefaultGIBounces), f.EffectiveGIBounces())
	assert.True(t, f.NeedsInlineQuery())
}

func TestRequestFlagsValidates(t *testing.T) {
	ctx := NewContext(DefaultFeatureFlags(), nil)
	ctx.RequestFlags(FeatureFlagSet{SoftShadows: true})
	assert.Equal(t, uint32(DefaultShadowSample), ctx.Flags.ShadowSamples)
	assert.NotNil(t, ctx.Logger)
}

func TestStaticObjectID(t *testing.T) {
	g := &GeometryGroup{
		Kind:     GroupStatic,
		Vertices: make([]Vertex, 3),
		Indices:  make([]uint32, 3*10),
		Ranges: []ObjectRange{
			{FirstPrimitive: 0, Count: 2, ObjectID: 0},
			{FirstPrimitive: 4, Count: 6, ObjectID: 3},
		},
	}
	require.NoError(t, g.Validate())
	id, ok := g.ObjectID(1)
	assert.True(t, ok)
	assert.Equal(t, uint32(0), id)
	_, ok = g.ObjectID(2)
	assert.False(t, ok, "gap between ranges")
	id, ok = g.ObjectID(9)
	assert.True(t, ok)
	assert.Equal(t, uint32(3), id)
	_, ok = g.ObjectID(10)
	assert.False(t, ok)
}

func TestDynamicObjectID(t *testing.T) {
	g := &GeometryGroup{
		Kind:                GroupDynamic,
		Vertices:            make([]Vertex, 3),
		Indices:             make([]uint32, 3*24),
		PrimitivesPerObject: 12,
	}
	require.NoError(t, g.Validate())
	assert.Equal(t, uint32(2), g.ObjectCount())
	id, ok := g.ObjectID(13)
	assert.True(t, ok)
	assert.Equal(t, uint32(1), id)

	g.PrimitivesPerObject = 5
	assert.Error(t, g.Validate())
}

func TestCheckTagsFollowsMapping(t *testing.T) {
	verts := []Vertex{
		{Tag: PackTag(7, MaterialDiffuse)}, {Tag: PackTag(7, MaterialDiffuse)}, {Tag: PackTag(7, MaterialDiffuse)},
		{Tag: PackTag(8, MaterialMirror)}, {Tag: PackTag(8, MaterialMirror)}, {Tag: PackTag(8, MaterialMirror)},
	}
	g := &GeometryGroup{
		Name:     "tagged",
		Kind:     GroupStatic,
		Vertices: verts,
		Indices:  []uint32{0, 1, 2, 3, 4, 5},
		Ranges:   []ObjectRange{{FirstPrimitive: 0, Count: 1, ObjectID: 0}, {FirstPrimitive: 1, Count: 1, ObjectID: 1}},
		TagBase:  7,
	}
	require.NoError(t, g.CheckTags())

	g.Vertices[4].Tag = PackTag(7, MaterialMirror)
	err := g.CheckTags()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "primitive 1")

	// unmapped primitives are not checked
	g.Ranges = g.Ranges[:1]
	assert.NoError(t, g.CheckTags())
}

func TestGroupValidateRejects(t *testing.T) {
	g := &GeometryGroup{Name: "bad", Vertices: make([]Vertex, 2), Indices: []uint32{0, 1, 2}}
	assert.Error(t, g.Validate())
	g.Indices = []uint32{0, 1}
	assert.Error(t, g.Validate())
}

func TestInstanceRecordPacking(t *testing.T) {
	rec := InstanceRecord{
		Transform:   AffineFromMat4(mgl32.Translate3D(1, 2, 3)),
		BLASAddress: 0xdeadbeef00,
		CustomIndex: 0x123456,
		Mask:        0xa5,
		Flags:       InstanceFlagForceOpaque,
	}
	buf := make([]byte, InstanceStride)
	rec.PutBytes(buf)
	assert.Equal(t, rec, DecodeInstance(buf))
	assert.Equal(t, byte(0xa5), buf[51], "mask lives in the top byte")
}

func TestAffineInverse(t *testing.T) {
	m := mgl32.Translate3D(0, 1.5, 0).Mul4(mgl32.HomogRotate3DY(0.6))
	a := AffineFromMat4(m)
	p := mgl32.Vec3{1, 2, 3}
	back := a.Inverse().TransformPoint(a.TransformPoint(p))
	assert.InDelta(t, p[0], back[0], 1e-5)
	assert.InDelta(t, p[1], back[1], 1e-5)
	assert.InDelta(t, p[2], back[2], 1e-5)

	var singular Affine3x4
	assert.Equal(t, IdentityAffine(), singular.Inverse())
}

func TestTransformAABB(t *testing.T) {
	a := AffineFromMat4(mgl32.Translate3D(10, 0, 0))
	lo, hi := a.TransformAABB(mgl32.Vec3{-1, -1, -1}, mgl32.Vec3{1, 1, 1})
	assert.Equal(t, mgl32.Vec3{9, -1, -1}, lo)
	assert.Equal(t, mgl32.Vec3{11, 1, 1}, hi)
}

func TestTags(t *testing.T) {
	tag := PackTag(7, MaterialGlass)
	assert.Equal(t, uint32(7), TagObject(tag))
	assert.Equal(t, MaterialGlass, TagMaterial(tag))
	assert.Equal(t, Albedo(7), Albedo(7))
	assert.NotEqual(t, Albedo(7), Albedo(8))
}

func TestUniformsRoundTrip(t *testing.T) {
	flags := DefaultFeatureFlags()
	flags.AmbientOcclusion = true
	ctx := NewContext(flags, nil)
	ctx.CompiledFlags = flags
	ctx.FrameIndex = 42
	ctx.Time = 1.25
	ctx.Stats.Width, ctx.Stats.Height = 320, 200

	u := NewFrameUniforms(ctx, DefaultCamera())
	buf := make([]byte, UniformSize)
	u.PutBytes(buf)
	d := DecodeUniforms(buf)

	assert.Equal(t, uint32(42), d.Frame)
	assert.Equal(t, float32(1.25), d.Time)
	assert.Equal(t, uint32(320), d.Width)
	assert.Equal(t, uint32(200), d.Height)
	assert.Equal(t, uint32(DefaultShadowSample), d.ShadowSamples)
	assert.Equal(t, uint32(DefaultAOSamples), d.AOSamples)
	assert.Zero(t, d.GIBounces)
	assert.Equal(t, DefaultCamera().Position, d.Camera.Position)
	assert.InDelta(t, 1, d.Forward.Len(), 1e-5)
	assert.InDelta(t, 0, d.Forward.Dot(d.Up), 1e-5)
}
