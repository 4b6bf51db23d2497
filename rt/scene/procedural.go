package scene

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/rtcore/rt/core"
)

// Builder appends procedural shapes to a geometry group, recording one object
// range per shape.
type Builder struct {
	g        core.GeometryGroup
	tagBase  uint32
	objectID uint32
}

func NewBuilder(name string, kind core.GroupKind, tagBase uint32) *Builder {
	return &Builder{g: core.GeometryGroup{Name: name, Kind: kind, TagBase: tagBase}, tagBase: tagBase}
}

func (b *Builder) begin() (uint32, uint32) {
	id := b.objectID
	b.objectID++
	return id, b.g.PrimitiveCount()
}

func (b *Builder) end(id, first uint32) {
	b.g.Ranges = append(b.g.Ranges, core.ObjectRange{
		FirstPrimitive: first,
		Count:          b.g.PrimitiveCount() - first,
		ObjectID:       id,
	})
}

func (b *Builder) quad(corners [4]mgl32.Vec3, n mgl32.Vec3, tag uint32) {
	base := uint32(len(b.g.Vertices))
	for _, c := range corners {
		b.g.Vertices = append(b.g.Vertices, core.Vertex{Position: c, Normal: n, Tag: tag})
	}
	b.g.Indices = append(b.g.Indices, base, base+1, base+2, base, base+2, base+3)
}

// Plane adds a horizontal square at height y, facing up. Two primitives.
func (b *Builder) Plane(y, half float32, m core.Material) uint32 {
	id, first := b.begin()
	tag := core.PackTag(b.tagBase+id, m)
	b.quad([4]mgl32.Vec3{
		{-half, y, -half}, {-half, y, half}, {half, y, half}, {half, y, -half},
	}, mgl32.Vec3{0, 1, 0}, tag)
	b.end(id, first)
	return id
}

// Box adds an axis aligned box with flat normals. Twelve primitives.
func (b *Builder) Box(center, half mgl32.Vec3, m core.Material) uint32 {
	id, first := b.begin()
	tag := core.PackTag(b.tagBase+id, m)
	lo, hi := center.Sub(half), center.Add(half)
	v := func(x, y, z int) mgl32.Vec3 {
		p := lo
		if x == 1 {
			p[0] = hi[0]
		}
		if y == 1 {
			p[1] = hi[1]
		}
		if z == 1 {
			p[2] = hi[2]
		}
		return p
	}
	// counter-clockwise seen from outside
	b.quad([4]mgl32.Vec3{v(1, 0, 0), v(1, 1, 0), v(1, 1, 1), v(1, 0, 1)}, mgl32.Vec3{1, 0, 0}, tag)
	b.quad([4]mgl32.Vec3{v(0, 0, 1), v(0, 1, 1), v(0, 1, 0), v(0, 0, 0)}, mgl32.Vec3{-1, 0, 0}, tag)
	b.quad([4]mgl32.Vec3{v(0, 1, 0), v(0, 1, 1), v(1, 1, 1), v(1, 1, 0)}, mgl32.Vec3{0, 1, 0}, tag)
	b.quad([4]mgl32.Vec3{v(0, 0, 1), v(0, 0, 0), v(1, 0, 0), v(1, 0, 1)}, mgl32.Vec3{0, -1, 0}, tag)
	b.quad([4]mgl32.Vec3{v(0, 0, 1), v(1, 0, 1), v(1, 1, 1), v(0, 1, 1)}, mgl32.Vec3{0, 0, 1}, tag)
	b.quad([4]mgl32.Vec3{v(1, 0, 0), v(0, 0, 0), v(0, 1, 0), v(1, 1, 0)}, mgl32.Vec3{0, 0, -1}, tag)
	b.end(id, first)
	return id
}

// Group returns the built group. Dynamic groups drop the ranges and derive
// object ids from primitivesPerObject instead.
func (b *Builder) Group(primitivesPerObject uint32) *core.GeometryGroup {
	g := b.g
	if g.Kind == core.GroupDynamic {
		g.Ranges = nil
		g.PrimitivesPerObject = primitivesPerObject
	}
	return &g
}

const (
	BoxPrimitives = 12
	// DynamicObjects is the sub-object count of the default dynamic group.
	DynamicObjects = 8
	dynamicTagBase = 16
)

// DefaultStatic is the ground plane with a diffuse, a mirror and a glass box.
func DefaultStatic() *core.GeometryGroup {
	b := NewBuilder("static", core.GroupStatic, 0)
	b.Plane(0, 20, core.MaterialDiffuse)
	b.Box(mgl32.Vec3{-4, 1, -2}, mgl32.Vec3{1, 1, 1}, core.MaterialDiffuse)
	b.Box(mgl32.Vec3{4, 1.5, -3}, mgl32.Vec3{0.2, 1.5, 2}, core.MaterialMirror)
	b.Box(mgl32.Vec3{2.5, 0.75, 2}, mgl32.Vec3{0.75, 0.75, 0.75}, core.MaterialGlass)
	return b.Group(0)
}

// DefaultDynamic is a 2x2x2 cluster of cubes centred on the origin, rotated
// as one instance every frame.
func DefaultDynamic() *core.GeometryGroup {
	b := NewBuilder("dynamic", core.GroupDynamic, dynamicTagBase)
	const spacing, half = 0.6, 0.25
	for i := 0; i < DynamicObjects; i++ {
		c := mgl32.Vec3{
			spacing * (float32(i&1) - 0.5),
			spacing * (float32(i>>1&1) - 0.5),
			spacing * (float32(i>>2&1) - 0.5),
		}
		m := core.MaterialDiffuse
		if i == 3 {
			m = core.MaterialMirror
		}
		b.Box(c, mgl32.Vec3{half, half, half}, m)
	}
	return b.Group(BoxPrimitives)
}
