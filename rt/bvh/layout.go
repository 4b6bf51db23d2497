package bvh

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/rtcore/rt/core"
)

// Serialized structures shared by every back end and the WGSL traversal.
//
// Bottom level: [tree][triangle x prims]
//
//	struct Triangle {
//	   p    : vec3<f32>[3]; (36)
//	   n    : vec3<f32>[3]; (36)
//	   tag  : u32;          (4)
//	   pad  : u32;          (4)
//	}; -> 80 bytes
//
// Top level: [tree][instance record (64) + world-to-object affine (48)] x instances
const (
	TriangleStride      = 80
	TopInstanceStride   = core.InstanceStride + 48
	bottomLevelLeafSize = 4
)

type Triangle struct {
	P   [3]mgl32.Vec3
	N   [3]mgl32.Vec3
	Tag uint32
}

func (t *Triangle) Bounds() Bounds {
	return EmptyBounds().Grow(t.P[0]).Grow(t.P[1]).Grow(t.P[2])
}

func (t *Triangle) PutBytes(buf []byte) {
	for k := 0; k < 3; k++ {
		putVec3(buf[k*12:], t.P[k])
		putVec3(buf[36+k*12:], t.N[k])
	}
	binary.LittleEndian.PutUint32(buf[72:], t.Tag)
	binary.LittleEndian.PutUint32(buf[76:], 0)
}

func DecodeTriangle(buf []byte) Triangle {
	var t Triangle
	for k := 0; k < 3; k++ {
		t.P[k] = readVec3(buf[k*12:])
		t.N[k] = readVec3(buf[36+k*12:])
	}
	t.Tag = binary.LittleEndian.Uint32(buf[72:])
	return t
}

// ReadTriangles assembles triangles from encoded core.Vertex data and indices.
func ReadTriangles(vertices, indices []byte, indexCount uint32) ([]Triangle, error) {
	vertexCount := uint32(len(vertices) / core.VertexStride)
	if uint64(indexCount)*4 > uint64(len(indices)) {
		return nil, fmt.Errorf("bvh: %d indices in %d bytes", indexCount, len(indices))
	}
	tris := make([]Triangle, indexCount/3)
	for p := range tris {
		for k := 0; k < 3; k++ {
			idx := binary.LittleEndian.Uint32(indices[(p*3+k)*4:])
			if idx >= vertexCount {
				return nil, fmt.Errorf("bvh: index %d references vertex %d of %d", p*3+k, idx, vertexCount)
			}
			v := core.DecodeVertex(vertices[idx*core.VertexStride:])
			tris[p].P[k] = v.Position
			tris[p].N[k] = v.Normal
			if k == 0 {
				tris[p].Tag = v.Tag
			}
		}
	}
	return tris, nil
}

// BottomLevel is a built triangle structure.
type BottomLevel struct {
	Tree      *Tree
	Triangles []Triangle
}

func BuildBottomLevel(tris []Triangle) (*BottomLevel, error) {
	boxes := make([]Bounds, len(tris))
	for i := range tris {
		boxes[i] = tris[i].Bounds()
	}
	tree, err := Build(boxes, bottomLevelLeafSize)
	if err != nil {
		return nil, err
	}
	return &BottomLevel{Tree: tree, Triangles: tris}, nil
}

func BottomLevelMaxSize(prims int) int {
	return MaxTreeSize(prims) + prims*TriangleStride
}

func (b *BottomLevel) Size() int {
	return b.Tree.Size() + len(b.Triangles)*TriangleStride
}

func (b *BottomLevel) PutBytes(buf []byte) {
	b.Tree.PutBytes(buf)
	off := b.Tree.Size()
	for i := range b.Triangles {
		b.Triangles[i].PutBytes(buf[off : off+TriangleStride])
		off += TriangleStride
	}
}

// TopLevel is a built instance structure. WorldToObject is derived from the
// instance transforms on every build or refit.
type TopLevel struct {
	Tree          *Tree
	Instances     []core.InstanceRecord
	WorldToObject []core.Affine3x4
}

// InstanceBounds returns the world bounds of an instance over a bottom level.
func InstanceBounds(rec *core.InstanceRecord, b *BottomLevel) Bounds {
	root := b.Tree.Root()
	lo, hi := rec.Transform.TransformAABB(root[0], root[1])
	return Bounds{lo, hi}
}

// BuildTopLevel builds over instances, one per leaf. bottoms[i] is the bottom
// level referenced by instances[i].
func BuildTopLevel(instances []core.InstanceRecord, bottoms []*BottomLevel) (*TopLevel, error) {
	t := &TopLevel{}
	boxes := t.reset(instances, bottoms)
	tree, err := Build(boxes, 1)
	if err != nil {
		return nil, err
	}
	t.Tree = tree
	return t, nil
}

// Refit updates the instance data and bounds in place. The instance count
// must match the original build.
func (t *TopLevel) Refit(instances []core.InstanceRecord, bottoms []*BottomLevel) error {
	if len(instances) != len(t.Instances) {
		return fmt.Errorf("bvh: refit with %d instances, built with %d", len(instances), len(t.Instances))
	}
	return t.Tree.Refit(t.reset(instances, bottoms))
}

func (t *TopLevel) reset(instances []core.InstanceRecord, bottoms []*BottomLevel) []Bounds {
	t.Instances = append(t.Instances[:0], instances...)
	t.WorldToObject = t.WorldToObject[:0]
	boxes := make([]Bounds, len(instances))
	for i := range instances {
		t.WorldToObject = append(t.WorldToObject, instances[i].Transform.Inverse())
		boxes[i] = InstanceBounds(&instances[i], bottoms[i])
	}
	return boxes
}

func TopLevelMaxSize(instances int) int {
	return MaxTreeSize(instances) + instances*TopInstanceStride
}

func (t *TopLevel) Size() int {
	return t.Tree.Size() + len(t.Instances)*TopInstanceStride
}

func (t *TopLevel) PutBytes(buf []byte) {
	t.Tree.PutBytes(buf)
	off := t.Tree.Size()
	for i := range t.Instances {
		t.Instances[i].PutBytes(buf[off : off+core.InstanceStride])
		t.WorldToObject[i].PutBytes(buf[off+core.InstanceStride : off+TopInstanceStride])
		off += TopInstanceStride
	}
}

func readVec3(b []byte) mgl32.Vec3 {
	return mgl32.Vec3{
		math.Float32frombits(binary.LittleEndian.Uint32(b[0:])),
		math.Float32frombits(binary.LittleEndian.Uint32(b[4:])),
		math.Float32frombits(binary.LittleEndian.Uint32(b[8:])),
	}
}

func putVec3(b []byte, v mgl32.Vec3) {
	binary.LittleEndian.PutUint32(b[0:], math.Float32bits(v[0]))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(v[1]))
	binary.LittleEndian.PutUint32(b[8:], math.Float32bits(v[2]))
}
