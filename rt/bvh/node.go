package bvh

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// NodeStride matches the WGSL Node struct:
//
//	struct Node {
//	   aabb_min   : vec4<f32>; (16)
//	   aabb_max   : vec4<f32>; (16)
//	   left       : i32;       (4)
//	   right      : i32;       (4)
//	   leaf_first : i32;       (4)
//	   leaf_count : i32;       (4)
//	   padding    : i32[4];    (16)
//	}; -> 64 bytes
const NodeStride = 64

type Node struct {
	Min       mgl32.Vec3
	Max       mgl32.Vec3
	Left      int32
	Right     int32
	LeafFirst int32
	LeafCount int32
}

func (n *Node) IsLeaf() bool {
	return n.Left < 0
}

func (n *Node) PutBytes(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(n.Min.X()))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(n.Min.Y()))
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(n.Min.Z()))
	binary.LittleEndian.PutUint32(buf[12:16], 0)

	binary.LittleEndian.PutUint32(buf[16:20], math.Float32bits(n.Max.X()))
	binary.LittleEndian.PutUint32(buf[20:24], math.Float32bits(n.Max.Y()))
	binary.LittleEndian.PutUint32(buf[24:28], math.Float32bits(n.Max.Z()))
	binary.LittleEndian.PutUint32(buf[28:32], 0)

	binary.LittleEndian.PutUint32(buf[32:36], uint32(n.Left))
	binary.LittleEndian.PutUint32(buf[36:40], uint32(n.Right))
	binary.LittleEndian.PutUint32(buf[40:44], uint32(n.LeafFirst))
	binary.LittleEndian.PutUint32(buf[44:48], uint32(n.LeafCount))
	clear(buf[48:64])
}

func DecodeNode(buf []byte) Node {
	f := func(off int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(buf[off : off+4]))
	}
	i := func(off int) int32 {
		return int32(binary.LittleEndian.Uint32(buf[off : off+4]))
	}
	return Node{
		Min:       mgl32.Vec3{f(0), f(4), f(8)},
		Max:       mgl32.Vec3{f(16), f(20), f(24)},
		Left:      i(32),
		Right:     i(36),
		LeafFirst: i(40),
		LeafCount: i(44),
	}
}

// Bounds is an axis aligned box, Min/Max.
type Bounds [2]mgl32.Vec3

func EmptyBounds() Bounds {
	inf := float32(math.Inf(1))
	return Bounds{{inf, inf, inf}, {-inf, -inf, -inf}}
}

func (b Bounds) Union(o Bounds) Bounds {
	return Bounds{
		{min(b[0][0], o[0][0]), min(b[0][1], o[0][1]), min(b[0][2], o[0][2])},
		{max(b[1][0], o[1][0]), max(b[1][1], o[1][1]), max(b[1][2], o[1][2])},
	}
}

func (b Bounds) Grow(p mgl32.Vec3) Bounds {
	return b.Union(Bounds{p, p})
}

func (b Bounds) Centroid() mgl32.Vec3 {
	return b[0].Add(b[1]).Mul(0.5)
}

func (b Bounds) Valid() bool {
	return b[0][0] <= b[1][0] && b[0][1] <= b[1][1] && b[0][2] <= b[1][2]
}
