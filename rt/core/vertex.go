package core

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// VertexStride is the byte size of one uploaded vertex.
//
//	struct Vertex {
//	   px, py, pz : f32; (12)
//	   tag        : u32; (4)
//	   nx, ny, nz : f32; (12)
//	   pad        : u32; (4)
//	}; -> 32 bytes
const VertexStride = 32

type Vertex struct {
	Position mgl32.Vec3
	Normal   mgl32.Vec3
	Tag      uint32
}

func (v *Vertex) PutBytes(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(v.Position.X()))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(v.Position.Y()))
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(v.Position.Z()))
	binary.LittleEndian.PutUint32(buf[12:16], v.Tag)
	binary.LittleEndian.PutUint32(buf[16:20], math.Float32bits(v.Normal.X()))
	binary.LittleEndian.PutUint32(buf[20:24], math.Float32bits(v.Normal.Y()))
	binary.LittleEndian.PutUint32(buf[24:28], math.Float32bits(v.Normal.Z()))
	binary.LittleEndian.PutUint32(buf[28:32], 0)
}

func DecodeVertex(buf []byte) Vertex {
	f := func(off int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(buf[off : off+4]))
	}
	return Vertex{
		Position: mgl32.Vec3{f(0), f(4), f(8)},
		Tag:      binary.LittleEndian.Uint32(buf[12:16]),
		Normal:   mgl32.Vec3{f(16), f(20), f(24)},
	}
}

func EncodeVertices(vertices []Vertex) []byte {
	out := make([]byte, len(vertices)*VertexStride)
	for i := range vertices {
		vertices[i].PutBytes(out[i*VertexStride:])
	}
	return out
}

func EncodeIndices(indices []uint32) []byte {
	out := make([]byte, len(indices)*4)
	for i, idx := range indices {
		binary.LittleEndian.PutUint32(out[i*4:], idx)
	}
	return out
}
