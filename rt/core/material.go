package core

// Material is the surface response selected by a vertex tag.
type Material uint8

const (
	MaterialDiffuse Material = iota
	MaterialMirror
	MaterialGlass
)

// Vertex tags pack the object id in the low 16 bits and the material above it.
const tagObjectBits = 16

func PackTag(objectID uint32, m Material) uint32 {
	return objectID&(1<<tagObjectBits-1) | uint32(m)<<tagObjectBits
}

func TagObject(tag uint32) uint32     { return tag & (1<<tagObjectBits - 1) }
func TagMaterial(tag uint32) Material { return Material(tag >> tagObjectBits) }

// Albedo is a stable per-object color.
func Albedo(objectID uint32) [3]float32 {
	h := objectID*2654435761 + 0x9e3779b9
	h ^= h >> 15
	return [3]float32{
		0.35 + 0.6*float32(h&0xff)/255,
		0.35 + 0.6*float32((h>>8)&0xff)/255,
		0.35 + 0.6*float32((h>>16)&0xff)/255,
	}
}
