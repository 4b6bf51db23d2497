package core

import (
	"fmt"
	"sort"
)

type GroupKind uint8

const (
	GroupStatic GroupKind = iota
	GroupDynamic
)

func (k GroupKind) String() string {
	switch k {
	case GroupStatic:
		return "static"
	case GroupDynamic:
		return "dynamic"
	default:
		return fmt.Sprintf("group(%d)", uint8(k))
	}
}

// ObjectRange maps a contiguous run of primitives in a static group to one object.
type ObjectRange struct {
	FirstPrimitive uint32
	Count          uint32
	ObjectID       uint32
}

// GeometryGroup is a vertex/index set that becomes one bottom-level structure.
// Groups are created once at startup and never mutated afterwards.
type GeometryGroup struct {
	Name     string
	Kind     GroupKind
	Vertices []Vertex
	Indices  []uint32

	// Static groups: sorted, non-overlapping ranges.
	Ranges []ObjectRange
	// Dynamic groups: object id = primitive / PrimitivesPerObject.
	PrimitivesPerObject uint32

	// TagBase is added to a mapped object id to form the object bits of its
	// vertex tags. Kernels read the object from the tag, not the mapping.
	TagBase uint32
}

func (g *GeometryGroup) PrimitiveCount() uint32 {
	return uint32(len(g.Indices) / 3)
}

// ObjectCount is the number of distinct objects addressed by the primitive mapping.
func (g *GeometryGroup) ObjectCount() uint32 {
	switch g.Kind {
	case GroupDynamic:
		if g.PrimitivesPerObject == 0 {
			return 0
		}
		return g.PrimitiveCount() / g.PrimitivesPerObject
	default:
		return uint32(len(g.Ranges))
	}
}

// ObjectID resolves the object a primitive belongs to. ok is false for
// primitives outside every range.
func (g *GeometryGroup) ObjectID(prim uint32) (uint32, bool) {
	if prim >= g.PrimitiveCount() {
		return 0, false
	}
	if g.Kind == GroupDynamic {
		if g.PrimitivesPerObject == 0 {
			return 0, false
		}
		return prim / g.PrimitivesPerObject, true
	}
	i := sort.Search(len(g.Ranges), func(i int) bool {
		r := g.Ranges[i]
		return r.FirstPrimitive+r.Count > prim
	})
	if i == len(g.Ranges) || g.Ranges[i].FirstPrimitive > prim {
		return 0, false
	}
	return g.Ranges[i].ObjectID, true
}

// CheckTags verifies that every mapped primitive's vertex tags carry
// TagBase plus the primitive's object id.
func (g *GeometryGroup) CheckTags() error {
	for p := uint32(0); p < g.PrimitiveCount(); p++ {
		id, ok := g.ObjectID(p)
		if !ok {
			continue
		}
		for _, idx := range g.Indices[p*3 : p*3+3] {
			if got := TagObject(g.Vertices[idx].Tag); got != g.TagBase+id {
				return fmt.Errorf("geometry group %q: primitive %d is tagged object %d, mapped to %d", g.Name, p, got, g.TagBase+id)
			}
		}
	}
	return nil
}

func (g *GeometryGroup) Validate() error {
	if len(g.Vertices) == 0 || len(g.Indices) == 0 {
		return fmt.Errorf("geometry group %q: empty", g.Name)
	}
	if len(g.Indices)%3 != 0 {
		return fmt.Errorf("geometry group %q: index count %d is not a multiple of 3", g.Name, len(g.Indices))
	}
	for _, idx := range g.Indices {
		if int(idx) >= len(g.Vertices) {
			return fmt.Errorf("geometry group %q: index %d out of range (%d vertices)", g.Name, idx, len(g.Vertices))
		}
	}
	switch g.Kind {
	case GroupDynamic:
		if g.PrimitivesPerObject == 0 || g.PrimitiveCount()%g.PrimitivesPerObject != 0 {
			return fmt.Errorf("geometry group %q: %d primitives do not split into objects of %d", g.Name, g.PrimitiveCount(), g.PrimitivesPerObject)
		}
	case GroupStatic:
		next := uint32(0)
		for _, r := range g.Ranges {
			if r.FirstPrimitive < next || r.Count == 0 {
				return fmt.Errorf("geometry group %q: object ranges overlap or are empty at primitive %d", g.Name, r.FirstPrimitive)
			}
			next = r.FirstPrimitive + r.Count
		}
		if next > g.PrimitiveCount() {
			return fmt.Errorf("geometry group %q: object ranges exceed %d primitives", g.Name, g.PrimitiveCount())
		}
	}
	return nil
}
