package bvh

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/go-gl/mathgl/mgl32"
)

// MaxDepth bounds the traversal stack used by the ray kernels.
const MaxDepth = 32

type item struct {
	bounds   Bounds
	centroid mgl32.Vec3
	index    uint32
}

// Tree is a linearized BVH. Leaves reference a run of Items; Items hold the
// caller's primitive or instance indices.
type Tree struct {
	Nodes []Node
	Items []uint32
}

// Build partitions boxes by a median split along the widest centroid axis.
// Ties are broken by input index so identical inputs always give identical trees.
func Build(boxes []Bounds, maxLeaf int) (*Tree, error) {
	if maxLeaf < 1 {
		maxLeaf = 1
	}
	t := &Tree{}
	if len(boxes) == 0 {
		t.Nodes = []Node{{Left: -1, Right: -1, LeafFirst: 0, LeafCount: 0}}
		return t, nil
	}

	items := make([]item, len(boxes))
	for i, b := range boxes {
		if !b.Valid() {
			return nil, fmt.Errorf("bvh: item %d has inverted bounds %v", i, b)
		}
		items[i] = item{bounds: b, centroid: b.Centroid(), index: uint32(i)}
	}
	t.Nodes = make([]Node, 0, 2*len(boxes)-1)
	t.Items = make([]uint32, 0, len(boxes))
	if depth := t.recursiveBuild(items, maxLeaf, 0); depth > MaxDepth {
		return nil, fmt.Errorf("bvh: depth %d exceeds traversal stack of %d", depth, MaxDepth)
	}
	return t, nil
}

func (t *Tree) recursiveBuild(items []item, maxLeaf, depth int) int {
	idx := int32(len(t.Nodes))
	t.Nodes = append(t.Nodes, Node{Left: -1, Right: -1, LeafFirst: -1, LeafCount: 0})

	bounds := EmptyBounds()
	centroids := EmptyBounds()
	for _, it := range items {
		bounds = bounds.Union(it.bounds)
		centroids = centroids.Grow(it.centroid)
	}
	t.Nodes[idx].Min = bounds[0]
	t.Nodes[idx].Max = bounds[1]

	if len(items) <= maxLeaf {
		t.Nodes[idx].LeafFirst = int32(len(t.Items))
		t.Nodes[idx].LeafCount = int32(len(items))
		for _, it := range items {
			t.Items = append(t.Items, it.index)
		}
		return depth
	}

	extent := centroids[1].Sub(centroids[0])
	axis := 0
	if extent.Y() > extent.X() {
		axis = 1
	}
	if extent.Z() > extent[axis] {
		axis = 2
	}

	sort.Slice(items, func(i, j int) bool {
		ci, cj := items[i].centroid[axis], items[j].centroid[axis]
		if ci != cj {
			return ci < cj
		}
		return items[i].index < items[j].index
	})

	mid := len(items) / 2
	left := t.recursiveBuild(items[:mid], maxLeaf, depth+1)
	t.Nodes[idx].Left = int32(idx + 1)
	t.Nodes[idx].Right = int32(len(t.Nodes))
	right := t.recursiveBuild(items[mid:], maxLeaf, depth+1)
	return max(left, right)
}

// Refit recomputes node bounds for moved items without changing topology.
// boxes must be indexed like the input to Build. Children always follow their
// parent in Nodes, so a reverse sweep sees children first.
func (t *Tree) Refit(boxes []Bounds) error {
	if len(boxes) != len(t.Items) {
		return fmt.Errorf("bvh: refit with %d items, tree was built with %d", len(boxes), len(t.Items))
	}
	for i := len(t.Nodes) - 1; i >= 0; i-- {
		n := &t.Nodes[i]
		b := EmptyBounds()
		if n.IsLeaf() {
			for k := n.LeafFirst; k < n.LeafFirst+n.LeafCount; k++ {
				b = b.Union(boxes[t.Items[k]])
			}
		} else {
			l, r := &t.Nodes[n.Left], &t.Nodes[n.Right]
			b = Bounds{l.Min, l.Max}.Union(Bounds{r.Min, r.Max})
		}
		n.Min, n.Max = b[0], b[1]
	}
	return nil
}

func (t *Tree) Root() Bounds {
	return Bounds{t.Nodes[0].Min, t.Nodes[0].Max}
}

// Size is the serialized byte length of the tree.
func (t *Tree) Size() int {
	return TreeHeaderSize + len(t.Nodes)*NodeStride + len(t.Items)*4
}

// TreeHeaderSize prefixes a serialized tree with its node and item counts (vec4<u32>).
const TreeHeaderSize = 16

// MaxTreeSize is the serialized size upper bound for n items, used for prebuild sizing.
func MaxTreeSize(n int) int {
	if n == 0 {
		return TreeHeaderSize + NodeStride
	}
	return TreeHeaderSize + (2*n-1)*NodeStride + n*4
}

func (t *Tree) PutBytes(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(t.Nodes)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(t.Items)))
	clear(buf[8:16])
	off := TreeHeaderSize
	for i := range t.Nodes {
		t.Nodes[i].PutBytes(buf[off : off+NodeStride])
		off += NodeStride
	}
	for _, it := range t.Items {
		binary.LittleEndian.PutUint32(buf[off:], it)
		off += 4
	}
}

func DecodeTree(buf []byte) (*Tree, error) {
	if len(buf) < TreeHeaderSize {
		return nil, fmt.Errorf("bvh: buffer of %d bytes has no header", len(buf))
	}
	nodes := int(binary.LittleEndian.Uint32(buf[0:4]))
	items := int(binary.LittleEndian.Uint32(buf[4:8]))
	need := TreeHeaderSize + nodes*NodeStride + items*4
	if len(buf) < need {
		return nil, fmt.Errorf("bvh: header wants %d bytes, buffer has %d", need, len(buf))
	}
	t := &Tree{Nodes: make([]Node, nodes), Items: make([]uint32, items)}
	off := TreeHeaderSize
	for i := range t.Nodes {
		t.Nodes[i] = DecodeNode(buf[off : off+NodeStride])
		off += NodeStride
	}
	for i := range t.Items {
		t.Items[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	return t, nil
}
