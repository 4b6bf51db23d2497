package bvh

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

type Ray struct {
	Origin mgl32.Vec3
	Dir    mgl32.Vec3
	invDir mgl32.Vec3
}

func NewRay(origin, dir mgl32.Vec3) Ray {
	inv := func(v float32) float32 {
		if v == 0 {
			return float32(math.Inf(1))
		}
		return 1 / v
	}
	return Ray{Origin: origin, Dir: dir, invDir: mgl32.Vec3{inv(dir.X()), inv(dir.Y()), inv(dir.Z())}}
}

// IntersectBox is the slab test. Returns the entry distance and whether the
// box is hit in [0, tMax].
func (r *Ray) IntersectBox(lo, hi mgl32.Vec3, tMax float32) (float32, bool) {
	tmin, tmax := float32(0), tMax
	for a := 0; a < 3; a++ {
		t0 := (lo[a] - r.Origin[a]) * r.invDir[a]
		t1 := (hi[a] - r.Origin[a]) * r.invDir[a]
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		// NaN from 0*Inf on a slab boundary keeps the previous bound.
		if t0 > tmin {
			tmin = t0
		}
		if t1 < tmax {
			tmax = t1
		}
		if tmax < tmin {
			return 0, false
		}
	}
	return tmin, true
}

// Visit is called for each leaf item whose box the ray enters. It returns the
// new closest hit distance (or tMax unchanged) and whether to stop.
type Visit func(item uint32, tMax float32) (float32, bool)

// Traverse walks the tree front to back with a fixed stack. It returns the
// final tMax after all visits.
func (t *Tree) Traverse(r *Ray, tMax float32, visit Visit) float32 {
	if len(t.Nodes) == 0 || len(t.Items) == 0 {
		return tMax
	}
	var stack [MaxDepth * 2]int32
	sp := 0
	stack[sp] = 0
	sp++
	for sp > 0 {
		sp--
		n := &t.Nodes[stack[sp]]
		if _, ok := r.IntersectBox(n.Min, n.Max, tMax); !ok {
			continue
		}
		if n.IsLeaf() {
			for k := n.LeafFirst; k < n.LeafFirst+n.LeafCount; k++ {
				var stop bool
				tMax, stop = visit(t.Items[k], tMax)
				if stop {
					return tMax
				}
			}
			continue
		}
		l, r2 := &t.Nodes[n.Left], &t.Nodes[n.Right]
		dl, okL := r.IntersectBox(l.Min, l.Max, tMax)
		dr, okR := r.IntersectBox(r2.Min, r2.Max, tMax)
		// Push the far child first so the near one is popped next.
		switch {
		case okL && okR:
			if dl <= dr {
				stack[sp], stack[sp+1] = n.Right, n.Left
			} else {
				stack[sp], stack[sp+1] = n.Left, n.Right
			}
			sp += 2
		case okL:
			stack[sp] = n.Left
			sp++
		case okR:
			stack[sp] = n.Right
			sp++
		}
	}
	return tMax
}

// IntersectTriangle is Moller-Trumbore. It returns distance and barycentrics u, v.
func IntersectTriangle(r *Ray, a, b, c mgl32.Vec3, tMax float32) (t, u, v float32, ok bool) {
	const eps = 1e-7
	e1 := b.Sub(a)
	e2 := c.Sub(a)
	p := r.Dir.Cross(e2)
	det := e1.Dot(p)
	if det > -eps && det < eps {
		return 0, 0, 0, false
	}
	inv := 1 / det
	s := r.Origin.Sub(a)
	u = s.Dot(p) * inv
	if u < 0 || u > 1 {
		return 0, 0, 0, false
	}
	q := s.Cross(e1)
	v = r.Dir.Dot(q) * inv
	if v < 0 || u+v > 1 {
		return 0, 0, 0, false
	}
	t = e2.Dot(q) * inv
	if t <= 1e-4 || t >= tMax {
		return 0, 0, 0, false
	}
	return t, u, v, true
}
