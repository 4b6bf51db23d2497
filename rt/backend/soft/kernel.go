package soft

import (
	"math"
	"sync"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/rtcore/rt/bvh"
	"github.com/gekko3d/rtcore/rt/core"
	"github.com/gekko3d/rtcore/rt/shaders"
)

const (
	tMax       = float32(1e30)
	surfaceEps = float32(1e-3)
	maxDepth   = 12
)

// kernel mirrors raygen.wgsl for one dispatch.
type kernel struct {
	p     *Pipeline
	u     core.DecodedUniforms
	scene *AccelerationStructure
	out   *Image
	w, h  uint32
}

func (k *kernel) run(workers int) {
	rows := make(chan uint32, k.h)
	for y := uint32(0); y < k.h; y++ {
		rows <- y
	}
	close(rows)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for y := range rows {
				for x := uint32(0); x < k.w; x++ {
					k.pixel(x, y)
				}
			}
		}()
	}
	wg.Wait()
}

type rng uint32

func newRNG(x, y, frame uint32) rng {
	return rng((x*1973 + y*9277 + frame*26699) | 1)
}

func (r *rng) float() float32 {
	s := uint32(*r)
	s ^= s << 13
	s ^= s >> 17
	s ^= s << 5
	*r = rng(s)
	return float32(float64(s) / 4294967296.0)
}

func (k *kernel) pixel(x, y uint32) {
	r := newRNG(x, y, k.u.Frame)
	aspect := float32(k.w) / float32(k.h)
	th := float32(math.Tan(float64(mgl32.DegToRad(k.u.Camera.FOV)) * 0.5))
	px := (2*(float32(x)+0.5)/float32(k.w) - 1) * aspect * th
	py := (1 - 2*(float32(y)+0.5)/float32(k.h)) * th
	d := k.u.Forward.Add(k.u.Right.Mul(px)).Add(k.u.Up.Mul(py)).Normalize()

	c := k.radiance(k.u.Camera.Position, d, &r)
	for i := range c {
		c[i] = float32(math.Sqrt(float64(clamp01(c[i]))))
	}

	off := (int(y)*int(k.out.desc.Width) + int(x)) * 4
	px8 := k.out.pix[off : off+4]
	if k.p.has(shaders.DefTemporalDenoise) && k.u.Frame > 0 {
		b := k.u.DenoiseBlend
		for i := 0; i < 3; i++ {
			prev := float32(px8[i]) / 255
			c[i] = prev + (c[i]-prev)*b
		}
	}
	for i := 0; i < 3; i++ {
		px8[i] = uint8(clamp01(c[i])*255 + 0.5)
	}
	px8[3] = 255
}

func clamp01(v float32) float32 {
	return min(max(v, 0), 1)
}

type hit struct {
	t, u, v float32
	inst    uint32
	prim    uint32
	found   bool
}

// trace walks the top level, then each instance's bottom level in object space.
func (k *kernel) trace(o, d mgl32.Vec3, limit float32, anyHit bool) hit {
	h := hit{t: limit}
	tl := k.scene.tlas
	ray := bvh.NewRay(o, d)
	tl.Tree.Traverse(&ray, limit, func(inst uint32, best float32) (float32, bool) {
		rec := &tl.Instances[inst]
		if rec.Mask == 0 {
			return best, false
		}
		inv := tl.WorldToObject[inst]
		bl := k.scene.refs[inst].blas
		oray := bvh.NewRay(inv.TransformPoint(o), inv.TransformVector(d))
		best = bl.Tree.Traverse(&oray, best, func(prim uint32, best float32) (float32, bool) {
			tri := &bl.Triangles[prim]
			t, u, v, ok := bvh.IntersectTriangle(&oray, tri.P[0], tri.P[1], tri.P[2], best)
			if !ok {
				return best, false
			}
			h = hit{t: t, u: u, v: v, inst: inst, prim: prim, found: true}
			return t, anyHit
		})
		return best, anyHit && h.found
	})
	return h
}

func (k *kernel) occluded(p, n, l mgl32.Vec3, dist float32) bool {
	return k.trace(p.Add(n.Mul(surfaceEps)), l, dist, true).found
}

type surfacePoint struct {
	p, n mgl32.Vec3
	tag  uint32
}

func (k *kernel) surfaceAt(h hit, o, d mgl32.Vec3) surfacePoint {
	tl := k.scene.tlas
	tri := &k.scene.refs[h.inst].blas.Triangles[h.prim]
	w := 1 - h.u - h.v
	nObj := tri.N[0].Mul(w).Add(tri.N[1].Mul(h.u)).Add(tri.N[2].Mul(h.v))
	return surfacePoint{
		p:   o.Add(d.Mul(h.t)),
		n:   tl.Instances[h.inst].Transform.TransformVector(nObj).Normalize(),
		tag: tri.Tag,
	}
}

func sky(d mgl32.Vec3) mgl32.Vec3 {
	t := 0.5 * (d.Y() + 1)
	return mgl32.Vec3{1, 1, 1}.Mul(1 - t).Add(mgl32.Vec3{0.5, 0.7, 1.0}.Mul(t)).Mul(0.8)
}

func jitter(l mgl32.Vec3, amount float32, r *rng) mgl32.Vec3 {
	j := mgl32.Vec3{r.float() - 0.5, r.float() - 0.5, r.float() - 0.5}
	return l.Add(j.Mul(amount)).Normalize()
}

func (k *kernel) sunLight(p, n mgl32.Vec3, r *rng) mgl32.Vec3 {
	l := k.u.SunDir.Normalize()
	ndl := n.Dot(l)
	if ndl <= 0 {
		return mgl32.Vec3{}
	}
	var vis float32
	if k.p.has(shaders.DefSoftShadows) {
		samples := max(k.u.ShadowSamples, 1)
		for s := uint32(0); s < samples; s++ {
			if !k.occluded(p, n, jitter(l, 0.08, r), tMax) {
				vis++
			}
		}
		vis /= float32(samples)
	} else if !k.occluded(p, n, l, tMax) {
		vis = 1
	}
	return mgl32.Vec3{1, 0.97, 0.9}.Mul(ndl * vis * k.u.SunIntensity)
}

func (k *kernel) spotLight(p, n mgl32.Vec3) mgl32.Vec3 {
	toLight := k.u.SpotPos.Sub(p)
	dist := toLight.Len()
	l := toLight.Mul(1 / dist)
	cosA := l.Mul(-1).Dot(k.u.SpotDir.Normalize())
	if cosA < k.u.SpotCosOuter {
		return mgl32.Vec3{}
	}
	ndl := n.Dot(l)
	if ndl <= 0 || k.occluded(p, n, l, dist) {
		return mgl32.Vec3{}
	}
	edge := smoothstep(k.u.SpotCosOuter, 1, cosA)
	return mgl32.Vec3{1, 0.9, 0.7}.Mul(ndl * edge * k.u.SpotIntensity / (1 + 0.05*dist*dist))
}

func smoothstep(e0, e1, x float32) float32 {
	t := clamp01((x - e0) / (e1 - e0))
	return t * t * (3 - 2*t)
}

func (k *kernel) ambientOcclusion(p, n mgl32.Vec3, r *rng) float32 {
	samples := max(k.u.AOSamples, 1)
	var unblocked float32
	for s := uint32(0); s < samples; s++ {
		if !k.occluded(p, n, cosineDir(n, r), k.u.AORadius) {
			unblocked++
		}
	}
	return unblocked / float32(samples)
}

func cosineDir(n mgl32.Vec3, r *rng) mgl32.Vec3 {
	r1, r2 := r.float(), r.float()
	phi := 2 * math.Pi * float64(r1)
	rad := float32(math.Sqrt(float64(r2)))
	t := mgl32.Vec3{1, 0, 0}
	if math.Abs(float64(n.X())) > 0.9 {
		t = mgl32.Vec3{0, 1, 0}
	}
	b1 := n.Cross(t).Normalize()
	b2 := n.Cross(b1)
	return b1.Mul(float32(math.Cos(phi)) * rad).
		Add(b2.Mul(float32(math.Sin(phi)) * rad)).
		Add(n.Mul(float32(math.Sqrt(float64(1 - r2))))).
		Normalize()
}

func (k *kernel) direct(p, n mgl32.Vec3, r *rng) mgl32.Vec3 {
	c := k.sunLight(p, n, r)
	if k.p.has(shaders.DefSpotlight) {
		c = c.Add(k.spotLight(p, n))
	}
	return c
}

func mulVec(a, b mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{a[0] * b[0], a[1] * b[1], a[2] * b[2]}
}

func reflect(d, n mgl32.Vec3) mgl32.Vec3 {
	return d.Sub(n.Mul(2 * d.Dot(n)))
}

// refract follows the WGSL builtin: zero vector on total internal reflection.
func refract(d, n mgl32.Vec3, eta float32) mgl32.Vec3 {
	cosI := d.Dot(n)
	k := 1 - eta*eta*(1-cosI*cosI)
	if k < 0 {
		return mgl32.Vec3{}
	}
	return d.Mul(eta).Sub(n.Mul(eta*cosI + float32(math.Sqrt(float64(k)))))
}

func (k *kernel) radiance(o, d mgl32.Vec3, r *rng) mgl32.Vec3 {
	throughput := mgl32.Vec3{1, 1, 1}
	var color mgl32.Vec3
	var diffuseBounces, specular uint32
	reflections := k.p.has(shaders.DefReflections)
	refraction := k.p.has(shaders.DefRefraction)
	ao := k.p.has(shaders.DefAmbientOcclusion)
	gi := k.p.has(shaders.DefGlobalIllum)

	for depth := 0; depth < maxDepth; depth++ {
		h := k.trace(o, d, tMax, false)
		if !h.found {
			color = color.Add(mulVec(throughput, sky(d)))
			break
		}
		s := k.surfaceAt(h, o, d)
		mat := core.TagMaterial(s.tag)
		a := core.Albedo(core.TagObject(s.tag))
		base := mgl32.Vec3{a[0], a[1], a[2]}

		if reflections && mat == core.MaterialMirror && specular < 3 {
			specular++
			color = color.Add(mulVec(throughput, mulVec(base, k.direct(s.p, s.n, r))).Mul(0.2))
			throughput = throughput.Mul(0.8)
			o = s.p.Add(s.n.Mul(surfaceEps))
			d = reflect(d, s.n)
			continue
		}
		if refraction && mat == core.MaterialGlass && specular < 3 {
			specular++
			n, eta := s.n, float32(1/1.5)
			if d.Dot(n) > 0 {
				n, eta = n.Mul(-1), 1.5
			}
			out := refract(d, n, eta)
			if out.Dot(out) == 0 {
				out = reflect(d, n)
				o = s.p.Add(n.Mul(surfaceEps))
			} else {
				o = s.p.Sub(n.Mul(surfaceEps))
			}
			throughput = mulVec(throughput, mgl32.Vec3{0.9, 0.95, 1})
			d = out
			continue
		}

		ambient := float32(0.15)
		if ao {
			ambient *= k.ambientOcclusion(s.p, s.n, r)
		}
		light := k.direct(s.p, s.n, r).Add(mgl32.Vec3{ambient, ambient, ambient})
		color = color.Add(mulVec(throughput, mulVec(base, light)))
		if gi && diffuseBounces < k.u.GIBounces {
			diffuseBounces++
			throughput = mulVec(throughput, base.Mul(0.5))
			o = s.p.Add(s.n.Mul(surfaceEps))
			d = cosineDir(s.n, r)
			continue
		}
		break
	}
	return color
}
