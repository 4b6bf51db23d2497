package core

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Affine3x4 is a row-major 3x4 affine matrix, the instance transform layout
// consumed by top-level builds. Row r is elements [4r, 4r+4).
type Affine3x4 [12]float32

func IdentityAffine() Affine3x4 {
	return Affine3x4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
	}
}

// AffineFromMat4 drops the projective row of a column-major mgl32 matrix.
func AffineFromMat4(m mgl32.Mat4) Affine3x4 {
	var a Affine3x4
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			a[r*4+c] = m.At(r, c)
		}
	}
	return a
}

func (a Affine3x4) Mat4() mgl32.Mat4 {
	m := mgl32.Ident4()
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			m.Set(r, c, a[r*4+c])
		}
	}
	return m
}

func (a Affine3x4) TransformPoint(p mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{
		a[0]*p[0] + a[1]*p[1] + a[2]*p[2] + a[3],
		a[4]*p[0] + a[5]*p[1] + a[6]*p[2] + a[7],
		a[8]*p[0] + a[9]*p[1] + a[10]*p[2] + a[11],
	}
}

func (a Affine3x4) TransformVector(v mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{
		a[0]*v[0] + a[1]*v[1] + a[2]*v[2],
		a[4]*v[0] + a[5]*v[1] + a[6]*v[2],
		a[8]*v[0] + a[9]*v[1] + a[10]*v[2],
	}
}

// Inverse returns the inverse affine. Singular matrices yield the identity.
func (a Affine3x4) Inverse() Affine3x4 {
	m := a.Mat4()
	if m.Det() == 0 {
		return IdentityAffine()
	}
	return AffineFromMat4(m.Inv())
}

// TransformAABB returns the world bounds of the 8 transformed box corners.
func (a Affine3x4) TransformAABB(minB, maxB mgl32.Vec3) (mgl32.Vec3, mgl32.Vec3) {
	inf := float32(math.Inf(1))
	wMin := mgl32.Vec3{inf, inf, inf}
	wMax := mgl32.Vec3{-inf, -inf, -inf}
	for i := 0; i < 8; i++ {
		c := mgl32.Vec3{minB[0], minB[1], minB[2]}
		if i&1 != 0 {
			c[0] = maxB[0]
		}
		if i&2 != 0 {
			c[1] = maxB[1]
		}
		if i&4 != 0 {
			c[2] = maxB[2]
		}
		w := a.TransformPoint(c)
		for k := 0; k < 3; k++ {
			wMin[k] = min(wMin[k], w[k])
			wMax[k] = max(wMax[k], w[k])
		}
	}
	return wMin, wMax
}

func (a Affine3x4) PutBytes(buf []byte) {
	for i, v := range a {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
}

func DecodeAffine(buf []byte) Affine3x4 {
	var a Affine3x4
	for i := range a {
		a[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return a
}
