package core

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// UniformSize is one frame slot's uniform region, padded to the 256 byte
// offset alignment every back end accepts.
const UniformSize = 256

type Camera struct {
	Position mgl32.Vec3 `toml:"position"`
	Target   mgl32.Vec3 `toml:"target"`
	// FOV is the vertical field of view in degrees.
	FOV float32 `toml:"fov"`
}

func DefaultCamera() Camera {
	return Camera{
		Position: mgl32.Vec3{0, 4, 12},
		Target:   mgl32.Vec3{0, 1, 0},
		FOV:      60,
	}
}

// Basis returns forward, right and up unit vectors for a Y-up world.
func (c Camera) Basis() (forward, right, up mgl32.Vec3) {
	forward = c.Target.Sub(c.Position)
	if forward.Len() == 0 {
		forward = mgl32.Vec3{0, 0, -1}
	}
	forward = forward.Normalize()
	worldUp := mgl32.Vec3{0, 1, 0}
	if math.Abs(float64(forward.Dot(worldUp))) > 0.999 {
		worldUp = mgl32.Vec3{0, 0, 1}
	}
	right = forward.Cross(worldUp).Normalize()
	up = right.Cross(forward)
	return forward, right, up
}

type FrameUniforms struct {
	Camera Camera

	SunDir       mgl32.Vec3
	SunIntensity float32

	SpotPos       mgl32.Vec3
	SpotDir       mgl32.Vec3
	SpotCosOuter  float32
	SpotIntensity float32

	Time   float32
	Frame  uint32
	Width  uint32
	Height uint32

	ShadowSamples uint32
	AOSamples     uint32
	GIBounces     uint32
	AORadius      float32
	DenoiseBlend  float32
}

// NewFrameUniforms fills the per-frame block from the context: time, frame
// counter, resolution and the sample counts of the active variant.
func NewFrameUniforms(ctx *Context, cam Camera) FrameUniforms {
	f := ctx.CompiledFlags
	return FrameUniforms{
		Camera:        cam,
		SunDir:        mgl32.Vec3{-0.4, 1, 0.3}.Normalize(),
		SunIntensity:  0.9,
		SpotPos:       mgl32.Vec3{0, 6, 0},
		SpotDir:       mgl32.Vec3{0, -1, 0},
		SpotCosOuter:  float32(math.Cos(30 * math.Pi / 180)),
		SpotIntensity: 1.5,
		Time:          float32(ctx.Time),
		Frame:         uint32(ctx.FrameIndex),
		Width:         ctx.Stats.Width,
		Height:        ctx.Stats.Height,
		ShadowSamples: f.EffectiveShadowSamples(),
		AOSamples:     f.EffectiveAOSamples(),
		GIBounces:     f.EffectiveGIBounces(),
		AORadius:      f.AORadius,
		DenoiseBlend:  f.DenoiseBlend,
	}
}

// PutBytes encodes the block:
//
//	struct Frame {
//	  cam_pos:   vec4<f32>  -- xyz, w = fov (deg)
//	  cam_fwd:   vec4<f32>
//	  cam_right: vec4<f32>
//	  cam_up:    vec4<f32>
//	  sun:       vec4<f32>  -- xyz dir, w intensity
//	  spot_pos:  vec4<f32>  -- w = cos outer
//	  spot_dir:  vec4<f32>  -- w = intensity
//	  time, frame, width, height
//	  shadow_samples, ao_samples, gi_bounces, pad
//	  ao_radius, denoise_blend, pad, pad
//	} -> 160 bytes, padded to 256
func (u *FrameUniforms) PutBytes(buf []byte) {
	clear(buf[:UniformSize])
	vec := func(off int, v mgl32.Vec3, w float32) {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v[0]))
		binary.LittleEndian.PutUint32(buf[off+4:], math.Float32bits(v[1]))
		binary.LittleEndian.PutUint32(buf[off+8:], math.Float32bits(v[2]))
		binary.LittleEndian.PutUint32(buf[off+12:], math.Float32bits(w))
	}
	fwd, right, up := u.Camera.Basis()
	vec(0, u.Camera.Position, u.Camera.FOV)
	vec(16, fwd, 0)
	vec(32, right, 0)
	vec(48, up, 0)
	vec(64, u.SunDir, u.SunIntensity)
	vec(80, u.SpotPos, u.SpotCosOuter)
	vec(96, u.SpotDir, u.SpotIntensity)

	binary.LittleEndian.PutUint32(buf[112:], math.Float32bits(u.Time))
	binary.LittleEndian.PutUint32(buf[116:], u.Frame)
	binary.LittleEndian.PutUint32(buf[120:], u.Width)
	binary.LittleEndian.PutUint32(buf[124:], u.Height)
	binary.LittleEndian.PutUint32(buf[128:], u.ShadowSamples)
	binary.LittleEndian.PutUint32(buf[132:], u.AOSamples)
	binary.LittleEndian.PutUint32(buf[136:], u.GIBounces)
	binary.LittleEndian.PutUint32(buf[144:], math.Float32bits(u.AORadius))
	binary.LittleEndian.PutUint32(buf[148:], math.Float32bits(u.DenoiseBlend))
}

// DecodedUniforms is the view a ray kernel needs: camera basis instead of a target.
type DecodedUniforms struct {
	FrameUniforms
	Forward, Right, Up mgl32.Vec3
}

func DecodeUniforms(buf []byte) DecodedUniforms {
	f := func(off int) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(buf[off:])) }
	u32 := func(off int) uint32 { return binary.LittleEndian.Uint32(buf[off:]) }
	v := func(off int) mgl32.Vec3 { return mgl32.Vec3{f(off), f(off + 4), f(off + 8)} }

	var d DecodedUniforms
	d.Camera.Position = v(0)
	d.Camera.FOV = f(12)
	d.Forward, d.Right, d.Up = v(16), v(32), v(48)
	d.Camera.Target = d.Camera.Position.Add(d.Forward)
	d.SunDir, d.SunIntensity = v(64), f(76)
	d.SpotPos, d.SpotCosOuter = v(80), f(92)
	d.SpotDir, d.SpotIntensity = v(96), f(108)
	d.Time, d.Frame, d.Width, d.Height = f(112), u32(116), u32(120), u32(124)
	d.ShadowSamples, d.AOSamples, d.GIBounces = u32(128), u32(132), u32(136)
	d.AORadius, d.DenoiseBlend = f(144), f(148)
	return d
}
