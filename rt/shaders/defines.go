package shaders

import (
	"strconv"

	"github.com/gogpu/naga/hlsl"

	"github.com/gekko3d/rtcore/rt/backend"
	"github.com/gekko3d/rtcore/rt/core"
)

// Preprocessor symbols understood by the kernel sources.
const (
	DefInlineRayQuery   = "INLINE_RAY_QUERY"
	DefShaderTables     = "SHADER_TABLES"
	DefSpotlight        = "SPOTLIGHT"
	DefSoftShadows      = "SOFT_SHADOWS"
	DefShadowSamples    = "SHADOW_SAMPLES"
	DefAmbientOcclusion = "AMBIENT_OCCLUSION"
	DefAOSamples        = "AO_SAMPLES"
	DefAORadius         = "AO_RADIUS"
	DefGlobalIllum      = "GLOBAL_ILLUMINATION"
	DefGIBounces        = "GI_BOUNCES"
	DefReflections      = "REFLECTIONS"
	DefRefraction       = "REFRACTION"
	DefTemporalDenoise  = "TEMPORAL_DENOISE"
	DefDenoiseBlend     = "DENOISE_BLEND"
)

// Define is one preprocessor symbol. Numeric symbols have a Value and become
// WGSL constants; the rest are plain switches.
type Define struct {
	Name  string
	Value string
}

func (d Define) String() string {
	if d.Value == "" {
		return d.Name
	}
	return d.Name + "=" + d.Value
}

func u32(v uint32) string { return strconv.FormatUint(uint64(v), 10) + "u" }

func f32(v float32) string {
	s := strconv.FormatFloat(float64(v), 'f', -1, 32)
	for _, c := range s {
		if c == '.' {
			return s
		}
	}
	return s + ".0"
}

// Defines translates flags into the ordered symbol list for one variant. The
// order is fixed so equal flags always give equal lists. caps decides the
// traversal path: inline queries when the back end has them and the flags
// trace enough secondary rays to want them.
func Defines(flags core.FeatureFlagSet, caps backend.Capabilities) []Define {
	var out []Define
	if caps.InlineRayQuery && flags.NeedsInlineQuery() {
		out = append(out, Define{Name: DefInlineRayQuery})
	}
	if caps.ShaderTables {
		out = append(out, Define{Name: DefShaderTables})
	}
	if flags.Spotlight {
		out = append(out, Define{Name: DefSpotlight})
	}
	if flags.SoftShadows {
		out = append(out, Define{Name: DefSoftShadows})
	}
	out = append(out, Define{Name: DefShadowSamples, Value: u32(flags.EffectiveShadowSamples())})
	if flags.AmbientOcclusion {
		out = append(out,
			Define{Name: DefAmbientOcclusion},
			Define{Name: DefAOSamples, Value: u32(flags.AOSamples)},
			Define{Name: DefAORadius, Value: f32(flags.AORadius)},
		)
	}
	if flags.GlobalIllumination {
		out = append(out,
			Define{Name: DefGlobalIllum},
			Define{Name: DefGIBounces, Value: u32(flags.GIBounces)},
		)
	}
	if flags.Reflections {
		out = append(out, Define{Name: DefReflections})
	}
	if flags.Refraction {
		out = append(out, Define{Name: DefRefraction})
	}
	if flags.TemporalDenoise {
		out = append(out,
			Define{Name: DefTemporalDenoise},
			Define{Name: DefDenoiseBlend, Value: f32(flags.DenoiseBlend)},
		)
	}
	return out
}

func Has(defines []Define, name string) bool {
	for _, d := range defines {
		if d.Name == name {
			return true
		}
	}
	return false
}

// Target picks the shader model a variant is compiled for.
func Target(defines []Define) hlsl.ShaderModel {
	if Has(defines, DefInlineRayQuery) {
		return hlsl.ShaderModel6_5
	}
	return hlsl.ShaderModel6_3
}

// Strings renders defines as NAME or NAME=VALUE.
func Strings(defines []Define) []string {
	out := make([]string, len(defines))
	for i, d := range defines {
		out[i] = d.String()
	}
	return out
}

// Permutations enumerates every combination of the boolean effect toggles,
// with numeric parameters at their defaults. Index bit i toggles effect i in
// the order spotlight, soft shadows, ambient occlusion, global illumination,
// reflections, refraction, temporal denoise.
func Permutations() []core.FeatureFlagSet {
	const effects = 7
	out := make([]core.FeatureFlagSet, 0, 1<<effects)
	for i := 0; i < 1<<effects; i++ {
		f := core.FeatureFlagSet{
			Spotlight:          i&(1<<0) != 0,
			SoftShadows:        i&(1<<1) != 0,
			AmbientOcclusion:   i&(1<<2) != 0,
			GlobalIllumination: i&(1<<3) != 0,
			Reflections:        i&(1<<4) != 0,
			Refraction:         i&(1<<5) != 0,
			TemporalDenoise:    i&(1<<6) != 0,
		}
		f.Validate()
		out = append(out, f)
	}
	return out
}
