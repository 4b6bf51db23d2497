package core

// FeatureFlagSet selects the optional effects compiled into the active shader variant.
type FeatureFlagSet struct {
	Spotlight bool `toml:"spotlight"`

	SoftShadows   bool   `toml:"soft_shadows"`
	ShadowSamples uint32 `toml:"shadow_samples"`

	AmbientOcclusion bool    `toml:"ambient_occlusion"`
	AOSamples        uint32  `toml:"ao_samples"`
	AORadius         float32 `toml:"ao_radius"`

	GlobalIllumination bool   `toml:"global_illumination"`
	GIBounces          uint32 `toml:"gi_bounces"`

	Reflections bool `toml:"reflections"`
	Refraction  bool `toml:"refraction"`

	TemporalDenoise bool    `toml:"temporal_denoise"`
	DenoiseBlend    float32 `toml:"denoise_blend"`
}

const (
	MaxSamples          = 64
	DefaultShadowSample = 8
	DefaultAOSamples    = 4
	DefaultAORadius     = 0.5
	MaxAORadius         = 10
	DefaultGIBounces    = 2
	MaxGIBounces        = 8
	DefaultDenoiseBlend = 0.1
)

func DefaultFeatureFlags() FeatureFlagSet {
	return FeatureFlagSet{
		Spotlight:     true,
		SoftShadows:   true,
		ShadowSamples: DefaultShadowSample,
		AOSamples:     DefaultAOSamples,
		AORadius:      DefaultAORadius,
		GIBounces:     DefaultGIBounces,
		Reflections:   true,
		DenoiseBlend:  DefaultDenoiseBlend,
	}
}

// Validate clamps numeric fields into their supported ranges and fills zero
// values with defaults. It reports whether anything was changed.
func (f *FeatureFlagSet) Validate() bool {
	before := *f
	f.ShadowSamples = clampCount(f.ShadowSamples, DefaultShadowSample, MaxSamples)
	f.AOSamples = clampCount(f.AOSamples, DefaultAOSamples, MaxSamples)
	f.GIBounces = clampCount(f.GIBounces, DefaultGIBounces, MaxGIBounces)
	if !(f.AORadius > 0) {
		f.AORadius = DefaultAORadius
	} else if f.AORadius > MaxAORadius {
		f.AORadius = MaxAORadius
	}
	if !(f.DenoiseBlend > 0) {
		f.DenoiseBlend = DefaultDenoiseBlend
	} else if f.DenoiseBlend > 1 {
		f.DenoiseBlend = 1
	}
	return !before.Equal(*f)
}

func clampCount(v, def, maxV uint32) uint32 {
	if v == 0 {
		return def
	}
	if v > maxV {
		return maxV
	}
	return v
}

// Equal compares field by field. It runs every frame and must stay allocation free.
func (f FeatureFlagSet) Equal(o FeatureFlagSet) bool {
	return f.Spotlight == o.Spotlight &&
		f.SoftShadows == o.SoftShadows &&
		f.ShadowSamples == o.ShadowSamples &&
		f.AmbientOcclusion == o.AmbientOcclusion &&
		f.AOSamples == o.AOSamples &&
		f.AORadius == o.AORadius &&
		f.GlobalIllumination == o.GlobalIllumination &&
		f.GIBounces == o.GIBounces &&
		f.Reflections == o.Reflections &&
		f.Refraction == o.Refraction &&
		f.TemporalDenoise == o.TemporalDenoise &&
		f.DenoiseBlend == o.DenoiseBlend
}

// NeedsInlineQuery reports whether the flags request effects that trace many
// secondary rays per pixel and benefit from inline ray queries.
func (f FeatureFlagSet) NeedsInlineQuery() bool {
	return f.GlobalIllumination || f.AmbientOcclusion || f.Refraction
}

// EffectiveShadowSamples is the per-pixel shadow ray count fed to the uniforms.
func (f FeatureFlagSet) EffectiveShadowSamples() uint32 {
	if !f.SoftShadows {
		return 1
	}
	return f.ShadowSamples
}

func (f FeatureFlagSet) EffectiveAOSamples() uint32 {
	if !f.AmbientOcclusion {
		return 0
	}
	return f.AOSamples
}

func (f FeatureFlagSet) EffectiveGIBounces() uint32 {
	if !f.GlobalIllumination {
		return 0
	}
	return f.GIBounces
}
