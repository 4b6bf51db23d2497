package shaders

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gogpu/naga/hlsl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/rtcore/rt/backend"
	"github.com/gekko3d/rtcore/rt/core"
)

var fullCaps = backend.Capabilities{InlineRayQuery: true, ShaderTables: true}

func TestDefinesAreDeterministic(t *testing.T) {
	flags := core.DefaultFeatureFlags()
	flags.AmbientOcclusion = true
	flags.TemporalDenoise = true
	a := Strings(Defines(flags, fullCaps))
	b := Strings(Defines(flags, fullCaps))
	assert.Equal(t, a, b)
	assert.Equal(t, []string{
		"INLINE_RAY_QUERY",
		"SHADER_TABLES",
		"SPOTLIGHT",
		"SOFT_SHADOWS",
		"SHADOW_SAMPLES=8u",
		"AMBIENT_OCCLUSION",
		"AO_SAMPLES=4u",
		"AO_RADIUS=0.5",
		"REFLECTIONS",
		"TEMPORAL_DENOISE",
		"DENOISE_BLEND=0.1",
	}, a)
}

func TestHardShadowsUseOneSample(t *testing.T) {
	flags := core.DefaultFeatureFlags()
	flags.SoftShadows = false
	flags.ShadowSamples = 32
	defs := Defines(flags, backend.Capabilities{})
	assert.False(t, Has(defs, DefSoftShadows))
	assert.Contains(t, Strings(defs), "SHADOW_SAMPLES=1u")
}

func TestTargetSelection(t *testing.T) {
	flags := core.DefaultFeatureFlags()
	assert.Equal(t, hlsl.ShaderModel6_3, Target(Defines(flags, fullCaps)))

	flags.GlobalIllumination = true
	assert.Equal(t, hlsl.ShaderModel6_5, Target(Defines(flags, fullCaps)))
	// no inline queries on the device means the shader table path
	assert.Equal(t, hlsl.ShaderModel6_3, Target(Defines(flags, backend.Capabilities{ShaderTables: true})))
}

func TestPreprocessNesting(t *testing.T) {
	src := strings.Join([]string{
		"a",
		"#ifdef X",
		"b",
		"  #ifndef Y",
		"c",
		"  #else",
		"d",
		"  #endif",
		"#else",
		"e",
		"#endif",
		"f",
	}, "\n")

	out, err := Preprocess("t", src, map[string]bool{"X": true})
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\nf\n", out)

	out, err = Preprocess("t", src, map[string]bool{"X": true, "Y": true})
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nd\nf\n", out)

	out, err = Preprocess("t", src, nil)
	require.NoError(t, err)
	assert.Equal(t, "a\ne\nf\n", out)
}

func TestPreprocessErrors(t *testing.T) {
	cases := map[string]string{
		"unclosed":     "#ifdef X\na",
		"stray endif":  "a\n#endif",
		"stray else":   "#else",
		"double else":  "#ifdef X\n#else\n#else\n#endif",
		"unknown":      "#define X 1",
		"missing name": "#ifdef\n#endif",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Preprocess("bad.wgsl", src, nil)
			assert.Error(t, err)
		})
	}
}

func TestHeaderConstants(t *testing.T) {
	h := Header([]Define{
		{Name: DefSpotlight},
		{Name: DefShadowSamples, Value: "16u"},
		{Name: DefAORadius, Value: "0.5"},
	})
	assert.True(t, strings.HasPrefix(h, "// variant: SPOTLIGHT SHADOW_SAMPLES=16u AO_RADIUS=0.5\n"))
	assert.Contains(t, h, "const SHADOW_SAMPLES: u32 = 16u;\n")
	assert.Contains(t, h, "const AO_RADIUS: f32 = 0.5;\n")
	assert.NotContains(t, h, "const SPOTLIGHT")
}

func TestAssembleDefaultSources(t *testing.T) {
	flags := core.DefaultFeatureFlags()
	flags.AmbientOcclusion = true
	flags.GlobalIllumination = true
	flags.Refraction = true
	flags.TemporalDenoise = true
	src, err := Assemble(DefaultSources(), Defines(flags, fullCaps), 64<<10)
	require.NoError(t, err)
	assert.NotContains(t, src, "#ifdef")
	assert.Contains(t, src, "fn "+EntryPoint)
}

func TestAssembleLimit(t *testing.T) {
	defs := Defines(core.DefaultFeatureFlags(), fullCaps)
	_, err := Assemble(DefaultSources(), defs, 128)
	assert.ErrorIs(t, err, ErrSourceTooLong)

	_, err = Assemble(DefaultSources(), defs, 0)
	assert.NoError(t, err)
}

func TestLoadDirOverridesSomeFragments(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "raygen.wgsl"), []byte("// from disk\n"), 0o644))
	srcs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, srcs, 4)
	assert.Equal(t, CommonWGSL, srcs[0].Text)
	assert.Equal(t, "// from disk\n", srcs[3].Text)

	assert.True(t, IsSource(filepath.Join(dir, "shading.wgsl")))
	assert.False(t, IsSource("notes.txt"))
}

func TestPermutationsAreDistinct(t *testing.T) {
	perms := Permutations()
	require.Len(t, perms, 128)

	seen := make(map[string]bool, len(perms))
	for _, f := range perms {
		key := strings.Join(Strings(Defines(f, fullCaps)), ",")
		assert.False(t, seen[key], "duplicate variant %s", key)
		seen[key] = true
	}
	assert.Equal(t, core.FeatureFlagSet{
		ShadowSamples: core.DefaultShadowSample,
		AOSamples:     core.DefaultAOSamples,
		AORadius:      core.DefaultAORadius,
		GIBounces:     core.DefaultGIBounces,
		DenoiseBlend:  core.DefaultDenoiseBlend,
	}, perms[0])
}
