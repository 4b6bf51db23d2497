package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/rtcore/rt/backend/soft"
	"github.com/gekko3d/rtcore/rt/config"
	"github.com/gekko3d/rtcore/rt/shaders"
)

type frontEnd struct {
	calls int
	fail  bool
}

func (f *frontEnd) Compile(string) ([]byte, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("rejected")
	}
	return []byte{7}, nil
}

func testConfig() config.Config {
	c := config.Default()
	c.Renderer.Backend = config.BackendSoft
	c.Renderer.Width, c.Renderer.Height = 24, 16
	c.Renderer.FramesInFlight = 3
	return c
}

func newRenderer(t *testing.T) (*Renderer, *soft.Device, *soft.Surface, *frontEnd) {
	t.Helper()
	dev := soft.New(soft.DefaultOptions())
	t.Cleanup(func() { _ = dev.Close() })
	cfg := testConfig()
	surf, err := dev.NewSurface(cfg.Renderer.Width, cfg.Renderer.Height)
	require.NoError(t, err)
	fe := &frontEnd{}
	r, err := New(dev, surf, Options{Config: cfg, FrontEnd: fe})
	require.NoError(t, err)
	return r, dev, surf, fe
}

func TestNewBuildsTwoInstances(t *testing.T) {
	r, _, _, fe := newRenderer(t)
	st := r.Stats()
	assert.Equal(t, uint32(2), st.InstanceCount)
	assert.Equal(t, uint64(38+96), st.TriangleCount)
	assert.Equal(t, uint64(1), st.CompileCount)
	assert.Equal(t, 1, fe.calls)
	assert.NotEmpty(t, st.ActiveVariant)
	assert.NotNil(t, r.Variant())
}

func TestRenderFrames(t *testing.T) {
	r, dev, surf, fe := newRenderer(t)
	for k := 0; k < 10; k++ {
		require.NoError(t, r.RenderFrame(context.Background(), float64(k)/60))
	}
	require.NoError(t, dev.WaitIdle(context.Background()))
	assert.Equal(t, 10, surf.Presented())
	assert.Equal(t, uint64(10), r.Stats().FramesRendered)
	assert.Equal(t, 1, fe.calls)
	assert.Equal(t, uint32(24), r.Stats().Width)
}

func TestApplyChange(t *testing.T) {
	r, _, _, fe := newRenderer(t)
	next := testConfig()
	next.Features.AmbientOcclusion = true
	require.NoError(t, r.ApplyChange(config.Change{Config: &next}))
	require.NoError(t, r.RenderFrame(context.Background(), 0))
	assert.Equal(t, 2, fe.calls)
	assert.True(t, r.Variant().Flags.AmbientOcclusion)

	require.NoError(t, r.ApplyChange(config.Change{Err: errors.New("bad toml")}))

	edited := shaders.DefaultSources()
	edited[0].Text += "\n// touched\n"
	require.NoError(t, r.ApplyChange(config.Change{Shaders: edited}))
	assert.Equal(t, 3, fe.calls)
	assert.Contains(t, r.Variant().Shader.Source, "// touched")
}

func TestInitialCompileFailureIsFatal(t *testing.T) {
	dev := soft.New(soft.DefaultOptions())
	t.Cleanup(func() { _ = dev.Close() })
	cfg := testConfig()
	surf, err := dev.NewSurface(cfg.Renderer.Width, cfg.Renderer.Height)
	require.NoError(t, err)
	_, err = New(dev, surf, Options{Config: cfg, FrontEnd: &frontEnd{fail: true}})
	assert.Error(t, err)
}

func TestInvalidConfigIsRejected(t *testing.T) {
	dev := soft.New(soft.DefaultOptions())
	t.Cleanup(func() { _ = dev.Close() })
	cfg := testConfig()
	cfg.Renderer.FramesInFlight = 7
	surf, err := dev.NewSurface(cfg.Renderer.Width, cfg.Renderer.Height)
	require.NoError(t, err)
	_, err = New(dev, surf, Options{Config: cfg, FrontEnd: &frontEnd{}})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestClose(t *testing.T) {
	r, _, surf, _ := newRenderer(t)
	require.NoError(t, r.RenderFrame(context.Background(), 0))
	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, 1, surf.Presented())
	assert.Nil(t, r.Accel())
}
