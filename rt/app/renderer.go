// Package app composes the scene store, acceleration structures, shader
// variants and frame executor into one renderer for the binaries.
package app

import (
	"context"
	"fmt"

	"github.com/gekko3d/rtcore/rt/accel"
	"github.com/gekko3d/rtcore/rt/backend"
	"github.com/gekko3d/rtcore/rt/config"
	"github.com/gekko3d/rtcore/rt/core"
	"github.com/gekko3d/rtcore/rt/frame"
	"github.com/gekko3d/rtcore/rt/scene"
	"github.com/gekko3d/rtcore/rt/shaders"
	"github.com/gekko3d/rtcore/rt/variant"
)

// Instance custom indices as seen by the kernel.
const (
	StaticInstance  = 0
	DynamicInstance = 1
)

type Options struct {
	Config config.Config
	Logger core.Logger
	// FrontEnd defaults to naga.
	FrontEnd variant.FrontEnd
	// Sources default to Config.Renderer.ShaderDir, then the embedded kernel.
	Sources shaders.Sources
	// Static and Dynamic default to the procedural scene.
	Static, Dynamic *core.GeometryGroup
	Limits          accel.Limits
}

type Renderer struct {
	state *core.Context
	cfg   config.Config

	dev      backend.Adapter
	store    *scene.Store
	accel    *accel.Manager
	variants *variant.Compiler
	frames   *frame.Executor
}

// New uploads the scene, builds the structures, compiles the initial variant
// and prepares the frame slots. Any failure here is fatal.
func New(dev backend.Adapter, surface backend.Surface, opts Options) (*Renderer, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	static, dynamic := opts.Static, opts.Dynamic
	if static == nil {
		static = scene.DefaultStatic()
	}
	if dynamic == nil {
		dynamic = scene.DefaultDynamic()
	}
	limits := opts.Limits
	if limits == (accel.Limits{}) {
		limits = accel.DefaultLimits()
	}
	sources := opts.Sources
	if sources == nil && cfg.Renderer.ShaderDir != "" {
		var err error
		if sources, err = shaders.LoadDir(cfg.Renderer.ShaderDir); err != nil {
			return nil, err
		}
	}

	r := &Renderer{state: core.NewContext(cfg.Features, opts.Logger), cfg: cfg, dev: dev}
	log := r.state.Logger
	ok := false
	defer func() {
		if !ok {
			r.release()
		}
	}()

	var err error
	if r.store, err = scene.Upload(r.state, dev, static, dynamic); err != nil {
		return nil, err
	}
	if r.accel, err = accel.NewManager(dev, cfg.Renderer.FramesInFlight, limits); err != nil {
		return nil, err
	}
	blas, err := r.accel.BuildBottomLevels(r.state, r.store.Meshes()...)
	if err != nil {
		return nil, err
	}
	if _, err = r.accel.BuildTopLevel(r.state, []accel.InstanceDesc{
		{BLAS: blas[0], Transform: core.IdentityAffine(), CustomIndex: StaticInstance, Mask: 0xff},
		{BLAS: blas[1], Transform: frame.DynamicInstanceTransform(0), CustomIndex: DynamicInstance, Mask: 0xff},
	}); err != nil {
		return nil, err
	}

	r.variants = variant.NewCompiler(dev, opts.FrontEnd, sources)
	if _, err = r.variants.Apply(r.state); err != nil {
		return nil, err
	}

	if r.frames, err = frame.NewExecutor(dev, surface, r.accel, r.variants, frame.Options{
		Width:            cfg.Renderer.Width,
		Height:           cfg.Renderer.Height,
		FramesInFlight:   cfg.Renderer.FramesInFlight,
		Camera:           cfg.Camera,
		DynamicInstances: []int{DynamicInstance},
	}); err != nil {
		return nil, err
	}
	ok = true
	log.Infof("renderer: %s, %dx%d, %d frames in flight, %d triangles, variant %s",
		dev.Capabilities().Name, cfg.Renderer.Width, cfg.Renderer.Height,
		cfg.Renderer.FramesInFlight, r.state.Stats.TriangleCount, r.state.Stats.ActiveVariant)
	return r, nil
}

// RenderFrame renders one frame at time t seconds.
func (r *Renderer) RenderFrame(ctx context.Context, t float64) error {
	r.state.Time = t
	return r.frames.RenderFrame(ctx, r.state)
}

// SetFeatures requests new flags; they take effect at the next frame boundary.
func (r *Renderer) SetFeatures(f core.FeatureFlagSet) { r.state.RequestFlags(f) }

func (r *Renderer) Features() core.FeatureFlagSet { return r.state.Flags }

func (r *Renderer) ReloadShaders(src shaders.Sources) (bool, error) {
	return r.variants.Reload(r.state, src)
}

// ApplyChange feeds one watcher delivery into the renderer. Only feature
// flags and shader sources are live; resolution and ring size are fixed.
func (r *Renderer) ApplyChange(c config.Change) error {
	switch {
	case c.Err != nil:
		r.state.Logger.Warnf("renderer: ignoring config edit: %v", c.Err)
		return nil
	case c.Config != nil:
		if c.Config.Renderer.Width != r.cfg.Renderer.Width || c.Config.Renderer.Height != r.cfg.Renderer.Height ||
			c.Config.Renderer.FramesInFlight != r.cfg.Renderer.FramesInFlight {
			r.state.Logger.Warnf("renderer: resolution and frames in flight changes need a restart")
		}
		r.SetFeatures(c.Config.Features)
		return nil
	case c.Shaders != nil:
		_, err := r.ReloadShaders(c.Shaders)
		return err
	}
	return nil
}

func (r *Renderer) Stats() core.Stats { return r.state.Stats }

func (r *Renderer) Context() *core.Context { return r.state }

func (r *Renderer) Variant() *variant.Variant { return r.variants.Active() }

func (r *Renderer) Executor() *frame.Executor { return r.frames }

func (r *Renderer) Accel() *accel.Manager { return r.accel }

// Close drains the device and releases everything in reverse creation order.
func (r *Renderer) Close(ctx context.Context) error {
	var err error
	if r.frames != nil {
		err = r.frames.Shutdown(ctx)
		r.frames = nil
	} else {
		err = r.dev.WaitIdle(ctx)
	}
	r.release()
	if err != nil {
		return fmt.Errorf("renderer: close: %w", err)
	}
	return nil
}

func (r *Renderer) release() {
	if r.variants != nil {
		r.variants.Release()
		r.variants = nil
	}
	if r.accel != nil {
		r.accel.Release()
		r.accel = nil
	}
	if r.store != nil {
		r.store.Release()
		r.store = nil
	}
}
