// Package variant turns the requested feature flags into the active ray
// tracing pipeline. Recompiles are all-or-nothing: a failed compile leaves the
// previous variant in place and reverts the requested flags.
package variant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/hlsl"
	"github.com/google/uuid"

	"github.com/gekko3d/rtcore/rt/backend"
	"github.com/gekko3d/rtcore/rt/core"
	"github.com/gekko3d/rtcore/rt/shaders"
)

var ErrNoVariant = errors.New("variant: no active pipeline variant")

// FrontEnd compiles assembled WGSL into bytecode.
type FrontEnd interface {
	Compile(source string) ([]byte, error)
}

type FrontEndFunc func(source string) ([]byte, error)

func (f FrontEndFunc) Compile(source string) ([]byte, error) { return f(source) }

// Naga compiles WGSL to SPIR-V.
var Naga FrontEnd = FrontEndFunc(func(source string) ([]byte, error) {
	return naga.Compile(source)
})

type Variant struct {
	Flags    core.FeatureFlagSet
	Defines  []shaders.Define
	Target   hlsl.ShaderModel
	Shader   backend.CompiledShader
	Pipeline backend.Pipeline
	// Table is nil on back ends without shader tables.
	Table *backend.ShaderTable
}

func (v *Variant) ID() uuid.UUID { return v.Pipeline.ID() }

func (v *Variant) Name() string {
	if len(v.Defines) == 0 {
		return "baseline"
	}
	return strings.Join(shaders.Strings(v.Defines), ",")
}

func (v *Variant) release() {
	if v == nil {
		return
	}
	v.Table.Release()
	v.Pipeline.Release()
}

// Compiler exclusively owns the active variant.
type Compiler struct {
	dev     backend.Adapter
	front   FrontEnd
	sources shaders.Sources
	active  *Variant
	lastErr error
}

func NewCompiler(dev backend.Adapter, front FrontEnd, sources shaders.Sources) *Compiler {
	if front == nil {
		front = Naga
	}
	if sources == nil {
		sources = shaders.DefaultSources()
	}
	return &Compiler{dev: dev, front: front, sources: sources}
}

func (c *Compiler) Active() *Variant { return c.active }

// LastError is the most recent recovered compile failure.
func (c *Compiler) LastError() error { return c.lastErr }

// Apply brings the active variant in line with ctx.Flags. The flags are
// clamped first, so direct writes get the same treatment as RequestFlags.
// It does nothing when the flags equal the compiled ones. A failed recompile
// is logged, counted and reverts ctx.Flags; only a failure with no variant to
// fall back on, or a lost device, is returned.
func (c *Compiler) Apply(ctx *core.Context) (bool, error) {
	ctx.Flags.Validate()
	if c.active != nil && ctx.Flags.Equal(ctx.CompiledFlags) {
		ctx.Stats.SkippedCompiles++
		return false, nil
	}
	return c.recompile(ctx, ctx.Flags, c.sources)
}

// Reload recompiles the current flags against new sources. The sources are
// kept only if the compile succeeds.
func (c *Compiler) Reload(ctx *core.Context, sources shaders.Sources) (bool, error) {
	if c.active == nil {
		c.sources = sources
		return false, nil
	}
	ok, err := c.recompile(ctx, ctx.CompiledFlags, sources)
	if ok {
		c.sources = sources
	}
	return ok, err
}

func (c *Compiler) recompile(ctx *core.Context, flags core.FeatureFlagSet, sources shaders.Sources) (bool, error) {
	start := time.Now()
	v, err := c.build(flags, sources)
	ctx.Stats.CompileCount++
	if err != nil {
		ctx.Stats.CompileFailures++
		if c.active == nil {
			return false, fmt.Errorf("variant: initial compile: %w", err)
		}
		c.lastErr = err
		ctx.Logger.Errorf("variant: compile failed, keeping %s: %v", c.active.Name(), err)
		ctx.Flags = ctx.CompiledFlags
		return false, nil
	}

	// In-flight work may still reference the old pipeline and its table.
	if c.active != nil {
		if err := c.dev.WaitIdle(context.Background()); err != nil {
			v.release()
			return false, fmt.Errorf("variant: drain before swap: %w", err)
		}
	}
	old := c.active
	c.active = v
	old.release()

	ctx.CompiledFlags = flags
	ctx.Flags = flags
	ctx.Stats.ActiveVariant = v.Name()
	ctx.Stats.ActiveShaderModel = v.Target.String()
	c.lastErr = nil
	ctx.Logger.Infof("variant: %s (%s) active after %s", v.Name(), v.Target, time.Since(start).Round(time.Microsecond))
	return true, nil
}

func (c *Compiler) build(flags core.FeatureFlagSet, sources shaders.Sources) (*Variant, error) {
	caps := c.dev.Capabilities()
	defines := shaders.Defines(flags, caps)
	src, err := shaders.Assemble(sources, defines, caps.MaxShaderSourceBytes)
	if err != nil {
		return nil, err
	}
	target := shaders.Target(defines)
	if !target.SupportsRayTracing() {
		return nil, fmt.Errorf("variant: target %s has no ray tracing", target)
	}
	code, err := c.front.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("variant: front end: %w", err)
	}
	v := &Variant{Flags: flags, Defines: defines, Target: target}
	v.Shader = backend.CompiledShader{
		Label:      v.Name(),
		EntryPoint: shaders.EntryPoint,
		Source:     src,
		Bytecode:   code,
		Target:     target.String(),
		Defines:    shaders.Strings(defines),
	}
	if v.Pipeline, err = c.dev.CreatePipeline(v.Shader); err != nil {
		return nil, fmt.Errorf("variant: link: %w", err)
	}
	if caps.ShaderTables {
		// Records must carry the identifiers of this pipeline, never the previous one.
		if v.Table, err = backend.NewShaderTable(c.dev, v.Pipeline); err != nil {
			v.Pipeline.Release()
			return nil, fmt.Errorf("variant: shader table: %w", err)
		}
	}
	return v, nil
}

// Bind fills the pipeline and shader table of a dispatch.
func (c *Compiler) Bind(desc *backend.DispatchDesc) error {
	if c.active == nil {
		return ErrNoVariant
	}
	desc.Pipeline = c.active.Pipeline
	desc.Table = c.active.Table
	return nil
}

// Release frees the active variant. The device must be idle.
func (c *Compiler) Release() {
	c.active.release()
	c.active = nil
}
