package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
	"golang.org/x/image/bmp"

	"github.com/gekko3d/rtcore/rt/app"
	"github.com/gekko3d/rtcore/rt/backend/soft"
	"github.com/gekko3d/rtcore/rt/config"
	"github.com/gekko3d/rtcore/rt/core"
)

// Render frames and save the last one.
func renderFrames(ctx *cli.Context) error {
	cfg := config.Default()
	if path := ctx.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return err
		}
	}
	setupLogging(ctx, cfg.Renderer.LogLevel)
	if cfg.Renderer.Backend != config.BackendSoft {
		logger.Infof("backend %q needs a window, rendering on %q", cfg.Renderer.Backend, config.BackendSoft)
		cfg.Renderer.Backend = config.BackendSoft
	}

	if w := ctx.Int("width"); w > 0 {
		cfg.Renderer.Width = uint32(w)
	}
	if h := ctx.Int("height"); h > 0 {
		cfg.Renderer.Height = uint32(h)
	}
	for _, name := range ctx.StringSlice("enable") {
		if err := setEffect(&cfg.Features, name, true); err != nil {
			return err
		}
	}
	for _, name := range ctx.StringSlice("disable") {
		if err := setEffect(&cfg.Features, name, false); err != nil {
			return err
		}
	}
	frames := ctx.Int("frames")
	fps := ctx.Float64("fps")
	if frames < 1 || fps <= 0 {
		return fmt.Errorf("need at least one frame at a positive frame rate")
	}

	opts := soft.DefaultOptions()
	opts.Logger = logger
	if cfg.Renderer.Workers > 0 {
		opts.Workers = cfg.Renderer.Workers
	}
	dev := soft.New(opts)
	defer dev.Close()
	surface, err := dev.NewSurface(cfg.Renderer.Width, cfg.Renderer.Height)
	if err != nil {
		return err
	}

	r, err := app.New(dev, surface, app.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	start := time.Now()
	stats, err := renderAll(context.Background(), r, frames, fps)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	out := ctx.String("out")
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := bmp.Encode(f, surface.Capture()); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	logger.Infof("wrote %s after %d presented frames", out, surface.Presented())

	displayFrameStats(stats, elapsed)
	return nil
}

type frameRenderer interface {
	RenderFrame(ctx context.Context, t float64) error
	Stats() core.Stats
	Close(ctx context.Context) error
}

// renderAll renders frames at fps and closes r, also when a frame fails.
func renderAll(ctx context.Context, r frameRenderer, frames int, fps float64) (core.Stats, error) {
	for i := 0; i < frames; i++ {
		if err := r.RenderFrame(ctx, float64(i)/fps); err != nil {
			return r.Stats(), errors.Join(err, r.Close(ctx))
		}
	}
	stats := r.Stats()
	return stats, r.Close(ctx)
}

var effects = map[string]func(f *core.FeatureFlagSet, on bool){
	"spotlight":    func(f *core.FeatureFlagSet, on bool) { f.Spotlight = on },
	"soft-shadows": func(f *core.FeatureFlagSet, on bool) { f.SoftShadows = on },
	"ao":           func(f *core.FeatureFlagSet, on bool) { f.AmbientOcclusion = on },
	"gi":           func(f *core.FeatureFlagSet, on bool) { f.GlobalIllumination = on },
	"reflections":  func(f *core.FeatureFlagSet, on bool) { f.Reflections = on },
	"refraction":   func(f *core.FeatureFlagSet, on bool) { f.Refraction = on },
	"denoise":      func(f *core.FeatureFlagSet, on bool) { f.TemporalDenoise = on },
}

func setEffect(f *core.FeatureFlagSet, name string, on bool) error {
	set, ok := effects[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return fmt.Errorf("unknown effect %q", name)
	}
	set(f, on)
	return nil
}

func displayFrameStats(stats core.Stats, elapsed time.Duration) {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Stat", "Value"})
	table.AppendBulk([][]string{
		{"Resolution", fmt.Sprintf("%dx%d", stats.Width, stats.Height)},
		{"Triangles", fmt.Sprintf("%d", stats.TriangleCount)},
		{"Instances", fmt.Sprintf("%d", stats.InstanceCount)},
		{"Frames", fmt.Sprintf("%d", stats.FramesRendered)},
		{"Variant", stats.ActiveVariant},
		{"Shader model", stats.ActiveShaderModel},
		{"Compiles", fmt.Sprintf("%d (%d failed, %d skipped)", stats.CompileCount, stats.CompileFailures, stats.SkippedCompiles)},
		{"Last frame CPU", stats.LastFrameCPU.String()},
	})
	per := time.Duration(0)
	if stats.FramesRendered > 0 {
		per = elapsed / time.Duration(stats.FramesRendered)
	}
	table.SetFooter([]string{"Per frame", per.String()})
	table.Render()
	logger.Infof("frame statistics\n%s", buf.String())
}
