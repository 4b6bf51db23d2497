package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/gekko3d/rtcore/rt/app"
	"github.com/gekko3d/rtcore/rt/backend/gpu"
	"github.com/gekko3d/rtcore/rt/config"
	"github.com/gekko3d/rtcore/rt/core"
)

func init() {
	runtime.LockOSThread()
}

var logger = core.NewDefaultLogger("rtviewer", false)

func main() {
	configPath := flag.String("config", "", "TOML configuration file, watched for edits")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if err := run(*configPath, *debug); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(configPath string, debug bool) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	if err := logger.SetLevel(cfg.Renderer.LogLevel); err != nil {
		logger.Warnf("unknown log level %q, keeping info", cfg.Renderer.LogLevel)
	}
	if debug {
		logger.SetDebug(true)
	}
	if cfg.Renderer.Backend != config.BackendWGPU {
		return fmt.Errorf("rtviewer presents through the %q back end, config asks for %q; use rtheadless instead", config.BackendWGPU, cfg.Renderer.Backend)
	}

	if err := glfw.Init(); err != nil {
		return err
	}
	defer glfw.Terminate()

	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)
	glfw.WindowHint(glfw.Resizable, glfw.False)
	window, err := glfw.CreateWindow(int(cfg.Renderer.Width), int(cfg.Renderer.Height), "rtcore", nil, nil)
	if err != nil {
		return err
	}
	defer window.Destroy()

	opts := gpu.DefaultOptions()
	opts.Window = window
	opts.Logger = logger
	dev, err := gpu.New(opts)
	if err != nil {
		return err
	}
	defer dev.Close()
	fbW, fbH := window.GetFramebufferSize()
	surface, err := dev.NewSurface(uint32(fbW), uint32(fbH))
	if err != nil {
		return err
	}
	defer surface.Release()
	cfg.Renderer.Width, cfg.Renderer.Height = uint32(fbW), uint32(fbH)

	r, err := app.New(dev, surface, app.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer r.Close(context.Background())

	var changes <-chan config.Change
	if configPath != "" {
		w, err := config.Watch(configPath, cfg.Renderer.ShaderDir, logger)
		if err != nil {
			return err
		}
		defer w.Close()
		changes = w.Changes()
	}

	window.SetKeyCallback(func(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
		if action != glfw.Press {
			return
		}
		if key == glfw.KeyEscape {
			w.SetShouldClose(true)
			return
		}
		if f, ok := toggle(r.Features(), key); ok {
			r.SetFeatures(f)
		}
	})

	ctx := context.Background()
	for !window.ShouldClose() {
		glfw.PollEvents()
		select {
		case c, ok := <-changes:
			if ok {
				if err := r.ApplyChange(c); err != nil {
					return err
				}
			}
		default:
		}
		if err := r.RenderFrame(ctx, glfw.GetTime()); err != nil {
			return err
		}
	}
	return nil
}

// toggle flips the effect bound to a number key.
func toggle(f core.FeatureFlagSet, key glfw.Key) (core.FeatureFlagSet, bool) {
	switch key {
	case glfw.Key1:
		f.Spotlight = !f.Spotlight
	case glfw.Key2:
		f.SoftShadows = !f.SoftShadows
	case glfw.Key3:
		f.AmbientOcclusion = !f.AmbientOcclusion
	case glfw.Key4:
		f.GlobalIllumination = !f.GlobalIllumination
	case glfw.Key5:
		f.Reflections = !f.Reflections
	case glfw.Key6:
		f.Refraction = !f.Refraction
	case glfw.Key7:
		f.TemporalDenoise = !f.TemporalDenoise
	default:
		return f, false
	}
	return f, true
}
