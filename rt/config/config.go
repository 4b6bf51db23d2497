// Package config loads the renderer settings from TOML and watches them for
// live edits.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/gekko3d/rtcore/rt/core"
)

const (
	BackendSoft = "soft"
	BackendWGPU = "wgpu"
)

type Renderer struct {
	Width          uint32 `toml:"width"`
	Height         uint32 `toml:"height"`
	FramesInFlight int    `toml:"frames_in_flight"`
	Backend        string `toml:"backend"`
	LogLevel       string `toml:"log_level"`
	// ShaderDir overrides the embedded kernel fragments when set.
	ShaderDir string `toml:"shader_dir"`
	// Workers is the soft back end's ray kernel pool size; 0 means one per CPU.
	Workers int `toml:"workers"`
}

type Config struct {
	Renderer Renderer            `toml:"renderer"`
	Features core.FeatureFlagSet `toml:"features"`
	Camera   core.Camera         `toml:"camera"`
}

func Default() Config {
	return Config{
		Renderer: Renderer{
			Width:          1280,
			Height:         720,
			FramesInFlight: 2,
			Backend:        BackendWGPU,
			LogLevel:       "info",
		},
		Features: core.DefaultFeatureFlags(),
		Camera:   core.DefaultCamera(),
	}
}

var ErrInvalid = errors.New("config: invalid")

// Validate rejects settings the renderer cannot run with and clamps feature
// values into range.
func (c *Config) Validate() error {
	r := &c.Renderer
	var errs []error
	if r.Width == 0 || r.Height == 0 || r.Width > 8192 || r.Height > 8192 {
		errs = append(errs, fmt.Errorf("resolution %dx%d", r.Width, r.Height))
	}
	if r.FramesInFlight < 2 || r.FramesInFlight > 3 {
		errs = append(errs, fmt.Errorf("frames_in_flight %d, want 2 or 3", r.FramesInFlight))
	}
	r.Backend = strings.ToLower(r.Backend)
	if r.Backend != BackendSoft && r.Backend != BackendWGPU {
		errs = append(errs, fmt.Errorf("backend %q, want %q or %q", r.Backend, BackendSoft, BackendWGPU))
	}
	switch strings.ToLower(r.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q", r.LogLevel))
	}
	if r.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers %d", r.Workers))
	}
	if c.Camera.FOV <= 0 || c.Camera.FOV >= 180 {
		errs = append(errs, fmt.Errorf("camera fov %g", c.Camera.FOV))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	c.Features.Validate()
	return nil
}

// Parse decodes data over the defaults. Unknown keys are errors so typos in
// feature names do not silently fall back to defaults.
func Parse(data []byte) (Config, error) {
	c := Default()
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return Config{}, fmt.Errorf("%w: %s", ErrInvalid, strict.String())
		}
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Encode renders c as TOML, used to write a starter file.
func Encode(c Config) ([]byte, error) {
	return toml.Marshal(c)
}
