package shaders

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

//go:embed wgsl/common.wgsl
var CommonWGSL string

//go:embed wgsl/traverse.wgsl
var TraverseWGSL string

//go:embed wgsl/shading.wgsl
var ShadingWGSL string

//go:embed wgsl/raygen.wgsl
var RaygenWGSL string

//go:embed wgsl/fullscreen.wgsl
var FullscreenWGSL string

// Source is a named WGSL fragment.
type Source struct {
	Name string
	Text string
}

// Sources is the ordered fragment list that makes up the ray tracing kernel.
type Sources []Source

func DefaultSources() Sources {
	return Sources{
		{Name: "common.wgsl", Text: CommonWGSL},
		{Name: "traverse.wgsl", Text: TraverseWGSL},
		{Name: "shading.wgsl", Text: ShadingWGSL},
		{Name: "raygen.wgsl", Text: RaygenWGSL},
	}
}

// EntryPoint of the assembled kernel.
const EntryPoint = "main"

// LoadDir reads the kernel fragments from dir. Fragments missing on disk
// fall back to the embedded copy, so a shader directory may override only
// the files being edited.
func LoadDir(dir string) (Sources, error) {
	out := DefaultSources()
	for i, s := range out {
		data, err := os.ReadFile(filepath.Join(dir, s.Name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("shaders: %w", err)
		}
		out[i].Text = string(data)
	}
	return out, nil
}

// IsSource reports whether name is one of the kernel fragment file names.
func IsSource(name string) bool {
	base := filepath.Base(name)
	for _, s := range DefaultSources() {
		if s.Name == base {
			return true
		}
	}
	return false
}
