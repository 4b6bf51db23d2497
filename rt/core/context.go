package core

import (
	"time"
)

// Stats are the scalar statistics exposed to a HUD layer.
type Stats struct {
	Width, Height     uint32
	TriangleCount     uint64
	InstanceCount     uint32
	FramesRendered    uint64
	CompileCount      uint64
	CompileFailures   uint64
	SkippedCompiles   uint64
	LastFrameCPU      time.Duration
	ActiveVariant     string
	ActiveShaderModel string
}

// Context carries the mutable per-renderer state every component operation reads
// or updates. It is owned by the render loop goroutine and is not safe for
// concurrent use.
type Context struct {
	// Flags are the requested effects, usually written by configuration or UI
	// between frames. The variant compiler clamps them before use.
	Flags FeatureFlagSet
	// CompiledFlags are the flags of the active shader variant.
	CompiledFlags FeatureFlagSet

	FrameIndex uint64
	Time       float64

	Stats  Stats
	Logger Logger
}

func NewContext(flags FeatureFlagSet, logger Logger) *Context {
	if logger == nil {
		logger = NewNopLogger()
	}
	flags.Validate()
	return &Context{
		Flags:  flags,
		Logger: logger,
	}
}

// RequestFlags validates and stores new requested flags. The variant compiler
// picks them up at the next frame boundary.
func (c *Context) RequestFlags(flags FeatureFlagSet) {
	flags.Validate()
	c.Flags = flags
}
