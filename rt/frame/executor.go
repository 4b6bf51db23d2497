// Package frame drives the per-frame command recording over a ring of frame
// slots. Each slot owns a command list and a uniform region and is reused only
// after the fence value of its previous submission has signaled.
package frame

import (
	"context"
	"fmt"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/rtcore/rt/accel"
	"github.com/gekko3d/rtcore/rt/backend"
	"github.com/gekko3d/rtcore/rt/core"
	"github.com/gekko3d/rtcore/rt/variant"
)

type SlotState uint8

const (
	SlotIdle SlotState = iota
	SlotWaitOnPriorFence
	SlotReset
	SlotRecord
	SlotSubmit
	SlotPresent
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotWaitOnPriorFence:
		return "wait"
	case SlotReset:
		return "reset"
	case SlotRecord:
		return "record"
	case SlotSubmit:
		return "submit"
	case SlotPresent:
		return "present"
	default:
		return fmt.Sprintf("slot-state(%d)", uint8(s))
	}
}

type slot struct {
	index int
	state SlotState
	cmd   backend.CommandList
	// value signaled when the last submission of this slot completes; 0 before the first
	fenceValue uint64
}

// SlotInfo is a diagnostic snapshot of one slot.
type SlotInfo struct {
	Index      int
	State      SlotState
	FenceValue uint64
}

const (
	MinFramesInFlight = 2
	MaxFramesInFlight = 3
)

type Options struct {
	Width, Height  uint32
	FramesInFlight int
	Camera         core.Camera
	// DynamicInstances are the top-level instances animated by
	// DynamicInstanceTransform.
	DynamicInstances []int
}

// Executor records, submits and presents frames. It runs on the render loop
// goroutine only.
type Executor struct {
	dev      backend.Adapter
	surface  backend.Surface
	accel    *accel.Manager
	variants *variant.Compiler
	opts     Options

	slots     []slot
	fence     backend.Fence
	nextValue uint64
	uniforms  backend.Buffer
	target    backend.Image

	prof *Profiler
}

// DynamicInstanceTransform is T(0,1.5,0) · Ry(1.2t) · Rx(0.7t).
func DynamicInstanceTransform(t float64) core.Affine3x4 {
	m := mgl32.Translate3D(0, 1.5, 0).
		Mul4(mgl32.HomogRotate3DY(float32(1.2 * t))).
		Mul4(mgl32.HomogRotate3DX(float32(0.7 * t)))
	return core.AffineFromMat4(m)
}

func NewExecutor(dev backend.Adapter, surface backend.Surface, am *accel.Manager, vc *variant.Compiler, opts Options) (*Executor, error) {
	if opts.FramesInFlight < MinFramesInFlight || opts.FramesInFlight > MaxFramesInFlight {
		return nil, fmt.Errorf("frame: frames in flight %d outside [%d,%d]", opts.FramesInFlight, MinFramesInFlight, MaxFramesInFlight)
	}
	if opts.Width == 0 || opts.Height == 0 {
		return nil, fmt.Errorf("frame: resolution %dx%d", opts.Width, opts.Height)
	}
	if am.TopLevel() == nil {
		return nil, fmt.Errorf("frame: top level structure not built")
	}
	for _, i := range opts.DynamicInstances {
		if i < 0 || uint32(i) >= am.InstanceCount() {
			return nil, fmt.Errorf("frame: dynamic instance %d out of range", i)
		}
	}

	e := &Executor{dev: dev, surface: surface, accel: am, variants: vc, opts: opts, prof: NewProfiler()}
	ok := false
	defer func() {
		if !ok {
			e.release()
		}
	}()

	var err error
	if e.fence, err = dev.CreateFence(); err != nil {
		return nil, fmt.Errorf("frame: fence: %w", err)
	}
	if e.uniforms, err = dev.CreateBuffer(backend.BufferDesc{
		Label:  "frame-uniforms",
		Size:   uint64(opts.FramesInFlight) * core.UniformSize,
		Usage:  backend.UsageUniform,
		Memory: backend.MemoryHostVisible,
	}); err != nil {
		return nil, fmt.Errorf("frame: uniforms: %w", err)
	}
	if e.target, err = dev.CreateImage(backend.ImageDesc{
		Label:        "rt-output",
		Width:        opts.Width,
		Height:       opts.Height,
		InitialState: backend.StateUnorderedAccess,
	}); err != nil {
		return nil, fmt.Errorf("frame: output image: %w", err)
	}
	e.slots = make([]slot, opts.FramesInFlight)
	for i := range e.slots {
		e.slots[i].index = i
		if e.slots[i].cmd, err = dev.CreateCommandList(fmt.Sprintf("frame-%d", i)); err != nil {
			return nil, fmt.Errorf("frame: command list %d: %w", i, err)
		}
	}
	ok = true
	return e, nil
}

func (e *Executor) Profiler() *Profiler { return e.prof }

// Target is the persistent off-screen image the rays are dispatched into.
func (e *Executor) Target() backend.Image { return e.target }

func (e *Executor) Slots() []SlotInfo {
	out := make([]SlotInfo, len(e.slots))
	for i, s := range e.slots {
		out[i] = SlotInfo{Index: s.index, State: s.state, FenceValue: s.fenceValue}
	}
	return out
}

// RenderFrame renders and presents one frame. Variant changes requested in
// state.Flags are applied first, at the frame boundary. Errors are fatal:
// device loss, a failed fence wait or a surface failure.
func (e *Executor) RenderFrame(ctx context.Context, state *core.Context) error {
	e.prof.Begin("frame")

	e.prof.Begin("variant")
	if _, err := e.variants.Apply(state); err != nil {
		return err
	}
	e.prof.End("variant")

	s := &e.slots[int(state.FrameIndex%uint64(len(e.slots)))]

	s.state = SlotWaitOnPriorFence
	e.prof.Begin("wait")
	if s.fenceValue > 0 {
		if err := e.fence.Wait(ctx, s.fenceValue); err != nil {
			return fmt.Errorf("frame %d: slot %d: %w", state.FrameIndex, s.index, err)
		}
	}
	e.prof.End("wait")

	s.state = SlotReset
	if err := s.cmd.Reset(); err != nil {
		return fmt.Errorf("frame %d: slot %d: %w", state.FrameIndex, s.index, err)
	}

	s.state = SlotRecord
	e.prof.Begin("record")
	if err := e.record(state, s); err != nil {
		return fmt.Errorf("frame %d: %w", state.FrameIndex, err)
	}
	e.prof.End("record")

	s.state = SlotSubmit
	e.nextValue++
	if err := e.dev.Submit(s.cmd, e.fence, e.nextValue); err != nil {
		return fmt.Errorf("frame %d: submit: %w", state.FrameIndex, err)
	}
	s.fenceValue = e.nextValue

	s.state = SlotPresent
	if err := e.surface.Present(); err != nil {
		return fmt.Errorf("frame %d: present: %w", state.FrameIndex, err)
	}
	s.state = SlotIdle

	state.FrameIndex++
	state.Stats.FramesRendered++
	state.Stats.LastFrameCPU = e.prof.End("frame")
	e.prof.SetCount("frame", int(state.Stats.FramesRendered))
	e.prof.SetCount("compiles", int(state.Stats.CompileCount))
	return nil
}

func (e *Executor) record(state *core.Context, s *slot) error {
	cmd := s.cmd
	w, h := e.opts.Width, e.opts.Height
	state.Stats.Width, state.Stats.Height = w, h

	off := uint64(s.index) * core.UniformSize
	u := core.NewFrameUniforms(state, e.opts.Camera)
	u.PutBytes(e.uniforms.Mapped()[off : off+core.UniformSize])

	tr := DynamicInstanceTransform(state.Time)
	for _, i := range e.opts.DynamicInstances {
		if err := e.accel.SetInstanceTransform(i, tr); err != nil {
			return err
		}
	}
	if err := e.accel.UpdateTopLevel(state, cmd, s.index); err != nil {
		return err
	}

	desc := backend.DispatchDesc{
		Scene:         e.accel.TopLevel().Structure,
		Uniforms:      e.uniforms,
		UniformOffset: off,
		UniformSize:   core.UniformSize,
		Output:        e.target,
		Width:         w,
		Height:        h,
	}
	if err := e.variants.Bind(&desc); err != nil {
		return err
	}
	e.dev.DispatchRays(cmd, desc)

	cmd.Transition(e.target, backend.StateUnorderedAccess, backend.StateCopySource)
	img, err := e.surface.Acquire()
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	cmd.Transition(img, backend.StatePresent, backend.StateCopyDest)
	cmd.CopyImage(img, e.target)
	cmd.Transition(img, backend.StateCopyDest, backend.StatePresent)
	cmd.Transition(e.target, backend.StateCopySource, backend.StateUnorderedAccess)
	return nil
}

// Shutdown drains the device and releases the slots and frame resources.
func (e *Executor) Shutdown(ctx context.Context) error {
	err := e.dev.WaitIdle(ctx)
	e.release()
	return err
}

func (e *Executor) release() {
	e.slots = nil
	if e.target != nil {
		e.target.Release()
		e.target = nil
	}
	if e.uniforms != nil {
		e.uniforms.Release()
		e.uniforms = nil
	}
	if e.fence != nil {
		e.fence.Release()
		e.fence = nil
	}
}
