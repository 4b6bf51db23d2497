package gpu

import (
	"errors"
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/gekko3d/rtcore/rt/backend"
)

// op is one recorded command. host runs on the CPU at submit, in recording
// order, before any GPU work of the same list is encoded.
type op struct {
	name string
	host func() error
	gpu  func(enc *wgpu.CommandEncoder, res *frameResources) error
}

// frameResources collects objects that must outlive encoding and are freed
// once the submission is queued.
type frameResources struct {
	bindGroups []*wgpu.BindGroup
}

func (r *frameResources) release() {
	for _, bg := range r.bindGroups {
		bg.Release()
	}
	r.bindGroups = nil
}

type CommandList struct {
	dev   *Device
	label string

	ops    []op
	errs   []error
	closed bool

	// host-visible buffers read by GPU ops of this recording
	touched map[*Buffer]bool
	// structures built in this recording and not yet behind a barrier
	unfenced map[*AccelerationStructure]bool

	fence *Fence
	value uint64
}

func (d *Device) CreateCommandList(label string) (backend.CommandList, error) {
	return &CommandList{
		dev:      d,
		label:    label,
		touched:  make(map[*Buffer]bool),
		unfenced: make(map[*AccelerationStructure]bool),
	}, nil
}

func (c *CommandList) inFlight() bool {
	return c.fence != nil && c.fence.Completed() < c.value
}

func (c *CommandList) Reset() error {
	if err := c.dev.lostErr(); err != nil {
		return err
	}
	if c.inFlight() {
		return fmt.Errorf("%w: reset of %s before fence %d", backend.ErrInFlight, c.label, c.value)
	}
	c.ops = nil
	c.errs = nil
	c.closed = false
	clear(c.touched)
	clear(c.unfenced)
	return nil
}

func (c *CommandList) Close() error {
	c.closed = true
	if len(c.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", backend.ErrValidation, c.label, errors.Join(c.errs...))
}

func (c *CommandList) fail(format string, args ...any) {
	c.errs = append(c.errs, fmt.Errorf(format, args...))
}

func (c *CommandList) record(o op) {
	if c.closed {
		c.fail("%s recorded into closed list", o.name)
		return
	}
	c.ops = append(c.ops, o)
}

func (c *CommandList) touch(b *Buffer) {
	if b.gpu != nil && b.desc.Memory == backend.MemoryHostVisible {
		c.touched[b] = true
	}
}

func (c *CommandList) CopyBuffer(dst backend.Buffer, dstOffset uint64, src backend.Buffer, srcOffset uint64, size uint64) {
	d, err := asBuffer(dst)
	if err != nil {
		c.fail("copy-buffer: %v", err)
		return
	}
	s, err := asBuffer(src)
	if err != nil {
		c.fail("copy-buffer: %v", err)
		return
	}
	if dstOffset+size > d.Size() || srcOffset+size > s.Size() {
		c.fail("copy-buffer: %d bytes out of range (dst %d+%d, src %d+%d)", size, d.Size(), dstOffset, s.Size(), srcOffset)
		return
	}
	o := op{
		name: "copy-buffer",
		host: func() error {
			copy(d.mirror[dstOffset:dstOffset+size], s.mirror[srcOffset:srcOffset+size])
			return nil
		},
	}
	if d.gpu != nil && s.gpu != nil {
		if size%4 != 0 || dstOffset%4 != 0 || srcOffset%4 != 0 {
			c.fail("copy-buffer: offsets and size must be 4 byte aligned")
			return
		}
		c.touch(s)
		o.gpu = func(enc *wgpu.CommandEncoder, _ *frameResources) error {
			return enc.CopyBufferToBuffer(s.gpu, srcOffset, d.gpu, dstOffset, size)
		}
	}
	c.record(o)
}

func (c *CommandList) CopyImage(dst, src backend.Image) {
	d, err := asImage(dst)
	if err != nil {
		c.fail("copy-image: %v", err)
		return
	}
	s, err := asImage(src)
	if err != nil {
		c.fail("copy-image: %v", err)
		return
	}
	if st := *s.recordState(); st != backend.StateCopySource {
		c.fail("copy-image: source %q is %s, want %s", s.label(), st, backend.StateCopySource)
	}
	if st := *d.recordState(); st != backend.StateCopyDest {
		c.fail("copy-image: destination %q is %s, want %s", d.label(), st, backend.StateCopyDest)
	}
	if d.Width() != s.Width() || d.Height() != s.Height() {
		c.fail("copy-image: extent %dx%d into %dx%d", s.Width(), s.Height(), d.Width(), d.Height())
		return
	}
	from, ok := s.(*Image)
	if !ok {
		c.fail("copy-image: surface image %q cannot be a source", s.label())
		return
	}
	switch to := d.(type) {
	case *Image:
		size := from.buf.Size()
		c.record(op{
			name: "copy-image",
			gpu: func(enc *wgpu.CommandEncoder, _ *frameResources) error {
				return enc.CopyBufferToBuffer(from.buf.gpu, 0, to.buf.gpu, 0, size)
			},
		})
	case *surfaceImage:
		c.record(op{
			name: "copy-image",
			gpu: func(enc *wgpu.CommandEncoder, res *frameResources) error {
				return to.surface.blit(enc, res, to, from)
			},
		})
	}
}

// Transition only tracks state. WebGPU inserts the hazards itself.
func (c *CommandList) Transition(img backend.Image, from, to backend.ImageState) {
	i, err := asImage(img)
	if err != nil {
		c.fail("transition: %v", err)
		return
	}
	st := i.recordState()
	if *st != from {
		c.fail("transition: %q from %s, but it is %s", i.label(), from, *st)
	}
	*st = to
	c.record(op{name: "transition:" + to.String()})
}

func (c *CommandList) StructureBarrier(as backend.AccelerationStructure) {
	a, err := asStructure(as)
	if err != nil {
		c.fail("barrier: %v", err)
		return
	}
	delete(c.unfenced, a)
	c.record(op{name: "barrier"})
}

func (d *Device) Submit(cmd backend.CommandList, fence backend.Fence, value uint64) error {
	c, ok := cmd.(*CommandList)
	if !ok || c.dev != d {
		return fmt.Errorf("gpu: submit of foreign command list %T", cmd)
	}
	f, ok := fence.(*Fence)
	if !ok || f.dev != d {
		return fmt.Errorf("gpu: submit with foreign fence %T", fence)
	}
	if err := d.lostErr(); err != nil {
		return err
	}
	if c.inFlight() {
		return fmt.Errorf("%w: %s submitted twice", backend.ErrInFlight, c.label)
	}
	if err := c.Close(); err != nil {
		return err
	}
	if !f.reserve(value) {
		return fmt.Errorf("%w: fence value %d is not above the last submitted value", backend.ErrValidation, value)
	}
	c.fence, c.value = f, value

	for _, o := range c.ops {
		if o.host == nil {
			continue
		}
		if err := o.host(); err != nil {
			return d.markLost(fmt.Errorf("%s: %s: %w", c.label, o.name, err))
		}
	}
	for b := range c.touched {
		if err := b.upload(0, b.Size()); err != nil {
			return d.markLost(fmt.Errorf("%s: flush %q: %w", c.label, b.desc.Label, err))
		}
	}

	enc, err := d.device.CreateCommandEncoder(&wgpu.CommandEncoderDescriptor{Label: c.label})
	if err != nil {
		return d.markLost(fmt.Errorf("%s: encoder: %w", c.label, err))
	}
	defer enc.Release()
	res := &frameResources{}
	defer res.release()
	for _, o := range c.ops {
		if o.gpu == nil {
			continue
		}
		if err := o.gpu(enc, res); err != nil {
			return d.markLost(fmt.Errorf("%s: %s: %w", c.label, o.name, err))
		}
	}
	cb, err := enc.Finish(nil)
	if err != nil {
		return d.markLost(fmt.Errorf("%s: finish: %w", c.label, err))
	}
	defer cb.Release()
	d.queue.Submit(cb)
	return nil
}
