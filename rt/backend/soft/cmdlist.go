package soft

import (
	"errors"
	"fmt"

	"github.com/gekko3d/rtcore/rt/backend"
)

type command struct {
	op  string
	run func() error
}

type CommandList struct {
	dev   *Device
	label string

	cmds   []command
	errs   []error
	closed bool

	// last submission
	fence *Fence
	value uint64

	// structures built in this recording and not yet behind a barrier
	unfenced map[*AccelerationStructure]bool
}

func (d *Device) CreateCommandList(label string) (backend.CommandList, error) {
	return &CommandList{dev: d, label: label, unfenced: make(map[*AccelerationStructure]bool)}, nil
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
	// The queue may still hold the previous slice header; start a new one.
	c.cmds = nil
	c.errs = nil
	c.closed = false
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

func (c *CommandList) record(op string, run func() error) {
	if c.closed {
		c.fail("%s recorded into closed list", op)
		return
	}
	c.cmds = append(c.cmds, command{op: op, run: run})
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
	c.record("copy-buffer", func() error {
		copy(d.data[dstOffset:dstOffset+size], s.data[srcOffset:srcOffset+size])
		return nil
	})
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
	if s.state != backend.StateCopySource {
		c.fail("copy-image: source %q is %s, want %s", s.desc.Label, s.state, backend.StateCopySource)
	}
	if d.state != backend.StateCopyDest {
		c.fail("copy-image: destination %q is %s, want %s", d.desc.Label, d.state, backend.StateCopyDest)
	}
	if d.desc.Width != s.desc.Width || d.desc.Height != s.desc.Height {
		c.fail("copy-image: extent %dx%d into %dx%d", s.desc.Width, s.desc.Height, d.desc.Width, d.desc.Height)
		return
	}
	c.record("copy-image", func() error {
		copy(d.pix, s.pix)
		return nil
	})
}

func (c *CommandList) Transition(img backend.Image, from, to backend.ImageState) {
	i, err := asImage(img)
	if err != nil {
		c.fail("transition: %v", err)
		return
	}
	if i.state != from {
		c.fail("transition: %q from %s, but it is %s", i.desc.Label, from, i.state)
	}
	i.state = to
	c.record("transition:"+to.String(), func() error { return nil })
}

func (c *CommandList) StructureBarrier(as backend.AccelerationStructure) {
	a, err := asStructure(as)
	if err != nil {
		c.fail("barrier: %v", err)
		return
	}
	delete(c.unfenced, a)
	c.record("barrier", func() error { return nil })
}
