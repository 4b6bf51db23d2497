// Package soft is a CPU implementation of the backend adapter. Command lists
// execute on one queue goroutine in submission order, fences are signaled as
// lists retire, and recording misuse is reported the way a debug layer would.
// It is deterministic: the same submissions produce the same bytes.
package soft

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gekko3d/rtcore/rt/backend"
	"github.com/gekko3d/rtcore/rt/core"
)

type Options struct {
	// Workers is the size of the ray kernel worker pool.
	Workers              int
	InlineRayQuery       bool
	ShaderTables         bool
	MaxShaderSourceBytes int
	Logger               core.Logger
}

func DefaultOptions() Options {
	return Options{
		Workers:              runtime.NumCPU(),
		InlineRayQuery:       true,
		ShaderTables:         true,
		MaxShaderSourceBytes: 64 << 10,
	}
}

type job struct {
	label string
	run   func() error
	fence *Fence
	value uint64
	seq   uint64
}

type Device struct {
	opts Options
	log  core.Logger

	queue chan job
	done  chan struct{}
	seq   atomic.Uint64
	idle  *Fence

	mu       sync.Mutex
	nextAddr uint64
	structs  map[uint64]*AccelerationStructure
	fences   []*Fence
	ops      []string
	lost     error
	closed   bool
}

var _ backend.Adapter = (*Device)(nil)

func New(opts Options) *Device {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.MaxShaderSourceBytes <= 0 {
		opts.MaxShaderSourceBytes = DefaultOptions().MaxShaderSourceBytes
	}
	if opts.Logger == nil {
		opts.Logger = core.NewNopLogger()
	}
	d := &Device{
		opts:     opts,
		log:      opts.Logger,
		queue:    make(chan job, 16),
		done:     make(chan struct{}),
		nextAddr: 0x10000,
		structs:  make(map[uint64]*AccelerationStructure),
	}
	d.idle = d.newFence()
	go d.run()
	return d
}

func (d *Device) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:                 "soft",
		InlineRayQuery:       d.opts.InlineRayQuery,
		ShaderTables:         d.opts.ShaderTables,
		MaxShaderSourceBytes: d.opts.MaxShaderSourceBytes,
	}
}

func (d *Device) run() {
	defer close(d.done)
	for j := range d.queue {
		if d.lostErr() == nil {
			if err := j.run(); err != nil {
				d.markLost(fmt.Errorf("%s: %w", j.label, err))
			}
		}
		if d.lostErr() == nil && j.fence != nil {
			j.fence.signal(j.value)
		}
		d.idle.signal(j.seq)
	}
}

func (d *Device) enqueue(j job) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("soft: device closed")
	}
	d.mu.Unlock()
	if err := d.lostErr(); err != nil {
		return err
	}
	j.seq = d.seq.Add(1)
	d.queue <- j
	return nil
}

func (d *Device) lostErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

func (d *Device) markLost(err error) {
	d.mu.Lock()
	if d.lost == nil {
		d.lost = fmt.Errorf("%w: %v", backend.ErrDeviceLost, err)
		d.log.Errorf("device lost: %v", err)
	}
	lost := d.lost
	fences := append([]*Fence(nil), d.fences...)
	d.mu.Unlock()
	for _, f := range fences {
		f.fail(lost)
	}
}

func (d *Device) logOp(op string) {
	d.mu.Lock()
	d.ops = append(d.ops, op)
	d.mu.Unlock()
}

// Ops returns the executed operations in queue order. Call after WaitIdle.
func (d *Device) Ops() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ops...)
}

func (d *Device) ResetOps() {
	d.mu.Lock()
	d.ops = nil
	d.mu.Unlock()
}

func (d *Device) allocAddress(size uint64) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr := d.nextAddr
	d.nextAddr += (size + 255) &^ 255
	if size == 0 {
		d.nextAddr += 256
	}
	return addr
}

func (d *Device) Submit(cmd backend.CommandList, fence backend.Fence, value uint64) error {
	c, ok := cmd.(*CommandList)
	if !ok || c.dev != d {
		return fmt.Errorf("soft: submit of foreign command list %T", cmd)
	}
	f, ok := fence.(*Fence)
	if !ok || f.dev != d {
		return fmt.Errorf("soft: submit with foreign fence %T", fence)
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
	cmds := c.cmds
	label := c.label
	return d.enqueue(job{
		label: label,
		fence: f,
		value: value,
		run: func() error {
			for _, cm := range cmds {
				d.logOp(cm.op)
				if err := cm.run(); err != nil {
					return fmt.Errorf("%s: %w", cm.op, err)
				}
			}
			return nil
		},
	})
}

func (d *Device) WaitIdle(ctx context.Context) error {
	if err := d.idle.Wait(ctx, d.seq.Load()); err != nil {
		return err
	}
	return d.lostErr()
}

func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()
	err := d.WaitIdle(context.Background())
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	close(d.queue)
	<-d.done
	return err
}
