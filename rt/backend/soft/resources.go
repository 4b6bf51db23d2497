package soft

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/gekko3d/rtcore/rt/backend"
)

type Buffer struct {
	desc backend.BufferDesc
	addr uint64
	data []byte
}

func (d *Device) CreateBuffer(desc backend.BufferDesc) (backend.Buffer, error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("soft: buffer %q has zero size", desc.Label)
	}
	return &Buffer{desc: desc, addr: d.allocAddress(desc.Size), data: make([]byte, desc.Size)}, nil
}

func (b *Buffer) Size() uint64    { return uint64(len(b.data)) }
func (b *Buffer) Address() uint64 { return b.addr }

func (b *Buffer) Mapped() []byte {
	if b.desc.Memory != backend.MemoryHostVisible {
		return nil
	}
	return b.data
}

func (b *Buffer) Release() {}

// Bytes exposes the contents of any buffer. Only valid while the queue is idle.
func (b *Buffer) Bytes() []byte { return b.data }

func asBuffer(b backend.Buffer) (*Buffer, error) {
	sb, ok := b.(*Buffer)
	if !ok || sb == nil {
		return nil, fmt.Errorf("not a soft buffer: %T", b)
	}
	return sb, nil
}

type Image struct {
	desc backend.ImageDesc
	pix  []byte
	// state is the state at the current point of recording.
	state backend.ImageState
}

func (d *Device) CreateImage(desc backend.ImageDesc) (backend.Image, error) {
	return d.newImage(desc)
}

func (d *Device) newImage(desc backend.ImageDesc) (*Image, error) {
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("soft: image %q has zero extent", desc.Label)
	}
	return &Image{
		desc:  desc,
		pix:   make([]byte, int(desc.Width)*int(desc.Height)*4),
		state: desc.InitialState,
	}, nil
}

func (i *Image) Width() uint32  { return i.desc.Width }
func (i *Image) Height() uint32 { return i.desc.Height }
func (i *Image) Release()       {}

// Pixels are RGBA8 rows. Only valid while the queue is idle.
func (i *Image) Pixels() []byte { return i.pix }

func asImage(img backend.Image) (*Image, error) {
	si, ok := img.(*Image)
	if !ok || si == nil {
		return nil, fmt.Errorf("not a soft image: %T", img)
	}
	return si, nil
}

type Fence struct {
	dev  *Device
	mu   sync.Mutex
	cond *sync.Cond

	value     uint64
	submitted uint64
	err       error
}

func (d *Device) CreateFence() (backend.Fence, error) {
	return d.newFence(), nil
}

func (d *Device) newFence() *Fence {
	f := &Fence{dev: d}
	f.cond = sync.NewCond(&f.mu)
	d.mu.Lock()
	d.fences = append(d.fences, f)
	d.mu.Unlock()
	return f
}

func (f *Fence) Completed() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

func (f *Fence) Wait(ctx context.Context, value uint64) error {
	stop := context.AfterFunc(ctx, func() {
		f.mu.Lock()
		f.cond.Broadcast()
		f.mu.Unlock()
	})
	defer stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	for f.value < value {
		if f.err != nil {
			return f.err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		f.cond.Wait()
	}
	return nil
}

// Release stops tracking f; it no longer fails on device loss.
func (f *Fence) Release() {
	d := f.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fences = slices.DeleteFunc(d.fences, func(g *Fence) bool { return g == f })
}

// reserve records a submission; values must increase.
func (f *Fence) reserve(value uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if value <= f.submitted {
		return false
	}
	f.submitted = value
	return true
}

func (f *Fence) signal(value uint64) {
	f.mu.Lock()
	if value > f.value {
		f.value = value
	}
	f.cond.Broadcast()
	f.mu.Unlock()
}

func (f *Fence) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.cond.Broadcast()
	f.mu.Unlock()
}
