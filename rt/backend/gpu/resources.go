package gpu

import (
	"context"
	"fmt"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/gekko3d/rtcore/rt/backend"
)

// Buffer pairs a GPU buffer with a CPU mirror. Host-visible buffers are
// written through the mirror and flushed by the submissions that read them.
// Mirrors also follow copies so CPU structure builds can read geometry.
type Buffer struct {
	dev    *Device
	desc   backend.BufferDesc
	gpu    *wgpu.Buffer // nil for build inputs and scratch
	addr   uint64
	mirror []byte
}

// gpuUsage maps a buffer usage to WebGPU usage bits. Build inputs and
// scratch live only in the mirror since structures are built on the CPU.
func gpuUsage(u backend.BufferUsage) wgpu.BufferUsage {
	var out wgpu.BufferUsage
	if u&(backend.UsageAccelInput|backend.UsageScratch) != 0 {
		return 0
	}
	if u&backend.UsageStorage != 0 {
		out |= wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc
	}
	if u&backend.UsageUniform != 0 {
		out |= wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst
	}
	if u&backend.UsageCopySrc != 0 {
		out |= wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst
	}
	if u&backend.UsageCopyDst != 0 {
		out |= wgpu.BufferUsageCopyDst
	}
	return out
}

func (d *Device) CreateBuffer(desc backend.BufferDesc) (backend.Buffer, error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("gpu: buffer %q has zero size", desc.Label)
	}
	b := &Buffer{dev: d, desc: desc, addr: d.allocAddress(desc.Size), mirror: make([]byte, desc.Size)}
	if usage := gpuUsage(desc.Usage); usage != 0 {
		var err error
		b.gpu, err = d.device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: desc.Label,
			Size:  b.gpuSize(),
			Usage: usage,
		})
		if err != nil {
			return nil, fmt.Errorf("gpu: buffer %q: %w", desc.Label, err)
		}
	}
	return b, nil
}

func (b *Buffer) Size() uint64    { return b.desc.Size }
func (b *Buffer) Address() uint64 { return b.addr }

func (b *Buffer) Mapped() []byte {
	if b.desc.Memory != backend.MemoryHostVisible {
		return nil
	}
	return b.mirror
}

func (b *Buffer) Release() {
	if b.gpu != nil {
		b.gpu.Release()
		b.gpu = nil
	}
}

// gpuSize is the size of the GPU copy. WebGPU wants multiples of four.
func (b *Buffer) gpuSize() uint64 { return backend.AlignUp(b.desc.Size, 4) }

// upload writes the mirror range [off, off+n) to the GPU copy.
func (b *Buffer) upload(off, n uint64) error {
	if b.gpu == nil || n == 0 {
		return nil
	}
	end := min(backend.AlignUp(off+n, 4), uint64(len(b.mirror)))
	start := off &^ 3
	chunk := b.mirror[start:end]
	if len(chunk)%4 != 0 {
		padded := make([]byte, backend.AlignUp(uint64(len(chunk)), 4))
		copy(padded, chunk)
		chunk = padded
	}
	return b.dev.queue.WriteBuffer(b.gpu, start, chunk)
}

func asBuffer(b backend.Buffer) (*Buffer, error) {
	gb, ok := b.(*Buffer)
	if !ok || gb == nil {
		return nil, fmt.Errorf("not a gpu buffer: %T", b)
	}
	return gb, nil
}

// Image is an off-screen RGBA8 target stored as one u32 per pixel.
type Image struct {
	desc  backend.ImageDesc
	buf   *Buffer
	state backend.ImageState
}

func (d *Device) CreateImage(desc backend.ImageDesc) (backend.Image, error) {
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("gpu: image %q has zero extent", desc.Label)
	}
	b, err := d.CreateBuffer(backend.BufferDesc{
		Label: desc.Label,
		Size:  uint64(desc.Width) * uint64(desc.Height) * 4,
		Usage: backend.UsageStorage | backend.UsageCopySrc,
	})
	if err != nil {
		return nil, err
	}
	return &Image{desc: desc, buf: b.(*Buffer), state: desc.InitialState}, nil
}

func (i *Image) Width() uint32  { return i.desc.Width }
func (i *Image) Height() uint32 { return i.desc.Height }
func (i *Image) Release()       { i.buf.Release() }

// imageState is implemented by off-screen and surface images.
type imageState interface {
	backend.Image
	label() string
	recordState() *backend.ImageState
}

func (i *Image) label() string                    { return i.desc.Label }
func (i *Image) recordState() *backend.ImageState { return &i.state }

func asImage(img backend.Image) (imageState, error) {
	switch v := img.(type) {
	case *Image:
		if v != nil {
			return v, nil
		}
	case *surfaceImage:
		if v != nil {
			return v, nil
		}
	}
	return nil, fmt.Errorf("not a gpu image: %T", img)
}

// Fence tracks submissions by value. WebGPU reports only whole-queue
// completion, so a drained queue completes every submitted value.
type Fence struct {
	dev       *Device
	mu        sync.Mutex
	submitted uint64
	completed uint64
}

func (d *Device) CreateFence() (backend.Fence, error) {
	return &Fence{dev: d}, nil
}

func (f *Fence) Completed() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed < f.submitted {
		if idle, err := f.dev.poll(false); err == nil && idle {
			f.completed = f.submitted
		}
	}
	return f.completed
}

func (f *Fence) Wait(ctx context.Context, value uint64) error {
	if f.Completed() >= value {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.dev.lostErr(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if value > f.submitted {
		return fmt.Errorf("%w: wait for fence value %d, last submitted %d", backend.ErrValidation, value, f.submitted)
	}
	if err := f.dev.drain(); err != nil {
		return err
	}
	f.completed = f.submitted
	return f.dev.lostErr()
}

func (f *Fence) Release() {}

func (f *Fence) reserve(value uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if value <= f.submitted {
		return false
	}
	f.submitted = value
	return true
}
