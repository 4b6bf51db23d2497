// Package gpu is the WebGPU back end. WebGPU has no native ray tracing, so
// acceleration structures are built on the CPU from buffer mirrors in the
// shared bvh layout, uploaded with queue writes and traversed by the compute
// kernel. The off-screen image is a packed RGBA8 storage buffer that a blit
// pass copies onto the surface.
package gpu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/cogentcore/webgpu/wgpuglfw"
	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/gekko3d/rtcore/rt/backend"
	"github.com/gekko3d/rtcore/rt/core"
)

type Options struct {
	// Window, when set, creates a presentation surface for NewSurface.
	Window *glfw.Window
	// BLASPoolBytes sizes the storage buffer every bottom level lives in.
	BLASPoolBytes        uint64
	MaxShaderSourceBytes int
	Logger               core.Logger
}

func DefaultOptions() Options {
	return Options{
		BLASPoolBytes:        32 << 20,
		MaxShaderSourceBytes: 1 << 20,
	}
}

type Device struct {
	opts Options
	log  core.Logger

	instance *wgpu.Instance
	surface  *wgpu.Surface
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	// one layout for every variant: frame uniforms, tlas, blas pool, output
	bindLayout     *wgpu.BindGroupLayout
	pipelineLayout *wgpu.PipelineLayout

	blasPool *Buffer
	pool     *pool

	// live guards the wgpu handles against release during a poll
	live sync.RWMutex

	mu       sync.Mutex
	nextAddr uint64
	bottoms  map[uint64]*AccelerationStructure
	lost     error
	closed   bool
}

var _ backend.Adapter = (*Device)(nil)

func New(opts Options) (*Device, error) {
	def := DefaultOptions()
	if opts.BLASPoolBytes == 0 {
		opts.BLASPoolBytes = def.BLASPoolBytes
	}
	if opts.MaxShaderSourceBytes == 0 {
		opts.MaxShaderSourceBytes = def.MaxShaderSourceBytes
	}
	if opts.Logger == nil {
		opts.Logger = core.NewNopLogger()
	}
	d := &Device{
		opts:     opts,
		log:      opts.Logger,
		nextAddr: 1 << 40,
		bottoms:  make(map[uint64]*AccelerationStructure),
		pool:     newPool(opts.BLASPoolBytes, blasAlignment),
	}
	ok := false
	defer func() {
		if !ok {
			d.release()
		}
	}()

	d.instance = wgpu.CreateInstance(nil)
	if opts.Window != nil {
		d.surface = d.instance.CreateSurface(wgpuglfw.GetSurfaceDescriptor(opts.Window))
	}
	var err error
	d.adapter, err = d.instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		CompatibleSurface: d.surface,
		PowerPreference:   wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: adapter: %w", err)
	}
	if d.device, err = d.adapter.RequestDevice(nil); err != nil {
		return nil, fmt.Errorf("gpu: device: %w", err)
	}
	d.queue = d.device.GetQueue()

	if d.bindLayout, err = d.device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: "rt-bindings",
		Entries: []wgpu.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: wgpu.ShaderStageCompute,
				Buffer: wgpu.BufferBindingLayout{
					Type:           wgpu.BufferBindingTypeUniform,
					MinBindingSize: core.UniformSize,
				},
			},
			{
				Binding:    1,
				Visibility: wgpu.ShaderStageCompute,
				Buffer:     wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage},
			},
			{
				Binding:    2,
				Visibility: wgpu.ShaderStageCompute,
				Buffer:     wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage},
			},
			{
				Binding:    3,
				Visibility: wgpu.ShaderStageCompute,
				Buffer:     wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage},
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("gpu: bind group layout: %w", err)
	}
	if d.pipelineLayout, err = d.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            "rt-layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{d.bindLayout},
	}); err != nil {
		return nil, fmt.Errorf("gpu: pipeline layout: %w", err)
	}

	pool, err := d.CreateBuffer(backend.BufferDesc{
		Label: "blas-pool",
		Size:  opts.BLASPoolBytes,
		Usage: backend.UsageStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: blas pool: %w", err)
	}
	d.blasPool = pool.(*Buffer)

	ok = true
	d.log.Infof("gpu: device ready, blas pool %d MiB", opts.BLASPoolBytes>>20)
	return d, nil
}

func (d *Device) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name: "wgpu",
		// traversal always runs inline in the compute kernel
		InlineRayQuery:       true,
		ShaderTables:         false,
		MaxShaderSourceBytes: d.opts.MaxShaderSourceBytes,
	}
}

func (d *Device) lostErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

func (d *Device) markLost(err error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost == nil {
		d.lost = fmt.Errorf("%w: %w", backend.ErrDeviceLost, err)
		d.log.Errorf("gpu: %v", d.lost)
	}
	return d.lost
}

func (d *Device) allocAddress(size uint64) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr := d.nextAddr
	d.nextAddr += backend.AlignUp(max(size, 1), 256)
	return addr
}

var errClosed = errors.New("gpu: device closed")

// poll reports whether the queue is empty, blocking until it is when wait
// is set. It fails once the device is released.
func (d *Device) poll(wait bool) (bool, error) {
	d.live.RLock()
	defer d.live.RUnlock()
	if d.device == nil {
		return false, errClosed
	}
	return d.device.Poll(wait, nil), nil
}

// drain blocks until the queue is empty.
func (d *Device) drain() error {
	_, err := d.poll(true)
	return err
}

func (d *Device) WaitIdle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.lostErr(); err != nil {
		return err
	}
	if err := d.drain(); err != nil {
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
	d.closed = true
	d.mu.Unlock()
	_ = d.drain()
	d.release()
	return nil
}

func (d *Device) release() {
	d.live.Lock()
	defer d.live.Unlock()
	if d.blasPool != nil {
		d.blasPool.Release()
		d.blasPool = nil
	}
	if d.pipelineLayout != nil {
		d.pipelineLayout.Release()
		d.pipelineLayout = nil
	}
	if d.bindLayout != nil {
		d.bindLayout.Release()
		d.bindLayout = nil
	}
	if d.device != nil {
		d.device.Release()
		d.device = nil
	}
	if d.adapter != nil {
		d.adapter.Release()
		d.adapter = nil
	}
	if d.surface != nil {
		d.surface.Release()
		d.surface = nil
	}
	if d.instance != nil {
		d.instance.Release()
		d.instance = nil
	}
}
