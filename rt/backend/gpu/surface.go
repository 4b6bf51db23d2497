package gpu

import (
	"encoding/binary"
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/gekko3d/rtcore/rt/backend"
	"github.com/gekko3d/rtcore/rt/shaders"
)

// Surface presents through the window swapchain. CopyImage onto an acquired
// image is a fullscreen blit of the packed target.
type Surface struct {
	dev    *Device
	config *wgpu.SurfaceConfiguration

	module *wgpu.ShaderModule
	blitP  *wgpu.RenderPipeline
	params *wgpu.Buffer

	state   backend.ImageState
	current *surfaceImage
}

var _ backend.Surface = (*Surface)(nil)

type surfaceImage struct {
	surface *Surface
	tex     *wgpu.Texture
	view    *wgpu.TextureView
}

func (i *surfaceImage) Width() uint32                    { return i.surface.config.Width }
func (i *surfaceImage) Height() uint32                   { return i.surface.config.Height }
func (i *surfaceImage) Release()                         {}
func (i *surfaceImage) label() string                    { return "surface" }
func (i *surfaceImage) recordState() *backend.ImageState { return &i.surface.state }

// NewSurface configures the window surface. It needs Options.Window.
func (d *Device) NewSurface(width, height uint32) (*Surface, error) {
	if d.surface == nil {
		return nil, fmt.Errorf("gpu: device was created without a window")
	}
	caps := d.surface.GetCapabilities(d.adapter)
	if len(caps.Formats) == 0 {
		return nil, fmt.Errorf("gpu: surface reports no formats")
	}
	s := &Surface{
		dev:   d,
		state: backend.StatePresent,
		config: &wgpu.SurfaceConfiguration{
			Usage:       wgpu.TextureUsageRenderAttachment,
			Format:      caps.Formats[0],
			Width:       width,
			Height:      height,
			PresentMode: wgpu.PresentModeFifo,
			AlphaMode:   caps.AlphaModes[0],
		},
	}
	d.surface.Configure(d.adapter, d.device, s.config)

	var err error
	if s.module, err = d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "blit",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: shaders.FullscreenWGSL},
	}); err != nil {
		return nil, fmt.Errorf("gpu: blit module: %w", err)
	}
	if s.blitP, err = d.device.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label: "blit",
		Vertex: wgpu.VertexState{
			Module:     s.module,
			EntryPoint: "vs_main",
		},
		Fragment: &wgpu.FragmentState{
			Module:     s.module,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{{
				Format:    s.config.Format,
				WriteMask: wgpu.ColorWriteMaskAll,
			}},
		},
		Primitive: wgpu.PrimitiveState{
			Topology: wgpu.PrimitiveTopologyTriangleList,
		},
		Multisample: wgpu.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	}); err != nil {
		s.Release()
		return nil, fmt.Errorf("gpu: blit pipeline: %w", err)
	}
	if s.params, err = d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "blit-params",
		Size:  16,
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	}); err != nil {
		s.Release()
		return nil, fmt.Errorf("gpu: blit params: %w", err)
	}
	return s, nil
}

func (s *Surface) Acquire() (backend.Image, error) {
	if s.current != nil {
		return nil, fmt.Errorf("gpu: surface image acquired twice without present")
	}
	tex, err := s.dev.surface.GetCurrentTexture()
	if err != nil {
		return nil, fmt.Errorf("gpu: acquire: %w", err)
	}
	view, err := tex.CreateView(nil)
	if err != nil {
		tex.Release()
		return nil, fmt.Errorf("gpu: acquire view: %w", err)
	}
	s.current = &surfaceImage{surface: s, tex: tex, view: view}
	return s.current, nil
}

func (s *Surface) Present() error {
	if s.current == nil {
		return fmt.Errorf("gpu: present without acquire")
	}
	if err := s.dev.lostErr(); err != nil {
		return err
	}
	s.dev.surface.Present()
	s.current.view.Release()
	s.current.tex.Release()
	s.current = nil
	return nil
}

func (s *Surface) blit(enc *wgpu.CommandEncoder, res *frameResources, dst *surfaceImage, src *Image) error {
	var params [16]byte
	binary.LittleEndian.PutUint32(params[0:], src.desc.Width)
	binary.LittleEndian.PutUint32(params[4:], src.desc.Height)
	if err := s.dev.queue.WriteBuffer(s.params, 0, params[:]); err != nil {
		return err
	}
	bg, err := s.dev.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "blit",
		Layout: s.blitP.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: src.buf.gpu, Size: src.buf.gpuSize()},
			{Binding: 1, Buffer: s.params, Size: 16},
		},
	})
	if err != nil {
		return err
	}
	res.bindGroups = append(res.bindGroups, bg)

	pass := enc.BeginRenderPass(&wgpu.RenderPassDescriptor{
		ColorAttachments: []wgpu.RenderPassColorAttachment{{
			View:       dst.view,
			LoadOp:     wgpu.LoadOpClear,
			StoreOp:    wgpu.StoreOpStore,
			ClearValue: wgpu.Color{R: 0, G: 0, B: 0, A: 1},
		}},
	})
	defer pass.Release()
	pass.SetPipeline(s.blitP)
	pass.SetBindGroup(0, bg, nil)
	pass.Draw(3, 1, 0, 0)
	return pass.End()
}

func (s *Surface) Release() {
	if s.params != nil {
		s.params.Release()
		s.params = nil
	}
	if s.blitP != nil {
		s.blitP.Release()
		s.blitP = nil
	}
	if s.module != nil {
		s.module.Release()
		s.module = nil
	}
}
