package gpu

import (
	"encoding/binary"
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/google/uuid"

	"github.com/gekko3d/rtcore/rt/backend"
	"github.com/gekko3d/rtcore/rt/core"
)

// workgroupSize matches @workgroup_size in raygen.wgsl.
const workgroupSize = 8

// Pipeline is the variant's compute pipeline. Every variant shares the
// device bind group layout.
type Pipeline struct {
	id     uuid.UUID
	label  string
	module *wgpu.ShaderModule
	pipe   *wgpu.ComputePipeline
}

func (d *Device) CreatePipeline(sh backend.CompiledShader) (backend.Pipeline, error) {
	words, err := spirvWords(sh.Bytecode)
	if err != nil {
		return nil, fmt.Errorf("gpu: pipeline %q: %w", sh.Label, err)
	}
	if len(sh.Source) > d.opts.MaxShaderSourceBytes {
		return nil, fmt.Errorf("gpu: pipeline %q source is %d bytes, limit %d", sh.Label, len(sh.Source), d.opts.MaxShaderSourceBytes)
	}
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	module, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:           sh.Label,
		SPIRVDescriptor: &wgpu.ShaderModuleSPIRVDescriptor{Code: words},
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: shader module %q: %w", sh.Label, err)
	}
	pipe, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  sh.Label,
		Layout: d.pipelineLayout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: sh.EntryPoint,
		},
	})
	if err != nil {
		module.Release()
		return nil, fmt.Errorf("gpu: compute pipeline %q: %w", sh.Label, err)
	}
	p := &Pipeline{id: uuid.New(), label: sh.Label, module: module, pipe: pipe}
	d.log.Debugf("pipeline %s (%s) created for %s", p.id, p.label, sh.Target)
	return p, nil
}

func (p *Pipeline) ID() uuid.UUID { return p.id }

const (
	spirvMagic       = 0x07230203
	spirvHeaderWords = 5
)

// spirvWords reinterprets front end output as little-endian SPIR-V words.
func spirvWords(code []byte) ([]uint32, error) {
	switch {
	case len(code) == 0:
		return nil, fmt.Errorf("no bytecode")
	case len(code)%4 != 0:
		return nil, fmt.Errorf("bytecode of %d bytes is not whole SPIR-V words", len(code))
	case len(code) < spirvHeaderWords*4:
		return nil, fmt.Errorf("bytecode of %d bytes is shorter than a SPIR-V header", len(code))
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	if words[0] != spirvMagic {
		return nil, fmt.Errorf("bytecode starts with %#08x, not the SPIR-V magic number", words[0])
	}
	return words, nil
}

// ShaderIdentifier has no meaning without shader tables; it still returns a
// stable per-group value.
func (p *Pipeline) ShaderIdentifier(g backend.ShaderGroup) []byte {
	id := make([]byte, backend.ShaderIdentifierSize)
	copy(id, p.id[:])
	id[16] = byte(g) + 1
	return id
}

func (p *Pipeline) Release() {
	if p.pipe != nil {
		p.pipe.Release()
		p.pipe = nil
	}
	if p.module != nil {
		p.module.Release()
		p.module = nil
	}
}

func asPipeline(p backend.Pipeline) (*Pipeline, error) {
	gp, ok := p.(*Pipeline)
	if !ok || gp == nil {
		return nil, fmt.Errorf("not a gpu pipeline: %T", p)
	}
	return gp, nil
}

func (d *Device) DispatchRays(cmd backend.CommandList, desc backend.DispatchDesc) {
	c, ok := cmd.(*CommandList)
	if !ok {
		return
	}
	p, err := asPipeline(desc.Pipeline)
	if err != nil {
		c.fail("dispatch: %v", err)
		return
	}
	if p.pipe == nil {
		c.fail("dispatch: pipeline %s was released", p.id)
		return
	}
	scene, err := asStructure(desc.Scene)
	if err != nil {
		c.fail("dispatch: scene: %v", err)
		return
	}
	if scene.desc.Level != backend.LevelTop || !scene.recorded {
		c.fail("dispatch: scene %q is not a built top level", scene.desc.Label)
		return
	}
	if c.unfenced[scene] {
		c.fail("dispatch: reads %q before a structure barrier", scene.desc.Label)
	}
	out, ok := desc.Output.(*Image)
	if !ok || out == nil {
		c.fail("dispatch: output is not an off-screen gpu image: %T", desc.Output)
		return
	}
	if out.state != backend.StateUnorderedAccess {
		c.fail("dispatch: output %q is %s, want %s", out.desc.Label, out.state, backend.StateUnorderedAccess)
	}
	if desc.Width > out.desc.Width || desc.Height > out.desc.Height {
		c.fail("dispatch: %dx%d rays into %dx%d image", desc.Width, desc.Height, out.desc.Width, out.desc.Height)
		return
	}
	ub, err := asBuffer(desc.Uniforms)
	if err != nil {
		c.fail("dispatch: uniforms: %v", err)
		return
	}
	if ub.gpu == nil || desc.UniformSize < core.UniformSize || desc.UniformOffset+desc.UniformSize > ub.Size() {
		c.fail("dispatch: uniform range %d+%d outside %d bytes", desc.UniformOffset, desc.UniformSize, ub.Size())
		return
	}
	c.touch(ub)

	w, h := desc.Width, desc.Height
	uoff := desc.UniformOffset
	c.record(op{
		name: "dispatch",
		gpu: func(enc *wgpu.CommandEncoder, res *frameResources) error {
			bg, err := d.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
				Label:  "rt-frame",
				Layout: d.bindLayout,
				Entries: []wgpu.BindGroupEntry{
					{Binding: 0, Buffer: ub.gpu, Offset: uoff, Size: core.UniformSize},
					{Binding: 1, Buffer: scene.buf.gpu, Size: scene.buf.gpuSize()},
					{Binding: 2, Buffer: d.blasPool.gpu, Size: d.blasPool.gpuSize()},
					{Binding: 3, Buffer: out.buf.gpu, Size: out.buf.gpuSize()},
				},
			})
			if err != nil {
				return err
			}
			res.bindGroups = append(res.bindGroups, bg)
			pass := enc.BeginComputePass(&wgpu.ComputePassDescriptor{Label: p.label})
			defer pass.Release()
			pass.SetPipeline(p.pipe)
			pass.SetBindGroup(0, bg, nil)
			pass.DispatchWorkgroups((w+workgroupSize-1)/workgroupSize, (h+workgroupSize-1)/workgroupSize, 1)
			return pass.End()
		},
	})
}
