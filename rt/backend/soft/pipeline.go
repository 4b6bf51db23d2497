package soft

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/gekko3d/rtcore/rt/backend"
	"github.com/gekko3d/rtcore/rt/core"
	"github.com/gekko3d/rtcore/rt/shaders"
)

// Pipeline keeps the compiled defines; the CPU kernel branches on them the
// way the WGSL pre-processor does.
type Pipeline struct {
	id       uuid.UUID
	label    string
	target   string
	defines  map[string]string
	released bool
}

func (d *Device) CreatePipeline(sh backend.CompiledShader) (backend.Pipeline, error) {
	if len(sh.Bytecode) == 0 {
		return nil, fmt.Errorf("soft: pipeline %q has no bytecode", sh.Label)
	}
	if len(sh.Source) > d.opts.MaxShaderSourceBytes {
		return nil, fmt.Errorf("soft: pipeline %q source is %d bytes, limit %d", sh.Label, len(sh.Source), d.opts.MaxShaderSourceBytes)
	}
	p := &Pipeline{
		id:      uuid.New(),
		label:   sh.Label,
		target:  sh.Target,
		defines: make(map[string]string, len(sh.Defines)),
	}
	for _, def := range sh.Defines {
		name, value, _ := strings.Cut(def, "=")
		p.defines[name] = value
	}
	if _, ok := p.defines[shaders.DefInlineRayQuery]; ok && !d.opts.InlineRayQuery {
		return nil, fmt.Errorf("%w: inline ray queries", backend.ErrUnsupported)
	}
	d.log.Debugf("pipeline %s (%s) created for %s", p.id, p.label, p.target)
	return p, nil
}

func (p *Pipeline) ID() uuid.UUID { return p.id }

// ShaderIdentifier is the pipeline id followed by the group index.
func (p *Pipeline) ShaderIdentifier(g backend.ShaderGroup) []byte {
	id := make([]byte, backend.ShaderIdentifierSize)
	copy(id, p.id[:])
	id[16] = byte(g) + 1
	return id
}

func (p *Pipeline) Release() { p.released = true }

func (p *Pipeline) has(name string) bool {
	_, ok := p.defines[name]
	return ok
}

func asPipeline(p backend.Pipeline) (*Pipeline, error) {
	sp, ok := p.(*Pipeline)
	if !ok || sp == nil {
		return nil, fmt.Errorf("not a soft pipeline: %T", p)
	}
	return sp, nil
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
	if p.released {
		c.fail("dispatch: pipeline %s was released", p.id)
		return
	}
	if d.opts.ShaderTables {
		if desc.Table == nil || desc.Table.Buffer == nil {
			c.fail("dispatch: no shader table")
			return
		}
		tb, err := asBuffer(desc.Table.Buffer)
		if err != nil {
			c.fail("dispatch: shader table: %v", err)
			return
		}
		for g := backend.GroupRayGen; g <= backend.GroupHit; g++ {
			off := uint64(g) * desc.Table.RecordSize
			rec := tb.data[off : off+backend.ShaderIdentifierSize]
			if !bytes.Equal(rec, p.ShaderIdentifier(g)) {
				c.fail("dispatch: shader table record %d was not built for pipeline %s", g, p.id)
				return
			}
		}
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
	out, err := asImage(desc.Output)
	if err != nil {
		c.fail("dispatch: output: %v", err)
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
	if desc.UniformSize < core.UniformSize || desc.UniformOffset+desc.UniformSize > ub.Size() {
		c.fail("dispatch: uniform range %d+%d outside %d bytes", desc.UniformOffset, desc.UniformSize, ub.Size())
		return
	}

	w, h := desc.Width, desc.Height
	uoff := desc.UniformOffset
	c.record("dispatch", func() error {
		if scene.tlas == nil {
			return fmt.Errorf("scene %q was never built", scene.desc.Label)
		}
		k := &kernel{
			p:     p,
			u:     core.DecodeUniforms(ub.data[uoff : uoff+core.UniformSize]),
			scene: scene,
			out:   out,
			w:     w,
			h:     h,
		}
		k.run(d.opts.Workers)
		return nil
	})
}
