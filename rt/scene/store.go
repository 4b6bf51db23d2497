package scene

import (
	"context"
	"fmt"

	"github.com/gekko3d/rtcore/rt/backend"
	"github.com/gekko3d/rtcore/rt/core"
)

// Mesh is an uploaded geometry group.
type Mesh struct {
	Group    *core.GeometryGroup
	Vertices backend.Buffer
	Indices  backend.Buffer
}

// Geometry describes the mesh as bottom-level build input.
func (m *Mesh) Geometry() backend.TriangleGeometry {
	return backend.TriangleGeometry{
		Vertices:     m.Vertices,
		VertexStride: core.VertexStride,
		VertexCount:  uint32(len(m.Group.Vertices)),
		Indices:      m.Indices,
		IndexCount:   uint32(len(m.Group.Indices)),
	}
}

// Store owns the device-local vertex and index buffers of every group. The
// contents are written once through staging buffers and never change.
type Store struct {
	meshes []*Mesh
}

// Upload validates the groups, copies them to device-local buffers and waits
// once for the copies to finish.
func Upload(ctx *core.Context, dev backend.Device, groups ...*core.GeometryGroup) (*Store, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("scene: no geometry groups")
	}
	cmd, err := dev.CreateCommandList("scene-upload")
	if err != nil {
		return nil, err
	}
	s := &Store{}
	var staging []backend.Buffer
	defer func() {
		for _, b := range staging {
			b.Release()
		}
	}()

	stage := func(label string, data []byte) (backend.Buffer, error) {
		src, err := dev.CreateBuffer(backend.BufferDesc{
			Label:  label + "-staging",
			Size:   uint64(len(data)),
			Usage:  backend.UsageCopySrc,
			Memory: backend.MemoryHostVisible,
		})
		if err != nil {
			return nil, err
		}
		staging = append(staging, src)
		copy(src.Mapped(), data)
		dst, err := dev.CreateBuffer(backend.BufferDesc{
			Label: label,
			Size:  uint64(len(data)),
			Usage: backend.UsageStorage | backend.UsageCopyDst | backend.UsageAccelInput,
		})
		if err != nil {
			return nil, err
		}
		cmd.CopyBuffer(dst, 0, src, 0, uint64(len(data)))
		return dst, nil
	}

	for _, g := range groups {
		if err := g.Validate(); err != nil {
			s.Release()
			return nil, err
		}
		if err := g.CheckTags(); err != nil {
			s.Release()
			return nil, err
		}
		m := &Mesh{Group: g}
		if m.Vertices, err = stage(g.Name+"-vertices", core.EncodeVertices(g.Vertices)); err != nil {
			s.Release()
			return nil, fmt.Errorf("scene: upload %s: %w", g.Name, err)
		}
		if m.Indices, err = stage(g.Name+"-indices", core.EncodeIndices(g.Indices)); err != nil {
			m.Vertices.Release()
			s.Release()
			return nil, fmt.Errorf("scene: upload %s: %w", g.Name, err)
		}
		s.meshes = append(s.meshes, m)
		ctx.Logger.Debugf("scene: %s group %q: %d vertices, %d primitives, %d objects",
			g.Kind, g.Name, len(g.Vertices), g.PrimitiveCount(), g.ObjectCount())
	}

	fence, err := dev.CreateFence()
	if err != nil {
		s.Release()
		return nil, err
	}
	defer fence.Release()
	if err := dev.Submit(cmd, fence, 1); err != nil {
		s.Release()
		return nil, fmt.Errorf("scene: submit upload: %w", err)
	}
	if err := fence.Wait(context.Background(), 1); err != nil {
		s.Release()
		return nil, fmt.Errorf("scene: wait for upload: %w", err)
	}
	ctx.Stats.TriangleCount = s.TriangleCount()
	return s, nil
}

func (s *Store) Meshes() []*Mesh { return s.meshes }

// Mesh returns the first group of the given kind.
func (s *Store) Mesh(kind core.GroupKind) (*Mesh, bool) {
	for _, m := range s.meshes {
		if m.Group.Kind == kind {
			return m, true
		}
	}
	return nil, false
}

func (s *Store) TriangleCount() uint64 {
	var n uint64
	for _, m := range s.meshes {
		n += uint64(m.Group.PrimitiveCount())
	}
	return n
}

func (s *Store) Release() {
	for i := len(s.meshes) - 1; i >= 0; i-- {
		s.meshes[i].Indices.Release()
		s.meshes[i].Vertices.Release()
	}
	s.meshes = nil
}
