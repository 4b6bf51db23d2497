// Package accel owns the ray tracing acceleration structures: one bottom
// level per geometry group, built once, and one top level that is built once
// with allow-update and then refit in place every frame.
package accel

import (
	"context"
	"errors"
	"fmt"

	"github.com/gekko3d/rtcore/rt/backend"
	"github.com/gekko3d/rtcore/rt/core"
	"github.com/gekko3d/rtcore/rt/scene"
)

// ErrBuildOverflow is fatal: a structure does not fit the configured limits.
var ErrBuildOverflow = errors.New("accel: build exceeds size limit")

type Limits struct {
	MaxResultBytes uint64
	MaxInstances   uint32
}

func DefaultLimits() Limits {
	return Limits{MaxResultBytes: 256 << 20, MaxInstances: 1 << 16}
}

type BottomLevelStructure struct {
	Mesh      *scene.Mesh
	Structure backend.AccelerationStructure
	Prebuild  backend.PrebuildInfo
}

type InstanceDesc struct {
	BLAS        *BottomLevelStructure
	Transform   core.Affine3x4
	CustomIndex uint32
	Mask        uint8
	Flags       core.InstanceFlags
}

type TopLevelStructure struct {
	Structure backend.AccelerationStructure
	Prebuild  backend.PrebuildInfo

	records []core.InstanceRecord
	// host-mapped, one region of len(records) records per frame slot
	instances backend.Buffer
	// sized max(build, update)
	scratch backend.Buffer
	inputs  backend.BuildInputs
}

func (t *TopLevelStructure) regionOffset(slot int) uint64 {
	return uint64(slot) * uint64(len(t.records)) * core.InstanceStride
}

// MappedRecord decodes instance i as last stored for slot.
func (t *TopLevelStructure) MappedRecord(slot, i int) core.InstanceRecord {
	off := t.regionOffset(slot) + uint64(i)*core.InstanceStride
	return core.DecodeInstance(t.instances.Mapped()[off : off+core.InstanceStride])
}

type releaser interface{ Release() }

// Manager exclusively owns every structure and buffer it creates.
type Manager struct {
	dev    backend.Adapter
	ring   int
	limits Limits

	bottoms      []*BottomLevelStructure
	top          *TopLevelStructure
	buildScratch backend.Buffer

	fence      backend.Fence
	fenceValue uint64
	owned      []releaser
}

// NewManager prepares a manager for a ring of frame slots; ring sizes the
// per-slot instance regions.
func NewManager(dev backend.Adapter, ring int, limits Limits) (*Manager, error) {
	if ring < 1 {
		return nil, fmt.Errorf("accel: ring size %d", ring)
	}
	fence, err := dev.CreateFence()
	if err != nil {
		return nil, err
	}
	m := &Manager{dev: dev, ring: ring, limits: limits, fence: fence}
	m.owned = append(m.owned, fence)
	return m, nil
}

func (m *Manager) own(r releaser) { m.owned = append(m.owned, r) }

// submitAndWait is the one-time blocking path used by initial builds.
func (m *Manager) submitAndWait(cmd backend.CommandList) error {
	m.fenceValue++
	if err := m.dev.Submit(cmd, m.fence, m.fenceValue); err != nil {
		return err
	}
	return m.fence.Wait(context.Background(), m.fenceValue)
}

func (m *Manager) checkSize(what string, info backend.PrebuildInfo) error {
	if info.ResultSize > m.limits.MaxResultBytes {
		return fmt.Errorf("%w: %s needs %d bytes, limit %d", ErrBuildOverflow, what, info.ResultSize, m.limits.MaxResultBytes)
	}
	return nil
}

func (m *Manager) BuildBottomLevel(ctx *core.Context, mesh *scene.Mesh) (*BottomLevelStructure, error) {
	out, err := m.BuildBottomLevels(ctx, mesh)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// BuildBottomLevels builds every mesh in one submission with a scratch
// buffer shared by all of them, sized to the largest requirement.
func (m *Manager) BuildBottomLevels(ctx *core.Context, meshes ...*scene.Mesh) ([]*BottomLevelStructure, error) {
	if len(meshes) == 0 {
		return nil, fmt.Errorf("accel: no meshes")
	}
	out := make([]*BottomLevelStructure, len(meshes))
	inputs := make([]backend.BuildInputs, len(meshes))
	var scratchSize uint64
	for i, mesh := range meshes {
		inputs[i] = backend.BuildInputs{
			Level:      backend.LevelBottom,
			Flags:      backend.BuildPreferFastTrace,
			Geometries: []backend.TriangleGeometry{mesh.Geometry()},
		}
		info, err := m.dev.PrebuildInfo(inputs[i])
		if err != nil {
			return nil, fmt.Errorf("accel: prebuild %s: %w", mesh.Group.Name, err)
		}
		if err := m.checkSize("bottom level "+mesh.Group.Name, info); err != nil {
			return nil, err
		}
		as, err := m.dev.CreateAccelerationStructure(backend.AccelerationStructureDesc{
			Label: "blas-" + mesh.Group.Name,
			Level: backend.LevelBottom,
			Size:  info.ResultSize,
		})
		if err != nil {
			return nil, fmt.Errorf("accel: allocate %s: %w", mesh.Group.Name, err)
		}
		m.own(as)
		out[i] = &BottomLevelStructure{Mesh: mesh, Structure: as, Prebuild: info}
		scratchSize = max(scratchSize, info.BuildScratchSize)
	}

	if m.buildScratch == nil || m.buildScratch.Size() < scratchSize {
		scratch, err := m.dev.CreateBuffer(backend.BufferDesc{
			Label: "blas-scratch",
			Size:  max(scratchSize, 1),
			Usage: backend.UsageScratch | backend.UsageStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("accel: scratch: %w", err)
		}
		m.own(scratch)
		m.buildScratch = scratch
	}

	cmd, err := m.dev.CreateCommandList("blas-build")
	if err != nil {
		return nil, err
	}
	for i, b := range out {
		m.dev.BuildAccelerationStructure(cmd, backend.BuildDesc{
			Inputs:  inputs[i],
			Dest:    b.Structure,
			Scratch: m.buildScratch,
		})
		// the shared scratch is reused by the next build
		cmd.StructureBarrier(b.Structure)
	}
	if err := m.submitAndWait(cmd); err != nil {
		return nil, fmt.Errorf("accel: bottom level build: %w", err)
	}
	m.bottoms = append(m.bottoms, out...)
	for _, b := range out {
		ctx.Logger.Infof("accel: bottom level %q: %d primitives, %d bytes",
			b.Mesh.Group.Name, b.Mesh.Group.PrimitiveCount(), b.Prebuild.ResultSize)
	}
	ctx.Stats.TriangleCount = m.TriangleCount()
	return out, nil
}

// BuildTopLevel performs the one-time build and creates the persistently
// mapped instance buffer the per-frame updates write into.
func (m *Manager) BuildTopLevel(ctx *core.Context, instances []InstanceDesc) (*TopLevelStructure, error) {
	if m.top != nil {
		return nil, fmt.Errorf("accel: top level already built")
	}
	n := len(instances)
	if n == 0 {
		return nil, fmt.Errorf("accel: no instances")
	}
	if uint32(n) > m.limits.MaxInstances {
		return nil, fmt.Errorf("%w: %d instances, limit %d", ErrBuildOverflow, n, m.limits.MaxInstances)
	}
	records := make([]core.InstanceRecord, n)
	for i, in := range instances {
		if in.BLAS == nil {
			return nil, fmt.Errorf("accel: instance %d has no bottom level", i)
		}
		if in.CustomIndex > core.MaxCustomIndex {
			return nil, fmt.Errorf("accel: instance %d custom index %d exceeds 24 bits", i, in.CustomIndex)
		}
		records[i] = core.InstanceRecord{
			Transform:   in.Transform,
			BLASAddress: in.BLAS.Structure.Address(),
			CustomIndex: in.CustomIndex,
			Mask:        in.Mask,
			Flags:       in.Flags,
		}
	}

	buf, err := m.dev.CreateBuffer(backend.BufferDesc{
		Label:  "instances",
		Size:   uint64(m.ring) * uint64(n) * core.InstanceStride,
		Usage:  backend.UsageAccelInput | backend.UsageStorage,
		Memory: backend.MemoryHostVisible,
	})
	if err != nil {
		return nil, fmt.Errorf("accel: instance buffer: %w", err)
	}
	m.own(buf)
	t := &TopLevelStructure{records: records, instances: buf}
	for slot := 0; slot < m.ring; slot++ {
		t.store(slot)
	}

	t.inputs = backend.BuildInputs{
		Level:         backend.LevelTop,
		Flags:         backend.BuildPreferFastBuild | backend.BuildAllowUpdate,
		Instances:     buf,
		InstanceCount: uint32(n),
	}
	info, err := m.dev.PrebuildInfo(t.inputs)
	if err != nil {
		return nil, fmt.Errorf("accel: prebuild top level: %w", err)
	}
	if err := m.checkSize("top level", info); err != nil {
		return nil, err
	}
	t.Prebuild = info
	if t.Structure, err = m.dev.CreateAccelerationStructure(backend.AccelerationStructureDesc{
		Label: "tlas",
		Level: backend.LevelTop,
		Size:  info.ResultSize,
	}); err != nil {
		return nil, fmt.Errorf("accel: allocate top level: %w", err)
	}
	m.own(t.Structure)
	if t.scratch, err = m.dev.CreateBuffer(backend.BufferDesc{
		Label: "tlas-scratch",
		Size:  max(info.BuildScratchSize, info.UpdateScratchSize, 1),
		Usage: backend.UsageScratch | backend.UsageStorage,
	}); err != nil {
		return nil, fmt.Errorf("accel: top level scratch: %w", err)
	}
	m.own(t.scratch)

	cmd, err := m.dev.CreateCommandList("tlas-build")
	if err != nil {
		return nil, err
	}
	m.dev.BuildAccelerationStructure(cmd, backend.BuildDesc{Inputs: t.inputs, Dest: t.Structure, Scratch: t.scratch})
	cmd.StructureBarrier(t.Structure)
	if err := m.submitAndWait(cmd); err != nil {
		return nil, fmt.Errorf("accel: top level build: %w", err)
	}
	m.top = t
	ctx.Stats.InstanceCount = uint32(n)
	ctx.Logger.Infof("accel: top level: %d instances, %d bytes, scratch %d", n, info.ResultSize, t.scratch.Size())
	return t, nil
}

// store writes every record into the slot's region of the mapped buffer.
func (t *TopLevelStructure) store(slot int) {
	dst := t.instances.Mapped()
	off := t.regionOffset(slot)
	for i := range t.records {
		t.records[i].PutBytes(dst[off : off+core.InstanceStride])
		off += core.InstanceStride
	}
}

// SetInstanceTransform changes an instance transform for the next update.
func (m *Manager) SetInstanceTransform(index int, tr core.Affine3x4) error {
	if m.top == nil {
		return fmt.Errorf("accel: top level not built")
	}
	if index < 0 || index >= len(m.top.records) {
		return fmt.Errorf("accel: instance %d out of range [0,%d)", index, len(m.top.records))
	}
	m.top.records[index].Transform = tr
	return nil
}

// InstanceTransform is the transform the next update will use.
func (m *Manager) InstanceTransform(index int) core.Affine3x4 {
	return m.top.records[index].Transform
}

// UpdateTopLevel stores the current records into the slot's region and
// records an in-place refit followed by a structure barrier. The slot's
// prior fence must have signaled, so the region is no longer read.
func (m *Manager) UpdateTopLevel(ctx *core.Context, cmd backend.CommandList, slot int) error {
	t := m.top
	if t == nil {
		return fmt.Errorf("accel: top level not built")
	}
	if slot < 0 || slot >= m.ring {
		return fmt.Errorf("accel: slot %d out of ring of %d", slot, m.ring)
	}
	t.store(slot)
	in := t.inputs
	in.Flags |= backend.BuildPerformUpdate
	in.InstanceOffset = t.regionOffset(slot)
	m.dev.BuildAccelerationStructure(cmd, backend.BuildDesc{
		Inputs:  in,
		Dest:    t.Structure,
		Source:  t.Structure,
		Scratch: t.scratch,
	})
	cmd.StructureBarrier(t.Structure)
	if ctx.Logger.DebugEnabled() {
		ctx.Logger.Debugf("accel: update top level, slot %d, %d instances", slot, len(t.records))
	}
	return nil
}

func (m *Manager) TopLevel() *TopLevelStructure { return m.top }

func (m *Manager) BottomLevels() []*BottomLevelStructure { return m.bottoms }

func (m *Manager) InstanceCount() uint32 {
	if m.top == nil {
		return 0
	}
	return uint32(len(m.top.records))
}

func (m *Manager) TriangleCount() uint64 {
	var n uint64
	for _, b := range m.bottoms {
		n += uint64(b.Mesh.Group.PrimitiveCount())
	}
	return n
}

// Release frees everything in reverse creation order. The device must be idle.
func (m *Manager) Release() {
	for i := len(m.owned) - 1; i >= 0; i-- {
		m.owned[i].Release()
	}
	m.owned = nil
	m.bottoms = nil
	m.top = nil
	m.buildScratch = nil
}
