// Package backend is the capability-set abstraction the renderer core talks to.
// An Adapter is a Device (buffers, images, command lists, fences, submission)
// plus a RayTracer that builds acceleration structures, links pipelines and
// dispatches rays. Nothing above this package knows which graphics API runs.
package backend

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrDeviceLost is fatal. It surfaces from fence waits and submission.
	ErrDeviceLost = errors.New("backend: device lost")
	// ErrInFlight is returned when a command list is reset or recorded while
	// the GPU may still be executing it.
	ErrInFlight = errors.New("backend: command list still in flight")
	// ErrValidation wraps every misuse reported by a command list at Close.
	ErrValidation = errors.New("backend: validation failed")
	ErrUnsupported = errors.New("backend: unsupported")
)

type MemoryKind int

const (
	MemoryDeviceLocal MemoryKind = iota
	// MemoryHostVisible buffers are persistently mapped; Mapped returns the
	// CPU view. Stores are plain writes, no flush or wait.
	MemoryHostVisible
)

type BufferUsage uint32

const (
	UsageStorage BufferUsage = 1 << iota
	UsageUniform
	UsageCopySrc
	UsageCopyDst
	UsageAccelInput
	UsageScratch
	UsageShaderTable
)

type BufferDesc struct {
	Label  string
	Size   uint64
	Usage  BufferUsage
	Memory MemoryKind
}

type Buffer interface {
	Size() uint64
	// Address is the device address used by instance records and shader tables.
	Address() uint64
	// Mapped is the persistent CPU mapping of a host-visible buffer, nil otherwise.
	Mapped() []byte
	Release()
}

type ImageState int

const (
	StateUndefined ImageState = iota
	StateUnorderedAccess
	StateCopySource
	StateCopyDest
	StatePresent
)

func (s ImageState) String() string {
	switch s {
	case StateUndefined:
		return "undefined"
	case StateUnorderedAccess:
		return "unordered-access"
	case StateCopySource:
		return "copy-source"
	case StateCopyDest:
		return "copy-dest"
	case StatePresent:
		return "present"
	}
	return "unknown"
}

// ImageDesc describes a 2D RGBA8 image.
type ImageDesc struct {
	Label        string
	Width        uint32
	Height       uint32
	InitialState ImageState
}

type Image interface {
	Width() uint32
	Height() uint32
	Release()
}

// CommandList records work for one submission. Recording methods never fail
// on their own; misuse is collected and reported by Close, wrapped in
// ErrValidation, the way a debug layer would.
type CommandList interface {
	// Reset returns the list to the recording state. It fails with
	// ErrInFlight if the last submission has not completed.
	Reset() error
	Close() error

	CopyBuffer(dst Buffer, dstOffset uint64, src Buffer, srcOffset uint64, size uint64)
	CopyImage(dst, src Image)
	// Transition moves img from one state to another. from must match the
	// state the image is in at this point of the recording.
	Transition(img Image, from, to ImageState)
	// StructureBarrier orders a prior build or update of as before any read.
	StructureBarrier(as AccelerationStructure)
}

type Fence interface {
	Completed() uint64
	// Wait blocks until the fence reaches value. A lost device is reported as
	// ErrDeviceLost.
	Wait(ctx context.Context, value uint64) error
	Release()
}

type Level int

const (
	LevelBottom Level = iota
	LevelTop
)

type BuildFlags uint32

const (
	BuildPreferFastTrace BuildFlags = 1 << iota
	BuildPreferFastBuild
	BuildAllowUpdate
	BuildPerformUpdate
)

func (f BuildFlags) Has(o BuildFlags) bool { return f&o == o }

// TriangleGeometry references a vertex and index buffer laid out as
// core.Vertex. Bottom-level results keep the per-triangle normals and tags
// so hit shading needs no further bindings.
type TriangleGeometry struct {
	Vertices     Buffer
	VertexOffset uint64
	VertexStride uint32
	VertexCount  uint32
	Indices      Buffer
	IndexOffset  uint64
	IndexCount   uint32
}

type BuildInputs struct {
	Level      Level
	Flags      BuildFlags
	Geometries []TriangleGeometry

	// Instances is a buffer of 64-byte instance records for LevelTop.
	Instances      Buffer
	InstanceOffset uint64
	InstanceCount  uint32
}

type PrebuildInfo struct {
	ResultSize        uint64
	BuildScratchSize  uint64
	UpdateScratchSize uint64
}

type AccelerationStructureDesc struct {
	Label string
	Level Level
	Size  uint64
}

type AccelerationStructure interface {
	Level() Level
	Address() uint64
	Buffer() Buffer
	Release()
}

type BuildDesc struct {
	Inputs BuildInputs
	Dest   AccelerationStructure
	// Source is the structure being updated. For an in-place update it is
	// equal to Dest.
	Source  AccelerationStructure
	Scratch Buffer
}

// CompiledShader is the output of the shader front end for one variant.
type CompiledShader struct {
	Label      string
	EntryPoint string
	// Source is the pre-processed WGSL fed to the front end.
	Source string
	// Bytecode is the front end output (SPIR-V words, little endian).
	Bytecode []byte
	Target   string
	Defines  []string
}

type ShaderGroup int

const (
	GroupRayGen ShaderGroup = iota
	GroupMiss
	GroupHit
	shaderGroupCount
)

// ShaderIdentifierSize matches the D3D12 shader identifier size.
const ShaderIdentifierSize = 32

// ShaderRecordAlignment is the stride rounding for shader table records.
const ShaderRecordAlignment = 64

type Pipeline interface {
	ID() uuid.UUID
	// ShaderIdentifier returns the opaque identifier of a shader group. It
	// is only meaningful on back ends with Capabilities.ShaderTables.
	ShaderIdentifier(g ShaderGroup) []byte
	Release()
}

// ShaderTable is a buffer of per-group dispatch records, one record per group
// in ShaderGroup order.
type ShaderTable struct {
	Buffer     Buffer
	RecordSize uint64
}

// NewShaderTable writes the pipeline's identifiers into a host-visible buffer.
func NewShaderTable(dev Device, p Pipeline) (*ShaderTable, error) {
	buf, err := dev.CreateBuffer(BufferDesc{
		Label:  "shader-table",
		Size:   ShaderRecordAlignment * uint64(shaderGroupCount),
		Usage:  UsageShaderTable,
		Memory: MemoryHostVisible,
	})
	if err != nil {
		return nil, err
	}
	dst := buf.Mapped()
	for g := GroupRayGen; g < shaderGroupCount; g++ {
		copy(dst[int(g)*ShaderRecordAlignment:], p.ShaderIdentifier(g))
	}
	return &ShaderTable{Buffer: buf, RecordSize: ShaderRecordAlignment}, nil
}

func (t *ShaderTable) Release() {
	if t != nil && t.Buffer != nil {
		t.Buffer.Release()
	}
}

type DispatchDesc struct {
	Pipeline Pipeline
	// Table is required when Capabilities.ShaderTables is set and must have
	// been built against Pipeline.
	Table *ShaderTable
	Scene AccelerationStructure

	Uniforms      Buffer
	UniformOffset uint64
	UniformSize   uint64

	Output Image
	Width  uint32
	Height uint32
}

type Capabilities struct {
	Name string
	// InlineRayQuery is set when rays can be traced from any stage.
	InlineRayQuery bool
	// ShaderTables is set when dispatches go through shader tables.
	ShaderTables         bool
	MaxShaderSourceBytes int
}

type Device interface {
	Capabilities() Capabilities

	CreateBuffer(desc BufferDesc) (Buffer, error)
	CreateImage(desc ImageDesc) (Image, error)
	CreateCommandList(label string) (CommandList, error)
	CreateFence() (Fence, error)
	CreateAccelerationStructure(desc AccelerationStructureDesc) (AccelerationStructure, error)
	PrebuildInfo(inputs BuildInputs) (PrebuildInfo, error)

	// Submit closes cmd if needed and queues it. The fence is signaled with
	// value once the work completes.
	Submit(cmd CommandList, fence Fence, value uint64) error
	WaitIdle(ctx context.Context) error
	Close() error
}

type RayTracer interface {
	BuildAccelerationStructure(cmd CommandList, desc BuildDesc)
	CreatePipeline(shader CompiledShader) (Pipeline, error)
	DispatchRays(cmd CommandList, desc DispatchDesc)
}

type Adapter interface {
	Device
	RayTracer
}

// Surface is the presentation target owned by the window layer.
type Surface interface {
	Acquire() (Image, error)
	Present() error
}

// AlignUp rounds v up to a multiple of a, a power of two.
func AlignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
