package core

import (
	"encoding/binary"
)

// InstanceStride is the byte size of one instance record.
//
//	struct Instance {
//	   transform       : f32[12]; (48)
//	   custom_and_mask : u32;     (4)  custom index in the low 24 bits, mask in the high 8
//	   flags           : u32;     (4)
//	   blas_address    : u64;     (8)
//	}; -> 64 bytes
const InstanceStride = 64

const MaxCustomIndex = 1<<24 - 1

type InstanceFlags uint32

const (
	InstanceFlagNone          InstanceFlags = 0
	InstanceFlagCullDisable   InstanceFlags = 1 << 0
	InstanceFlagForceOpaque   InstanceFlags = 1 << 2
	InstanceFlagForceNoOpaque InstanceFlags = 1 << 3
)

type InstanceRecord struct {
	Transform   Affine3x4
	BLASAddress uint64
	CustomIndex uint32
	Mask        uint8
	Flags       InstanceFlags
}

func (r *InstanceRecord) PutBytes(buf []byte) {
	r.Transform.PutBytes(buf[0:48])
	binary.LittleEndian.PutUint32(buf[48:52], r.CustomIndex&MaxCustomIndex|uint32(r.Mask)<<24)
	binary.LittleEndian.PutUint32(buf[52:56], uint32(r.Flags))
	binary.LittleEndian.PutUint64(buf[56:64], r.BLASAddress)
}

func DecodeInstance(buf []byte) InstanceRecord {
	packed := binary.LittleEndian.Uint32(buf[48:52])
	return InstanceRecord{
		Transform:   DecodeAffine(buf[0:48]),
		CustomIndex: packed & MaxCustomIndex,
		Mask:        uint8(packed >> 24),
		Flags:       InstanceFlags(binary.LittleEndian.Uint32(buf[52:56])),
		BLASAddress: binary.LittleEndian.Uint64(buf[56:64]),
	}
}
