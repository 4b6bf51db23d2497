package gpu

import (
	"fmt"
	"slices"
)

const blasAlignment = 256

type span struct{ off, size uint64 }

// pool hands out aligned ranges of the bottom-level storage buffer.
// Freed ranges are merged with their neighbours.
type pool struct {
	size  uint64
	align uint64
	free  []span // sorted by offset
}

func newPool(size, align uint64) *pool {
	return &pool{size: size, align: align, free: []span{{0, size}}}
}

func (p *pool) alloc(size uint64) (uint64, error) {
	size = (max(size, 1) + p.align - 1) &^ (p.align - 1)
	for i, s := range p.free {
		if s.size < size {
			continue
		}
		off := s.off
		if s.size == size {
			p.free = slices.Delete(p.free, i, i+1)
		} else {
			p.free[i] = span{s.off + size, s.size - size}
		}
		return off, nil
	}
	return 0, fmt.Errorf("gpu: bottom-level pool of %d bytes cannot fit %d more", p.size, size)
}

func (p *pool) release(off, size uint64) {
	size = (max(size, 1) + p.align - 1) &^ (p.align - 1)
	i, _ := slices.BinarySearchFunc(p.free, off, func(s span, o uint64) int {
		switch {
		case s.off < o:
			return -1
		case s.off > o:
			return 1
		}
		return 0
	})
	p.free = slices.Insert(p.free, i, span{off, size})
	if i+1 < len(p.free) && p.free[i].off+p.free[i].size == p.free[i+1].off {
		p.free[i].size += p.free[i+1].size
		p.free = slices.Delete(p.free, i+1, i+2)
	}
	if i > 0 && p.free[i-1].off+p.free[i-1].size == p.free[i].off {
		p.free[i-1].size += p.free[i].size
		p.free = slices.Delete(p.free, i, i+1)
	}
}

func (p *pool) available() uint64 {
	var n uint64
	for _, s := range p.free {
		n += s.size
	}
	return n
}
