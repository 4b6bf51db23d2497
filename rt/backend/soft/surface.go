package soft

import (
	"fmt"
	"image"
	"sync"

	"github.com/gekko3d/rtcore/rt/backend"
)

// Surface is an in-memory presentation target. Present is queue ordered, so
// a frame is captured only after the copy recorded before it has executed.
type Surface struct {
	dev      *Device
	img      *Image
	acquired bool

	mu        sync.Mutex
	presented int
	last      []byte
}

var _ backend.Surface = (*Surface)(nil)

func (d *Device) NewSurface(width, height uint32) (*Surface, error) {
	img, err := d.newImage(backend.ImageDesc{
		Label:        "surface",
		Width:        width,
		Height:       height,
		InitialState: backend.StatePresent,
	})
	if err != nil {
		return nil, err
	}
	return &Surface{dev: d, img: img}, nil
}

func (s *Surface) Acquire() (backend.Image, error) {
	if s.acquired {
		return nil, fmt.Errorf("soft: surface image acquired twice without present")
	}
	s.acquired = true
	return s.img, nil
}

func (s *Surface) Present() error {
	if !s.acquired {
		return fmt.Errorf("soft: present without acquire")
	}
	s.acquired = false
	return s.dev.enqueue(job{
		label: "present",
		run: func() error {
			s.dev.logOp("present")
			s.mu.Lock()
			s.presented++
			s.last = append(s.last[:0], s.img.pix...)
			s.mu.Unlock()
			return nil
		},
	})
}

// Presented is the number of frames that reached the surface.
func (s *Surface) Presented() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presented
}

// Capture returns the last presented frame. Call after WaitIdle.
func (s *Surface) Capture() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, h := int(s.img.desc.Width), int(s.img.desc.Height)
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	copy(rgba.Pix, s.last)
	return rgba
}
