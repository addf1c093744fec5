package fake

import (
	"errors"
	"sync"

	"github.com/audiolibrelab/screenrec/internal/platform"
)

// Surface is the input of a fake video encoder.
type Surface struct {
	width, height int
}

func (s *Surface) Size() (int, int) { return s.width, s.height }

// Projection hands out virtual displays until stopped.
type Projection struct {
	mu       sync.Mutex
	displays []*Display
	stopped  bool
}

func (p *Projection) CreateVirtualDisplay(name string, width, height int) (platform.VirtualDisplay, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, errors.New("projection stopped")
	}
	d := &Display{name: name, width: width, height: height}
	p.displays = append(p.displays, d)
	return d, nil
}

func (p *Projection) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for _, d := range p.displays {
		d.Release()
	}
	return nil
}

func (p *Projection) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Displays returns every display created from this projection.
func (p *Projection) Displays() []*Display {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Display(nil), p.displays...)
}

// Display records how it was driven.
type Display struct {
	mu       sync.Mutex
	name     string
	width    int
	height   int
	surface  *Surface
	resizes  int
	released bool
}

func (d *Display) Size() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.width, d.height
}

func (d *Display) Resize(width, height int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return errors.New("display released")
	}
	d.width, d.height = width, height
	d.resizes++
	return nil
}

func (d *Display) SetSurface(s platform.Surface) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s == nil {
		d.surface = nil
		return nil
	}
	fs, ok := s.(*Surface)
	if !ok {
		return platform.ErrSurfaceMismatch
	}
	d.surface = fs
	return nil
}

func (d *Display) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = true
	d.surface = nil
	return nil
}

// Attached reports whether a surface is currently set.
func (d *Display) Attached() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.surface != nil
}

func (d *Display) Resizes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resizes
}

func (d *Display) Released() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}
