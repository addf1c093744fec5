package ffmpeg

import (
	"errors"
	"sync"

	"github.com/audiolibrelab/screenrec/internal/platform"
)

// Surface is the input of an ffmpeg video encoder: the X display it grabs,
// once a virtual display has been attached.
type Surface struct {
	width, height int

	mu    sync.Mutex
	input string
}

func (s *Surface) Size() (int, int) { return s.width, s.height }

func (s *Surface) attach(input string) {
	s.mu.Lock()
	s.input = input
	s.mu.Unlock()
}

func (s *Surface) source() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input
}

// Projection is a grant to grab one X display.
type Projection struct {
	display string

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
	d := &Display{name: name, input: p.display, width: width, height: height}
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

// Display routes an X display into an encoder surface. The grabbed screen is
// scaled to the encoder size, so Resize only records the requested size.
type Display struct {
	name  string
	input string

	mu       sync.Mutex
	width    int
	height   int
	surface  *Surface
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
	return nil
}

func (d *Display) SetSurface(s platform.Surface) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s == nil {
		if d.surface != nil {
			d.surface.attach("")
			d.surface = nil
		}
		return nil
	}
	fs, ok := s.(*Surface)
	if !ok {
		return platform.ErrSurfaceMismatch
	}
	if d.released {
		return errors.New("display released")
	}
	if d.surface != nil && d.surface != fs {
		d.surface.attach("")
	}
	fs.attach(d.input)
	d.surface = fs
	return nil
}

func (d *Display) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = true
	if d.surface != nil {
		d.surface.attach("")
		d.surface = nil
	}
	return nil
}
