package engine

import (
	"github.com/audiolibrelab/screenrec/internal/platform"
)

type grantState int

const (
	grantNone grantState = iota
	grantUnconsumed
	grantConsumed
)

// grant is a single-use screen-capture permission. Consuming it yields the
// projection that the session's virtual display is created from.
type grant struct {
	state grantState
	proj  platform.Projection
}

func (g *grant) install(p platform.Projection) {
	g.proj = p
	g.state = grantUnconsumed
}

func (g *grant) consume() (platform.Projection, error) {
	switch g.state {
	case grantNone:
		return nil, ErrNoGrant
	case grantConsumed:
		return nil, ErrGrantConsumed
	}
	g.state = grantConsumed
	return g.proj, nil
}

// release stops the projection and forgets it.
func (g *grant) release() error {
	p := g.proj
	g.proj = nil
	g.state = grantNone
	if p == nil {
		return nil
	}
	return p.Stop()
}
