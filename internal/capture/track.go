// Package capture runs the per-track pull/encode/drain loops that feed the
// muxer: one video track driven by a virtual display and at most one audio
// track fed by one or two PCM sources.
package capture

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/screenrec/internal/media"
)

const (
	// DrainTimeout bounds every wait on an encoder.
	DrainTimeout = 10 * time.Millisecond
	// StopTimeout bounds how long a track drains after end of stream.
	StopTimeout = 2 * time.Second
)

// Sink is where tracks deliver their output. *muxer.Muxer implements it.
type Sink interface {
	SetFormat(track int, format media.Format) error
	WriteSample(s *media.EncodedSample) error
}

// State of a capture track.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StatePaused
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Callbacks connect a track to its owner. Any of them may be nil. They are
// called from the track goroutines.
type Callbacks struct {
	// OnError reports a failure that ends the track.
	OnError func(err error)
	// OnUnavailable reports that real audio could not be captured.
	OnUnavailable func(t media.AudioType)
	// OnSample reports every sample handed to the sink.
	OnSample func(kind media.Kind, bytes int)
	// OnFill reports frames synthesized or skipped to keep audio on time.
	OnFill func(frames int64)
}

func (c Callbacks) fail(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

func (c Callbacks) sample(kind media.Kind, n int) {
	if c.OnSample != nil {
		c.OnSample(kind, n)
	}
}

// Stats are cumulative counters for one track.
type Stats struct {
	Samples     int64
	Bytes       int64
	Dropped     int64
	Synthesized int64
	Skipped     int64
}

type counters struct {
	samples     atomic.Int64
	bytes       atomic.Int64
	dropped     atomic.Int64
	synthesized atomic.Int64
	skipped     atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Samples:     c.samples.Load(),
		Bytes:       c.bytes.Load(),
		Dropped:     c.dropped.Load(),
		Synthesized: c.synthesized.Load(),
		Skipped:     c.skipped.Load(),
	}
}

type stateBox struct{ v atomic.Int32 }

func (b *stateBox) load() State   { return State(b.v.Load()) }
func (b *stateBox) store(s State) { b.v.Store(int32(s)) }

// swap moves from one state to another and reports whether it did.
func (b *stateBox) swap(from, to State) bool {
	return b.v.CompareAndSwap(int32(from), int32(to))
}
