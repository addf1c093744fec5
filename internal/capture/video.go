package capture

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/screenrec/internal/media"
	"github.com/audiolibrelab/screenrec/internal/platform"
	"github.com/audiolibrelab/screenrec/internal/timing"
)

// VideoTrack drains a video encoder whose surface is fed by a virtual display
// and stamps each access unit with the session timeline.
type VideoTrack struct {
	enc      platform.VideoEncoder
	sink     Sink
	index    int
	timeline *timing.Timeline
	cb       Callbacks

	state    stateBox
	mono     timing.Monotonic
	stats    counters
	abandon  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

func NewVideoTrack(enc platform.VideoEncoder, sink Sink, index int, timeline *timing.Timeline, cb Callbacks) *VideoTrack {
	return &VideoTrack{
		enc:      enc,
		sink:     sink,
		index:    index,
		timeline: timeline,
		cb:       cb,
		done:     make(chan struct{}),
	}
}

func (v *VideoTrack) State() State { return v.state.load() }
func (v *VideoTrack) Stats() Stats { return v.stats.snapshot() }

// Start starts the encoder and the drain goroutine.
func (v *VideoTrack) Start() error {
	if !v.state.swap(StateStopped, StateStarting) {
		return fmt.Errorf("video track already started")
	}
	if err := v.enc.Start(); err != nil {
		v.state.store(StateStopped)
		close(v.done)
		return fmt.Errorf("starting video encoder: %w", err)
	}
	go v.loop()
	return nil
}

func (v *VideoTrack) Pause() {
	v.state.swap(StateRunning, StatePaused)
}

// Resume re-enables output and asks for a key frame so playback can restart
// cleanly after the gap.
func (v *VideoTrack) Resume() {
	if !v.state.swap(StatePaused, StateRunning) {
		return
	}
	if kr, ok := v.enc.(platform.KeyFrameRequester); ok {
		if err := kr.RequestKeyFrame(); err != nil {
			slog.Debug("Key frame request failed", "error", err)
		}
	}
}

func (v *VideoTrack) loop() {
	defer close(v.done)
	for !v.abandon.Load() {
		out, err := v.enc.Drain(DrainTimeout)
		switch {
		case errors.Is(err, platform.ErrTryAgain):
			continue
		case errors.Is(err, io.EOF):
			return
		case err != nil:
			if v.state.load() != StateDraining {
				v.cb.fail(fmt.Errorf("video encoder: %w", err))
			}
			return
		}

		if out.Format != nil {
			if err := v.sink.SetFormat(v.index, *out.Format); err != nil {
				v.cb.fail(fmt.Errorf("video format: %w", err))
				return
			}
			v.state.swap(StateStarting, StateRunning)
			slog.Debug("Video encoder format", "width", out.Format.Width, "height", out.Format.Height)
		}

		s := out.Sample
		if s == nil {
			continue
		}
		if s.Flags.Has(media.FlagEndOfStream) && len(s.Payload) == 0 {
			return
		}
		if s.Flags.Has(media.FlagCodecConfig) {
			continue
		}
		if v.timeline.Paused() {
			v.stats.dropped.Add(1)
			continue
		}

		s.Track = v.index
		s.PTS = v.mono.Next(v.timeline.PTS())
		n := len(s.Payload)
		if err := v.sink.WriteSample(s); err != nil {
			v.cb.fail(fmt.Errorf("writing video sample: %w", err))
			return
		}
		v.stats.samples.Add(1)
		v.stats.bytes.Add(int64(n))
		v.cb.sample(media.KindVideo, n)

		if s.Flags.Has(media.FlagEndOfStream) {
			return
		}
	}
}

// Stop signals end of stream, waits up to timeout for the encoder to drain,
// then releases it. It is safe to call more than once.
func (v *VideoTrack) Stop(timeout time.Duration) {
	v.stopOnce.Do(func() {
		prev := v.state.load()
		v.state.store(StateDraining)
		if prev != StateStopped {
			if err := v.enc.SignalEndOfStream(); err != nil {
				slog.Debug("Video end of stream failed", "error", err)
			}
			select {
			case <-v.done:
			case <-time.After(timeout):
				slog.Warn("Video encoder did not drain in time")
				v.abandon.Store(true)
				<-v.done
			}
		}
		if err := v.enc.Release(); err != nil {
			slog.Debug("Releasing video encoder failed", "error", err)
		}
		v.state.store(StateStopped)
	})
}
