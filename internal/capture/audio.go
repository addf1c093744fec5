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
	"github.com/audiolibrelab/screenrec/internal/mix"
	"github.com/audiolibrelab/screenrec/internal/platform"
	"github.com/audiolibrelab/screenrec/internal/timing"
)

// ChunkFrames is the number of frames read and encoded at a time, one AAC
// access unit.
const ChunkFrames = 1024

// SourceOpener opens PCM inputs. platform.Platform implements it.
type SourceOpener interface {
	OpenAudioSource(kind media.SourceKind, sampleRate, channels int) (platform.AudioSource, error)
}

// AudioOptions are fixed for the lifetime of a track.
type AudioOptions struct {
	Encode  media.AudioEncodeConfig
	PTSMode timing.PTSMode
	Fill    timing.FillConfig
	// Seed feeds the noise generator.
	Seed int64
}

// idleSource stands in when no real source could be opened. It never
// delivers data, so wall-clock fill keeps the track on time.
type idleSource struct{}

func (idleSource) Read(_ []int16, timeout time.Duration) (int, error) {
	time.Sleep(timeout)
	return 0, nil
}

func (idleSource) Close() error { return nil }

// AudioTrack reads PCM from one or two sources, keeps it aligned with the
// session timeline and feeds the encoder. Reading and encoding run on
// separate goroutines joined by a bounded queue.
type AudioTrack struct {
	opts     AudioOptions
	opener   SourceOpener
	enc      platform.AudioEncoder
	sink     Sink
	index    int
	timeline *timing.Timeline
	cb       Callbacks

	source   platform.AudioSource
	clock    *timing.AudioClock
	filler   *timing.Filler
	queue    *chunkQueue
	channels int

	state    stateBox
	stats    counters
	stopping atomic.Bool
	abandon  atomic.Bool
	notified atomic.Bool
	readDone chan struct{}
	encDone  chan struct{}
	stopOnce sync.Once

	// read loop state
	lastDataAt time.Duration
	emptyReads int
}

func NewAudioTrack(opts AudioOptions, opener SourceOpener, enc platform.AudioEncoder, sink Sink, index int, timeline *timing.Timeline, cb Callbacks) (*AudioTrack, error) {
	channels := opts.Encode.ChannelCount
	if channels <= 0 {
		channels = 1
	}
	clock, err := timing.NewAudioClock(opts.PTSMode, timeline, opts.Encode.SampleRate)
	if err != nil {
		return nil, err
	}
	return &AudioTrack{
		opts:     opts,
		opener:   opener,
		enc:      enc,
		sink:     sink,
		index:    index,
		timeline: timeline,
		cb:       cb,
		clock:    clock,
		filler:   timing.NewFiller(opts.Fill, opts.Seed),
		queue:    newChunkQueue(MaxPendingFrames),
		channels: channels,
		readDone: make(chan struct{}),
		encDone:  make(chan struct{}),
	}, nil
}

func (a *AudioTrack) Index() int   { return a.index }
func (a *AudioTrack) State() State { return a.state.load() }
func (a *AudioTrack) Stats() Stats { return a.stats.snapshot() }

// Start opens the sources, starts the encoder and both goroutines. Source
// failures are not errors: the track degrades and raises the unavailability
// notice instead.
func (a *AudioTrack) Start() error {
	if !a.state.swap(StateStopped, StateStarting) {
		return fmt.Errorf("audio track already started")
	}
	if err := a.enc.Start(); err != nil {
		a.state.store(StateStopped)
		close(a.readDone)
		close(a.encDone)
		return fmt.Errorf("starting audio encoder: %w", err)
	}
	a.source = a.openSources()
	go a.readLoop()
	go a.encodeLoop()
	return nil
}

func (a *AudioTrack) open(kind media.SourceKind) platform.AudioSource {
	src, err := a.opener.OpenAudioSource(kind, a.opts.Encode.SampleRate, a.channels)
	if err != nil {
		slog.Warn("Audio source failed to open", "source", kind.String(), "error", err)
		return nil
	}
	return src
}

func (a *AudioTrack) openSources() platform.AudioSource {
	mode := a.opts.Encode.Mode
	var mic, internal platform.AudioSource
	if mode.HasMic() {
		mic = a.open(media.SourceKindMic)
	}
	if mode.HasInternal() {
		internal = a.open(media.SourceKindInternal)
	}

	switch {
	case mic != nil && internal != nil:
		return mix.NewMixer(mic, internal, ChunkFrames*a.channels)
	case mic != nil:
		if mode.HasInternal() {
			a.notifyUnavailable()
		}
		return mic
	case internal != nil:
		if mode.HasMic() {
			a.notifyUnavailable()
		}
		return internal
	default:
		a.notifyUnavailable()
		return idleSource{}
	}
}

func (a *AudioTrack) notifyUnavailable() {
	if !a.notified.CompareAndSwap(false, true) {
		return
	}
	t := a.opts.Encode.Mode.AudioType()
	slog.Warn("Audio not available, recording synthetic fill", "audio_type", int(t))
	if a.cb.OnUnavailable != nil {
		a.cb.OnUnavailable(t)
	}
}

func (a *AudioTrack) Pause() {
	a.state.swap(StateRunning, StatePaused)
}

func (a *AudioTrack) Resume() {
	a.state.swap(StatePaused, StateRunning)
}

func (a *AudioTrack) chunkDuration() time.Duration {
	return a.clock.DurationOf(ChunkFrames)
}

func (a *AudioTrack) enqueue(pcm []int16, frames int) {
	pts := a.clock.Stamp(frames)
	if a.queue.push(chunk{pcm: pcm, pts: pts}) {
		a.stats.dropped.Add(1)
	}
}

// fillGap covers frames of missing audio with synthetic data where the fill
// mode allows and advances the clock over the rest. Synthetic frames go at
// the end of the gap so the track's last access unit reaches the timeline.
func (a *AudioTrack) fillGap(frames int64, since time.Duration) {
	if frames <= 0 {
		return
	}
	gap := since - a.lastDataAt
	step := ChunkFrames * a.channels
	out := a.filler.Gap(frames*int64(a.channels), int64(step), gap, since)
	out = out[:len(out)/a.channels*a.channels]
	produced := int64(len(out) / a.channels)

	a.clock.Skip(frames - produced)
	for len(out) > 0 {
		n := step
		if n > len(out) {
			n = len(out)
		}
		a.enqueue(out[:n], n/a.channels)
		out = out[n:]
	}

	a.stats.synthesized.Add(produced)
	a.stats.skipped.Add(frames - produced)
	if a.cb.OnFill != nil {
		a.cb.OnFill(frames)
	}
}

func (a *AudioTrack) readLoop() {
	defer close(a.readDone)
	defer a.queue.close()
	defer func() {
		if err := a.source.Close(); err != nil {
			slog.Debug("Closing audio source failed", "error", err)
		}
	}()

	buf := make([]int16, ChunkFrames*a.channels)
	timeout := a.chunkDuration()
	wallClock := a.clock.Mode() == timing.WallClock
	skipEvery := a.filler.Config().SkipInterval
	if skipEvery < 1 {
		skipEvery = 1
	}

	for !a.stopping.Load() {
		n, err := a.source.Read(buf, timeout)
		if err != nil {
			slog.Warn("Audio source failed", "error", err)
			a.source.Close()
			a.source = idleSource{}
			a.notifyUnavailable()
			continue
		}
		if a.timeline.Paused() {
			continue
		}
		since := a.timeline.Elapsed()

		if n == 0 {
			a.emptyReads++
			if since-a.lastDataAt > a.opts.Fill.InitialPeriod {
				a.notifyUnavailable()
			}
			if wallClock && a.emptyReads%skipEvery == 0 {
				a.fillGap(a.clock.Behind(), since)
			}
			continue
		}

		frames := n / a.channels
		a.emptyReads = 0

		if !wallClock {
			a.enqueue(append([]int16(nil), buf[:frames*a.channels]...), frames)
			a.lastDataAt = since
			continue
		}

		if deficit := a.clock.Behind() - int64(frames); deficit > ChunkFrames {
			a.fillGap(deficit, since)
		}
		a.lastDataAt = since
		if a.clock.Ahead() > 2*ChunkFrames {
			a.stats.dropped.Add(1)
			continue
		}
		pcm := a.filler.Chunk(buf[:frames*a.channels], since)
		if pcm == nil {
			a.clock.Skip(int64(frames))
			a.stats.skipped.Add(int64(frames))
			continue
		}
		a.enqueue(append([]int16(nil), pcm...), frames)
	}

	// An idle source leaves up to one skip interval unfilled; close it so
	// the track ends where the timeline does.
	if wallClock && a.emptyReads > 0 && !a.timeline.Paused() && !a.abandon.Load() {
		a.fillGap(a.clock.Behind(), a.timeline.Elapsed())
	}
}

func (a *AudioTrack) encodeLoop() {
	defer close(a.encDone)
	for !a.abandon.Load() {
		c, ok, done := a.queue.pop(DrainTimeout)
		if done {
			break
		}
		if ok {
			if err := a.enc.Encode(c.pcm, c.pts); err != nil {
				a.cb.fail(fmt.Errorf("audio encoder: %w", err))
				return
			}
		}
		if finished, err := a.drain(0); err != nil {
			a.cb.fail(err)
			return
		} else if finished {
			return
		}
	}
	if a.abandon.Load() {
		return
	}

	if err := a.enc.SignalEndOfStream(); err != nil {
		slog.Debug("Audio end of stream failed", "error", err)
		return
	}
	deadline := time.Now().Add(StopTimeout)
	for time.Now().Before(deadline) && !a.abandon.Load() {
		finished, err := a.drain(DrainTimeout)
		if err != nil {
			slog.Warn("Draining audio encoder failed", "error", err)
			return
		}
		if finished {
			return
		}
	}
}

// drain forwards encoder output until none is pending. The first wait uses
// timeout. finished is set at end of stream.
func (a *AudioTrack) drain(timeout time.Duration) (finished bool, err error) {
	for {
		out, err := a.enc.Drain(timeout)
		switch {
		case errors.Is(err, platform.ErrTryAgain):
			return false, nil
		case errors.Is(err, io.EOF):
			return true, nil
		case err != nil:
			return false, fmt.Errorf("audio encoder: %w", err)
		}
		timeout = 0

		if out.Format != nil {
			if err := a.sink.SetFormat(a.index, *out.Format); err != nil {
				return false, fmt.Errorf("audio format: %w", err)
			}
			a.state.swap(StateStarting, StateRunning)
			slog.Debug("Audio encoder format", "sample_rate", out.Format.SampleRate, "channels", out.Format.ChannelCount)
		}

		s := out.Sample
		if s == nil {
			continue
		}
		if s.Flags.Has(media.FlagCodecConfig) {
			continue
		}
		if len(s.Payload) > 0 {
			s.Track = a.index
			n := len(s.Payload)
			if err := a.sink.WriteSample(s); err != nil {
				return false, fmt.Errorf("writing audio sample: %w", err)
			}
			a.stats.samples.Add(1)
			a.stats.bytes.Add(int64(n))
			a.cb.sample(media.KindAudio, n)
		}
		if s.Flags.Has(media.FlagEndOfStream) {
			return true, nil
		}
	}
}

// Unavailable reports whether the unavailability notice was raised.
func (a *AudioTrack) Unavailable() bool { return a.notified.Load() }

// Stop ends reading, drains the encoder up to timeout and releases it.
func (a *AudioTrack) Stop(timeout time.Duration) {
	a.stopOnce.Do(func() {
		prev := a.state.load()
		a.state.store(StateDraining)
		a.stopping.Store(true)
		if prev != StateStopped {
			deadline := time.After(timeout)
			for _, ch := range []chan struct{}{a.readDone, a.encDone} {
				select {
				case <-ch:
				case <-deadline:
					slog.Warn("Audio track did not drain in time")
					a.abandon.Store(true)
					<-ch
				}
			}
		}
		if err := a.enc.Release(); err != nil {
			slog.Debug("Releasing audio encoder failed", "error", err)
		}
		a.state.store(StateStopped)
	})
}
