// Package engine owns the recording lifecycle. It resolves encoder configs,
// binds the capture tracks to a muxer, and reports every transition to an
// Observer.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/screenrec/internal/capture"
	"github.com/audiolibrelab/screenrec/internal/media"
	"github.com/audiolibrelab/screenrec/internal/muxer"
	"github.com/audiolibrelab/screenrec/internal/platform"
	"github.com/audiolibrelab/screenrec/internal/timing"
)

var (
	ErrInvalidState  = errors.New("operation not valid in current state")
	ErrGrantConsumed = errors.New("screen capture grant already consumed")
	ErrNoGrant       = errors.New("no screen capture grant")
	ErrNoOutput      = errors.New("no recording to delete")
)

// State of the engine.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRecording
	StatePaused
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Settings are read once per session.
type Settings struct {
	Resolution       media.Resolution
	FrameRate        int
	KeyFrameInterval int
	PTSMode          timing.PTSMode
	Fill             timing.FillConfig
	PartDuration     time.Duration
}

// DefaultSettings records 720p at 30 fps with a key frame every second and
// wall-clock audio.
func DefaultSettings() Settings {
	return Settings{
		Resolution:       media.Resolution720p,
		FrameRate:        30,
		KeyFrameInterval: 1,
		PTSMode:          timing.WallClock,
		Fill:             timing.DefaultFillConfig(),
		PartDuration:     time.Second,
	}
}

// Request starts one recording.
type Request struct {
	Mode     media.SourceMode
	Path     string
	Settings Settings
}

// Status is a snapshot of the engine.
type Status struct {
	State   State
	Path    string
	Mode    media.SourceMode
	Elapsed time.Duration
	Width   int
	Height  int
	Audio   bool
}

type session struct {
	path     string
	mode     media.SourceMode
	width    int
	height   int
	timeline *timing.Timeline
	mux      *muxer.Muxer
	video    *capture.VideoTrack
	audio    *capture.AudioTrack
	// audioOff is set when the audio track failed to start. The track stays
	// in place since the session may already be shared.
	audioOff atomic.Bool

	wg          sync.WaitGroup
	stopOnce    sync.Once
	done        chan struct{}
	noticeOnce  sync.Once
	startedOnce sync.Once
}

// Engine runs at most one recording at a time.
type Engine struct {
	plat     platform.Platform
	resolver *media.Resolver
	obs      Observer
	metrics  Metrics
	now      func() time.Time

	mu         sync.Mutex
	state      State
	grant      grant
	display    platform.VirtualDisplay
	sess       *session
	lastOutput string
	// setupDone is closed when the current Start has settled.
	setupDone chan struct{}
}

// New creates an idle engine. obs may be nil.
func New(p platform.Platform, obs Observer) *Engine {
	if obs == nil {
		obs = ObserverFunc(func(Event) {})
	}
	return &Engine{
		plat:     p,
		resolver: media.NewResolver(p),
		obs:      obs,
		metrics:  noMetrics{},
		now:      time.Now,
	}
}

// SetMetrics installs a metrics sink. Call before the first Start.
func (e *Engine) SetMetrics(m Metrics) {
	if m == nil {
		m = noMetrics{}
	}
	e.metrics = m
}

func (e *Engine) emit(ev Event) {
	slog.Debug("Engine event", "type", ev.Type.String(), "path", ev.Path, "error", ev.Err)
	e.obs.OnEvent(ev)
}

// setState must be called with e.mu held.
func (e *Engine) setState(s State) {
	e.state = s
	e.metrics.StateChanged(s.String())
}

// State never blocks on a running session.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{State: e.state}
	if s := e.sess; s != nil {
		st.Path = s.path
		st.Mode = s.mode
		st.Elapsed = s.timeline.Elapsed()
		st.Width, st.Height = s.width, s.height
		st.Audio = s.audio != nil && !s.audioOff.Load()
	}
	return st
}

// LastOutput returns the file of the last finished session.
func (e *Engine) LastOutput() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastOutput
}

// Grant installs a new single-use projection grant, replacing any previous
// one together with its display.
func (e *Engine) Grant(p platform.Projection) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return ErrInvalidState
	}
	e.releaseDisplayLocked()
	if err := e.grant.release(); err != nil {
		slog.Debug("Stopping previous projection failed", "error", err)
	}
	e.grant.install(p)
	return nil
}

func (e *Engine) releaseDisplayLocked() {
	if e.display == nil {
		return
	}
	if err := e.display.Release(); err != nil {
		slog.Debug("Releasing virtual display failed", "error", err)
	}
	e.display = nil
}

// displayFor returns the session display, creating it from the grant on first
// use and resizing it in place afterwards.
func (e *Engine) displayFor(width, height int) (platform.VirtualDisplay, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.display != nil {
		if w, h := e.display.Size(); w != width || h != height {
			if err := e.display.Resize(width, height); err != nil {
				return nil, fmt.Errorf("resizing virtual display: %w", err)
			}
		}
		return e.display, nil
	}
	proj, err := e.grant.consume()
	if err != nil {
		return nil, err
	}
	d, err := proj.CreateVirtualDisplay("ScreenRecord", width, height)
	if err != nil {
		return nil, fmt.Errorf("creating virtual display: %w", err)
	}
	e.display = d
	return d, nil
}

// Start begins a recording. It returns once the tracks are running; the
// StartRecord event follows when the muxer accepts the first sample.
func (e *Engine) Start(req Request) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrInvalidState
	}
	if e.display == nil && e.grant.state != grantUnconsumed {
		e.mu.Unlock()
		if e.grant.state == grantConsumed {
			return ErrGrantConsumed
		}
		return ErrNoGrant
	}
	e.setState(StateStarting)
	settled := make(chan struct{})
	e.setupDone = settled
	e.mu.Unlock()
	defer close(settled)

	e.emit(Event{Type: EventBeforeRecord, Path: req.Path})

	s, err := e.setup(req)
	if err != nil {
		e.mu.Lock()
		e.setState(StateIdle)
		e.mu.Unlock()
		e.metrics.SessionEnded("setup_failed")
		e.emit(Event{Type: EventCancelRecord, Err: err})
		return err
	}
	slog.Info("Recording started", "path", s.path, "mode", s.mode.String(), "width", s.width, "height", s.height)
	return nil
}

func (e *Engine) setup(req Request) (*session, error) {
	st := req.Settings
	if st.FrameRate <= 0 {
		st.FrameRate = 30
	}
	if st.KeyFrameInterval <= 0 {
		st.KeyFrameInterval = 1
	}

	vcfg, err := e.resolver.CreateVideoConfig(st.Resolution, st.FrameRate, st.KeyFrameInterval)
	if err != nil {
		return nil, fmt.Errorf("resolving video encoder: %w", err)
	}
	acfg := e.resolver.CreateAudioConfig(req.Mode)

	if err := os.MkdirAll(filepath.Dir(req.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	mux, err := muxer.Create(req.Path, muxer.Options{PartDuration: st.PartDuration})
	if err != nil {
		return nil, err
	}
	abort := func(err error) (*session, error) {
		mux.Close()
		os.Remove(req.Path)
		return nil, err
	}

	s := &session{
		path:     req.Path,
		mode:     req.Mode,
		width:    vcfg.Width,
		height:   vcfg.Height,
		timeline: timing.NewTimeline(e.now),
		mux:      mux,
		done:     make(chan struct{}),
	}

	venc, err := e.plat.NewVideoEncoder(vcfg)
	if err != nil {
		return abort(fmt.Errorf("creating video encoder: %w", err))
	}
	display, err := e.displayFor(vcfg.Width, vcfg.Height)
	if err != nil {
		venc.Release()
		return abort(err)
	}
	if err := display.SetSurface(venc.Surface()); err != nil {
		venc.Release()
		return abort(fmt.Errorf("attaching encoder surface: %w", err))
	}

	videoIdx, _ := mux.AddTrack(media.KindVideo)
	cb := capture.Callbacks{
		OnError:  func(err error) { e.fail(s, err) },
		OnSample: e.metrics.SampleWritten,
		OnFill:   e.metrics.FillFrames,
		OnUnavailable: func(t media.AudioType) {
			e.notifyUnavailable(s, t)
		},
	}
	s.video = capture.NewVideoTrack(venc, mux, videoIdx, s.timeline, cb)

	if acfg != nil {
		aenc, err := e.plat.NewAudioEncoder(*acfg)
		if err != nil {
			slog.Warn("Audio encoder unavailable, recording video only", "codec", acfg.Codec, "error", err)
		} else {
			audioIdx, _ := mux.AddTrack(media.KindAudio)
			s.audio, err = capture.NewAudioTrack(capture.AudioOptions{
				Encode:  *acfg,
				PTSMode: st.PTSMode,
				Fill:    st.Fill,
				Seed:    e.now().UnixNano(),
			}, e.plat, aenc, mux, audioIdx, s.timeline, cb)
			if err != nil {
				aenc.Release()
				mux.DropTrack(audioIdx)
				s.audio = nil
				slog.Warn("Audio track setup failed, recording video only", "error", err)
			}
		}
	} else if req.Mode != media.SourceNone {
		slog.Warn("No usable audio encoder, recording video only", "mode", req.Mode.String())
	}

	mux.OnFirstSample(func() { e.started(s) })

	e.mu.Lock()
	e.sess = s
	e.mu.Unlock()

	s.timeline.Start()
	if err := s.video.Start(); err != nil {
		e.mu.Lock()
		e.sess = nil
		e.mu.Unlock()
		if s.audio != nil {
			s.audio.Stop(0)
		}
		display.SetSurface(nil)
		venc.Release()
		return abort(err)
	}
	if s.audio != nil {
		if err := s.audio.Start(); err != nil {
			slog.Warn("Audio track failed to start, recording video only", "error", err)
			mux.DropTrack(s.audio.Index())
			s.audio.Stop(0)
			s.audioOff.Store(true)
		}
	}
	return s, nil
}

func (e *Engine) started(s *session) {
	s.startedOnce.Do(func() {
		e.mu.Lock()
		if e.sess != s || e.state != StateStarting {
			e.mu.Unlock()
			return
		}
		e.setState(StateRecording)
		e.mu.Unlock()
		e.emit(Event{Type: EventStartRecord, Path: s.path})
	})
}

func (e *Engine) notifyUnavailable(s *session, t media.AudioType) {
	s.noticeOnce.Do(func() {
		e.metrics.AudioUnavailable(t)
		e.emit(Event{Type: EventInternalAudioNotAvailable, AudioType: t, Path: s.path})
	})
}

// fail is called from track goroutines; the stop runs elsewhere because it
// joins those goroutines.
func (e *Engine) fail(s *session, err error) {
	slog.Error("Recording failed", "path", s.path, "error", err)
	e.mu.Lock()
	settled := e.setupDone
	e.mu.Unlock()
	go func() {
		<-settled
		e.mu.Lock()
		live := e.sess == s
		e.mu.Unlock()
		if live {
			e.finish(s, StopNormal, err)
		}
	}()
}

// Pause freezes the timeline and stops sample submission.
func (e *Engine) Pause() error {
	e.mu.Lock()
	if e.state != StateRecording {
		e.mu.Unlock()
		return ErrInvalidState
	}
	s := e.sess
	e.setState(StatePaused)
	s.timeline.Pause()
	s.video.Pause()
	if s.audio != nil {
		s.audio.Pause()
	}
	e.mu.Unlock()
	e.emit(Event{Type: EventPauseRecord, Path: s.path})
	return nil
}

func (e *Engine) Resume() error {
	e.mu.Lock()
	if e.state != StatePaused {
		e.mu.Unlock()
		return ErrInvalidState
	}
	s := e.sess
	e.setState(StateRecording)
	s.timeline.Resume()
	s.video.Resume()
	if s.audio != nil {
		s.audio.Resume()
	}
	e.mu.Unlock()
	e.emit(Event{Type: EventResumeRecord, Path: s.path})
	return nil
}

// Stop ends the current recording and waits until it is finalized. Concurrent
// and failure-triggered stops share one termination.
func (e *Engine) Stop(reason StopReason) error {
	e.mu.Lock()
	if e.state == StateIdle {
		e.mu.Unlock()
		return ErrInvalidState
	}
	settled := e.setupDone
	e.mu.Unlock()

	// A stop issued while starting applies once setup has settled.
	<-settled
	e.mu.Lock()
	s := e.sess
	e.mu.Unlock()
	if s == nil {
		return nil
	}
	e.finish(s, reason, nil)
	return nil
}

func (e *Engine) finish(s *session, reason StopReason, cause error) {
	s.stopOnce.Do(func() {
		defer close(s.done)

		e.mu.Lock()
		e.setState(StateStopping)
		display := e.display
		e.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.video.Stop(capture.StopTimeout)
		}()
		if s.audio != nil {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.audio.Stop(capture.StopTimeout)
			}()
		}
		s.wg.Wait()

		if display != nil {
			if err := display.SetSurface(nil); err != nil {
				slog.Debug("Detaching surface failed", "error", err)
			}
		}

		closeErr := s.mux.Close()
		kept := !errors.Is(closeErr, muxer.ErrNoSamples)
		if !kept {
			os.Remove(s.path)
		}

		e.mu.Lock()
		e.sess = nil
		if kept {
			e.lastOutput = s.path
		}
		e.setState(StateIdle)
		e.mu.Unlock()

		switch {
		case cause != nil:
			ev := Event{Type: EventCancelRecord, Err: cause, Reason: reason}
			if kept {
				ev.Path = s.path
			}
			e.metrics.SessionEnded("failed")
			e.emit(ev)
		case closeErr != nil:
			ev := Event{Type: EventCancelRecord, Err: closeErr, Reason: reason}
			if kept {
				ev.Path = s.path
			}
			e.metrics.SessionEnded("cancelled")
			e.emit(ev)
		default:
			slog.Info("Recording finished", "path", s.path, "reason", reason.String(), "duration", s.timeline.Elapsed())
			e.metrics.SessionEnded("completed")
			e.emit(Event{Type: EventEndRecord, Path: s.path, Reason: reason})
		}
	})
	<-s.done
}

// DeleteLastOutput removes the file of the last finished session.
func (e *Engine) DeleteLastOutput() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return ErrInvalidState
	}
	if e.lastOutput == "" {
		return ErrNoOutput
	}
	if err := os.Remove(e.lastOutput); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting recording: %w", err)
	}
	slog.Info("Recording deleted", "path", e.lastOutput)
	e.lastOutput = ""
	return nil
}

// Close stops any recording, releases the virtual display and stops the
// projection.
func (e *Engine) Close() error {
	if err := e.Stop(StopNormal); err != nil && !errors.Is(err, ErrInvalidState) {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseDisplayLocked()
	return e.grant.release()
}
