package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/screenrec/internal/config"
	"github.com/audiolibrelab/screenrec/internal/engine"
	"github.com/audiolibrelab/screenrec/internal/media"
	"github.com/audiolibrelab/screenrec/internal/platform"
	"github.com/audiolibrelab/screenrec/internal/play"
)

// Service is the recording surface shared by the CLI and the HTTP server.
type Service interface {
	// Recording operations
	Start(opts StartOptions) (string, error)
	Pause() error
	Resume() error
	Stop() error
	UserSwitch() error
	DeleteLast() error
	GetStatus() Status

	// Library operations
	ListRecordings() ([]RecordingInfo, error)
	AnalyzeRecording(name string) (*RecordingAnalysis, error)
	Play(name string) error
	RunPipeline(opts StartOptions, steps string, duration time.Duration) error

	// Device operations
	Codecs() (video, audio []media.CodecInfo, err error)

	// Configuration operations
	LoadProfile(profile string) error
	GetConfig() *config.Config
	GetLastError() string

	Close() error
}

// StartOptions override the configuration for one recording.
type StartOptions struct {
	Mode       *media.SourceMode `json:"-"`
	Resolution string            `json:"resolution,omitempty"`
	Path       string            `json:"path,omitempty"`
}

// Status is what GET /status and `screenrec record` report.
type Status struct {
	State          string  `json:"state"`
	Path           string  `json:"path,omitempty"`
	Mode           string  `json:"mode,omitempty"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	Audio          bool    `json:"audio"`
	LastOutput     string  `json:"last_output,omitempty"`
	LastStopReason string  `json:"last_stop_reason,omitempty"`
	UserSwitched   bool    `json:"user_switched,omitempty"`
	AudioNotice    string  `json:"audio_notice,omitempty"`
	LastError      string  `json:"last_error,omitempty"`
}

// Options carry the collaborators tests and commands inject.
type Options struct {
	Metrics   engine.Metrics
	FreeSpace FreeSpaceFunc
	Now       func() time.Time
	// Elapsed replaces the recording clock the watchdog reads. Nil uses the
	// engine's timeline.
	Elapsed func() time.Duration
	// OnEvent sees every engine event after the service has handled it.
	OnEvent func(engine.Event)
	// SavePrompt is called with the kept file after a normal end, unless the
	// recording was stopped by a user switch.
	SavePrompt func(path string)
}

// RecordingService is the main service implementation
type RecordingService struct {
	cfg        *config.Config
	configFile string
	plat       platform.Platform
	eng        *engine.Engine
	opts       Options

	mu             sync.Mutex
	granted        bool
	stopWatchdog   context.CancelFunc
	userSwitched   bool
	lastStopReason string
	audioNotice    string

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a service driving an engine on plat.
func New(cfg *config.Config, configFile string, plat platform.Platform, opts Options) *RecordingService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FreeSpace == nil {
		opts.FreeSpace = DiskFree
	}
	s := &RecordingService{
		cfg:        cfg,
		configFile: configFile,
		plat:       plat,
		opts:       opts,
	}
	s.eng = engine.New(plat, engine.ObserverFunc(s.handleEvent))
	if opts.Metrics != nil {
		s.eng.SetMetrics(opts.Metrics)
	}
	return s
}

// Engine exposes the underlying engine.
func (s *RecordingService) Engine() *engine.Engine {
	return s.eng
}

func (s *RecordingService) ensureGrant() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.granted {
		return nil
	}
	proj, err := s.plat.RequestProjection()
	if err != nil {
		return fmt.Errorf("screen capture not granted: %w", err)
	}
	if err := s.eng.Grant(proj); err != nil {
		proj.Stop()
		return err
	}
	s.granted = true
	return nil
}

// Start begins a recording and returns its output path.
func (s *RecordingService) Start(opts StartOptions) (string, error) {
	slog.Debug("Service.Start called", "resolution", opts.Resolution, "path", opts.Path)
	s.clearLastError()

	path, err := s.start(opts)
	if err != nil {
		slog.Error("Service.Start failed", "error", err)
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return "", err
	}
	return path, nil
}

func (s *RecordingService) start(opts StartOptions) (string, error) {
	cfg := s.GetConfig()
	st, err := SettingsFrom(cfg)
	if err != nil {
		return "", err
	}
	if opts.Resolution != "" {
		st.Resolution = media.Resolution(strings.ToLower(opts.Resolution))
	}
	mode := ModeFrom(cfg)
	if opts.Mode != nil {
		mode = *opts.Mode
	}

	path := opts.Path
	dir := cfg.RecordingsDir()
	if path == "" {
		w, h := st.Resolution.Size()
		path = media.OutputPath(dir, s.opts.Now(), w, h)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create recordings directory: %w", err)
	}

	if err := s.ensureGrant(); err != nil {
		return "", err
	}

	// The watchdog context exists before the engine can emit a terminal event.
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.stopWatchdog != nil {
		s.stopWatchdog()
	}
	s.stopWatchdog = cancel
	s.userSwitched = false
	s.audioNotice = ""
	s.mu.Unlock()

	if err := s.eng.Start(engine.Request{Mode: mode, Path: path, Settings: st}); err != nil {
		cancel()
		return "", err
	}

	elapsed := s.opts.Elapsed
	if elapsed == nil {
		elapsed = func() time.Duration { return s.eng.Status().Elapsed }
	}
	wd := NewWatchdog(cfg.Limits, s.opts.FreeSpace)
	go wd.Run(ctx, dir, elapsed, s.limitStop)

	return path, nil
}

func (s *RecordingService) limitStop(reason engine.StopReason) {
	if err := s.eng.Stop(reason); err != nil && !errors.Is(err, engine.ErrInvalidState) {
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
	}
}

func (s *RecordingService) Pause() error {
	if err := s.eng.Pause(); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	return nil
}

func (s *RecordingService) Resume() error {
	if err := s.eng.Resume(); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	return nil
}

// Stop ends the current recording and waits for the file to be finalized.
func (s *RecordingService) Stop() error {
	err := s.eng.Stop(engine.StopNormal)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
	}
	return err
}

// UserSwitch stops the recording because the desktop session changed hands.
// It takes priority over a limit stop racing with it: the save prompt is
// suppressed whichever stop reason ends up recorded.
func (s *RecordingService) UserSwitch() error {
	s.mu.Lock()
	s.userSwitched = true
	s.mu.Unlock()

	err := s.eng.Stop(engine.StopNormal)
	if errors.Is(err, engine.ErrInvalidState) {
		return nil
	}
	return err
}

func (s *RecordingService) DeleteLast() error {
	if err := s.eng.DeleteLastOutput(); err != nil {
		return fmt.Errorf("delete last recording: %w", err)
	}
	return nil
}

func (s *RecordingService) GetStatus() Status {
	es := s.eng.Status()
	st := Status{
		State:          es.State.String(),
		ElapsedSeconds: es.Elapsed.Seconds(),
		Width:          es.Width,
		Height:         es.Height,
		Audio:          es.Audio,
		Path:           es.Path,
		LastOutput:     s.eng.LastOutput(),
		LastError:      s.GetLastError(),
	}
	if es.Path != "" {
		st.Mode = es.Mode.String()
	}

	s.mu.Lock()
	st.LastStopReason = s.lastStopReason
	st.UserSwitched = s.userSwitched
	st.AudioNotice = s.audioNotice
	s.mu.Unlock()
	return st
}

// handleEvent is the engine observer.
func (s *RecordingService) handleEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EventBeforeRecord:
		slog.Debug("Preparing recording", "path", ev.Path)
	case engine.EventStartRecord:
		slog.Info("Recording", "path", ev.Path)
		s.clearLastError()
	case engine.EventPauseRecord:
		slog.Info("Recording paused", "path", ev.Path)
	case engine.EventResumeRecord:
		slog.Info("Recording resumed", "path", ev.Path)
	case engine.EventInternalAudioNotAvailable:
		slog.Warn("Audio source not available, recording continues", "audio_type", int(ev.AudioType))
		s.mu.Lock()
		s.audioNotice = fmt.Sprintf("audio type %d not available", int(ev.AudioType))
		s.mu.Unlock()
	case engine.EventCancelRecord:
		s.endSession(ev.Reason)
		if ev.Err != nil {
			s.setLastError(fmt.Sprintf("Recording cancelled: %v", ev.Err))
		}
		if ev.Path != "" {
			slog.Warn("Recording cancelled, partial file kept", "path", ev.Path)
		}
	case engine.EventEndRecord:
		userSwitched := s.endSession(ev.Reason)
		slog.Info("Recording saved", "path", ev.Path, "reason", ev.Reason.String(), "user_switch", userSwitched)
		if !userSwitched && s.opts.SavePrompt != nil {
			s.opts.SavePrompt(ev.Path)
		}
	default:
		slog.Warn("Unhandled engine event", "type", ev.Type.String())
	}

	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev)
	}
}

// endSession stops the watchdog and records the reason. It reports whether a
// user switch caused the stop.
func (s *RecordingService) endSession(reason engine.StopReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopWatchdog != nil {
		s.stopWatchdog()
		s.stopWatchdog = nil
	}
	s.lastStopReason = reason.String()
	return s.userSwitched
}

// Codecs lists the encoders the backend offers.
func (s *RecordingService) Codecs() ([]media.CodecInfo, []media.CodecInfo, error) {
	video, err := s.plat.Encoders(media.KindVideo)
	if err != nil {
		return nil, nil, fmt.Errorf("listing video encoders: %w", err)
	}
	audio, err := s.plat.Encoders(media.KindAudio)
	if err != nil {
		return nil, nil, fmt.Errorf("listing audio encoders: %w", err)
	}
	return video, audio, nil
}

// Play opens a recording in an external player.
func (s *RecordingService) Play(name string) error {
	player := play.New(s.GetConfig())
	return player.Play(name)
}

// RunPipeline executes a sequence of operations (r=record, p=play). The
// record step lasts for duration or until the recording ends on its own.
func (s *RecordingService) RunPipeline(opts StartOptions, steps string, duration time.Duration) error {
	var last string
	for _, step := range steps {
		switch step {
		case 'r':
			path, err := s.recordFor(opts, duration)
			if err != nil {
				return fmt.Errorf("pipeline record failed: %w", err)
			}
			last = path
		case 'p':
			if last == "" {
				last = s.eng.LastOutput()
			}
			if last == "" {
				return fmt.Errorf("pipeline play failed: nothing recorded yet")
			}
			if err := s.Play(last); err != nil {
				return fmt.Errorf("pipeline play failed: %w", err)
			}
		default:
			return fmt.Errorf("unknown pipeline step: '%c' (valid: r=record, p=play)", step)
		}
	}
	return nil
}

func (s *RecordingService) recordFor(opts StartOptions, duration time.Duration) (string, error) {
	path, err := s.Start(opts)
	if err != nil {
		return "", err
	}
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if s.eng.State() == engine.StateIdle {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err := s.eng.Stop(engine.StopNormal); err != nil && !errors.Is(err, engine.ErrInvalidState) {
		return "", err
	}
	if s.eng.LastOutput() != path {
		if msg := s.GetLastError(); msg != "" {
			return "", errors.New(msg)
		}
		return "", fmt.Errorf("recording %s was not kept", path)
	}
	return path, nil
}

// LoadProfile loads a new configuration profile. It is refused while a
// recording runs.
func (s *RecordingService) LoadProfile(profile string) error {
	if s.eng.State() != engine.StateIdle {
		return fmt.Errorf("cannot switch profile while recording: %w", engine.ErrInvalidState)
	}
	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}
	s.mu.Lock()
	s.cfg = newCfg
	s.mu.Unlock()
	return nil
}

// GetConfig returns the current configuration
func (s *RecordingService) GetConfig() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Close stops any recording and releases the screen grant.
func (s *RecordingService) Close() error {
	err := s.eng.Close()
	s.mu.Lock()
	s.granted = false
	s.mu.Unlock()
	return err
}

// GetLastError returns the last error message (thread-safe)
func (s *RecordingService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *RecordingService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *RecordingService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
