// Package ffmpeg is the desktop backend. Screen grabbing and encoding run in
// ffmpeg child processes; audio comes from PulseAudio or PipeWire's pulse
// server.
package ffmpeg

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/audiolibrelab/screenrec/internal/config"
	"github.com/audiolibrelab/screenrec/internal/media"
	"github.com/audiolibrelab/screenrec/internal/platform"
)

// Platform implements platform.Platform on top of the ffmpeg binary.
type Platform struct {
	cfg   config.BackendConfig
	pactl *pactl

	mu       sync.Mutex
	encoders []EncoderLine
	listed   bool
}

var _ platform.Platform = (*Platform)(nil)

func New(cfg config.BackendConfig) *Platform {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	return &Platform{cfg: cfg, pactl: newPactl()}
}

// Encoders lists the H.264 and AAC encoders of the ffmpeg build. The table is
// read once.
func (p *Platform) Encoders(kind media.Kind) ([]media.CodecInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.listed {
		out, err := exec.Command(p.cfg.FFmpegPath, "-hide_banner", "-encoders").Output()
		if err != nil {
			return nil, fmt.Errorf("listing ffmpeg encoders: %w", err)
		}
		p.encoders = ParseEncoders(string(out))
		p.listed = true
	}
	return CodecInfos(p.encoders, kind), nil
}

func (p *Platform) NewVideoEncoder(cfg media.VideoEncodeConfig) (platform.VideoEncoder, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid video size %dx%d", cfg.Width, cfg.Height)
	}
	return newVideoEncoder(p.cfg.FFmpegPath, cfg), nil
}

func (p *Platform) NewAudioEncoder(cfg media.AudioEncodeConfig) (platform.AudioEncoder, error) {
	if cfg.SampleRate <= 0 || cfg.ChannelCount <= 0 {
		return nil, fmt.Errorf("invalid audio format %d Hz, %d channels", cfg.SampleRate, cfg.ChannelCount)
	}
	if cfg.Profile != 0 && cfg.Profile != media.AACProfileLC {
		return nil, fmt.Errorf("unsupported AAC profile %v", cfg.Profile)
	}
	return newAudioEncoder(p.cfg.FFmpegPath, cfg), nil
}

func (p *Platform) OpenAudioSource(kind media.SourceKind, sampleRate, channels int) (platform.AudioSource, error) {
	configured := p.cfg.MicSource
	if kind == media.SourceKindInternal {
		configured = p.cfg.MonitorSource
	}
	source, err := p.pactl.resolve(kind, configured)
	if err != nil {
		return nil, err
	}
	return openAudioSource(p.cfg.FFmpegPath, source, sampleRate, channels)
}

// RequestProjection checks that there is an X display to grab and an ffmpeg
// to grab it with.
func (p *Platform) RequestProjection() (platform.Projection, error) {
	display := p.cfg.Display
	if display == "" {
		display = os.Getenv("DISPLAY")
	}
	if display == "" {
		return nil, errors.New("no X display configured and DISPLAY is not set")
	}
	if strings.EqualFold(os.Getenv("XDG_SESSION_TYPE"), "wayland") {
		slog.Warn("Wayland session detected, only XWayland windows will be captured", "display", display)
	}
	if _, err := exec.LookPath(p.cfg.FFmpegPath); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	return &Projection{display: display}, nil
}
