// Package fake is a deterministic, dependency-free backend. It produces real
// H.264 parameter sets and Annex-B access units so recordings made with it can
// be muxed and probed, and it lets tests script source and encoder behaviour.
package fake

import (
	"errors"
	"fmt"
	"sync"

	"github.com/audiolibrelab/screenrec/internal/media"
	"github.com/audiolibrelab/screenrec/internal/platform"
)

// Parameter sets of a 1920x1080 baseline stream. They are reported whatever
// size the encoder was configured for.
var (
	SPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	PPS = []byte{0x08}

	idrAU    = []byte{0, 0, 0, 1, 0x65, 0x88, 0x84, 0x21, 0xa0}
	nonIDRAU = []byte{0, 0, 0, 1, 0x41, 0x9a, 0x02, 0x03}
)

var ErrProjectionDenied = errors.New("screen capture permission denied")

// SourceBehavior scripts one audio input.
type SourceBehavior struct {
	// OpenErr makes OpenAudioSource fail.
	OpenErr error
	// Idle sources never deliver data, like a muted playback stream.
	Idle bool
	// Silent sources deliver digital silence instead of a tone.
	Silent bool
	// FailAfter makes Read fail after that many successful reads. Zero never fails.
	FailAfter int
}

// Platform implements platform.Platform.
type Platform struct {
	VideoCodecs []media.CodecInfo
	AudioCodecs []media.CodecInfo

	Mic      SourceBehavior
	Internal SourceBehavior

	ProjectionErr   error
	VideoEncoderErr error
	AudioEncoderErr error
	// AudioStartErr makes the audio encoder's Start fail.
	AudioStartErr error
	// VideoFailAfter makes video Drain fail after that many frames. Zero never fails.
	VideoFailAfter int
	// EncoderGate, when set, holds NewVideoEncoder until it is closed.
	EncoderGate chan struct{}

	mu          sync.Mutex
	projections []*Projection
	opened      []media.SourceKind
}

var _ platform.Platform = (*Platform)(nil)

// New returns a platform with one hardware AVC encoder up to 4K and one AAC
// encoder.
func New() *Platform {
	return &Platform{
		VideoCodecs: []media.CodecInfo{{
			Name:      "fake.avc.hw",
			Kind:      media.KindVideo,
			MIMEType:  media.MIMETypeAVC,
			Hardware:  true,
			MaxWidth:  3840,
			MaxHeight: 2160,
			ProfileLevels: []media.ProfileLevel{
				{Profile: int(media.AVCProfileHigh), Level: 51},
				{Profile: int(media.AVCProfileMain), Level: 51},
				{Profile: int(media.AVCProfileBaseline), Level: 51},
			},
			BitrateMin: 64_000,
			BitrateMax: 100_000_000,
		}},
		AudioCodecs: []media.CodecInfo{{
			Name:             "fake.aac",
			Kind:             media.KindAudio,
			MIMEType:         media.MIMETypeAAC,
			SampleRates:      []int{44100, 48000},
			MaxInputChannels: 2,
			ProfileLevels:    []media.ProfileLevel{{Profile: int(media.AACProfileLC)}},
			BitrateMin:       8000,
			BitrateMax:       320_000,
		}},
	}
}

func (p *Platform) Encoders(kind media.Kind) ([]media.CodecInfo, error) {
	if kind == media.KindVideo {
		return p.VideoCodecs, nil
	}
	return p.AudioCodecs, nil
}

func (p *Platform) NewVideoEncoder(cfg media.VideoEncodeConfig) (platform.VideoEncoder, error) {
	if p.EncoderGate != nil {
		<-p.EncoderGate
	}
	if p.VideoEncoderErr != nil {
		return nil, p.VideoEncoderErr
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid video size %dx%d", cfg.Width, cfg.Height)
	}
	enc := newVideoEncoder(cfg)
	enc.failAfter = p.VideoFailAfter
	return enc, nil
}

func (p *Platform) NewAudioEncoder(cfg media.AudioEncodeConfig) (platform.AudioEncoder, error) {
	if p.AudioEncoderErr != nil {
		return nil, p.AudioEncoderErr
	}
	if cfg.SampleRate <= 0 || cfg.ChannelCount <= 0 {
		return nil, fmt.Errorf("invalid audio format %d Hz, %d channels", cfg.SampleRate, cfg.ChannelCount)
	}
	enc := newAudioEncoder(cfg)
	enc.startErr = p.AudioStartErr
	return enc, nil
}

func (p *Platform) OpenAudioSource(kind media.SourceKind, sampleRate, channels int) (platform.AudioSource, error) {
	b := p.Mic
	if kind == media.SourceKindInternal {
		b = p.Internal
	}
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	p.mu.Lock()
	p.opened = append(p.opened, kind)
	p.mu.Unlock()
	return newToneSource(b, sampleRate, channels, kind == media.SourceKindInternal), nil
}

// OpenedSources lists the kinds opened so far, in order.
func (p *Platform) OpenedSources() []media.SourceKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]media.SourceKind(nil), p.opened...)
}

func (p *Platform) RequestProjection() (platform.Projection, error) {
	if p.ProjectionErr != nil {
		return nil, p.ProjectionErr
	}
	pr := &Projection{}
	p.mu.Lock()
	p.projections = append(p.projections, pr)
	p.mu.Unlock()
	return pr, nil
}

// Projections returns every projection handed out.
func (p *Platform) Projections() []*Projection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Projection(nil), p.projections...)
}
