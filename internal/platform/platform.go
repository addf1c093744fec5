// Package platform declares the capabilities the recording engine consumes:
// codec enumeration, encoders, audio sources and the screen projection.
// Adapters live in subpackages.
package platform

import (
	"errors"
	"time"

	"github.com/audiolibrelab/screenrec/internal/media"
)

var (
	// ErrTryAgain is returned by Drain when no output arrived within the timeout.
	ErrTryAgain = errors.New("no encoder output available")
	// ErrSurfaceMismatch is returned when a display is given a surface from another backend.
	ErrSurfaceMismatch = errors.New("surface does not belong to this backend")
)

// Output is one result of draining an encoder: either a (new) output format or
// an encoded sample.
type Output struct {
	Format *media.Format
	Sample *media.EncodedSample
}

// Surface is the input side of a video encoder. A virtual display renders
// into it.
type Surface interface {
	Size() (width, height int)
}

// VideoEncoder encodes whatever is rendered into its Surface. Drain returns
// ErrTryAgain on timeout and io.EOF once the end of stream has been delivered.
type VideoEncoder interface {
	Surface() Surface
	Start() error
	Drain(timeout time.Duration) (Output, error)
	SignalEndOfStream() error
	Release() error
}

// KeyFrameRequester is implemented by video encoders that can force an IDR.
type KeyFrameRequester interface {
	RequestKeyFrame() error
}

// AudioEncoder encodes PCM chunks. pts is the timestamp of the first frame of
// the chunk, in microseconds. Drain behaves as for VideoEncoder.
type AudioEncoder interface {
	Start() error
	Encode(pcm []int16, pts int64) error
	Drain(timeout time.Duration) (Output, error)
	SignalEndOfStream() error
	Release() error
}

// AudioSource delivers interleaved signed 16-bit PCM. Read waits at most
// timeout and returns 0, nil when nothing arrived.
type AudioSource interface {
	Read(buf []int16, timeout time.Duration) (int, error)
	Close() error
}

// VirtualDisplay mirrors the screen into a surface.
type VirtualDisplay interface {
	Size() (width, height int)
	Resize(width, height int) error
	SetSurface(s Surface) error
	Release() error
}

// Projection is a single screen-capture grant.
type Projection interface {
	CreateVirtualDisplay(name string, width, height int) (VirtualDisplay, error)
	Stop() error
}

// Platform bundles every capability an engine needs.
type Platform interface {
	media.CodecLister
	NewVideoEncoder(cfg media.VideoEncodeConfig) (VideoEncoder, error)
	NewAudioEncoder(cfg media.AudioEncodeConfig) (AudioEncoder, error)
	OpenAudioSource(kind media.SourceKind, sampleRate, channels int) (AudioSource, error)
	RequestProjection() (Projection, error)
}
