// Package mix combines the microphone and internal audio sources into one
// PCM stream.
package mix

import (
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/audiolibrelab/screenrec/internal/platform"
)

// MicGain is applied to the microphone when both sources contribute.
const MicGain = 1.4

func clip(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

func allZero(pcm []int16) bool {
	for _, s := range pcm {
		if s != 0 {
			return false
		}
	}
	return true
}

// Mix sums two equally long chunks into dst with the microphone scaled by
// MicGain and the result clipped to int16. When one chunk is digital silence
// the other is copied unchanged.
func Mix(dst, mic, internal []int16) []int16 {
	n := len(mic)
	if len(internal) < n {
		n = len(internal)
	}
	dst = dst[:n]
	switch {
	case allZero(internal[:n]):
		copy(dst, mic[:n])
	case allZero(mic[:n]):
		copy(dst, internal[:n])
	default:
		for i := 0; i < n; i++ {
			dst[i] = clip(float64(mic[i])*MicGain + float64(internal[i]))
		}
	}
	return dst
}

// Mixer reads both sources and implements platform.AudioSource. When one
// source fails or stays empty longer than StarveWindow, the other passes
// through unchanged.
type Mixer struct {
	mic      platform.AudioSource
	internal platform.AudioSource

	micPending []int16
	intPending []int16
	micLast    time.Time
	intLast    time.Time
	scratch    []int16
	maxPending int
	now        func() time.Time

	StarveWindow time.Duration
}

// NewMixer takes ownership of both sources. chunk is the largest read size
// used by the caller.
func NewMixer(mic, internal platform.AudioSource, chunk int) *Mixer {
	now := time.Now()
	return &Mixer{
		mic:          mic,
		internal:     internal,
		micLast:      now,
		intLast:      now,
		scratch:      make([]int16, chunk),
		maxPending:   8 * chunk,
		now:          time.Now,
		StarveWindow: 100 * time.Millisecond,
	}
}

func (m *Mixer) pull(src *platform.AudioSource, pending *[]int16, last *time.Time, name string, timeout time.Duration) {
	if *src == nil {
		return
	}
	n, err := (*src).Read(m.scratch, timeout)
	if err != nil {
		slog.Warn("Audio source failed, continuing with the other one", "source", name, "error", err)
		(*src).Close()
		*src = nil
		return
	}
	if n == 0 {
		return
	}
	*last = m.now()
	*pending = append(*pending, m.scratch[:n]...)
	if over := len(*pending) - m.maxPending; over > 0 {
		*pending = (*pending)[over:]
	}
}

func (m *Mixer) starved(last time.Time, src platform.AudioSource) bool {
	return src == nil || m.now().Sub(last) >= m.StarveWindow
}

// Read implements platform.AudioSource.
func (m *Mixer) Read(buf []int16, timeout time.Duration) (int, error) {
	if m.mic == nil && m.internal == nil && len(m.micPending) == 0 && len(m.intPending) == 0 {
		return 0, errors.New("all audio sources failed")
	}
	if len(m.scratch) < len(buf) {
		m.scratch = make([]int16, len(buf))
	}

	m.pull(&m.mic, &m.micPending, &m.micLast, "mic", timeout)
	m.pull(&m.internal, &m.intPending, &m.intLast, "internal", time.Millisecond)

	n := len(m.micPending)
	if len(m.intPending) < n {
		n = len(m.intPending)
	}
	if n > len(buf) {
		n = len(buf)
	}
	if n > 0 {
		Mix(buf, m.micPending[:n], m.intPending[:n])
		m.micPending = m.micPending[n:]
		m.intPending = m.intPending[n:]
		return n, nil
	}

	switch {
	case len(m.micPending) > 0 && m.starved(m.intLast, m.internal):
		n = copy(buf, m.micPending)
		m.micPending = m.micPending[n:]
	case len(m.intPending) > 0 && m.starved(m.micLast, m.mic):
		n = copy(buf, m.intPending)
		m.intPending = m.intPending[n:]
	}
	return n, nil
}

// Close closes whatever sources are still open.
func (m *Mixer) Close() error {
	var errs []error
	if m.mic != nil {
		errs = append(errs, m.mic.Close())
		m.mic = nil
	}
	if m.internal != nil {
		errs = append(errs, m.internal.Close())
		m.internal = nil
	}
	return errors.Join(errs...)
}
