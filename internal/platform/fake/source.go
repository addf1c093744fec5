package fake

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ToneSource delivers PCM at the real-time rate of its format: a sine tone,
// silence or nothing at all, depending on its behaviour.
type ToneSource struct {
	behavior   SourceBehavior
	sampleRate int
	channels   int
	freq       float64

	mu        sync.Mutex
	start     time.Time
	delivered int64
	reads     int
	closed    bool
}

func newToneSource(b SourceBehavior, sampleRate, channels int, internal bool) *ToneSource {
	freq := 440.0
	if internal {
		freq = 660.0
	}
	return &ToneSource{
		behavior:   b,
		sampleRate: sampleRate,
		channels:   channels,
		freq:       freq,
		start:      time.Now(),
	}
}

func (s *ToneSource) available() int64 {
	produced := int64(time.Since(s.start)) * int64(s.sampleRate) / int64(time.Second)
	return produced - s.delivered
}

// Read implements platform.AudioSource. It returns a count of int16 values.
func (s *ToneSource) Read(buf []int16, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("source closed")
	}
	if s.behavior.FailAfter > 0 && s.reads >= s.behavior.FailAfter {
		return 0, errors.New("audio device disconnected")
	}
	if s.behavior.Idle {
		s.mu.Unlock()
		time.Sleep(timeout)
		s.mu.Lock()
		return 0, nil
	}

	want := int64(len(buf) / s.channels)
	avail := s.available()
	if avail < want {
		missing := want - avail
		wait := time.Duration(missing) * time.Second / time.Duration(s.sampleRate)
		if wait > timeout {
			wait = timeout
		}
		s.mu.Unlock()
		time.Sleep(wait)
		s.mu.Lock()
		avail = s.available()
	}
	if avail <= 0 {
		return 0, nil
	}
	frames := avail
	if frames > want {
		frames = want
	}
	for i := int64(0); i < frames; i++ {
		var v int16
		if !s.behavior.Silent {
			t := float64(s.delivered+i) / float64(s.sampleRate)
			v = int16(8000 * math.Sin(2*math.Pi*s.freq*t))
		}
		for c := 0; c < s.channels; c++ {
			buf[int(i)*s.channels+c] = v
		}
	}
	s.delivered += frames
	s.reads++
	return int(frames) * s.channels, nil
}

func (s *ToneSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
