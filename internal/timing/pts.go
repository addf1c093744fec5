package timing

import (
	"fmt"
	"time"
)

// PTSMode selects how audio timestamps are derived.
type PTSMode int

const (
	// WallClock keeps audio on the session timeline; gaps are filled or
	// skipped so that audio position tracks elapsed time.
	WallClock PTSMode = iota
	// SampleCount derives timestamps from samples emitted; gaps show up as drift.
	SampleCount
)

func (m PTSMode) String() string {
	if m == SampleCount {
		return "sample-count"
	}
	return "wall-clock"
}

// AudioClock assigns timestamps to PCM chunks for one audio track. Positions
// are counted in frames (one sample per channel).
type AudioClock struct {
	mode       PTSMode
	timeline   *Timeline
	sampleRate int
	position   int64
	mono       Monotonic
}

func NewAudioClock(mode PTSMode, timeline *Timeline, sampleRate int) (*AudioClock, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if mode == WallClock && timeline == nil {
		return nil, fmt.Errorf("wall-clock mode needs a timeline")
	}
	return &AudioClock{mode: mode, timeline: timeline, sampleRate: sampleRate}, nil
}

func (c *AudioClock) Mode() PTSMode { return c.mode }

// FramesFor converts a duration to a frame count at the clock's rate.
func (c *AudioClock) FramesFor(d time.Duration) int64 {
	return int64(d) * int64(c.sampleRate) / int64(time.Second)
}

// DurationOf converts a frame count to a duration at the clock's rate.
func (c *AudioClock) DurationOf(frames int64) time.Duration {
	return time.Duration(frames * int64(time.Second) / int64(c.sampleRate))
}

// Position returns the duration covered so far, whether by real, synthetic or
// skipped frames.
func (c *AudioClock) Position() time.Duration {
	return c.DurationOf(c.position)
}

// Behind returns how many frames the track lags the timeline. It is always
// zero in sample-count mode.
func (c *AudioClock) Behind() int64 {
	if c.mode != WallClock {
		return 0
	}
	lag := c.FramesFor(c.timeline.Elapsed()) - c.position
	if lag < 0 {
		return 0
	}
	return lag
}

// Ahead returns how many frames the track leads the timeline.
func (c *AudioClock) Ahead() int64 {
	if c.mode != WallClock {
		return 0
	}
	lead := c.position - c.FramesFor(c.timeline.Elapsed())
	if lead < 0 {
		return 0
	}
	return lead
}

// Stamp returns the PTS in microseconds of a chunk of frames about to be
// encoded and advances the position past it.
func (c *AudioClock) Stamp(frames int) int64 {
	pts := c.position * 1_000_000 / int64(c.sampleRate)
	c.position += int64(frames)
	return c.mono.Next(pts)
}

// Skip advances the position without emitting data, so the next chunk's PTS
// steps forward over the gap.
func (c *AudioClock) Skip(frames int64) {
	if frames > 0 {
		c.position += frames
	}
}
