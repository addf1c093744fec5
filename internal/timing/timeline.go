// Package timing provides the session clock shared by all capture tracks, the
// audio timestamp policy and the silence-fill policy for audio gaps.
package timing

import (
	"sync"
	"time"
)

// Timeline measures recorded time: wall-clock time since Start minus every
// paused interval. It is frozen while paused.
type Timeline struct {
	mu          sync.Mutex
	now         func() time.Time
	start       time.Time
	started     bool
	paused      bool
	pausedAt    time.Time
	pausedTotal time.Duration
}

// NewTimeline returns a timeline reading time from now, or time.Now if nil.
func NewTimeline(now func() time.Time) *Timeline {
	if now == nil {
		now = time.Now
	}
	return &Timeline{now: now}
}

// Start marks the beginning of the recording. Calling it again restarts the timeline.
func (t *Timeline) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start = t.now()
	t.started = true
	t.paused = false
	t.pausedTotal = 0
}

// Elapsed returns the recorded duration so far.
func (t *Timeline) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return 0
	}
	end := t.now()
	if t.paused {
		end = t.pausedAt
	}
	d := end.Sub(t.start) - t.pausedTotal
	if d < 0 {
		return 0
	}
	return d
}

// Pause freezes the timeline. It reports false if already paused.
func (t *Timeline) Pause() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.paused || !t.started {
		return false
	}
	t.paused = true
	t.pausedAt = t.now()
	return true
}

// Resume unfreezes the timeline. It reports false if not paused.
func (t *Timeline) Resume() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.paused {
		return false
	}
	t.pausedTotal += t.now().Sub(t.pausedAt)
	t.paused = false
	return true
}

// Paused reports whether the timeline is frozen.
func (t *Timeline) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// PausedTotal returns the accumulated paused time, including a pause in progress.
func (t *Timeline) PausedTotal() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := t.pausedTotal
	if t.paused {
		total += t.now().Sub(t.pausedAt)
	}
	return total
}

// PTS returns Elapsed in microseconds.
func (t *Timeline) PTS() int64 {
	return t.Elapsed().Microseconds()
}

// Monotonic clamps a stream of timestamps so it never goes backwards.
type Monotonic struct {
	last int64
	has  bool
}

// RegressionStep is added to the previous timestamp when a new one would go backwards.
const RegressionStep = 1000

// Next returns pts, or last+RegressionStep if pts is below the last value.
func (m *Monotonic) Next(pts int64) int64 {
	if m.has && pts < m.last {
		pts = m.last + RegressionStep
	}
	m.last = pts
	m.has = true
	return pts
}
