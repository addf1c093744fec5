package engine

import (
	"fmt"

	"github.com/audiolibrelab/screenrec/internal/media"
)

// EventType enumerates everything an Observer can be told.
type EventType int

const (
	EventBeforeRecord EventType = iota
	EventStartRecord
	EventPauseRecord
	EventResumeRecord
	EventCancelRecord
	EventEndRecord
	EventInternalAudioNotAvailable
)

func (t EventType) String() string {
	switch t {
	case EventBeforeRecord:
		return "before-record"
	case EventStartRecord:
		return "start-record"
	case EventPauseRecord:
		return "pause-record"
	case EventResumeRecord:
		return "resume-record"
	case EventCancelRecord:
		return "cancel-record"
	case EventEndRecord:
		return "end-record"
	case EventInternalAudioNotAvailable:
		return "internal-audio-not-available"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// StopReason tells the observer why a recording ended.
type StopReason int

const (
	StopNormal    StopReason = 0
	StopTimeLimit StopReason = 1
	StopLowSpace  StopReason = 2
)

func (r StopReason) String() string {
	switch r {
	case StopNormal:
		return "NORMAL"
	case StopTimeLimit:
		return "TIME_LIMIT"
	case StopLowSpace:
		return "LOW_SPACE"
	default:
		return fmt.Sprintf("StopReason(%d)", int(r))
	}
}

// Event is delivered to the Observer. Path is set for EndRecord and for
// CancelRecord when a partial file was kept; Err for CancelRecord; AudioType
// for InternalAudioNotAvailable.
type Event struct {
	Type      EventType
	Path      string
	Reason    StopReason
	AudioType media.AudioType
	Err       error
}

// Observer receives engine events. OnEvent is called without engine locks
// held and may call back into the engine.
type Observer interface {
	OnEvent(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

func (f ObserverFunc) OnEvent(ev Event) { f(ev) }

// Metrics receives counters from the running session. *metrics.Recorder
// implements it.
type Metrics interface {
	SampleWritten(kind media.Kind, bytes int)
	FillFrames(frames int64)
	AudioUnavailable(t media.AudioType)
	SessionEnded(outcome string)
	StateChanged(state string)
}

type noMetrics struct{}

func (noMetrics) SampleWritten(media.Kind, int)    {}
func (noMetrics) FillFrames(int64)                 {}
func (noMetrics) AudioUnavailable(media.AudioType) {}
func (noMetrics) SessionEnded(string)              {}
func (noMetrics) StateChanged(string)              {}
