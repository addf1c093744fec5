package ffmpeg

import (
	"io"
	"sync"
	"time"

	"github.com/audiolibrelab/screenrec/internal/platform"
)

// outputQueue hands encoder output from a pipe reader to Drain. It never
// blocks the reader, so a slow consumer cannot stall ffmpeg's stdout.
type outputQueue struct {
	mu       sync.Mutex
	items    []platform.Output
	notify   chan struct{}
	finished bool
	err      error
}

func newOutputQueue() *outputQueue {
	return &outputQueue{notify: make(chan struct{}, 1)}
}

func (q *outputQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *outputQueue) push(o platform.Output) {
	q.mu.Lock()
	if !q.finished {
		q.items = append(q.items, o)
	}
	q.mu.Unlock()
	q.signal()
}

// finish marks the end of output. A nil err means a clean end of stream.
func (q *outputQueue) finish(err error) {
	q.mu.Lock()
	if !q.finished {
		q.finished = true
		q.err = err
	}
	q.mu.Unlock()
	q.signal()
}

// clear drops everything still queued.
func (q *outputQueue) clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

func (q *outputQueue) pop(timeout time.Duration) (platform.Output, error) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			o := q.items[0]
			q.items[0] = platform.Output{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return o, nil
		}
		if q.finished {
			err := q.err
			q.mu.Unlock()
			if err != nil {
				return platform.Output{}, err
			}
			return platform.Output{}, io.EOF
		}
		q.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return platform.Output{}, platform.ErrTryAgain
		}
		select {
		case <-q.notify:
		case <-time.After(wait):
			return platform.Output{}, platform.ErrTryAgain
		}
	}
}
