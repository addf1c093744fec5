package capture

import (
	"sync"
	"time"
)

// MaxPendingFrames caps the chunks waiting between the read loop and the
// encoder. The oldest chunk is dropped when the encoder falls behind.
const MaxPendingFrames = 10

type chunk struct {
	pcm []int16
	pts int64
}

type chunkQueue struct {
	mu     sync.Mutex
	items  []chunk
	max    int
	closed bool
	notify chan struct{}
}

func newChunkQueue(max int) *chunkQueue {
	return &chunkQueue{max: max, notify: make(chan struct{}, 1)}
}

func (q *chunkQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// push appends c and reports whether an older chunk was dropped to make room.
func (q *chunkQueue) push(c chunk) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return true
	}
	if len(q.items) >= q.max {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, c)
	q.mu.Unlock()
	q.signal()
	return dropped
}

func (q *chunkQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// pop waits up to timeout for a chunk. done is set once the queue is closed
// and empty.
func (q *chunkQueue) pop(timeout time.Duration) (c chunk, ok, done bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			c = q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return c, true, false
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return chunk{}, false, true
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return chunk{}, false, false
		}
		select {
		case <-q.notify:
		case <-time.After(wait):
			return chunk{}, false, false
		}
	}
}

func (q *chunkQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
