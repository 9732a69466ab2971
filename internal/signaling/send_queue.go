package signaling

import (
	"sync"
	"sync/atomic"
)

// sendQueue is a frame-count-bounded FIFO of encoded outbound messages.
//
// Relaying goroutines enqueue into the addressee's queue and never block on
// its socket; the addressee's write pump is the only consumer.
type sendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxFrames int
	frames    [][]byte

	drops atomic.Uint64
}

func newSendQueue(maxFrames int) *sendQueue {
	if maxFrames <= 0 {
		maxFrames = 1
	}
	q := &sendQueue{maxFrames: maxFrames}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *sendQueue) DropCount() uint64 {
	return q.drops.Load()
}

// Enqueue appends frame if the queue is open and below its depth. It never
// blocks.
func (q *sendQueue) Enqueue(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.frames) >= q.maxFrames {
		q.drops.Add(1)
		return false
	}
	q.frames = append(q.frames, frame)
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until a frame is available or the queue is closed. Frames
// still queued at close time are discarded.
func (q *sendQueue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return nil, false
	}
	frame := q.frames[0]
	copy(q.frames, q.frames[1:])
	q.frames[len(q.frames)-1] = nil
	q.frames = q.frames[:len(q.frames)-1]
	return frame, true
}

func (q *sendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	for i := range q.frames {
		q.frames[i] = nil
	}
	q.frames = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
