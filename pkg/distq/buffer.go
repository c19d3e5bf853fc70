package distq

import (
	"sync"

	"github.com/dmitrymomot/pipeq/pkg/pipeline"
)

// ThrottledBuffer is a bounded staging area between a fast producer (a row
// stream, a socket) and slower downstream processing. Crossing the
// high-water mark pauses the producer through the invocation's throttle
// handle; draining to the low-water mark resumes it. Pause and resume
// semantics are exactly-once per crossing.
type ThrottledBuffer struct {
	mu     sync.Mutex
	items  []Envelope
	high   int
	low    int
	handle *pipeline.ThrottleHandle
}

// NewThrottledBuffer creates a buffer that pauses the handle at high items
// and resumes once drained to high/2.
func NewThrottledBuffer(high int, handle *pipeline.ThrottleHandle) *ThrottledBuffer {
	if high < 1 {
		high = 1
	}
	return &ThrottledBuffer{
		high:   high,
		low:    high / 2,
		handle: handle,
	}
}

// Put stages one chunk, pausing the producer when the buffer fills.
func (b *ThrottledBuffer) Put(env Envelope) {
	b.mu.Lock()
	b.items = append(b.items, env)
	pause := len(b.items) >= b.high
	b.mu.Unlock()

	if pause {
		b.handle.Pause()
	}
}

// Take removes the oldest staged chunk, resuming the producer once the
// backlog has drained. It reports false when the buffer is empty.
func (b *ThrottledBuffer) Take() (Envelope, bool) {
	b.mu.Lock()
	if len(b.items) == 0 {
		b.mu.Unlock()
		return Envelope{}, false
	}
	env := b.items[0]
	b.items = b.items[1:]
	resume := len(b.items) <= b.low
	b.mu.Unlock()

	if resume {
		b.handle.Resume()
	}
	return env, true
}

// Len reports the number of staged chunks.
func (b *ThrottledBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// streamWaiter drains one stream's staged chunks in arrival order on its
// own goroutine, so a slow consumer backs up into the buffer instead of
// blocking the collector's dispatch loop.
type streamWaiter struct {
	buf  *ThrottledBuffer
	wake chan struct{}
	done chan struct{}
	once sync.Once
	fn   ResultFunc
}

// stage is the ResultFunc registered with the collector.
func (w *streamWaiter) stage(env Envelope) {
	w.buf.Put(env)
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *streamWaiter) stop() {
	w.once.Do(func() { close(w.done) })
}

func (w *streamWaiter) drain() {
	for {
		env, ok := w.buf.Take()
		if !ok {
			select {
			case <-w.wake:
				continue
			case <-w.done:
				return
			}
		}
		w.fn(env)
		if env.Last {
			return
		}
	}
}
