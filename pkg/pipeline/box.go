package pipeline

import (
	"sync"

	"github.com/google/uuid"
)

// Correlation identifies a pipeline invocation across process boundaries.
// BoxID is set for every invocation; RequestID and StreamID are filled in by
// the transports that need them.
type Correlation struct {
	BoxID     string
	RequestID string
	StreamID  string
}

// Box is the per-invocation context propagated by reference through a node
// graph. It is created at the root of every invocation and never persisted.
type Box struct {
	Correlation Correlation

	// Persist signals that downstream nodes form one multi-statement unit of
	// work and should keep reusing the same storage connection.
	Persist bool

	mu       sync.Mutex
	joins    map[string]*JoinState
	throttle *ThrottleHandle
}

// NewBox creates a fresh invocation context with a new box id.
func NewBox() *Box {
	return &Box{
		Correlation: Correlation{BoxID: uuid.NewString()},
		joins:       make(map[string]*JoinState),
	}
}

// SetJoin registers join state under a name. Written once by the fan-out
// node; the matching Resolver consumes it.
func (b *Box) SetJoin(name string, j *JoinState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joins[name] = j
}

// Join returns the join state registered under name, or nil.
func (b *Box) Join(name string) *JoinState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joins[name]
}

// DeleteJoin removes join state once its rounds are finished.
func (b *Box) DeleteJoin(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.joins, name)
}

// SetThrottle installs the throttle handle for the resource backing this
// invocation. Installed at the moment the throttled resource is created.
func (b *Box) SetThrottle(t *ThrottleHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.throttle = t
}

// Throttle returns the installed throttle handle, or nil.
func (b *Box) Throttle() *ThrottleHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.throttle
}

// JoinState is a fan-out/fan-in completion barrier. The fan-out node writes
// Total; each completion is recorded via Complete. A round closes when the
// completion count reaches a multiple of Total, which lets the same join
// name be reused across repeated rounds.
type JoinState struct {
	// Total is the number of completions that close one round.
	Total int

	// Collect stores completions into an index-addressed slice and forwards
	// the whole slice when the round closes.
	Collect bool

	// Passthrough joins skip counting entirely and proxy every completion
	// directly. Used for pure callback delivery.
	Passthrough bool

	// Callback, when set, is invoked immediately on every completion,
	// independent of the counting logic. Used when the original caller sits
	// outside the pipeline.
	Callback func(payload any)

	mu    sync.Mutex
	count int
	data  []any
}

// Complete records one branch completion. index addresses the slot when
// collecting; a negative index appends in arrival order. It reports whether
// this completion closed the current round, along with the value to forward:
// the collected slice when collecting, otherwise the payload itself.
func (j *JoinState) Complete(index int, payload any) (bool, any) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Collect {
		if index < 0 {
			index = len(j.data)
		}
		for len(j.data) <= index {
			j.data = append(j.data, nil)
		}
		j.data[index] = payload
	}

	j.count++
	if j.Total <= 0 || j.count%j.Total != 0 {
		return false, nil
	}

	if j.Collect {
		out := make([]any, len(j.data))
		copy(out, j.data)
		j.data = j.data[:0]
		return true, out
	}
	return true, payload
}

// Count returns the number of completions recorded so far.
func (j *JoinState) Count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

// ThrottleHandle pairs pause/resume callbacks for a flow-controlled resource
// (a row stream, a socket). Any node may call Pause and Resume without
// knowing the concrete resource type. Resume fires at most once per
// preceding Pause; all methods are nil-safe.
type ThrottleHandle struct {
	mu     sync.Mutex
	paused bool
	pause  func()
	resume func()
}

// NewThrottle creates a throttle handle around the given callbacks.
func NewThrottle(pause, resume func()) *ThrottleHandle {
	return &ThrottleHandle{pause: pause, resume: resume}
}

// Pause suspends the underlying resource. Repeated calls while already
// paused are no-ops.
func (t *ThrottleHandle) Pause() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.paused {
		return
	}
	t.paused = true
	if t.pause != nil {
		t.pause()
	}
}

// Resume reactivates the underlying resource if it is paused.
func (t *ThrottleHandle) Resume() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.paused {
		return
	}
	t.paused = false
	if t.resume != nil {
		t.resume()
	}
}

// Paused reports whether the resource is currently paused.
func (t *ThrottleHandle) Paused() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// Indexed tags a fan-out element with its position in the source slice so
// the matching join can place results deterministically. The tag travels
// alongside the payload in-process; transports carry the index out-of-band
// and never serialize the wrapper itself.
type Indexed struct {
	Index int
	Value any
}

// Unwrap splits a payload from its fan-out index. Payloads that were never
// fanned out return index -1.
func Unwrap(payload any) (any, int) {
	if ix, ok := payload.(Indexed); ok {
		return ix.Value, ix.Index
	}
	return payload, -1
}
