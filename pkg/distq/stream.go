package distq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// StreamWriter emits a sequence of chunks for one stream-mode task. Chunks
// are buffered one behind, so the writer always knows which chunk is final
// and can tag it before it leaves the process. Close flushes the held chunk
// with the final tag set.
type StreamWriter struct {
	store *ResultStore

	mu      sync.Mutex
	tmpl    Envelope
	pending *Envelope
	seq     int
	closed  bool
}

func newStreamWriter(store *ResultStore, tmpl Envelope) *StreamWriter {
	tmpl.Mode = ModeStream
	return &StreamWriter{store: store, tmpl: tmpl}
}

// Send emits one chunk. The chunk is held back until the next Send or Close
// so the final chunk can be tagged.
func (w *StreamWriter) Send(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Join(ErrPayloadMarshal, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrStreamClosed
	}

	if err := w.flushLocked(ctx, false); err != nil {
		return err
	}

	chunk := w.tmpl
	chunk.Index = w.seq
	chunk.Data = data
	w.seq++
	w.pending = &chunk
	return nil
}

// Close flushes the held chunk tagged as final. A stream that never sent
// anything emits a single empty final chunk so the consumer still
// terminates.
func (w *StreamWriter) Close(ctx context.Context) error {
	return w.close(ctx, "")
}

// fail terminates the stream with an error chunk.
func (w *StreamWriter) fail(ctx context.Context, reason string) error {
	return w.close(ctx, reason)
}

func (w *StreamWriter) close(ctx context.Context, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrStreamClosed
	}
	w.closed = true

	if reason != "" {
		// An error replaces whatever chunk was held back.
		chunk := w.tmpl
		chunk.Index = w.seq
		chunk.Err = reason
		w.seq++
		w.pending = &chunk
	}
	if w.pending == nil {
		chunk := w.tmpl
		chunk.Index = w.seq
		w.seq++
		w.pending = &chunk
	}
	return w.flushLocked(ctx, true)
}

func (w *StreamWriter) flushLocked(ctx context.Context, last bool) error {
	if w.pending == nil {
		return nil
	}
	chunk := *w.pending
	chunk.Last = last
	w.pending = nil
	return w.store.Publish(ctx, ChannelStream, chunk)
}
