package distq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Delivery is one task handed to a work function.
type Delivery struct {
	// Queue is the queue the task arrived on.
	Queue string

	// Index is the task's fan-out position within its batch.
	Index int

	// Payload is the task input as pushed.
	Payload json.RawMessage

	stream *StreamWriter
}

// Stream returns the chunk writer for stream-mode tasks, or nil. When a
// stream writer is present the work function's return value is ignored; only
// its error matters.
func (d Delivery) Stream() *StreamWriter {
	return d.stream
}

// WorkFunc executes one task. The returned value is marshaled and delivered
// for return-mode tasks.
type WorkFunc func(ctx context.Context, task Delivery) (any, error)

// Handler drains one queue through a bounded worker pool. It subscribes to
// the queue's wake-up channel and pops the list until it is empty or the
// pool is full; a pop attempted against a full pool is deferred and resumed
// by the next freed slot, so the handler never busy-polls.
type Handler struct {
	client  redis.UniversalClient
	results *ResultStore
	queue   string
	work    WorkFunc
	sem     chan struct{}
	logger  *slog.Logger
	timeout time.Duration

	mu       sync.Mutex
	deferred bool
	cancel   context.CancelFunc

	ctx context.Context
	wg  sync.WaitGroup
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithConcurrency sets the worker pool high-water mark.
func WithConcurrency(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.sem = make(chan struct{}, n)
		}
	}
}

// WithExecTimeout bounds each task execution. Zero means no deadline.
func WithExecTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.timeout = d
	}
}

// WithHandlerLogger overrides the default logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler creates a handler for one queue.
func NewHandler(client redis.UniversalClient, results *ResultStore, queue string, work WorkFunc, opts ...HandlerOption) (*Handler, error) {
	if client == nil {
		return nil, ErrClientNil
	}
	if queue == "" {
		return nil, ErrQueueNameEmpty
	}
	if work == nil {
		return nil, ErrWorkFuncNil
	}

	h := &Handler{
		client:  client,
		results: results,
		queue:   queue,
		work:    work,
		sem:     make(chan struct{}, 1),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Run subscribes to the wake-up channel and processes tasks until the
// context is cancelled. It blocks; in-flight tasks run to completion before
// it returns.
func (h *Handler) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		return ErrAlreadyRunning
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.mu.Unlock()

	sub := h.client.Subscribe(h.ctx, wakeChannel(h.queue))
	defer sub.Close()

	// Receive the subscription confirmation before draining, so a pusher
	// that observed our subscription cannot enqueue ahead of it.
	if _, err := sub.Receive(h.ctx); err != nil {
		return fmt.Errorf("failed to subscribe to queue %q: %w", h.queue, err)
	}

	h.logger.Info("queue handler started",
		slog.String("queue", h.queue),
		slog.Int("max_concurrent", cap(h.sem)))

	// Pick up whatever was left on the list before this handler came up.
	h.drain()

	wake := sub.Channel()
	for {
		select {
		case <-h.ctx.Done():
			h.wg.Wait()
			h.logger.Info("queue handler stopped", slog.String("queue", h.queue))
			return nil
		case _, ok := <-wake:
			if !ok {
				h.wg.Wait()
				return nil
			}
			h.drain()
		}
	}
}

// drain pops tasks until the list is empty or the pool is full. When the
// pool is full the drain is recorded as deferred and the next freed slot
// resumes it.
func (h *Handler) drain() {
	for {
		select {
		case h.sem <- struct{}{}:
		default:
			h.mu.Lock()
			h.deferred = true
			h.mu.Unlock()
			return
		}

		raw, err := h.client.LPop(h.ctx, queueKey(h.queue)).Bytes()
		if err != nil {
			<-h.sem
			if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) {
				h.logger.Error("failed to pop task",
					slog.String("queue", h.queue),
					slog.String("error", err.Error()))
			}
			return
		}

		env, err := decodeEnvelope(raw)
		if err != nil {
			<-h.sem
			h.logger.Error("dropping malformed envelope",
				slog.String("queue", h.queue),
				slog.String("error", err.Error()))
			continue
		}

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			defer h.releaseSlot()
			h.execute(env)
		}()
	}
}

func (h *Handler) releaseSlot() {
	<-h.sem

	h.mu.Lock()
	again := h.deferred
	h.deferred = false
	h.mu.Unlock()

	if again && h.ctx.Err() == nil {
		h.drain()
	}
}

// execute runs one task and delivers its outcome according to the mode.
func (h *Handler) execute(env Envelope) {
	ctx := h.ctx
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	delivery := Delivery{
		Queue:   env.Queue,
		Index:   env.Index,
		Payload: env.Data,
	}
	if env.Mode == ModeStream && h.results != nil {
		delivery.stream = newStreamWriter(h.results, Envelope{
			BID:   env.BID,
			RID:   env.RID,
			SID:   env.SID,
			Queue: env.Queue,
		})
	}

	result, err := h.safeWork(ctx, delivery)

	switch env.Mode {
	case ModeStream:
		if delivery.stream == nil {
			return
		}
		if err != nil {
			if ferr := delivery.stream.fail(ctx, err.Error()); ferr != nil && !errors.Is(ferr, ErrStreamClosed) {
				h.logger.Error("failed to terminate stream",
					slog.String("queue", env.Queue),
					slog.String("error", ferr.Error()))
			}
			return
		}
		if cerr := delivery.stream.Close(ctx); cerr != nil && !errors.Is(cerr, ErrStreamClosed) {
			h.logger.Error("failed to close stream",
				slog.String("queue", env.Queue),
				slog.String("error", cerr.Error()))
		}

	case ModeReturn:
		if h.results == nil {
			return
		}
		out := Envelope{
			BID:   env.BID,
			RID:   env.RID,
			Queue: env.Queue,
			Mode:  ModeReturn,
			Index: env.Index,
		}
		if err != nil {
			out.Err = err.Error()
		} else if data, merr := json.Marshal(result); merr != nil {
			out.Err = errors.Join(ErrPayloadMarshal, merr).Error()
		} else {
			out.Data = data
		}
		// Deliver with the handler context: the per-task deadline must not
		// swallow the result of work that finished just under it.
		if perr := h.results.Publish(h.ctx, ChannelReturn, out); perr != nil {
			h.logger.Error("failed to publish result",
				slog.String("queue", env.Queue),
				slog.String("bid", env.BID),
				slog.String("error", perr.Error()))
		}

	default:
		if err != nil {
			h.logger.Error("task failed",
				slog.String("queue", env.Queue),
				slog.String("bid", env.BID),
				slog.Int("index", env.Index),
				slog.String("error", err.Error()))
		}
	}
}

// safeWork invokes the work function with panic isolation, so one panicking
// task cannot take the whole handler down.
func (h *Handler) safeWork(ctx context.Context, d Delivery) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			h.logger.Error("recovered from task panic",
				slog.String("queue", h.queue),
				slog.Any("panic", r))
		}
	}()
	return h.work(ctx, d)
}
