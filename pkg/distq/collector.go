package distq

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/pipeq/pkg/pipeline"
)

// ResultFunc receives one decoded result or stream chunk.
type ResultFunc func(env Envelope)

// Collector subscribes to the fixed result channels and hands each result
// to the local waiter registered under its correlation id. Several
// collectors may share the channels: a notification whose correlation id is
// not locally owned is dropped without touching the result key, so the
// owning process still finds it.
type Collector struct {
	client  redis.UniversalClient
	results *ResultStore
	logger  *slog.Logger

	mu      sync.Mutex
	waiters map[string]ResultFunc
	streams map[string]*streamWaiter
	running bool
}

// streamBufferHighWater bounds the chunks staged per stream before the
// producing resource is paused through the invocation's throttle handle.
const streamBufferHighWater = 32

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithCollectorLogger overrides the default logger.
func WithCollectorLogger(logger *slog.Logger) CollectorOption {
	return func(c *Collector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCollector creates a new Collector.
func NewCollector(client redis.UniversalClient, results *ResultStore, opts ...CollectorOption) (*Collector, error) {
	if client == nil {
		return nil, ErrClientNil
	}

	c := &Collector{
		client:  client,
		results: results,
		logger:  slog.Default(),
		waiters: make(map[string]ResultFunc),
		streams: make(map[string]*streamWaiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Register claims ownership of a correlation id. Every result carrying this
// id is delivered to fn until Unregister.
func (c *Collector) Register(cid string, fn ResultFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiters[cid] = fn
}

// RegisterStream claims ownership of a stream correlation id. Chunks are
// staged through a throttled buffer and handed to fn in arrival order by a
// dedicated drain goroutine: when fn falls behind, crossing the buffer's
// high-water mark pauses the resource whose throttle handle is installed on
// box, and draining resumes it. The drain goroutine exits with the final
// chunk or on Unregister.
func (c *Collector) RegisterStream(cid string, box *pipeline.Box, fn ResultFunc) {
	w := &streamWaiter{
		buf:  NewThrottledBuffer(streamBufferHighWater, box.Throttle()),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		fn:   fn,
	}
	go w.drain()

	c.mu.Lock()
	c.waiters[cid] = w.stage
	c.streams[cid] = w
	c.mu.Unlock()
}

// Unregister releases a correlation id. Results arriving afterwards are
// dropped by this collector.
func (c *Collector) Unregister(cid string) {
	c.mu.Lock()
	w := c.streams[cid]
	delete(c.streams, cid)
	delete(c.waiters, cid)
	c.mu.Unlock()

	if w != nil {
		w.stop()
	}
}

// Run subscribes to the result channels and dispatches until the context is
// cancelled. It blocks.
func (c *Collector) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	sub := c.client.Subscribe(ctx, ChannelReturn, ChannelStream)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	c.logger.Info("result collector started")

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("result collector stopped")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			c.dispatch(ctx, msg.Payload)
		}
	}
}

// dispatch resolves one result-key notification. Ownership is checked
// before the key is touched: consuming is destructive, and a result owned
// by another process must stay in place for it.
func (c *Collector) dispatch(ctx context.Context, key string) {
	cid, ok := parseResultKey(key)
	if !ok {
		c.logger.Warn("ignoring malformed result key", slog.String("key", key))
		return
	}

	c.mu.Lock()
	fn, owned := c.waiters[cid]
	c.mu.Unlock()
	if !owned {
		c.logger.Debug("result not owned here", slog.String("key", key))
		return
	}

	env, err := c.results.Consume(ctx, key)
	if err != nil {
		if errors.Is(err, ErrResultExpired) {
			c.logger.Warn("owned result already gone", slog.String("key", key))
		} else {
			c.logger.Error("failed to consume result",
				slog.String("key", key),
				slog.String("error", err.Error()))
		}
		return
	}

	fn(env)
}
