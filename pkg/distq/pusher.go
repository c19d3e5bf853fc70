package distq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Task describes one unit of work to push onto a queue.
type Task struct {
	// Queue names the target queue. Required.
	Queue string

	// Mode selects result delivery. An empty mode defaults to ModeNone.
	Mode Mode

	// BID correlates the task with the waiter that collects its result.
	BID string

	// RID identifies the individual request within the correlation.
	RID string

	// SID identifies the stream for stream-mode tasks.
	SID string

	// Index is the fan-out position of this task within its batch.
	Index int

	// Payload is the work input, marshaled to JSON on push. Required.
	Payload any
}

// Pusher appends tasks to queue lists and wakes their consumers.
type Pusher struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// PusherOption configures a Pusher.
type PusherOption func(*Pusher)

// WithPusherLogger overrides the default logger.
func WithPusherLogger(logger *slog.Logger) PusherOption {
	return func(p *Pusher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPusher creates a new Pusher.
func NewPusher(client redis.UniversalClient, opts ...PusherOption) (*Pusher, error) {
	if client == nil {
		return nil, ErrClientNil
	}

	p := &Pusher{
		client: client,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Push validates the task, verifies a live consumer is subscribed to the
// queue, and appends the envelope. Pushing to a queue nobody consumes fails
// fast with ErrQueueNotFound rather than buffering work silently.
func (p *Pusher) Push(ctx context.Context, task Task) error {
	if task.Queue == "" {
		return ErrQueueNameEmpty
	}
	if task.Payload == nil {
		return ErrPayloadNil
	}
	mode := task.Mode
	if mode == "" {
		mode = ModeNone
	}
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, task.Mode)
	}

	data, err := json.Marshal(task.Payload)
	if err != nil {
		return errors.Join(ErrPayloadMarshal, err)
	}

	wake := wakeChannel(task.Queue)
	subs, err := p.client.PubSubNumSub(ctx, wake).Result()
	if err != nil {
		return fmt.Errorf("failed to check queue %q consumers: %w", task.Queue, err)
	}
	if subs[wake] == 0 {
		return fmt.Errorf("%w: %q", ErrQueueNotFound, task.Queue)
	}

	env := Envelope{
		BID:   task.BID,
		RID:   task.RID,
		SID:   task.SID,
		Queue: task.Queue,
		Mode:  mode,
		Index: task.Index,
		Data:  data,
	}
	raw, err := env.encode()
	if err != nil {
		return errors.Join(ErrPayloadMarshal, err)
	}

	pipe := p.client.TxPipeline()
	pipe.RPush(ctx, queueKey(task.Queue), raw)
	pipe.Publish(ctx, wake, "1")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push task to queue %q: %w", task.Queue, err)
	}

	p.logger.Debug("task pushed",
		slog.String("queue", task.Queue),
		slog.String("mode", string(mode)),
		slog.String("bid", task.BID),
		slog.Int("index", task.Index))

	return nil
}
