package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dmitrymomot/pipeq/pkg/schedule"
)

// Trigger originates pipeline activity on a cron expression, a fixed
// interval, or both. Each firing begins a new invocation with a fresh box;
// the trigger holds no per-firing state, so overlapping firings are possible
// and downstream nodes must be idempotent against re-selection.
type Trigger struct {
	*Node

	mu          sync.Mutex
	cronCancel  context.CancelFunc
	everyCancel context.CancelFunc
}

// NewTrigger creates an idle trigger with no timers registered.
func NewTrigger(name string, opts ...Option) *Trigger {
	return &Trigger{
		Node: New(name, opts...),
	}
}

// SetSchedule activates (or replaces) the trigger's cron timer. Replacing a
// schedule cancels the previous timer first, so repeated calls are safe.
func (t *Trigger) SetSchedule(s schedule.Schedule) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cronCancel != nil {
		t.cronCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cronCancel = cancel
	go t.runSchedule(ctx, s)
}

// SetCron parses a cron expression and activates it as the trigger's
// schedule.
func (t *Trigger) SetCron(expr string) error {
	s, err := schedule.Cron(expr)
	if err != nil {
		return err
	}
	t.SetSchedule(s)
	return nil
}

// SetEvery activates (or replaces) the trigger's fixed-interval timer.
func (t *Trigger) SetEvery(d time.Duration) error {
	if d <= 0 {
		return schedule.ErrInvalidInterval
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.everyCancel != nil {
		t.everyCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.everyCancel = cancel
	go t.runEvery(ctx, d)
	return nil
}

// Stop cancels both timers. In-flight invocations run to their natural
// completion; only future firings are stopped.
func (t *Trigger) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cronCancel != nil {
		t.cronCancel()
		t.cronCancel = nil
	}
	if t.everyCancel != nil {
		t.everyCancel()
		t.everyCancel = nil
	}
}

// Fire begins a new pipeline invocation immediately with a fresh box. The
// payload is the firing time.
func (t *Trigger) Fire() {
	now := time.Now()
	t.logger.Debug("trigger fired", slog.String("trigger", t.name), slog.Time("at", now))
	t.Pass(NewBox(), now)
}

func (t *Trigger) runSchedule(ctx context.Context, s schedule.Schedule) {
	for {
		next := s.Next(time.Now())
		if next.IsZero() {
			t.logger.Info("trigger schedule ended", slog.String("trigger", t.name))
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			t.Fire()
		}
	}
}

func (t *Trigger) runEvery(ctx context.Context, d time.Duration) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Fire()
		}
	}
}
