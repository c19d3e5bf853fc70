package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Storage encapsulates all persistence for queues, runs, and items. The
// engine's loops are written against this interface only, so the durable
// state machine can be backed by PostgreSQL in production and by memory in
// tests.
type Storage interface {
	// Retain pins one storage connection to the returned context for the
	// rest of a multi-statement unit of work; the release function returns
	// it. Implementations without pooled connections return ctx unchanged.
	Retain(ctx context.Context) (context.Context, func(), error)

	// UpsertQueue creates the queue or refreshes its definition fields by
	// name, leaving counters and next_run_at untouched on update.
	UpsertQueue(ctx context.Context, queue *Queue) error

	// GetQueue returns the queue by id, or ErrQueueNotFound.
	GetQueue(ctx context.Context, id uuid.UUID) (*Queue, error)

	// GetQueueByName returns the queue by name, or ErrQueueNotFound.
	GetQueueByName(ctx context.Context, name string) (*Queue, error)

	// ListDueQueues returns queues whose next_run_at is at or before now.
	ListDueQueues(ctx context.Context, now time.Time) ([]*Queue, error)

	// AdvanceNextRun moves next_run_at from its current value to next,
	// compare-and-swap style. It reports false when another scheduler
	// already advanced it, which makes due-claiming idempotent against
	// overlapping trigger firings. A nil next marks the schedule as ended.
	AdvanceNextRun(ctx context.Context, queueID uuid.UUID, from time.Time, next *time.Time) (bool, error)

	// SetNextRun overwrites next_run_at unconditionally. Used when a queue
	// definition is (re)applied.
	SetNextRun(ctx context.Context, queueID uuid.UUID, next *time.Time) error

	// ChildQueues returns the queues chained to the given parent.
	ChildQueues(ctx context.Context, parentID uuid.UUID) ([]*Queue, error)

	// IncBusyRuns increments the queue's busy-run counter.
	IncBusyRuns(ctx context.Context, queueID uuid.UUID) error

	// MarkRunDone decrements busy and increments done on the queue. Called
	// exactly once per run, at finality.
	MarkRunDone(ctx context.Context, queueID uuid.UUID) error

	// CreateRun persists a new run.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun returns the run by id, or ErrRunNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)

	// InsertItems bulk-inserts the run's items and writes total_item_count
	// in the same operation, so the total is stable before any completion
	// can be applied.
	InsertItems(ctx context.Context, runID uuid.UUID, items []*Item) error

	// MarkItemStarted stamps started_at and the worker host on an item.
	MarkItemStarted(ctx context.Context, itemID uuid.UUID, host string, at time.Time) error

	// CompleteItem transitions a pending item to a terminal status and bumps
	// the matching run counter atomically. Late or duplicate completions —
	// the item already being terminal — are no-ops: applied is false and the
	// run is returned unchanged.
	CompleteItem(ctx context.Context, itemID uuid.UUID, status ItemStatus, result json.RawMessage, errMsg string, at time.Time) (run *Run, applied bool, err error)

	// ExpireTimedOutItems force-transitions pending items whose queue
	// timeout horizon has passed to the timeout status. It returns the
	// affected runs with their updated counters, each run once.
	ExpireTimedOutItems(ctx context.Context, now time.Time) ([]*Run, error)

	// DeleteExpiredRuns removes final runs older than their queue's cleanup
	// horizon, items first. It returns the number of runs deleted.
	DeleteExpiredRuns(ctx context.Context, now time.Time) (int, error)
}
