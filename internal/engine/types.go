package engine

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/pipeq/pkg/schedule"
)

// ItemStatus represents the lifecycle state of one work item. Transitions
// are monotonic: pending moves to exactly one terminal state and never back.
type ItemStatus string

const (
	ItemStatusPending ItemStatus = "pending"
	ItemStatusOK      ItemStatus = "ok"
	ItemStatusError   ItemStatus = "err"
	ItemStatusTimeout ItemStatus = "timeout"
)

// Valid checks if the status is one of the known states.
func (s ItemStatus) Valid() bool {
	switch s {
	case ItemStatusPending, ItemStatusOK, ItemStatusError, ItemStatusTimeout:
		return true
	}
	return false
}

// Terminal reports whether the status ends an item's lifecycle.
func (s ItemStatus) Terminal() bool {
	return s.Valid() && s != ItemStatusPending
}

// ChainCondition decides whether a child queue runs when its parent's run
// reaches finality.
type ChainCondition string

const (
	// ChainAlways triggers the child regardless of the parent run's outcome.
	ChainAlways ChainCondition = "always"

	// ChainNoFailures triggers the child only when every item succeeded.
	ChainNoFailures ChainCondition = "no-failures"

	// ChainAnyFailure triggers the child only when at least one item failed
	// or timed out.
	ChainAnyFailure ChainCondition = "any-failure"
)

// Valid checks if the condition is one of the known conditions.
func (c ChainCondition) Valid() bool {
	switch c {
	case ChainAlways, ChainNoFailures, ChainAnyFailure:
		return true
	}
	return false
}

// Match evaluates the condition against a final run.
func (c ChainCondition) Match(run *Run) bool {
	switch c {
	case ChainAlways:
		return true
	case ChainNoFailures:
		return run.FailureCount == 0 && run.TimeoutCount == 0
	case ChainAnyFailure:
		return run.FailureCount > 0 || run.TimeoutCount > 0
	}
	return false
}

// Queue is a durable definition of recurring work. A queue fires on its
// schedule (cron, interval, or both, optionally bounded by a validity
// window) or when a parent queue's run satisfies its chain condition.
type Queue struct {
	ID             uuid.UUID      `json:"id"`
	Name           string         `json:"name"`
	CronExpr       string         `json:"cron_expr,omitempty"`
	Interval       time.Duration  `json:"interval,omitempty"`
	BeginAt        *time.Time     `json:"begin_at,omitempty"`
	EndAt          *time.Time     `json:"end_at,omitempty"`
	ParentID       *uuid.UUID     `json:"parent_id,omitempty"`
	ChainCondition ChainCondition `json:"chain_condition,omitempty"`
	Timeout        time.Duration  `json:"timeout,omitempty"`
	CleanupAfter   time.Duration  `json:"cleanup_after,omitempty"`
	BusyRunCount   int            `json:"busy_run_count"`
	DoneRunCount   int            `json:"done_run_count"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Schedule builds the queue's schedule from its cron expression or interval,
// bounded by the validity window. Queues without a timer (chain-only queues)
// return ErrNoSchedule.
func (q *Queue) Schedule() (schedule.Schedule, error) {
	var inner schedule.Schedule
	switch {
	case q.CronExpr != "":
		s, err := schedule.Cron(q.CronExpr)
		if err != nil {
			return nil, err
		}
		inner = s
	case q.Interval > 0:
		s, err := schedule.Every(q.Interval)
		if err != nil {
			return nil, err
		}
		inner = s
	default:
		return nil, schedule.ErrNoSchedule
	}
	return schedule.Window(inner, q.BeginAt, q.EndAt), nil
}

// Run is one firing of a queue. TotalItemCount is written together with the
// item insert, before any completion can arrive, so finality is
// well-defined: a run is final exactly when every item reached a terminal
// state.
type Run struct {
	ID             uuid.UUID `json:"id"`
	QueueID        uuid.UUID `json:"queue_id"`
	TotalItemCount int       `json:"total_item_count"`
	SuccessCount   int       `json:"success_count"`
	FailureCount   int       `json:"failure_count"`
	TimeoutCount   int       `json:"timeout_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Final reports whether every item of the run reached a terminal state.
func (r *Run) Final() bool {
	return r.TotalItemCount > 0 &&
		r.SuccessCount+r.FailureCount+r.TimeoutCount == r.TotalItemCount
}

// Item is one unit of work within a run.
type Item struct {
	ID         uuid.UUID       `json:"id"`
	RunID      uuid.UUID       `json:"run_id"`
	Index      int             `json:"idx"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Status     ItemStatus      `json:"status"`
	WorkerHost string          `json:"worker_host,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	QueuedAt   time.Time       `json:"queued_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}
