package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage implements Storage for testing and local development.
type MemoryStorage struct {
	mu     sync.RWMutex
	queues map[uuid.UUID]*Queue
	runs   map[uuid.UUID]*Run
	items  map[uuid.UUID]*Item

	// Indexes for efficient queries
	byName  map[string]uuid.UUID
	byRun   map[uuid.UUID][]uuid.UUID
	byChild map[uuid.UUID][]uuid.UUID
}

// NewMemoryStorage creates a new in-memory storage implementation.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		queues:  make(map[uuid.UUID]*Queue),
		runs:    make(map[uuid.UUID]*Run),
		items:   make(map[uuid.UUID]*Item),
		byName:  make(map[string]uuid.UUID),
		byRun:   make(map[uuid.UUID][]uuid.UUID),
		byChild: make(map[uuid.UUID][]uuid.UUID),
	}
}

// Retain is a no-op: memory storage has no connections to pin.
func (ms *MemoryStorage) Retain(ctx context.Context) (context.Context, func(), error) {
	return ctx, func() {}, nil
}

func (ms *MemoryStorage) UpsertQueue(ctx context.Context, queue *Queue) error {
	if queue.Name == "" {
		return ErrQueueNameEmpty
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	if id, ok := ms.byName[queue.Name]; ok {
		existing := ms.queues[id]
		existing.CronExpr = queue.CronExpr
		existing.Interval = queue.Interval
		existing.BeginAt = queue.BeginAt
		existing.EndAt = queue.EndAt
		existing.ParentID = queue.ParentID
		existing.ChainCondition = queue.ChainCondition
		existing.Timeout = queue.Timeout
		existing.CleanupAfter = queue.CleanupAfter
		existing.UpdatedAt = now
		ms.reindexChildren()
		queue.ID = existing.ID
		return nil
	}

	if queue.ID == uuid.Nil {
		queue.ID = uuid.New()
	}
	queue.CreatedAt = now
	queue.UpdatedAt = now
	cp := *queue
	ms.queues[cp.ID] = &cp
	ms.byName[cp.Name] = cp.ID
	ms.reindexChildren()
	return nil
}

func (ms *MemoryStorage) reindexChildren() {
	ms.byChild = make(map[uuid.UUID][]uuid.UUID)
	for id, q := range ms.queues {
		if q.ParentID != nil {
			ms.byChild[*q.ParentID] = append(ms.byChild[*q.ParentID], id)
		}
	}
}

func (ms *MemoryStorage) GetQueue(ctx context.Context, id uuid.UUID) (*Queue, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	q, ok := ms.queues[id]
	if !ok {
		return nil, ErrQueueNotFound
	}
	cp := *q
	return &cp, nil
}

func (ms *MemoryStorage) GetQueueByName(ctx context.Context, name string) (*Queue, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	id, ok := ms.byName[name]
	if !ok {
		return nil, ErrQueueNotFound
	}
	cp := *ms.queues[id]
	return &cp, nil
}

func (ms *MemoryStorage) ListDueQueues(ctx context.Context, now time.Time) ([]*Queue, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var due []*Queue
	for _, q := range ms.queues {
		if q.NextRunAt != nil && !q.NextRunAt.After(now) {
			cp := *q
			due = append(due, &cp)
		}
	}
	return due, nil
}

func (ms *MemoryStorage) AdvanceNextRun(ctx context.Context, queueID uuid.UUID, from time.Time, next *time.Time) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	q, ok := ms.queues[queueID]
	if !ok {
		return false, ErrQueueNotFound
	}
	if q.NextRunAt == nil || !q.NextRunAt.Equal(from) {
		return false, nil
	}
	q.NextRunAt = next
	q.UpdatedAt = time.Now()
	return true, nil
}

func (ms *MemoryStorage) SetNextRun(ctx context.Context, queueID uuid.UUID, next *time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	q, ok := ms.queues[queueID]
	if !ok {
		return ErrQueueNotFound
	}
	q.NextRunAt = next
	q.UpdatedAt = time.Now()
	return nil
}

func (ms *MemoryStorage) ChildQueues(ctx context.Context, parentID uuid.UUID) ([]*Queue, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var children []*Queue
	for _, id := range ms.byChild[parentID] {
		cp := *ms.queues[id]
		children = append(children, &cp)
	}
	return children, nil
}

func (ms *MemoryStorage) IncBusyRuns(ctx context.Context, queueID uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	q, ok := ms.queues[queueID]
	if !ok {
		return ErrQueueNotFound
	}
	q.BusyRunCount++
	q.UpdatedAt = time.Now()
	return nil
}

func (ms *MemoryStorage) MarkRunDone(ctx context.Context, queueID uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	q, ok := ms.queues[queueID]
	if !ok {
		return ErrQueueNotFound
	}
	if q.BusyRunCount > 0 {
		q.BusyRunCount--
	}
	q.DoneRunCount++
	q.UpdatedAt = time.Now()
	return nil
}

func (ms *MemoryStorage) CreateRun(ctx context.Context, run *Run) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	now := time.Now()
	run.CreatedAt = now
	run.UpdatedAt = now
	cp := *run
	ms.runs[cp.ID] = &cp
	return nil
}

func (ms *MemoryStorage) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	r, ok := ms.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

func (ms *MemoryStorage) InsertItems(ctx context.Context, runID uuid.UUID, items []*Item) error {
	if len(items) == 0 {
		return ErrNoItems
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	run, ok := ms.runs[runID]
	if !ok {
		return ErrRunNotFound
	}

	now := time.Now()
	for _, item := range items {
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		item.RunID = runID
		item.Status = ItemStatusPending
		item.QueuedAt = now
		cp := *item
		ms.items[cp.ID] = &cp
		ms.byRun[runID] = append(ms.byRun[runID], cp.ID)
	}
	run.TotalItemCount = len(ms.byRun[runID])
	run.UpdatedAt = now
	return nil
}

func (ms *MemoryStorage) MarkItemStarted(ctx context.Context, itemID uuid.UUID, host string, at time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	item, ok := ms.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	item.StartedAt = &at
	item.WorkerHost = host
	return nil
}

func (ms *MemoryStorage) CompleteItem(ctx context.Context, itemID uuid.UUID, status ItemStatus, result json.RawMessage, errMsg string, at time.Time) (*Run, bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	item, ok := ms.items[itemID]
	if !ok {
		return nil, false, ErrItemNotFound
	}
	run, ok := ms.runs[item.RunID]
	if !ok {
		return nil, false, ErrRunNotFound
	}

	// Monotonic transition: anything but pending stays as it is.
	if item.Status != ItemStatusPending {
		cp := *run
		return &cp, false, nil
	}

	item.Status = status
	item.Result = result
	item.Error = errMsg
	item.FinishedAt = &at
	ms.bumpRunLocked(run, status, at)

	cp := *run
	return &cp, true, nil
}

func (ms *MemoryStorage) bumpRunLocked(run *Run, status ItemStatus, at time.Time) {
	switch status {
	case ItemStatusOK:
		run.SuccessCount++
	case ItemStatusError:
		run.FailureCount++
	case ItemStatusTimeout:
		run.TimeoutCount++
	}
	run.UpdatedAt = at
}

func (ms *MemoryStorage) ExpireTimedOutItems(ctx context.Context, now time.Time) ([]*Run, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	affected := make(map[uuid.UUID]*Run)
	for _, item := range ms.items {
		if item.Status != ItemStatusPending || item.StartedAt == nil {
			continue
		}
		run, ok := ms.runs[item.RunID]
		if !ok {
			continue
		}
		queue, ok := ms.queues[run.QueueID]
		if !ok || queue.Timeout <= 0 {
			continue
		}
		if item.StartedAt.Add(queue.Timeout).After(now) {
			continue
		}

		item.Status = ItemStatusTimeout
		item.FinishedAt = &now
		ms.bumpRunLocked(run, ItemStatusTimeout, now)
		affected[run.ID] = run
	}

	runs := make([]*Run, 0, len(affected))
	for _, run := range affected {
		cp := *run
		runs = append(runs, &cp)
	}
	return runs, nil
}

func (ms *MemoryStorage) DeleteExpiredRuns(ctx context.Context, now time.Time) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	deleted := 0
	for id, run := range ms.runs {
		if !run.Final() {
			continue
		}
		queue, ok := ms.queues[run.QueueID]
		if !ok || queue.CleanupAfter <= 0 {
			continue
		}
		if run.UpdatedAt.Add(queue.CleanupAfter).After(now) {
			continue
		}

		// Items first, then the run.
		for _, itemID := range ms.byRun[id] {
			delete(ms.items, itemID)
		}
		delete(ms.byRun, id)
		delete(ms.runs, id)
		deleted++
	}
	return deleted, nil
}
