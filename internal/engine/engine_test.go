package engine_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pipeq/internal/engine"
	"github.com/dmitrymomot/pipeq/pkg/distq"
)

// fakeDispatcher plays both distributed-queue roles in-process: it records
// pushed tasks and lets the test deliver results to registered waiters.
type fakeDispatcher struct {
	mu      sync.Mutex
	tasks   []distq.Task
	waiters map[string]distq.ResultFunc
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{waiters: make(map[string]distq.ResultFunc)}
}

func (d *fakeDispatcher) Push(_ context.Context, task distq.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
	return nil
}

func (d *fakeDispatcher) Register(cid string, fn distq.ResultFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.waiters[cid] = fn
}

func (d *fakeDispatcher) Unregister(cid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.waiters, cid)
}

func (d *fakeDispatcher) pushed() []distq.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]distq.Task(nil), d.tasks...)
}

func (d *fakeDispatcher) tasksFor(queue string) []distq.Task {
	var out []distq.Task
	for _, task := range d.pushed() {
		if task.Queue == queue {
			out = append(out, task)
		}
	}
	return out
}

// deliver hands a result to the waiter owning the correlation id. It
// reports false when nobody owns it, mirroring the collector's drop.
func (d *fakeDispatcher) deliver(task distq.Task, data json.RawMessage, errMsg string) bool {
	d.mu.Lock()
	fn, ok := d.waiters[task.BID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	fn(distq.Envelope{
		BID:   task.BID,
		RID:   task.RID,
		Queue: task.Queue,
		Mode:  distq.ModeReturn,
		Index: task.Index,
		Data:  data,
		Err:   errMsg,
	})
	return true
}

func newTestEngine(t *testing.T, storage engine.Storage, opts ...engine.Option) (*engine.Engine, *fakeDispatcher) {
	t.Helper()

	dispatcher := newFakeDispatcher()
	opts = append([]engine.Option{
		// Long periods keep the background loops out of the test's way
		// unless a test overrides them.
		engine.WithIntervals(time.Hour, time.Hour, time.Hour),
		engine.WithWorkerHost("test-host"),
	}, opts...)
	e, err := engine.New(storage, dispatcher, dispatcher, opts...)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
	return e, dispatcher
}

func staticItems(payloads ...string) engine.ItemSource {
	return func(context.Context, *engine.Queue) ([]json.RawMessage, error) {
		out := make([]json.RawMessage, len(payloads))
		for i, p := range payloads {
			out[i] = json.RawMessage(p)
		}
		return out, nil
	}
}

func TestEngine_SimpleRunWithChain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	storage := engine.NewMemoryStorage()

	parent := &engine.Queue{Name: "extract", Timeout: time.Minute}
	require.NoError(t, storage.UpsertQueue(ctx, parent))
	child := &engine.Queue{Name: "report", ParentID: &parent.ID, ChainCondition: engine.ChainNoFailures}
	require.NoError(t, storage.UpsertQueue(ctx, child))

	e, dispatcher := newTestEngine(t, storage)
	e.RegisterItemSource("extract", staticItems(`{"n":1}`, `{"n":2}`, `{"n":3}`))

	run, err := e.StartRun(ctx, parent)
	require.NoError(t, err)
	assert.Equal(t, 3, run.TotalItemCount)

	tasks := dispatcher.tasksFor("extract")
	require.Len(t, tasks, 3)
	for i, task := range tasks {
		assert.Equal(t, run.ID.String(), task.BID)
		assert.Equal(t, i, task.Index)
	}

	// Items are stamped started at push time.
	q, err := storage.GetQueue(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, q.BusyRunCount)

	// Complete every item successfully; the last completion finalizes the
	// run and fires the chained child.
	for _, task := range tasks {
		require.True(t, dispatcher.deliver(task, json.RawMessage(`"done"`), ""))
	}

	got, err := storage.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, got.Final())
	assert.Equal(t, 3, got.SuccessCount)

	q, err = storage.GetQueue(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, q.BusyRunCount)
	assert.Equal(t, 1, q.DoneRunCount)

	// The child had no item source, so its run is one null-payload item.
	childTasks := dispatcher.tasksFor("report")
	require.Len(t, childTasks, 1, "no-failures chain must fire on a clean run")
	assert.Equal(t, json.RawMessage("null"), childTasks[0].Payload)
}

func TestEngine_ChainSkippedOnFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	storage := engine.NewMemoryStorage()

	parent := &engine.Queue{Name: "load"}
	require.NoError(t, storage.UpsertQueue(ctx, parent))
	onSuccess := &engine.Queue{Name: "publish", ParentID: &parent.ID, ChainCondition: engine.ChainNoFailures}
	require.NoError(t, storage.UpsertQueue(ctx, onSuccess))
	onFailure := &engine.Queue{Name: "alert", ParentID: &parent.ID, ChainCondition: engine.ChainAnyFailure}
	require.NoError(t, storage.UpsertQueue(ctx, onFailure))

	e, dispatcher := newTestEngine(t, storage)
	e.RegisterItemSource("load", staticItems(`1`, `2`))

	run, err := e.StartRun(ctx, parent)
	require.NoError(t, err)

	tasks := dispatcher.tasksFor("load")
	require.Len(t, tasks, 2)
	require.True(t, dispatcher.deliver(tasks[0], json.RawMessage(`"ok"`), ""))
	require.True(t, dispatcher.deliver(tasks[1], nil, "exploded"))

	got, err := storage.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, got.Final())
	assert.Equal(t, 1, got.SuccessCount)
	assert.Equal(t, 1, got.FailureCount)

	assert.Empty(t, dispatcher.tasksFor("publish"), "no-failures chain must not fire on a failed run")
	assert.Len(t, dispatcher.tasksFor("alert"), 1, "any-failure chain must fire on a failed run")
}

func TestEngine_DuplicateCompletionIsNoOp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	storage := engine.NewMemoryStorage()

	queue := &engine.Queue{Name: "dedupe"}
	require.NoError(t, storage.UpsertQueue(ctx, queue))

	e, dispatcher := newTestEngine(t, storage)
	e.RegisterItemSource("dedupe", staticItems(`1`))

	run, err := e.StartRun(ctx, queue)
	require.NoError(t, err)

	task := dispatcher.tasksFor("dedupe")[0]
	require.True(t, dispatcher.deliver(task, json.RawMessage(`"first"`), ""))

	// The run finalized, so ownership was released and a late duplicate
	// finds no waiter.
	assert.False(t, dispatcher.deliver(task, json.RawMessage(`"second"`), ""))

	// Even a duplicate reaching storage directly is a no-op.
	itemID := uuid.MustParse(task.RID)
	_, applied, err := storage.CompleteItem(ctx, itemID, engine.ItemStatusError, nil, "late", time.Now())
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := storage.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SuccessCount)
	assert.Equal(t, 0, got.FailureCount)

	q, err := storage.GetQueue(ctx, queue.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, q.DoneRunCount, "finalization must happen exactly once")
}

func TestEngine_TimeoutScanner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	storage := engine.NewMemoryStorage()

	queue := &engine.Queue{Name: "slow", Timeout: 30 * time.Millisecond}
	require.NoError(t, storage.UpsertQueue(ctx, queue))

	e, dispatcher := newTestEngine(t, storage,
		engine.WithIntervals(time.Hour, 10*time.Millisecond, time.Hour))
	e.RegisterItemSource("slow", staticItems(`1`, `2`))

	run, err := e.StartRun(ctx, queue)
	require.NoError(t, err)

	tasks := dispatcher.tasksFor("slow")
	require.Len(t, tasks, 2)
	require.True(t, dispatcher.deliver(tasks[0], json.RawMessage(`"ok"`), ""))

	// The second item is never answered; the scanner must force it out.
	require.Eventually(t, func() bool {
		got, err := storage.GetRun(ctx, run.ID)
		return err == nil && got.Final()
	}, 2*time.Second, 5*time.Millisecond)

	got, err := storage.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SuccessCount)
	assert.Equal(t, 1, got.TimeoutCount)

	// A completion arriving after the forced timeout changes nothing.
	itemID := uuid.MustParse(tasks[1].RID)
	_, applied, err := storage.CompleteItem(ctx, itemID, engine.ItemStatusOK, json.RawMessage(`"late"`), "", time.Now())
	require.NoError(t, err)
	assert.False(t, applied)

	q, err := storage.GetQueue(ctx, queue.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, q.DoneRunCount)
	assert.Equal(t, 0, q.BusyRunCount)
}

func TestEngine_SchedulerClaimsDueQueues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	storage := engine.NewMemoryStorage()

	queue := &engine.Queue{Name: "periodic", Interval: 30 * time.Millisecond}
	require.NoError(t, storage.UpsertQueue(ctx, queue))
	now := time.Now()
	require.NoError(t, storage.SetNextRun(ctx, queue.ID, &now))

	_, dispatcher := newTestEngine(t, storage,
		engine.WithIntervals(10*time.Millisecond, time.Hour, time.Hour))

	require.Eventually(t, func() bool {
		return len(dispatcher.tasksFor("periodic")) >= 1
	}, 2*time.Second, 5*time.Millisecond, "due queue was never fired")

	q, err := storage.GetQueue(ctx, queue.ID)
	require.NoError(t, err)
	require.NotNil(t, q.NextRunAt, "interval schedule never ends")
	assert.True(t, q.NextRunAt.After(now), "next_run_at must advance past the claimed due time")
}

// retainTrackingStorage counts connection retention around run starts.
type retainTrackingStorage struct {
	*engine.MemoryStorage
	mu       sync.Mutex
	retained int
	released int
}

func (s *retainTrackingStorage) Retain(ctx context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	s.retained++
	s.mu.Unlock()
	return ctx, func() {
		s.mu.Lock()
		s.released++
		s.mu.Unlock()
	}, nil
}

func TestEngine_SchedulerRetainsConnectionPerRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	storage := &retainTrackingStorage{MemoryStorage: engine.NewMemoryStorage()}

	queue := &engine.Queue{Name: "unit", Interval: time.Hour}
	require.NoError(t, storage.UpsertQueue(ctx, queue))
	due := time.Now()
	require.NoError(t, storage.SetNextRun(ctx, queue.ID, &due))

	newTestEngine(t, storage,
		engine.WithIntervals(10*time.Millisecond, time.Hour, time.Hour))

	// Starting a run is a multi-statement unit of work: one connection is
	// pinned for it and released when the start settles.
	require.Eventually(t, func() bool {
		storage.mu.Lock()
		defer storage.mu.Unlock()
		return storage.retained >= 1 && storage.released == storage.retained
	}, 2*time.Second, 5*time.Millisecond, "run start never pinned a connection")
}

func TestEngine_ScheduleEndedClearsNextRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	storage := engine.NewMemoryStorage()

	end := time.Now().Add(-time.Minute)
	queue := &engine.Queue{Name: "ended", Interval: 10 * time.Millisecond, EndAt: &end}
	require.NoError(t, storage.UpsertQueue(ctx, queue))
	due := time.Now()
	require.NoError(t, storage.SetNextRun(ctx, queue.ID, &due))

	newTestEngine(t, storage,
		engine.WithIntervals(10*time.Millisecond, time.Hour, time.Hour))

	require.Eventually(t, func() bool {
		q, err := storage.GetQueue(ctx, queue.ID)
		return err == nil && q.NextRunAt == nil
	}, 2*time.Second, 5*time.Millisecond, "ended schedule must null out next_run_at")
}
