package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/pipeq/pkg/distq"
	"github.com/dmitrymomot/pipeq/pkg/logger"
	"github.com/dmitrymomot/pipeq/pkg/pipeline"
)

// TaskPusher pushes one task onto a distributed queue.
type TaskPusher interface {
	Push(ctx context.Context, task distq.Task) error
}

// ResultCollector claims and releases ownership of result correlation ids.
type ResultCollector interface {
	Register(cid string, fn distq.ResultFunc)
	Unregister(cid string)
}

// ItemSource produces the item payloads for one firing of a queue.
type ItemSource func(ctx context.Context, queue *Queue) ([]json.RawMessage, error)

// Engine drives the durable queue state machine: it claims due queues,
// creates runs, dispatches items to workers over the distributed queue,
// applies their results, chains child queues at run finality, and scans for
// timed-out items and expired runs. Every loop is a trigger-driven pipeline.
type Engine struct {
	storage   Storage
	pusher    TaskPusher
	collector ResultCollector
	logger    *slog.Logger
	host      string

	tickInterval    time.Duration
	timeoutInterval time.Duration
	cleanupInterval time.Duration

	mu       sync.Mutex
	sources  map[string]ItemSource
	triggers []*pipeline.Trigger
	running  bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithWorkerHost sets the host label stamped on dispatched items.
func WithWorkerHost(host string) Option {
	return func(e *Engine) {
		if host != "" {
			e.host = host
		}
	}
}

// WithIntervals sets the scheduler tick and the two scanner periods.
func WithIntervals(tick, timeoutScan, cleanupScan time.Duration) Option {
	return func(e *Engine) {
		if tick > 0 {
			e.tickInterval = tick
		}
		if timeoutScan > 0 {
			e.timeoutInterval = timeoutScan
		}
		if cleanupScan > 0 {
			e.cleanupInterval = cleanupScan
		}
	}
}

// New creates an engine.
func New(storage Storage, pusher TaskPusher, collector ResultCollector, opts ...Option) (*Engine, error) {
	if storage == nil {
		return nil, ErrStorageNil
	}
	if pusher == nil {
		return nil, ErrPusherNil
	}
	if collector == nil {
		return nil, ErrCollectorNil
	}

	host, _ := os.Hostname()
	e := &Engine{
		storage:         storage,
		pusher:          pusher,
		collector:       collector,
		logger:          slog.Default(),
		host:            host,
		tickInterval:    time.Second,
		timeoutInterval: 15 * time.Second,
		cleanupInterval: 5 * time.Minute,
		sources:         make(map[string]ItemSource),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RegisterItemSource binds an item generator to a queue name. A queue
// without a source fires runs with a single null-payload item.
func (e *Engine) RegisterItemSource(queue string, src ItemSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources[queue] = src
}

// Start wires the scheduler, timeout, and cleanup pipelines and activates
// their triggers. It returns immediately; Stop tears the loops down.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(ctx)

	scheduler := e.buildSchedulerPipeline()
	timeout := e.buildScanPipeline("timeout-scan", e.timeoutPass)
	cleanup := e.buildScanPipeline("cleanup-scan", e.cleanupPass)

	if err := scheduler.SetEvery(e.tickInterval); err != nil {
		return err
	}
	if err := timeout.SetEvery(e.timeoutInterval); err != nil {
		return err
	}
	if err := cleanup.SetEvery(e.cleanupInterval); err != nil {
		return err
	}
	e.triggers = []*pipeline.Trigger{scheduler, timeout, cleanup}

	e.logger.Info("engine started",
		slog.Duration("tick", e.tickInterval),
		slog.Duration("timeout_scan", e.timeoutInterval),
		slog.Duration("cleanup_scan", e.cleanupInterval))
	return nil
}

// Stop cancels all trigger timers.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	for _, t := range e.triggers {
		t.Stop()
	}
	e.triggers = nil
	e.cancel()
	e.running = false
	e.logger.Info("engine stopped")
}

// buildSchedulerPipeline assembles
// trigger → select-due → fan-queues → start-run.
// An idle tick selects nothing, which surfaces as the slicer's empty-slice
// error; the start-run error handler swallows exactly that case.
func (e *Engine) buildSchedulerPipeline() *pipeline.Trigger {
	trigger := pipeline.NewTrigger("scheduler-tick", pipeline.WithLogger(e.logger))

	selector := pipeline.New("select-due",
		pipeline.WithLogger(e.logger),
		pipeline.WithFilter(func(box *pipeline.Box, _ any) (any, error) {
			// Each run start downstream is a multi-statement unit of work.
			box.Persist = true
			return e.claimDue(e.ctx)
		}))

	slicer := pipeline.NewSlicer("fan-queues", "due-queues")

	starter := pipeline.New("start-run",
		pipeline.WithLogger(e.logger),
		pipeline.WithFilter(func(box *pipeline.Box, payload any) (any, error) {
			value, _ := pipeline.Unwrap(payload)
			queue, ok := value.(*Queue)
			if !ok {
				return nil, fmt.Errorf("unexpected payload %T", value)
			}
			ctx := e.ctx
			if box.Persist {
				retained, release, err := e.storage.Retain(ctx)
				if err != nil {
					return nil, err
				}
				defer release()
				ctx = retained
			}
			run, err := e.StartRun(ctx, queue)
			if err != nil {
				return nil, err
			}
			return run.ID, nil
		}))
	starter.OnError(func(_ *pipeline.Box, perr *pipeline.Error) error {
		if errors.Is(perr, pipeline.ErrEmptySlice) {
			return nil
		}
		e.logger.Error("scheduler pipeline failure",
			slog.String("node", perr.Node),
			logger.Error(perr.Err))
		return nil
	})

	trigger.Connect(selector)
	selector.Connect(slicer)
	slicer.Connect(starter)
	return trigger
}

// buildScanPipeline assembles trigger → scan-node for the periodic scanners.
func (e *Engine) buildScanPipeline(name string, pass func(ctx context.Context) error) *pipeline.Trigger {
	trigger := pipeline.NewTrigger(name+"-tick", pipeline.WithLogger(e.logger))
	scan := pipeline.New(name,
		pipeline.WithLogger(e.logger),
		pipeline.WithFilter(func(_ *pipeline.Box, payload any) (any, error) {
			if err := pass(e.ctx); err != nil {
				return nil, err
			}
			return payload, nil
		}))
	sink := pipeline.New(name + "-done")
	sink.OnError(func(_ *pipeline.Box, perr *pipeline.Error) error {
		e.logger.Error("scanner failure",
			slog.String("scanner", name),
			logger.Error(perr.Err))
		return nil
	})
	trigger.Connect(scan)
	scan.Connect(sink)
	return trigger
}

// claimDue lists due queues and advances each one's next_run_at with a
// compare-and-swap, so overlapping scheduler instances cannot double-fire
// the same due time. Only queues whose advance applied are returned.
func (e *Engine) claimDue(ctx context.Context) ([]any, error) {
	now := time.Now()
	due, err := e.storage.ListDueQueues(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due queues: %w", err)
	}

	var claimed []any
	for _, q := range due {
		next, err := e.nextRunTime(q, now)
		if err != nil {
			e.logger.Error("queue has unusable schedule",
				logger.QueueName(q.Name),
				logger.Error(err))
			continue
		}
		ok, err := e.storage.AdvanceNextRun(ctx, q.ID, *q.NextRunAt, next)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Another scheduler claimed this due time.
			continue
		}
		claimed = append(claimed, q)
	}
	return claimed, nil
}

// nextRunTime computes the queue's next due time, or nil once its schedule
// ended.
func (e *Engine) nextRunTime(q *Queue, from time.Time) (*time.Time, error) {
	sched, err := q.Schedule()
	if err != nil {
		return nil, err
	}
	next := sched.Next(from)
	if next.IsZero() {
		return nil, nil
	}
	return &next, nil
}

// StartRun fires one run of the queue: it creates the run, materializes
// items from the queue's item source, claims the run's correlation id on
// the collector, and dispatches one return-mode task per item. Items are
// stamped as started at push time. A push failure completes the item as
// failed immediately, so the run still converges.
func (e *Engine) StartRun(ctx context.Context, queue *Queue) (*Run, error) {
	payloads, err := e.itemPayloads(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("failed to generate items for queue %q: %w", queue.Name, err)
	}

	run := &Run{QueueID: queue.ID}
	if err := e.storage.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	items := make([]*Item, len(payloads))
	for i, payload := range payloads {
		items[i] = &Item{Index: i, Payload: payload}
	}
	if err := e.storage.InsertItems(ctx, run.ID, items); err != nil {
		return nil, err
	}
	run.TotalItemCount = len(items)

	if err := e.storage.IncBusyRuns(ctx, queue.ID); err != nil {
		return nil, err
	}

	// Ownership must be claimed before the first push: a fast worker could
	// otherwise answer before anyone is listening.
	e.collector.Register(run.ID.String(), func(env distq.Envelope) {
		e.onResult(env)
	})

	e.logger.Info("run started",
		logger.QueueName(queue.Name),
		logger.RunID(run.ID),
		slog.Int("items", len(items)))

	for _, item := range items {
		now := time.Now()
		if err := e.storage.MarkItemStarted(ctx, item.ID, e.host, now); err != nil {
			e.logger.Error("failed to mark item started",
				logger.ItemID(item.ID),
				logger.Error(err))
		}
		err := e.pusher.Push(ctx, distq.Task{
			Queue:   queue.Name,
			Mode:    distq.ModeReturn,
			BID:     run.ID.String(),
			RID:     item.ID.String(),
			Index:   item.Index,
			Payload: item.Payload,
		})
		if err != nil {
			e.logger.Error("failed to dispatch item",
				logger.QueueName(queue.Name),
				logger.ItemID(item.ID),
				logger.Error(err))
			e.completeItem(ctx, item.ID, ItemStatusError, nil, err.Error())
		}
	}
	return run, nil
}

// itemPayloads resolves the queue's item source. Without one the run gets a
// single null-payload item, so scheduled queues fire even when all their
// context lives in the worker.
func (e *Engine) itemPayloads(ctx context.Context, queue *Queue) ([]json.RawMessage, error) {
	e.mu.Lock()
	src := e.sources[queue.Name]
	e.mu.Unlock()

	if src == nil {
		return []json.RawMessage{json.RawMessage("null")}, nil
	}
	payloads, err := src(ctx, queue)
	if err != nil {
		return nil, err
	}
	if len(payloads) == 0 {
		return nil, ErrNoItems
	}
	return payloads, nil
}

// onResult applies one worker result to its item.
func (e *Engine) onResult(env distq.Envelope) {
	itemID, err := uuid.Parse(env.RID)
	if err != nil {
		e.logger.Warn("result with unparsable item id", slog.String("rid", env.RID))
		return
	}

	status := ItemStatusOK
	if env.Err != "" {
		status = ItemStatusError
	}
	e.completeItem(e.ctx, itemID, status, env.Data, env.Err)
}

// completeItem transitions the item and finalizes its run when this
// completion was the one that made the run final. The storage guard makes
// late and duplicate completions no-ops, so finalization happens exactly
// once per run.
func (e *Engine) completeItem(ctx context.Context, itemID uuid.UUID, status ItemStatus, result json.RawMessage, errMsg string) {
	run, applied, err := e.storage.CompleteItem(ctx, itemID, status, result, errMsg, time.Now())
	if err != nil {
		e.logger.Error("failed to complete item",
			logger.ItemID(itemID),
			logger.Error(err))
		return
	}
	if !applied {
		e.logger.Debug("ignoring late completion", logger.ItemID(itemID))
		return
	}
	if run.Final() {
		e.finalizeRun(ctx, run)
	}
}

// finalizeRun settles queue counters, releases the result correlation, and
// fires chained child queues whose condition matches the run's outcome.
func (e *Engine) finalizeRun(ctx context.Context, run *Run) {
	e.collector.Unregister(run.ID.String())

	if err := e.storage.MarkRunDone(ctx, run.QueueID); err != nil {
		e.logger.Error("failed to settle queue counters",
			logger.RunID(run.ID),
			logger.Error(err))
	}

	e.logger.Info("run finished",
		logger.RunID(run.ID),
		slog.Int("success", run.SuccessCount),
		slog.Int("failed", run.FailureCount),
		slog.Int("timed_out", run.TimeoutCount))

	children, err := e.storage.ChildQueues(ctx, run.QueueID)
	if err != nil {
		e.logger.Error("failed to list chained queues",
			logger.RunID(run.ID),
			logger.Error(err))
		return
	}
	for _, child := range children {
		if !child.ChainCondition.Match(run) {
			continue
		}
		e.logger.Info("chain condition met",
			logger.QueueName(child.Name),
			slog.String("condition", string(child.ChainCondition)))
		if _, err := e.StartRun(ctx, child); err != nil {
			e.logger.Error("failed to start chained run",
				logger.QueueName(child.Name),
				logger.Error(err))
		}
	}
}

// timeoutPass force-fails pending items past their timeout horizon and
// finalizes any run that became final through the forced transitions.
func (e *Engine) timeoutPass(ctx context.Context) error {
	runs, err := e.storage.ExpireTimedOutItems(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, run := range runs {
		e.logger.Warn("items timed out",
			logger.RunID(run.ID),
			slog.Int("timed_out", run.TimeoutCount))
		if run.Final() {
			e.finalizeRun(ctx, run)
		}
	}
	return nil
}

// cleanupPass deletes final runs past their queue's cleanup horizon.
func (e *Engine) cleanupPass(ctx context.Context) error {
	deleted, err := e.storage.DeleteExpiredRuns(ctx, time.Now())
	if err != nil {
		return err
	}
	if deleted > 0 {
		e.logger.Info("expired runs deleted", slog.Int("count", deleted))
	}
	return nil
}
