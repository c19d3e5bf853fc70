package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/pipeq/pkg/pg"
)

// PostgresStorage implements Storage on a pgx connection pool. All counter
// updates are single atomic statements, so concurrent schedulers and
// collectors coordinate through the database rather than through locks in
// the process.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage creates a new PostgreSQL-backed storage.
func NewPostgresStorage(pool *pgxpool.Pool) (*PostgresStorage, error) {
	if pool == nil {
		return nil, ErrStorageNil
	}
	return &PostgresStorage{pool: pool}, nil
}

// querier is the query surface shared by the pool and a checked-out
// connection.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type retainedConnKey struct{}

// Retain checks one pooled connection out and pins it to the returned
// context, so every statement of a multi-statement unit of work observes
// the same connection. The release function returns it to the pool.
func (ps *PostgresStorage) Retain(ctx context.Context) (context.Context, func(), error) {
	conn, err := ps.pool.Acquire(ctx)
	if err != nil {
		return ctx, func() {}, fmt.Errorf("failed to retain connection: %w", err)
	}
	return context.WithValue(ctx, retainedConnKey{}, conn), conn.Release, nil
}

// db resolves the query target for ctx: the retained connection when one is
// pinned, otherwise the pool.
func (ps *PostgresStorage) db(ctx context.Context) querier {
	if conn, ok := ctx.Value(retainedConnKey{}).(*pgxpool.Conn); ok {
		return conn
	}
	return ps.pool
}

const queueColumns = `id, name, cron_expr, interval_ms, begin_at, end_at, parent_id,
	chain_condition, timeout_ms, cleanup_after_ms, busy_run_count, done_run_count,
	next_run_at, created_at, updated_at`

func scanQueue(row pgx.Row) (*Queue, error) {
	var q Queue
	var intervalMS, timeoutMS, cleanupMS int64
	var cronExpr, chainCond *string
	err := row.Scan(&q.ID, &q.Name, &cronExpr, &intervalMS, &q.BeginAt, &q.EndAt,
		&q.ParentID, &chainCond, &timeoutMS, &cleanupMS, &q.BusyRunCount,
		&q.DoneRunCount, &q.NextRunAt, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if cronExpr != nil {
		q.CronExpr = *cronExpr
	}
	if chainCond != nil {
		q.ChainCondition = ChainCondition(*chainCond)
	}
	q.Interval = time.Duration(intervalMS) * time.Millisecond
	q.Timeout = time.Duration(timeoutMS) * time.Millisecond
	q.CleanupAfter = time.Duration(cleanupMS) * time.Millisecond
	return &q, nil
}

func (ps *PostgresStorage) UpsertQueue(ctx context.Context, queue *Queue) error {
	if queue.Name == "" {
		return ErrQueueNameEmpty
	}
	if queue.ID == uuid.Nil {
		queue.ID = uuid.New()
	}

	var cronExpr, chainCond *string
	if queue.CronExpr != "" {
		cronExpr = &queue.CronExpr
	}
	if queue.ChainCondition != "" {
		s := string(queue.ChainCondition)
		chainCond = &s
	}

	// Definition fields refresh on conflict; counters and next_run_at are
	// runtime state and stay untouched.
	row := ps.db(ctx).QueryRow(ctx, `
		INSERT INTO queues (id, name, cron_expr, interval_ms, begin_at, end_at,
			parent_id, chain_condition, timeout_ms, cleanup_after_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (name) DO UPDATE SET
			cron_expr = EXCLUDED.cron_expr,
			interval_ms = EXCLUDED.interval_ms,
			begin_at = EXCLUDED.begin_at,
			end_at = EXCLUDED.end_at,
			parent_id = EXCLUDED.parent_id,
			chain_condition = EXCLUDED.chain_condition,
			timeout_ms = EXCLUDED.timeout_ms,
			cleanup_after_ms = EXCLUDED.cleanup_after_ms,
			updated_at = now()
		RETURNING id`,
		queue.ID, queue.Name, cronExpr, queue.Interval.Milliseconds(),
		queue.BeginAt, queue.EndAt, queue.ParentID, chainCond,
		queue.Timeout.Milliseconds(), queue.CleanupAfter.Milliseconds())

	if err := row.Scan(&queue.ID); err != nil {
		// A primary-key collision means this id already belongs to a queue
		// under another name.
		if pg.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %q", ErrDuplicateQueueName, queue.Name)
		}
		return fmt.Errorf("failed to upsert queue %q: %w", queue.Name, err)
	}
	return nil
}

func (ps *PostgresStorage) GetQueue(ctx context.Context, id uuid.UUID) (*Queue, error) {
	q, err := scanQueue(ps.db(ctx).QueryRow(ctx,
		`SELECT `+queueColumns+` FROM queues WHERE id = $1`, id))
	if pg.IsNotFoundError(err) {
		return nil, ErrQueueNotFound
	}
	return q, err
}

func (ps *PostgresStorage) GetQueueByName(ctx context.Context, name string) (*Queue, error) {
	q, err := scanQueue(ps.db(ctx).QueryRow(ctx,
		`SELECT `+queueColumns+` FROM queues WHERE name = $1`, name))
	if pg.IsNotFoundError(err) {
		return nil, ErrQueueNotFound
	}
	return q, err
}

func (ps *PostgresStorage) ListDueQueues(ctx context.Context, now time.Time) ([]*Queue, error) {
	rows, err := ps.db(ctx).Query(ctx,
		`SELECT `+queueColumns+` FROM queues WHERE next_run_at IS NOT NULL AND next_run_at <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due queues: %w", err)
	}
	defer rows.Close()

	var due []*Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, q)
	}
	return due, rows.Err()
}

func (ps *PostgresStorage) AdvanceNextRun(ctx context.Context, queueID uuid.UUID, from time.Time, next *time.Time) (bool, error) {
	tag, err := ps.db(ctx).Exec(ctx,
		`UPDATE queues SET next_run_at = $1, updated_at = now()
		 WHERE id = $2 AND next_run_at = $3`,
		next, queueID, from)
	if err != nil {
		return false, fmt.Errorf("failed to advance next run for queue %s: %w", queueID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (ps *PostgresStorage) SetNextRun(ctx context.Context, queueID uuid.UUID, next *time.Time) error {
	tag, err := ps.db(ctx).Exec(ctx,
		`UPDATE queues SET next_run_at = $1, updated_at = now() WHERE id = $2`,
		next, queueID)
	if err != nil {
		return fmt.Errorf("failed to set next run for queue %s: %w", queueID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrQueueNotFound
	}
	return nil
}

func (ps *PostgresStorage) ChildQueues(ctx context.Context, parentID uuid.UUID) ([]*Queue, error) {
	rows, err := ps.db(ctx).Query(ctx,
		`SELECT `+queueColumns+` FROM queues WHERE parent_id = $1`, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list child queues: %w", err)
	}
	defer rows.Close()

	var children []*Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		children = append(children, q)
	}
	return children, rows.Err()
}

func (ps *PostgresStorage) IncBusyRuns(ctx context.Context, queueID uuid.UUID) error {
	_, err := ps.db(ctx).Exec(ctx,
		`UPDATE queues SET busy_run_count = busy_run_count + 1, updated_at = now() WHERE id = $1`,
		queueID)
	if err != nil {
		return fmt.Errorf("failed to increment busy runs for queue %s: %w", queueID, err)
	}
	return nil
}

func (ps *PostgresStorage) MarkRunDone(ctx context.Context, queueID uuid.UUID) error {
	_, err := ps.db(ctx).Exec(ctx,
		`UPDATE queues SET busy_run_count = GREATEST(busy_run_count - 1, 0),
			done_run_count = done_run_count + 1, updated_at = now()
		 WHERE id = $1`, queueID)
	if err != nil {
		return fmt.Errorf("failed to mark run done for queue %s: %w", queueID, err)
	}
	return nil
}

func (ps *PostgresStorage) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	row := ps.db(ctx).QueryRow(ctx,
		`INSERT INTO runs (id, queue_id) VALUES ($1, $2) RETURNING created_at, updated_at`,
		run.ID, run.QueueID)
	if err := row.Scan(&run.CreatedAt, &run.UpdatedAt); err != nil {
		return fmt.Errorf("failed to create run for queue %s: %w", run.QueueID, err)
	}
	return nil
}

func (ps *PostgresStorage) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	var r Run
	err := ps.db(ctx).QueryRow(ctx,
		`SELECT id, queue_id, total_item_count, success_count, failure_count,
			timeout_count, created_at, updated_at
		 FROM runs WHERE id = $1`, id).
		Scan(&r.ID, &r.QueueID, &r.TotalItemCount, &r.SuccessCount,
			&r.FailureCount, &r.TimeoutCount, &r.CreatedAt, &r.UpdatedAt)
	if pg.IsNotFoundError(err) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return &r, nil
}

func (ps *PostgresStorage) InsertItems(ctx context.Context, runID uuid.UUID, items []*Item) error {
	if len(items) == 0 {
		return ErrNoItems
	}

	tx, err := ps.db(ctx).Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin item insert: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, item := range items {
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		item.RunID = runID
		item.Status = ItemStatusPending
		batch.Queue(
			`INSERT INTO items (id, run_id, idx, payload, status) VALUES ($1, $2, $3, $4, 'pending')`,
			item.ID, runID, item.Index, item.Payload)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		// The run was cleaned up between creation and the insert.
		if pg.IsForeignKeyViolationError(err) {
			return ErrRunNotFound
		}
		return fmt.Errorf("failed to insert items for run %s: %w", runID, err)
	}

	// The total lands with the insert, before any completion can be applied.
	if _, err := tx.Exec(ctx,
		`UPDATE runs SET total_item_count = $1, updated_at = now() WHERE id = $2`,
		len(items), runID); err != nil {
		return fmt.Errorf("failed to set item total for run %s: %w", runID, err)
	}
	return tx.Commit(ctx)
}

func (ps *PostgresStorage) MarkItemStarted(ctx context.Context, itemID uuid.UUID, host string, at time.Time) error {
	tag, err := ps.db(ctx).Exec(ctx,
		`UPDATE items SET started_at = $1, worker_host = $2 WHERE id = $3`,
		at, host, itemID)
	if err != nil {
		return fmt.Errorf("failed to mark item %s started: %w", itemID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (ps *PostgresStorage) CompleteItem(ctx context.Context, itemID uuid.UUID, status ItemStatus, result json.RawMessage, errMsg string, at time.Time) (*Run, bool, error) {
	var errCol *string
	if errMsg != "" {
		errCol = &errMsg
	}

	// The status guard makes late and duplicate completions no-ops; the
	// run counter bump only happens when the guard passed.
	var runID uuid.UUID
	err := ps.db(ctx).QueryRow(ctx,
		`UPDATE items SET status = $1, result = $2, error = $3, finished_at = $4
		 WHERE id = $5 AND status = 'pending'
		 RETURNING run_id`,
		string(status), result, errCol, at, itemID).Scan(&runID)
	applied := true
	if pg.IsNotFoundError(err) {
		applied = false
		if err := ps.db(ctx).QueryRow(ctx,
			`SELECT run_id FROM items WHERE id = $1`, itemID).Scan(&runID); err != nil {
			if pg.IsNotFoundError(err) {
				return nil, false, ErrItemNotFound
			}
			return nil, false, fmt.Errorf("failed to look up item %s: %w", itemID, err)
		}
	} else if err != nil {
		return nil, false, fmt.Errorf("failed to complete item %s: %w", itemID, err)
	}

	if !applied {
		run, err := ps.GetRun(ctx, runID)
		return run, false, err
	}

	column := map[ItemStatus]string{
		ItemStatusOK:      "success_count",
		ItemStatusError:   "failure_count",
		ItemStatusTimeout: "timeout_count",
	}[status]

	var r Run
	err = ps.db(ctx).QueryRow(ctx,
		`UPDATE runs SET `+column+` = `+column+` + 1, updated_at = now()
		 WHERE id = $1
		 RETURNING id, queue_id, total_item_count, success_count, failure_count,
			timeout_count, created_at, updated_at`, runID).
		Scan(&r.ID, &r.QueueID, &r.TotalItemCount, &r.SuccessCount,
			&r.FailureCount, &r.TimeoutCount, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to bump run %s counters: %w", runID, err)
	}
	return &r, true, nil
}

func (ps *PostgresStorage) ExpireTimedOutItems(ctx context.Context, now time.Time) ([]*Run, error) {
	// Force pending items past their queue's timeout horizon into the
	// timeout state, grouped so each run's counter is bumped once per batch.
	rows, err := ps.db(ctx).Query(ctx, `
		WITH expired AS (
			UPDATE items SET status = 'timeout', finished_at = $1
			FROM runs, queues
			WHERE items.run_id = runs.id
			  AND runs.queue_id = queues.id
			  AND items.status = 'pending'
			  AND items.started_at IS NOT NULL
			  AND queues.timeout_ms > 0
			  AND items.started_at + (queues.timeout_ms * interval '1 millisecond') <= $1
			RETURNING items.run_id
		), bumped AS (
			UPDATE runs SET timeout_count = timeout_count + c.n, updated_at = now()
			FROM (SELECT run_id, count(*) AS n FROM expired GROUP BY run_id) AS c
			WHERE runs.id = c.run_id
			RETURNING runs.id, runs.queue_id, runs.total_item_count, runs.success_count,
				runs.failure_count, runs.timeout_count, runs.created_at, runs.updated_at
		)
		SELECT * FROM bumped`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire timed out items: %w", err)
	}
	defer rows.Close()

	var affected []*Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.QueueID, &r.TotalItemCount, &r.SuccessCount,
			&r.FailureCount, &r.TimeoutCount, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		affected = append(affected, &r)
	}
	return affected, rows.Err()
}

func (ps *PostgresStorage) DeleteExpiredRuns(ctx context.Context, now time.Time) (int, error) {
	tx, err := ps.db(ctx).Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin cleanup: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Items first, then the runs.
	const expiredRuns = `
		SELECT runs.id FROM runs
		JOIN queues ON queues.id = runs.queue_id
		WHERE queues.cleanup_after_ms > 0
		  AND runs.total_item_count > 0
		  AND runs.success_count + runs.failure_count + runs.timeout_count = runs.total_item_count
		  AND runs.updated_at + (queues.cleanup_after_ms * interval '1 millisecond') <= $1`

	if _, err := tx.Exec(ctx,
		`DELETE FROM items WHERE run_id IN (`+expiredRuns+`)`, now); err != nil {
		return 0, fmt.Errorf("failed to delete expired items: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`DELETE FROM runs WHERE id IN (`+expiredRuns+`)`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired runs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
