package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver
	"github.com/phrazzld/bgtasks/internal/platform/logger"
	"github.com/phrazzld/bgtasks/internal/store"
)

// DefaultPollInterval is how often a blocked Dequeue retries the claim query.
const DefaultPollInterval = 100 * time.Millisecond

// Backend implements store.QueueBackend on PostgreSQL. Ledger records and
// the pending flag live in task_records; aggregate counters live in
// task_counters. Dequeue claims a row with FOR UPDATE SKIP LOCKED, so any
// number of processes can share the tables.
type Backend struct {
	db           *sql.DB
	pollInterval time.Duration
	owned        bool

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Compile-time check that Backend implements store.QueueBackend.
var _ store.QueueBackend = (*Backend)(nil)

// New creates a backend on an existing connection pool. The caller keeps
// ownership of db; Close does not close it.
func New(db *sql.DB) *Backend {
	return &Backend{
		db:           db,
		pollInterval: DefaultPollInterval,
	}
}

// Open connects to the database at url and verifies the connection. The
// returned backend owns the pool and closes it in Close.
func Open(ctx context.Context, url string) (*Backend, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	b := New(db)
	b.owned = true
	return b, nil
}

// DB returns the underlying connection pool.
func (b *Backend) DB() *sql.DB {
	return b.db
}

// Enqueue implements store.QueueBackend. A record that is already stored is
// overwritten and marked as waiting again.
func (b *Backend) Enqueue(ctx context.Context, queue, id string, priority int, record []byte) error {
	if err := b.checkOpen("enqueue"); err != nil {
		return err
	}
	log := logger.FromContext(ctx)

	query := `
		INSERT INTO task_records (queue, id, priority, record, queued, enqueued_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, clock_timestamp(), clock_timestamp())
		ON CONFLICT (queue, id) DO UPDATE SET
			priority = EXCLUDED.priority,
			record = EXCLUDED.record,
			queued = TRUE,
			enqueued_at = EXCLUDED.enqueued_at,
			updated_at = EXCLUDED.updated_at
	`

	if _, err := b.db.ExecContext(ctx, query, queue, id, priority, record); err != nil {
		log.Error("failed to enqueue task record",
			slog.String("queue", queue),
			slog.String("task_id", id),
			slog.String("error", err.Error()))
		return wrapError("enqueue", err)
	}
	return nil
}

const claimQuery = `
	UPDATE task_records
	SET queued = FALSE, updated_at = clock_timestamp()
	WHERE queue = $1 AND id = (
		SELECT id FROM task_records
		WHERE queue = $1 AND queued
		ORDER BY priority DESC, enqueued_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	RETURNING record
`

// Dequeue implements store.QueueBackend by polling the claim query every
// poll interval until a row is claimed or timeout elapses.
func (b *Backend) Dequeue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	if err := b.checkOpen("dequeue"); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		record, err := b.claim(ctx, queue)
		if err != nil || record != nil {
			return record, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		wait := b.pollInterval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (b *Backend) claim(ctx context.Context, queue string) ([]byte, error) {
	var record []byte
	err := b.db.QueryRowContext(ctx, claimQuery, queue).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		logger.FromContext(ctx).Error("failed to claim task record",
			slog.String("queue", queue),
			slog.String("error", err.Error()))
		return nil, wrapError("dequeue", err)
	}
	return record, nil
}

// Put implements store.QueueBackend. It never changes the pending flag of
// an existing row.
func (b *Backend) Put(ctx context.Context, queue, id string, record []byte) error {
	if err := b.checkOpen("put"); err != nil {
		return err
	}

	query := `
		INSERT INTO task_records (queue, id, priority, record, queued, enqueued_at, updated_at)
		VALUES ($1, $2, 0, $3, FALSE, clock_timestamp(), clock_timestamp())
		ON CONFLICT (queue, id) DO UPDATE SET
			record = EXCLUDED.record,
			updated_at = EXCLUDED.updated_at
	`

	if _, err := b.db.ExecContext(ctx, query, queue, id, record); err != nil {
		logger.FromContext(ctx).Error("failed to store task record",
			slog.String("queue", queue),
			slog.String("task_id", id),
			slog.String("error", err.Error()))
		return wrapError("put", err)
	}
	return nil
}

// Get implements store.QueueBackend.
func (b *Backend) Get(ctx context.Context, queue, id string) ([]byte, error) {
	if err := b.checkOpen("get"); err != nil {
		return nil, err
	}

	query := `SELECT record FROM task_records WHERE queue = $1 AND id = $2`

	var record []byte
	err := b.db.QueryRowContext(ctx, query, queue, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskRecordNotFound
	}
	if err != nil {
		return nil, wrapError("get", err)
	}
	return record, nil
}

// Scan implements store.QueueBackend. Rows are read in one query ordered
// by id.
func (b *Backend) Scan(ctx context.Context, queue string, fn store.ScanFunc) error {
	if err := b.checkOpen("scan"); err != nil {
		return err
	}

	query := `SELECT id, record FROM task_records WHERE queue = $1 ORDER BY id`

	rows, err := b.db.QueryContext(ctx, query, queue)
	if err != nil {
		return wrapError("scan", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logger.FromContext(ctx).Error("failed to close rows", slog.String("error", closeErr.Error()))
		}
	}()

	for rows.Next() {
		var (
			id     string
			record []byte
		)
		if err := rows.Scan(&id, &record); err != nil {
			return wrapError("scan", err)
		}
		if err := fn(id, record); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return wrapError("scan", err)
	}
	return nil
}

// Delete implements store.QueueBackend. All ids are removed in one
// transaction.
func (b *Backend) Delete(ctx context.Context, queue string, ids ...string) (int, error) {
	if err := b.checkOpen("delete"); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	deleted := 0
	err := store.RunInTransaction(ctx, b.db, func(ctx context.Context, tx *sql.Tx) error {
		for _, id := range ids {
			n, err := deleteRecord(ctx, tx, queue, id)
			if err != nil {
				return err
			}
			deleted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, wrapError("delete", err)
	}
	return deleted, nil
}

func deleteRecord(ctx context.Context, db store.DBTX, queue, id string) (int64, error) {
	query := `DELETE FROM task_records WHERE queue = $1 AND id = $2`

	result, err := db.ExecContext(ctx, query, queue, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Len implements store.QueueBackend.
func (b *Backend) Len(ctx context.Context, queue string) (int64, error) {
	if err := b.checkOpen("len"); err != nil {
		return 0, err
	}

	query := `SELECT count(*) FROM task_records WHERE queue = $1 AND queued`

	var n int64
	if err := b.db.QueryRowContext(ctx, query, queue).Scan(&n); err != nil {
		return 0, wrapError("len", err)
	}
	return n, nil
}

// Incr implements store.QueueBackend.
func (b *Backend) Incr(ctx context.Context, queue, counter string, delta int64) error {
	if err := b.checkOpen("incr"); err != nil {
		return err
	}

	query := `
		INSERT INTO task_counters (queue, name, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (queue, name) DO UPDATE SET value = task_counters.value + EXCLUDED.value
	`

	if _, err := b.db.ExecContext(ctx, query, queue, counter, delta); err != nil {
		return wrapError("incr", err)
	}
	return nil
}

// Counters implements store.QueueBackend.
func (b *Backend) Counters(ctx context.Context, queue string) (map[string]int64, error) {
	if err := b.checkOpen("counters"); err != nil {
		return nil, err
	}

	query := `SELECT name, value FROM task_counters WHERE queue = $1`

	rows, err := b.db.QueryContext(ctx, query, queue)
	if err != nil {
		return nil, wrapError("counters", err)
	}
	defer func() { _ = rows.Close() }()

	counters := make(map[string]int64)
	for rows.Next() {
		var (
			name  string
			value int64
		)
		if err := rows.Scan(&name, &value); err != nil {
			return nil, wrapError("counters", err)
		}
		counters[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("counters", err)
	}
	return counters, nil
}

// Ping implements store.QueueBackend.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.checkOpen("ping"); err != nil {
		return err
	}
	if err := b.db.PingContext(ctx); err != nil {
		return wrapError("ping", err)
	}
	return nil
}

// Close marks the backend closed and, when it was created by Open, closes
// the connection pool. Only the first call has an effect.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		if b.owned {
			b.closeErr = b.db.Close()
		}
	})
	return b.closeErr
}

func (b *Backend) checkOpen(op string) error {
	if b.closed.Load() {
		return store.NewStoreError("task", op, "backend closed", store.ErrClosed)
	}
	return nil
}

func wrapError(op string, err error) error {
	mapped := MapError(err)
	if errors.Is(mapped, context.Canceled) || errors.Is(mapped, context.DeadlineExceeded) {
		return mapped
	}
	return store.NewStoreError("task", op, "database query failed", mapped)
}
