package store

import (
	"context"
	"time"
)

// Ledger counter names maintained by the task queue.
const (
	CounterCompleted = "completed"
	CounterFailed    = "failed"
)

// ScanFunc is called once per ledger record during a Scan.
// Returning an error stops the scan and the error is returned from Scan.
type ScanFunc func(id string, record []byte) error

// QueueBackend is the persistent store contract a task queue needs: a
// blocking-pop structure ordered by numeric priority and a ledger keyed by
// task id. Every method is scoped by a queue name so one backend can host
// several independent queues. Records are opaque bytes to the backend.
type QueueBackend interface {
	// Enqueue upserts the ledger record for id and inserts id into the
	// priority structure. Re-enqueueing an id already waiting only updates
	// its position.
	Enqueue(ctx context.Context, queue, id string, priority int, record []byte) error

	// Dequeue blocks up to timeout for the highest priority id, removes it
	// atomically and returns its ledger record. It returns nil, nil when the
	// timeout elapses without a task.
	Dequeue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)

	// Put upserts a ledger record without touching the priority structure.
	Put(ctx context.Context, queue, id string, record []byte) error

	// Get reads a ledger record. It returns ErrTaskRecordNotFound when absent.
	Get(ctx context.Context, queue, id string) ([]byte, error)

	// Scan visits every ledger record of the queue.
	Scan(ctx context.Context, queue string, fn ScanFunc) error

	// Delete removes ledger records and reports how many existed.
	Delete(ctx context.Context, queue string, ids ...string) (int, error)

	// Len reports how many ids are waiting in the priority structure.
	Len(ctx context.Context, queue string) (int64, error)

	// Incr adds delta to a named aggregate counter.
	Incr(ctx context.Context, queue, counter string, delta int64) error

	// Counters returns every aggregate counter of the queue.
	Counters(ctx context.Context, queue string) (map[string]int64, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's connections.
	Close() error
}
