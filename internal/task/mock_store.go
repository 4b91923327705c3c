package task

import (
	"context"
	"sync"
	"time"

	"github.com/phrazzld/bgtasks/internal/store"
)

// MockBackend wraps a store.QueueBackend for testing. It counts calls per
// operation and lets a test replace individual operations through the Fn
// fields; a nil Fn delegates to the wrapped backend.
type MockBackend struct {
	store.QueueBackend

	mutex sync.Mutex
	calls map[string]int

	EnqueueFn func(ctx context.Context, queue, id string, priority int, record []byte) error
	DequeueFn func(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	PutFn     func(ctx context.Context, queue, id string, record []byte) error
}

// NewMockBackend creates a MockBackend delegating to backend.
func NewMockBackend(backend store.QueueBackend) *MockBackend {
	return &MockBackend{
		QueueBackend: backend,
		calls:        make(map[string]int),
	}
}

// Calls returns how many times the named operation was invoked.
func (b *MockBackend) Calls(op string) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.calls[op]
}

func (b *MockBackend) record(op string) {
	b.mutex.Lock()
	b.calls[op]++
	b.mutex.Unlock()
}

// Enqueue counts the call and delegates to EnqueueFn or the wrapped backend.
func (b *MockBackend) Enqueue(ctx context.Context, queue, id string, priority int, record []byte) error {
	b.record("enqueue")
	if b.EnqueueFn != nil {
		return b.EnqueueFn(ctx, queue, id, priority, record)
	}
	return b.QueueBackend.Enqueue(ctx, queue, id, priority, record)
}

// Dequeue counts the call and delegates to DequeueFn or the wrapped backend.
func (b *MockBackend) Dequeue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	b.record("dequeue")
	if b.DequeueFn != nil {
		return b.DequeueFn(ctx, queue, timeout)
	}
	return b.QueueBackend.Dequeue(ctx, queue, timeout)
}

// Put counts the call and delegates to PutFn or the wrapped backend.
func (b *MockBackend) Put(ctx context.Context, queue, id string, record []byte) error {
	b.record("put")
	if b.PutFn != nil {
		return b.PutFn(ctx, queue, id, record)
	}
	return b.QueueBackend.Put(ctx, queue, id, record)
}

// Incr counts the call and delegates to the wrapped backend.
func (b *MockBackend) Incr(ctx context.Context, queue, counter string, delta int64) error {
	b.record("incr")
	return b.QueueBackend.Incr(ctx, queue, counter, delta)
}
