package memstore

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/phrazzld/bgtasks/internal/store"
)

// Store is an in-process implementation of store.QueueBackend. A single
// Store can host any number of queues. Records are copied on the way in
// and out, so callers never share memory with the store.
type Store struct {
	mu      sync.Mutex
	queues  map[string]*queueState
	seq     uint64
	closed  bool
	failErr error
}

type queueState struct {
	pending  pendingHeap
	waiting  map[string]*item
	ledger   map[string][]byte
	counters map[string]int64
	// notify is closed and replaced whenever an id becomes available.
	notify chan struct{}
}

// Compile-time check that Store implements store.QueueBackend.
var _ store.QueueBackend = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{queues: make(map[string]*queueState)}
}

// Fail makes every subsequent call return err until Fail(nil) is called.
func (s *Store) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Enqueue implements store.QueueBackend.
func (s *Store) Enqueue(_ context.Context, queue, id string, priority int, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return err
	}

	q := s.queueLocked(queue)
	q.ledger[id] = clone(record)

	s.seq++
	if it, ok := q.waiting[id]; ok {
		it.priority = priority
		it.seq = s.seq
		heap.Fix(&q.pending, it.index)
	} else {
		it := &item{id: id, priority: priority, seq: s.seq}
		heap.Push(&q.pending, it)
		q.waiting[id] = it
	}

	close(q.notify)
	q.notify = make(chan struct{})
	return nil
}

// Dequeue implements store.QueueBackend. A non-positive timeout polls once.
func (s *Store) Dequeue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		record, notify, err := s.tryDequeue(queue)
		if err != nil || record != nil {
			return record, err
		}
		if deadline == nil {
			return nil, nil
		}

		select {
		case <-notify:
		case <-deadline:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// tryDequeue pops the highest priority id with a ledger record. When the
// queue is empty it returns the channel that signals the next enqueue.
func (s *Store) tryDequeue(queue string) ([]byte, <-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return nil, nil, err
	}

	q := s.queueLocked(queue)
	for q.pending.Len() > 0 {
		it := heap.Pop(&q.pending).(*item)
		delete(q.waiting, it.id)

		// Ids whose ledger entry was deleted while waiting are dropped.
		if record, ok := q.ledger[it.id]; ok {
			return clone(record), nil, nil
		}
	}
	return nil, q.notify, nil
}

// Put implements store.QueueBackend.
func (s *Store) Put(_ context.Context, queue, id string, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return err
	}
	s.queueLocked(queue).ledger[id] = clone(record)
	return nil
}

// Get implements store.QueueBackend.
func (s *Store) Get(_ context.Context, queue, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	record, ok := s.queueLocked(queue).ledger[id]
	if !ok {
		return nil, store.ErrTaskRecordNotFound
	}
	return clone(record), nil
}

// Scan implements store.QueueBackend. Records are visited in id order
// from a snapshot taken when the scan starts.
func (s *Store) Scan(_ context.Context, queue string, fn store.ScanFunc) error {
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	ledger := s.queueLocked(queue).ledger
	ids := make([]string, 0, len(ledger))
	records := make(map[string][]byte, len(ledger))
	for id, record := range ledger {
		ids = append(ids, id)
		records[id] = clone(record)
	}
	s.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		if err := fn(id, records[id]); err != nil {
			return err
		}
	}
	return nil
}

// Delete implements store.QueueBackend. Waiting ids are removed from the
// queue along with their records.
func (s *Store) Delete(_ context.Context, queue string, ids ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return 0, err
	}

	q := s.queueLocked(queue)
	removed := 0
	for _, id := range ids {
		if it, ok := q.waiting[id]; ok {
			heap.Remove(&q.pending, it.index)
			delete(q.waiting, id)
		}
		if _, ok := q.ledger[id]; ok {
			delete(q.ledger, id)
			removed++
		}
	}
	return removed, nil
}

// Len implements store.QueueBackend.
func (s *Store) Len(_ context.Context, queue string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return 0, err
	}
	return int64(s.queueLocked(queue).pending.Len()), nil
}

// Incr implements store.QueueBackend.
func (s *Store) Incr(_ context.Context, queue, counter string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return err
	}
	s.queueLocked(queue).counters[counter] += delta
	return nil
}

// Counters implements store.QueueBackend.
func (s *Store) Counters(_ context.Context, queue string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	for name, value := range s.queueLocked(queue).counters {
		out[name] = value
	}
	return out, nil
}

// Ping implements store.QueueBackend.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkLocked()
}

// Close marks the store closed and wakes blocked dequeues. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for _, q := range s.queues {
		close(q.notify)
		q.notify = make(chan struct{})
	}
	return nil
}

func (s *Store) checkLocked() error {
	if s.closed {
		return store.ErrClosed
	}
	if s.failErr != nil {
		return fmt.Errorf("%w: %w", store.ErrStoreUnavailable, s.failErr)
	}
	return nil
}

func (s *Store) queueLocked(name string) *queueState {
	q, ok := s.queues[name]
	if !ok {
		q = &queueState{
			waiting:  make(map[string]*item),
			ledger:   make(map[string][]byte),
			counters: make(map[string]int64),
			notify:   make(chan struct{}),
		}
		s.queues[name] = q
	}
	return q
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
