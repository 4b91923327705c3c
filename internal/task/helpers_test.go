package task

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/bgtasks/internal/platform/memstore"
	"github.com/phrazzld/bgtasks/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// newTestQueue returns a queue over a fresh in-memory store wrapped in a
// MockBackend so tests can count store calls.
func newTestQueue(t *testing.T, name string) (*Queue, *MockBackend, *memstore.Store) {
	t.Helper()

	mem := memstore.New()
	backend := NewMockBackend(mem)
	t.Cleanup(func() { _ = mem.Close() })

	return NewQueue(name, backend, testLogger()), backend, mem
}

func memFactory(backend store.QueueBackend) BackendFactory {
	return func(context.Context, string) (store.QueueBackend, error) {
		return backend, nil
	}
}

func testWorkerConfig() WorkerConfig {
	return WorkerConfig{
		DequeueTimeout: 20 * time.Millisecond,
		IdlePause:      time.Millisecond,
		ErrorPause:     5 * time.Millisecond,
	}
}

func mustNewTask(t *testing.T, spec TaskSpec) *Task {
	t.Helper()

	task, err := NewTask(spec, time.Now())
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	return task
}

// measurementRecorder is a Telemetry that keeps every measurement.
type measurementRecorder struct {
	mu           sync.Mutex
	measurements []Measurement
}

func (r *measurementRecorder) RecordPerformance(_ context.Context, m Measurement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.measurements = append(r.measurements, m)
}

func (r *measurementRecorder) all() []Measurement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Measurement(nil), r.measurements...)
}

func (r *measurementRecorder) PerformanceSummary() any {
	return map[string]int{"measurements": len(r.all())}
}
