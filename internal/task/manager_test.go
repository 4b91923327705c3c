package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/phrazzld/bgtasks/internal/platform/memstore"
	"github.com/phrazzld/bgtasks/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, config ManagerConfig, telemetry Telemetry) (*Manager, *memstore.Store) {
	t.Helper()

	mem := memstore.New()
	if config.Worker == (WorkerConfig{}) {
		config.Worker = testWorkerConfig()
	}
	if config.SchedulerInterval == 0 {
		config.SchedulerInterval = 5 * time.Millisecond
	}

	m := NewManager(config, memFactory(mem), nil, telemetry, testLogger())
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	return m, mem
}

func waitForStatus(t *testing.T, m *Manager, id string, want TaskStatus) *Task {
	t.Helper()

	var got *Task
	require.Eventually(t, func() bool {
		task, err := m.GetTaskStatus(context.Background(), id)
		if err != nil {
			return false
		}
		got = task
		return task.Status == want
	}, 3*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return got
}

func TestManager_RequiresInitialize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewManager(DefaultManagerConfig(), memFactory(memstore.New()), nil, nil, testLogger())

	_, err := m.SubmitTask(ctx, TaskSpec{Function: "f"})
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = m.GetTaskStatus(ctx, "id")
	assert.ErrorIs(t, err, ErrNotInitialized)

	assert.ErrorIs(t, m.StartWorkers(1, ""), ErrNotInitialized)
	assert.ErrorIs(t, m.StartScheduler(), ErrNotInitialized)

	_, err = m.GetSystemStats(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)

	assert.NotPanics(t, func() { m.Shutdown(ctx) })
}

func TestManager_CheckHealth(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	uninitialized := NewManager(DefaultManagerConfig(), memFactory(memstore.New()), nil, nil, testLogger())
	_, err := uninitialized.CheckHealth(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)

	m, mem := newTestManager(t, ManagerConfig{}, nil)

	health, err := m.CheckHealth(ctx)
	require.NoError(t, err)
	assert.True(t, health.Initialized)
	assert.GreaterOrEqual(t, health.UptimeSeconds, 0.0)

	mem.Fail(errors.New("connection refused"))
	defer mem.Fail(nil)

	health, err = m.CheckHealth(ctx)
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	assert.True(t, health.Initialized)
}

func TestManager_InitializeFailure(t *testing.T) {
	t.Parallel()

	factory := func(context.Context, string) (store.QueueBackend, error) {
		return nil, errors.New("dial tcp: connection refused")
	}
	m := NewManager(DefaultManagerConfig(), factory, nil, nil, testLogger())

	err := m.Initialize(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	_, err = m.SubmitTask(context.Background(), TaskSpec{Function: "f"})
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestManager_SubmitTaskIsPendingImmediately(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := newTestManager(t, ManagerConfig{}, nil)

	id, err := m.SubmitTask(ctx, TaskSpec{Name: "x", Function: "anything"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task, err := m.GetTaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusPending, task.Status)
	assert.Equal(t, "x", task.Name)

	_, err = m.GetTaskStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestManager_SubmitTaskErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, mem := newTestManager(t, ManagerConfig{}, nil)

	_, err := m.SubmitTask(ctx, TaskSpec{Function: "f", Queue: "nope"})
	assert.ErrorIs(t, err, ErrQueueNotFound)

	_, err = m.SubmitTask(ctx, TaskSpec{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	mem.Fail(errors.New("READONLY"))
	_, err = m.SubmitTask(ctx, TaskSpec{Function: "f"})
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
}

func TestManager_EndToEnd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	recorder := &measurementRecorder{}
	m, _ := newTestManager(t, ManagerConfig{}, recorder)

	m.Registry().Register("greet", func(_ context.Context, args []any, _ map[string]any) (any, error) {
		return "hello " + args[0].(string), nil
	})
	require.NoError(t, m.StartWorkers(2, ""))

	id, err := m.SubmitTask(ctx, TaskSpec{Function: "greet", Args: []any{"ada"}})
	require.NoError(t, err)

	task := waitForStatus(t, m, id, TaskStatusCompleted)
	assert.Equal(t, "hello ada", task.Result.Result)

	cfg := DefaultTaskConfig()
	cfg.MaxRetries = 2
	missing, err := m.SubmitTask(ctx, TaskSpec{Name: "x", Function: "unregistered_fn", Config: &cfg})
	require.NoError(t, err)

	task = waitForStatus(t, m, missing, TaskStatusFailed)
	assert.Contains(t, task.Result.Error, "not found")
	assert.Equal(t, 0, task.Result.RetriesAttempted, "unknown functions fail without consuming retries")

	// Counters and telemetry are recorded right after the status is written.
	var stats SystemStats
	require.Eventually(t, func() bool {
		stats, err = m.GetSystemStats(ctx)
		return err == nil &&
			stats.Queues[DefaultQueueName].Failed == 1 &&
			len(recorder.all()) == 2
	}, 3*time.Second, 5*time.Millisecond)

	assert.True(t, stats.Initialized)
	assert.Len(t, stats.Workers, 2)
	assert.Equal(t, int64(1), stats.Queues[DefaultQueueName].Completed)
	assert.Contains(t, stats.Functions, "greet")

	stats, err = m.GetSystemStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"measurements": 2}, stats.Performance)
}

func TestManager_QueuesAreIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := newTestManager(t, ManagerConfig{}, nil)

	reports, err := m.CreateQueue(ctx, "reports")
	require.NoError(t, err)
	again, err := m.CreateQueue(ctx, "reports")
	require.NoError(t, err)
	assert.Same(t, reports, again)

	ran := make(chan string, 1)
	m.Registry().Register("build", func(_ context.Context, args []any, _ map[string]any) (any, error) {
		ran <- args[0].(string)
		return nil, nil
	})
	require.NoError(t, m.StartWorkers(1, "reports"))

	_, err = m.SubmitTask(ctx, TaskSpec{Function: "build", Args: []any{"default"}})
	require.NoError(t, err)
	reportID, err := m.SubmitTask(ctx, TaskSpec{Function: "build", Args: []any{"reports"}, Queue: "reports"})
	require.NoError(t, err)

	select {
	case got := <-ran:
		assert.Equal(t, "reports", got)
	case <-time.After(3 * time.Second):
		t.Fatal("reports worker did not run")
	}
	waitForStatus(t, m, reportID, TaskStatusCompleted)

	stats, err := m.GetSystemStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Queues[DefaultQueueName].Length, "no worker serves the default queue")
}

func TestManager_CancelTask(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := newTestManager(t, ManagerConfig{}, nil)

	id, err := m.SubmitTask(ctx, TaskSpec{Function: "f"})
	require.NoError(t, err)

	ok, err := m.CancelTask(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	task, err := m.GetTaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCancelled, task.Status)

	_, err = m.CancelTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestManager_Scheduling(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := newTestManager(t, ManagerConfig{}, nil)

	m.Registry().Register("ping", func(context.Context, []any, map[string]any) (any, error) { return "pong", nil })
	require.NoError(t, m.StartWorkers(1, ""))
	require.NoError(t, m.StartScheduler())

	_, err := m.ScheduleDelayed(TaskSpec{Function: "ping", Queue: "missing"}, 0)
	assert.ErrorIs(t, err, ErrQueueNotFound)

	periodic, err := m.SchedulePeriodic(TaskSpec{Function: "ping"}, "0 0 1 1 *")
	require.NoError(t, err)

	_, err = m.ScheduleDelayed(TaskSpec{Function: "ping"}, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := m.GetSystemStats(ctx)
		return err == nil && stats.Queues[DefaultQueueName].Completed == 1
	}, 3*time.Second, 5*time.Millisecond)

	stats, err := m.GetSystemStats(ctx)
	require.NoError(t, err)
	require.NotNil(t, stats.Scheduler)
	assert.True(t, stats.Scheduler.Running)
	assert.Equal(t, 1, stats.Scheduler.Entries)

	assert.True(t, m.Unschedule(periodic))
	assert.False(t, m.Unschedule(periodic))
}

func TestManager_Maintenance(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := newTestManager(t, ManagerConfig{
		MaintenanceCron:      "0 3 * * *",
		MaintenanceRetention: time.Hour,
	}, nil)

	assert.Contains(t, m.Registry().Functions(), MaintenanceFunction)
	_, err := m.Queue(MaintenanceQueue)
	require.NoError(t, err)

	stats, err := m.GetSystemStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Scheduler.Entries)
	assert.Equal(t, MaintenanceFunction, stats.Scheduler.Next[0].Function)
	assert.Equal(t, MaintenanceQueue, stats.Scheduler.Next[0].Queue)

	q, err := m.Queue("")
	require.NoError(t, err)

	finished := time.Now().UTC()
	done := mustNewTask(t, TaskSpec{Function: "f"})
	done.Status = TaskStatusCompleted
	done.Result = &TaskResult{TaskID: done.ID, Status: TaskStatusCompleted, CompletedAt: &finished}
	require.NoError(t, q.UpdateTaskStatus(ctx, done))
	pendingID, err := m.SubmitTask(ctx, TaskSpec{Function: "f"})
	require.NoError(t, err)

	fn, ok := m.Registry().Function(MaintenanceFunction)
	require.True(t, ok)

	result, err := fn(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{DefaultQueueName: 0, MaintenanceQueue: 0}, result, "retention keeps recent tasks")

	result, err = fn(ctx, nil, map[string]any{"older_than_hours": "0"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{DefaultQueueName: 1, MaintenanceQueue: 0}, result)

	_, err = m.GetTaskStatus(ctx, done.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = m.GetTaskStatus(ctx, pendingID)
	assert.NoError(t, err)

	_, err = fn(ctx, nil, map[string]any{"older_than_hours": "soon"})
	assert.ErrorIs(t, err, SkipRetry)
}

func TestManager_StuckTaskMonitor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := newTestManager(t, ManagerConfig{
		StuckTaskAge:           time.Minute,
		StuckTaskCheckInterval: 5 * time.Millisecond,
	}, nil)

	q, err := m.Queue("")
	require.NoError(t, err)

	started := time.Now().UTC().Add(-time.Hour)
	stuck := mustNewTask(t, TaskSpec{Function: "f"})
	stuck.Status = TaskStatusRunning
	stuck.Result = &TaskResult{TaskID: stuck.ID, Status: TaskStatusRunning, StartedAt: &started}
	require.NoError(t, q.UpdateTaskStatus(ctx, stuck))

	waitForStatus(t, m, stuck.ID, TaskStatusPending)
}

// closeFailingBackend reports an error from Close.
type closeFailingBackend struct {
	store.QueueBackend
}

func (closeFailingBackend) Close() error { return errors.New("close failed") }

func TestManager_ShutdownIsBestEffort(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := memstore.New()
	backend := closeFailingBackend{QueueBackend: mem}
	m := NewManager(ManagerConfig{Worker: testWorkerConfig()}, memFactory(backend), nil, nil, testLogger())
	require.NoError(t, m.Initialize(ctx))

	_, err := m.CreateQueue(ctx, "second")
	require.NoError(t, err)

	started := make(chan struct{})
	m.Registry().Register("slow", func(context.Context, []any, map[string]any) (any, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return "done", nil
	})
	require.NoError(t, m.StartWorkers(2, ""))
	require.NoError(t, m.StartScheduler())

	id, err := m.SubmitTask(ctx, TaskSpec{Function: "slow"})
	require.NoError(t, err)
	<-started

	assert.NotPanics(t, func() { m.Shutdown(ctx) })
	assert.NotPanics(t, func() { m.Shutdown(ctx) }, "a second shutdown is a no-op")

	_, err = m.SubmitTask(ctx, TaskSpec{Function: "slow"})
	assert.ErrorIs(t, err, ErrNotInitialized)

	// The running task was allowed to finish before the queues closed.
	record, err := mem.Get(ctx, DefaultQueueName, id)
	require.NoError(t, err)
	task, err := UnmarshalTask(record)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, task.Status)
}

func TestManager_ShutdownHonoursDeadline(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := newTestManager(t, ManagerConfig{}, nil)

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	m.Registry().Register("stuck", func(context.Context, []any, map[string]any) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	require.NoError(t, m.StartWorkers(1, ""))
	_, err := m.SubmitTask(ctx, TaskSpec{Function: "stuck"})
	require.NoError(t, err)
	<-started

	shutdownCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	begin := time.Now()
	m.Shutdown(shutdownCtx)
	assert.Less(t, time.Since(begin), 2*time.Second)
}
