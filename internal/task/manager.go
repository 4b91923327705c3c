package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/phrazzld/bgtasks/internal/store"
	"github.com/spf13/cast"
)

// Names of the built-in maintenance queue and function.
const (
	DefaultQueueName    = "default"
	MaintenanceQueue    = "maintenance"
	MaintenanceFunction = "maintenance.clear_completed"
)

// BackendFactory opens the store backend for a named queue.
type BackendFactory func(ctx context.Context, queueName string) (store.QueueBackend, error)

// ManagerConfig holds configuration for the task manager
type ManagerConfig struct {
	// DefaultQueue is created by Initialize and used when a spec names no queue.
	DefaultQueue string

	// Worker is applied to every worker started by StartWorkers.
	Worker WorkerConfig

	// SchedulerInterval is the scheduler poll interval. Defaults to 1s.
	SchedulerInterval time.Duration

	// MaintenanceCron, when set, schedules MaintenanceFunction on the
	// maintenance queue with this cron expression.
	MaintenanceCron string

	// MaintenanceRetention is how long finished tasks are kept by maintenance.
	MaintenanceRetention time.Duration

	// StuckTaskAge defines how long a task can be RUNNING before the
	// monitor puts it back to PENDING. Zero disables the monitor.
	StuckTaskAge time.Duration

	// StuckTaskCheckInterval defines how often to check for stuck tasks.
	// If zero, defaults to 5 minutes.
	StuckTaskCheckInterval time.Duration
}

// DefaultManagerConfig returns a ManagerConfig with reasonable defaults
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DefaultQueue:           DefaultQueueName,
		Worker:                 DefaultWorkerConfig(),
		SchedulerInterval:      time.Second,
		MaintenanceRetention:   24 * time.Hour,
		StuckTaskCheckInterval: 5 * time.Minute,
	}
}

// Service is the part of the manager consumed by submission and monitoring
// surfaces such as the HTTP API.
type Service interface {
	SubmitTask(ctx context.Context, spec TaskSpec) (string, error)
	GetTaskStatus(ctx context.Context, id string) (*Task, error)
	CancelTask(ctx context.Context, id string) (bool, error)
	GetSystemStats(ctx context.Context) (SystemStats, error)
	CheckHealth(ctx context.Context) (HealthStatus, error)
	Shutdown(ctx context.Context)
}

// HealthStatus is the liveness view of the manager.
type HealthStatus struct {
	Initialized   bool
	UptimeSeconds float64
}

// SystemStats aggregates queue, worker and scheduler statistics.
type SystemStats struct {
	Initialized   bool                  `json:"initialized"`
	UptimeSeconds float64               `json:"uptime_seconds"`
	Queues        map[string]QueueStats `json:"queues"`
	Unavailable   map[string]string     `json:"unavailable,omitempty"`
	Workers       []WorkerStats         `json:"workers"`
	Scheduler     *SchedulerStats       `json:"scheduler,omitempty"`
	Functions     []string              `json:"functions"`
	Performance   any                   `json:"performance,omitempty"`
}

// PerformanceReporter is implemented by telemetry sinks that can summarize
// what they recorded.
type PerformanceReporter interface {
	PerformanceSummary() any
}

// Manager owns the queues, workers and scheduler of one process. It must be
// initialized explicitly before use and shut down once at exit.
type Manager struct {
	config    ManagerConfig
	factory   BackendFactory
	registry  *Registry
	telemetry Telemetry
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.RWMutex
	initialized bool
	startedAt   time.Time
	queues      map[string]*Queue
	workers     []*Worker
	scheduler   *Scheduler

	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// Compile-time check that Manager implements Service.
var _ Service = (*Manager)(nil)

// NewManager creates a manager. A nil registry gets an empty one and a nil
// telemetry discards measurements.
func NewManager(
	config ManagerConfig,
	factory BackendFactory,
	registry *Registry,
	telemetry Telemetry,
	logger *slog.Logger,
) *Manager {
	defaults := DefaultManagerConfig()
	if config.DefaultQueue == "" {
		config.DefaultQueue = defaults.DefaultQueue
	}
	if config.SchedulerInterval <= 0 {
		config.SchedulerInterval = defaults.SchedulerInterval
	}
	if config.StuckTaskCheckInterval <= 0 {
		config.StuckTaskCheckInterval = defaults.StuckTaskCheckInterval
	}
	if registry == nil {
		registry = NewRegistry(logger)
	}
	if telemetry == nil {
		telemetry = NopTelemetry
	}

	return &Manager{
		config:    config,
		factory:   factory,
		registry:  registry,
		telemetry: telemetry,
		logger:    logger.With("component", "task_manager"),
		now:       time.Now,
		queues:    make(map[string]*Queue),
	}
}

// Registry returns the function registry shared by all workers.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Initialize connects the default queue and prepares the scheduler. When
// maintenance is configured it also registers MaintenanceFunction, creates
// the maintenance queue and schedules the cleanup. Calling Initialize again
// is a no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.scheduler = NewScheduler(m, m.config.SchedulerInterval, m.logger)
	m.scheduler.now = m.now
	m.startedAt = m.now()
	m.initialized = true
	m.mu.Unlock()

	if _, err := m.CreateQueue(ctx, m.config.DefaultQueue); err != nil {
		m.reset()
		return fmt.Errorf("failed to initialize task manager: %w", err)
	}

	if m.config.MaintenanceCron != "" {
		if err := m.setupMaintenance(ctx); err != nil {
			m.reset()
			return fmt.Errorf("failed to initialize task manager: %w", err)
		}
	}

	if m.config.StuckTaskAge > 0 {
		m.startStuckTaskMonitor()
	}

	m.logger.Info("task manager initialized",
		"default_queue", m.config.DefaultQueue,
		"functions", len(m.registry.Functions()))
	return nil
}

// CreateQueue connects a named queue. Creating an existing queue returns it.
func (m *Manager) CreateQueue(ctx context.Context, name string) (*Queue, error) {
	if !m.isInitialized() {
		return nil, ErrNotInitialized
	}
	if name == "" {
		return nil, fmt.Errorf("%w: queue name is required", ErrInvalidConfig)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[name]; ok {
		return q, nil
	}

	backend, err := m.factory(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to open backend for queue %s: %w", name, err)
	}
	if err := backend.Ping(ctx); err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("failed to connect queue %s: %w", name, err)
	}

	q := NewQueue(name, backend, m.logger)
	m.queues[name] = q
	m.logger.Info("queue created", "queue", name)
	return q, nil
}

// Queue returns a queue created earlier. An empty name selects the default queue.
func (m *Manager) Queue(name string) (*Queue, error) {
	if !m.isInitialized() {
		return nil, ErrNotInitialized
	}
	if name == "" {
		name = m.config.DefaultQueue
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return q, nil
}

// StartWorkers spawns count workers competing for the named queue.
func (m *Manager) StartWorkers(count int, queueName string) error {
	if count <= 0 {
		return fmt.Errorf("%w: worker count must be positive, got %d", ErrInvalidConfig, count)
	}
	q, err := m.Queue(queueName)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ctx := m.ctx
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("%s-worker-%d", q.Name(), len(m.workers)+1)
		w := NewWorker(id, q, m.registry, m.telemetry, m.config.Worker, m.logger)
		m.workers = append(m.workers, w)

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			w.Run(ctx)
		}()
	}

	m.logger.Info("workers started", "queue", q.Name(), "count", count, "total_workers", len(m.workers))
	return nil
}

// StartScheduler starts the scheduler poll loop.
func (m *Manager) StartScheduler() error {
	if !m.isInitialized() {
		return ErrNotInitialized
	}
	m.scheduler.Start(m.ctx)
	return nil
}

// SubmitTask builds a PENDING task from spec, enqueues it and returns its
// id. Submission does not wait for execution; store failures are returned.
func (m *Manager) SubmitTask(ctx context.Context, spec TaskSpec) (string, error) {
	q, err := m.Queue(spec.Queue)
	if err != nil {
		return "", err
	}

	t, err := NewTask(spec, m.now())
	if err != nil {
		return "", err
	}
	if err := q.Enqueue(ctx, t); err != nil {
		return "", err
	}

	m.logger.Info("task submitted",
		"task_id", t.ID,
		"function", t.Function,
		"queue", q.Name(),
		"priority", t.Config.Priority)
	return t.ID, nil
}

// EnqueueTask places t on the named queue. It is the scheduler's path into
// the queues.
func (m *Manager) EnqueueTask(ctx context.Context, queueName string, t *Task) error {
	q, err := m.Queue(queueName)
	if err != nil {
		return err
	}
	return q.Enqueue(ctx, t)
}

// GetTaskStatus returns the ledger entry for id, searching queues in name order.
func (m *Manager) GetTaskStatus(ctx context.Context, id string) (*Task, error) {
	_, t, err := m.locate(ctx, id)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CancelTask cancels a PENDING task. It reports false when the task has
// already left the PENDING state.
func (m *Manager) CancelTask(ctx context.Context, id string) (bool, error) {
	q, _, err := m.locate(ctx, id)
	if err != nil {
		return false, err
	}
	return q.CancelTask(ctx, id)
}

// SchedulePeriodic adds a cron schedule and returns its id.
func (m *Manager) SchedulePeriodic(spec TaskSpec, cronExpr string) (string, error) {
	if err := m.checkScheduleQueue(spec.Queue); err != nil {
		return "", err
	}
	return m.scheduler.SchedulePeriodic(spec, cronExpr)
}

// ScheduleDelayed adds a one-shot schedule and returns its id.
func (m *Manager) ScheduleDelayed(spec TaskSpec, delay time.Duration) (string, error) {
	if err := m.checkScheduleQueue(spec.Queue); err != nil {
		return "", err
	}
	return m.scheduler.ScheduleDelayed(spec, delay)
}

// Unschedule removes a schedule and reports whether it existed.
func (m *Manager) Unschedule(id string) bool {
	if !m.isInitialized() {
		return false
	}
	return m.scheduler.Unschedule(id)
}

// GetSystemStats collects statistics from every component. A queue whose
// store cannot be read is reported under Unavailable instead of failing
// the whole call.
func (m *Manager) GetSystemStats(ctx context.Context) (SystemStats, error) {
	stats := SystemStats{
		Queues:    make(map[string]QueueStats),
		Functions: m.registry.Functions(),
	}
	if !m.isInitialized() {
		return stats, ErrNotInitialized
	}

	m.mu.RLock()
	stats.Initialized = true
	stats.UptimeSeconds = m.now().Sub(m.startedAt).Seconds()
	queues := m.sortedQueuesLocked()
	workers := append([]*Worker(nil), m.workers...)
	scheduler := m.scheduler
	m.mu.RUnlock()

	for _, q := range queues {
		qs, err := q.GetQueueStats(ctx)
		if err != nil {
			m.logger.Warn("failed to read queue stats", "queue", q.Name(), "error", err)
			if stats.Unavailable == nil {
				stats.Unavailable = make(map[string]string)
			}
			stats.Unavailable[q.Name()] = err.Error()
			continue
		}
		stats.Queues[q.Name()] = qs
	}

	stats.Workers = make([]WorkerStats, 0, len(workers))
	for _, w := range workers {
		stats.Workers = append(stats.Workers, w.Stats())
	}

	schedulerStats := scheduler.Stats()
	stats.Scheduler = &schedulerStats

	if reporter, ok := m.telemetry.(PerformanceReporter); ok {
		stats.Performance = reporter.PerformanceSummary()
	}

	return stats, nil
}

// CheckHealth reports whether the manager is initialized and the default
// queue's store answers a ping. Unlike GetSystemStats it reads no ledger.
func (m *Manager) CheckHealth(ctx context.Context) (HealthStatus, error) {
	m.mu.RLock()
	initialized := m.initialized
	startedAt := m.startedAt
	q := m.queues[m.config.DefaultQueue]
	m.mu.RUnlock()

	if !initialized {
		return HealthStatus{}, ErrNotInitialized
	}

	status := HealthStatus{
		Initialized:   true,
		UptimeSeconds: m.now().Sub(startedAt).Seconds(),
	}
	if q != nil {
		if err := q.Ping(ctx); err != nil {
			return status, err
		}
	}
	return status, nil
}

// Shutdown stops the scheduler, the stuck task monitor and all workers,
// then closes every queue backend. Each step is attempted even when an
// earlier one fails; failures are logged. Workers finish the task they are
// executing; if ctx expires first, Shutdown stops waiting for them.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return
	}
	m.initialized = false
	scheduler := m.scheduler
	workers := append([]*Worker(nil), m.workers...)
	queues := m.sortedQueuesLocked()
	monitorCancel, monitorDone := m.monitorCancel, m.monitorDone
	cancel := m.cancel
	m.monitorCancel, m.monitorDone = nil, nil
	m.mu.Unlock()

	m.logger.Info("shutting down task manager", "workers", len(workers), "queues", len(queues))

	m.bestEffort("stop scheduler", func() error {
		scheduler.Stop()
		return nil
	})

	m.bestEffort("stop stuck task monitor", func() error {
		if monitorCancel == nil {
			return nil
		}
		monitorCancel()
		<-monitorDone
		return nil
	})

	m.bestEffort("stop workers", func() error {
		for _, w := range workers {
			w.Stop()
		}

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("workers still running: %w", ctx.Err())
		}
	})

	m.bestEffort("cancel manager context", func() error {
		cancel()
		return nil
	})

	for _, q := range queues {
		m.bestEffort("close queue "+q.Name(), q.Close)
	}

	m.mu.Lock()
	m.queues = make(map[string]*Queue)
	m.workers = nil
	m.mu.Unlock()

	m.logger.Info("task manager shut down")
}

// bestEffort runs one shutdown step, logging its error or panic.
func (m *Manager) bestEffort(step string, fn func() error) {
	defer func() {
		if x := recover(); x != nil {
			m.logger.Error("shutdown step panicked", "step", step, "panic", x)
		}
	}()

	if err := fn(); err != nil {
		m.logger.Error("shutdown step failed", "step", step, "error", err)
	}
}

func (m *Manager) setupMaintenance(ctx context.Context) error {
	if _, err := m.CreateQueue(ctx, MaintenanceQueue); err != nil {
		return err
	}
	if _, ok := m.registry.Function(MaintenanceFunction); !ok {
		m.registry.Register(MaintenanceFunction, m.clearCompletedHandler)
	}

	cfg := DefaultTaskConfig()
	cfg.Priority = PriorityLow
	cfg.MaxRetries = 1
	_, err := m.scheduler.SchedulePeriodic(TaskSpec{
		Name:     "clear completed tasks",
		Function: MaintenanceFunction,
		Kwargs:   map[string]any{"older_than_hours": m.config.MaintenanceRetention.Hours()},
		Config:   &cfg,
		Queue:    MaintenanceQueue,
	}, m.config.MaintenanceCron)
	return err
}

// clearCompletedHandler removes finished tasks from every queue. It reads
// the optional "older_than_hours" keyword argument.
func (m *Manager) clearCompletedHandler(ctx context.Context, _ []any, kwargs map[string]any) (any, error) {
	olderThan, err := hoursArg(kwargs, "older_than_hours", m.config.MaintenanceRetention)
	if err != nil {
		return nil, Permanent(err)
	}

	m.mu.RLock()
	queues := m.sortedQueuesLocked()
	m.mu.RUnlock()

	removed := make(map[string]int, len(queues))
	for _, q := range queues {
		n, err := q.ClearCompletedTasks(ctx, olderThan)
		if err != nil {
			return removed, fmt.Errorf("failed to clear queue %s: %w", q.Name(), err)
		}
		removed[q.Name()] = n
	}
	return removed, nil
}

// startStuckTaskMonitor periodically puts tasks that have been RUNNING for
// too long back to PENDING.
func (m *Manager) startStuckTaskMonitor() {
	ctx, cancel := context.WithCancel(m.ctx)
	done := make(chan struct{})

	m.mu.Lock()
	m.monitorCancel = cancel
	m.monitorDone = done
	m.mu.Unlock()

	go func() {
		defer close(done)

		ticker := time.NewTicker(m.config.StuckTaskCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.requeueStuckTasks(ctx)
			}
		}
	}()
}

func (m *Manager) requeueStuckTasks(ctx context.Context) {
	m.mu.RLock()
	queues := m.sortedQueuesLocked()
	m.mu.RUnlock()

	for _, q := range queues {
		n, err := q.RequeueStuckTasks(ctx, m.config.StuckTaskAge)
		if err != nil {
			m.logger.Error("failed to check for stuck tasks", "queue", q.Name(), "error", err)
		}
		if n > 0 {
			m.logger.Info("found stuck tasks", "queue", q.Name(), "count", n)
		}
	}
}

// hoursArg reads a number of hours from kwargs[key], accepting any numeric
// or numeric string value.
func hoursArg(kwargs map[string]any, key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := kwargs[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	hours, err := cast.ToFloat64E(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	if hours < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, key)
	}
	return time.Duration(hours * float64(time.Hour)), nil
}

// locate finds the queue whose ledger holds id.
func (m *Manager) locate(ctx context.Context, id string) (*Queue, *Task, error) {
	if !m.isInitialized() {
		return nil, nil, ErrNotInitialized
	}

	m.mu.RLock()
	queues := m.sortedQueuesLocked()
	m.mu.RUnlock()

	for _, q := range queues {
		t, err := q.GetTaskStatus(ctx, id)
		if err == nil {
			return q, t, nil
		}
		if !errors.Is(err, ErrTaskNotFound) {
			return nil, nil, err
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

func (m *Manager) checkScheduleQueue(name string) error {
	if !m.isInitialized() {
		return ErrNotInitialized
	}
	_, err := m.Queue(name)
	return err
}

func (m *Manager) sortedQueuesLocked() []*Queue {
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	sort.Strings(names)

	queues := make([]*Queue, 0, len(names))
	for _, name := range names {
		queues = append(queues, m.queues[name])
	}
	return queues
}

func (m *Manager) isInitialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// reset undoes a partial Initialize.
func (m *Manager) reset() {
	m.mu.Lock()
	queues := m.sortedQueuesLocked()
	m.queues = make(map[string]*Queue)
	m.initialized = false
	cancel := m.cancel
	m.mu.Unlock()

	for _, q := range queues {
		if err := q.Close(); err != nil {
			m.logger.Warn("failed to close queue", "queue", q.Name(), "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
}
