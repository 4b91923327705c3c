package task

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ScheduleKind distinguishes repeating entries from one-shot ones.
type ScheduleKind string

// Schedule kinds
const (
	SchedulePeriodic ScheduleKind = "periodic"
	ScheduleDelayed  ScheduleKind = "delayed"
)

// Enqueuer places a freshly built task on a named queue.
type Enqueuer interface {
	EnqueueTask(ctx context.Context, queueName string, t *Task) error
}

// ScheduleEntry is a rule the scheduler turns into tasks.
type ScheduleEntry struct {
	ID       string        `json:"id"`
	Kind     ScheduleKind  `json:"kind"`
	Spec     TaskSpec      `json:"-"`
	Name     string        `json:"name"`
	Function string        `json:"function"`
	Queue    string        `json:"queue,omitempty"`
	CronExpr string        `json:"cron_expr,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	NextRun  time.Time     `json:"next_run"`
	LastRun  *time.Time    `json:"last_run,omitempty"`
	RunCount int           `json:"run_count"`

	schedule cron.Schedule
}

// SchedulerStats summarizes the scheduler for monitoring.
type SchedulerStats struct {
	Running bool            `json:"running"`
	Entries int             `json:"entries"`
	Fired   int64           `json:"fired"`
	Errors  int64           `json:"errors"`
	Next    []ScheduleEntry `json:"next,omitempty"`
}

// Scheduler keeps periodic (cron) and delayed (one-shot) entries in memory
// and polls them, enqueueing a new task for every entry that is due. A
// failure on one entry is logged and never affects the others.
type Scheduler struct {
	enqueuer Enqueuer
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*ScheduleEntry
	fired   int64
	errors  int64

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewScheduler creates a scheduler that polls every interval (one second
// when interval is not positive).
func NewScheduler(enqueuer Enqueuer, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		enqueuer: enqueuer,
		interval: interval,
		logger:   logger.With("component", "task_scheduler"),
		now:      time.Now,
		entries:  make(map[string]*ScheduleEntry),
	}
}

// SchedulePeriodic registers spec to run on the standard five field cron
// expression cronExpr and returns the entry id.
func (s *Scheduler) SchedulePeriodic(spec TaskSpec, cronExpr string) (string, error) {
	if err := validateSpec(spec); err != nil {
		return "", err
	}
	sched, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return "", fmt.Errorf("%w: invalid cron expression %q: %v", ErrInvalidConfig, cronExpr, err)
	}

	entry := s.newEntry(SchedulePeriodic, spec)
	entry.CronExpr = cronExpr
	entry.schedule = sched
	entry.NextRun = sched.Next(s.now())

	s.add(entry)
	return entry.ID, nil
}

// ScheduleDelayed registers spec to run once after delay and returns the entry id.
func (s *Scheduler) ScheduleDelayed(spec TaskSpec, delay time.Duration) (string, error) {
	if err := validateSpec(spec); err != nil {
		return "", err
	}
	if delay < 0 {
		return "", fmt.Errorf("%w: negative delay %s", ErrInvalidConfig, delay)
	}

	entry := s.newEntry(ScheduleDelayed, spec)
	entry.Delay = delay
	entry.NextRun = s.now().Add(delay)

	s.add(entry)
	return entry.ID, nil
}

// Unschedule removes an entry and reports whether it existed.
func (s *Scheduler) Unschedule(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	s.logger.Info("schedule removed", "schedule_id", id)
	return true
}

// Entries returns copies of all entries ordered by next run.
func (s *Scheduler) Entries() []ScheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ScheduleEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	return out
}

// Stats returns a snapshot for monitoring.
func (s *Scheduler) Stats() SchedulerStats {
	entries := s.Entries()

	s.runMu.Lock()
	running := s.running
	s.runMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	return SchedulerStats{
		Running: running,
		Entries: len(entries),
		Fired:   s.fired,
		Errors:  s.errors,
		Next:    entries,
	}
}

// Start launches the poll loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.loop(ctx, s.stop, s.done)
	s.logger.Info("scheduler started", "poll_interval", s.interval)
}

// Stop ends the poll loop and waits for the current poll to finish.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.runMu.Unlock()

	<-done
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every due entry once.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	due := make([]*ScheduleEntry, 0)
	for _, e := range s.entries {
		if !e.NextRun.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].NextRun.Before(due[j].NextRun) })

	for _, e := range due {
		s.fire(ctx, e, now)
	}
}

// fire materializes one entry. On failure the entry is left as it was and
// is retried on the next poll.
func (s *Scheduler) fire(ctx context.Context, e *ScheduleEntry, now time.Time) {
	log := s.logger.With("schedule_id", e.ID, "function", e.Function, "kind", e.Kind)

	err := func() (err error) {
		defer func() {
			if x := recover(); x != nil {
				err = fmt.Errorf("panic: %v", x)
			}
		}()

		t, err := NewTask(e.Spec, now)
		if err != nil {
			return err
		}
		if err := s.enqueuer.EnqueueTask(ctx, e.Queue, t); err != nil {
			return err
		}
		log.Debug("scheduled task enqueued", "task_id", t.ID)
		return nil
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.errors++
		log.Error("failed to enqueue scheduled task", "error", err)
		return
	}

	s.fired++
	current, ok := s.entries[e.ID]
	if !ok {
		return
	}

	ran := now.UTC()
	current.LastRun = &ran
	current.RunCount++

	switch current.Kind {
	case SchedulePeriodic:
		// Next run is computed from now, not from the previous next run.
		current.NextRun = current.schedule.Next(now)
	case ScheduleDelayed:
		delete(s.entries, current.ID)
	}
}

func validateSpec(spec TaskSpec) error {
	if spec.Function == "" {
		return fmt.Errorf("%w: function is required", ErrInvalidConfig)
	}
	if spec.Config != nil {
		return spec.Config.Validate()
	}
	return nil
}

func (s *Scheduler) newEntry(kind ScheduleKind, spec TaskSpec) *ScheduleEntry {
	name := spec.Name
	if name == "" {
		name = spec.Function
	}
	return &ScheduleEntry{
		ID:       uuid.NewString(),
		Kind:     kind,
		Spec:     spec,
		Name:     name,
		Function: spec.Function,
		Queue:    spec.Queue,
	}
}

func (s *Scheduler) add(e *ScheduleEntry) {
	s.mu.Lock()
	s.entries[e.ID] = e
	s.mu.Unlock()

	s.logger.Info("schedule added",
		"schedule_id", e.ID,
		"kind", e.Kind,
		"function", e.Function,
		"cron_expr", e.CronExpr,
		"next_run", e.NextRun)
}
