// Package metrics aggregates task performance measurements in memory.
package metrics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/phrazzld/bgtasks/internal/task"
)

// OperationStats summarizes every measurement recorded for one operation.
type OperationStats struct {
	Operation string        `json:"operation"`
	Count     int64         `json:"count"`
	Succeeded int64         `json:"succeeded"`
	Failed    int64         `json:"failed"`
	Total     time.Duration `json:"total_ns"`
	Min       time.Duration `json:"min_ns"`
	Max       time.Duration `json:"max_ns"`
	Avg       time.Duration `json:"avg_ns"`
}

// Snapshot is a point-in-time copy of a Collector.
type Snapshot struct {
	Measurements int64            `json:"measurements"`
	Operations   []OperationStats `json:"operations"`
}

// Collector implements task.Telemetry by folding measurements into
// per-operation aggregates.
type Collector struct {
	logger *slog.Logger

	mu    sync.Mutex
	total int64
	ops   map[string]*OperationStats
}

// Compile-time check that Collector implements task.Telemetry.
var _ task.Telemetry = (*Collector)(nil)

// NewCollector creates an empty Collector. Each measurement is also logged
// at debug level on logger.
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{
		logger: logger.With("component", "metrics"),
		ops:    make(map[string]*OperationStats),
	}
}

// RecordPerformance implements task.Telemetry.
func (c *Collector) RecordPerformance(ctx context.Context, m task.Measurement) {
	c.mu.Lock()
	stats, ok := c.ops[m.Operation]
	if !ok {
		stats = &OperationStats{Operation: m.Operation, Min: m.Duration}
		c.ops[m.Operation] = stats
	}

	c.total++
	stats.Count++
	if m.Success {
		stats.Succeeded++
	} else {
		stats.Failed++
	}
	stats.Total += m.Duration
	if m.Duration < stats.Min {
		stats.Min = m.Duration
	}
	if m.Duration > stats.Max {
		stats.Max = m.Duration
	}
	stats.Avg = stats.Total / time.Duration(stats.Count)
	c.mu.Unlock()

	c.logger.DebugContext(ctx, "performance recorded",
		slog.String("operation", m.Operation),
		slog.Duration("duration", m.Duration),
		slog.Bool("success", m.Success),
		slog.Any("context", m.Context))
}

// Snapshot returns the aggregates ordered by operation name.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Measurements: c.total,
		Operations:   make([]OperationStats, 0, len(c.ops)),
	}
	for _, stats := range c.ops {
		snap.Operations = append(snap.Operations, *stats)
	}
	sort.Slice(snap.Operations, func(i, j int) bool {
		return snap.Operations[i].Operation < snap.Operations[j].Operation
	})
	return snap
}

// PerformanceSummary returns Snapshot for inclusion in system stats.
func (c *Collector) PerformanceSummary() any {
	return c.Snapshot()
}

// Reset drops every aggregate.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.total = 0
	c.ops = make(map[string]*OperationStats)
	c.mu.Unlock()
}
