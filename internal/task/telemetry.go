package task

import (
	"context"
	"time"
)

// Measurement is one performance sample emitted per executed task.
type Measurement struct {
	// Operation is "task.<function>".
	Operation string
	Duration  time.Duration
	Success   bool
	// Context carries task_id, worker_id and priority.
	Context map[string]any
}

// Telemetry receives performance measurements from workers.
type Telemetry interface {
	RecordPerformance(ctx context.Context, m Measurement)
}

// TelemetryFunc adapts a function to the Telemetry interface.
type TelemetryFunc func(ctx context.Context, m Measurement)

// RecordPerformance calls f(ctx, m).
func (f TelemetryFunc) RecordPerformance(ctx context.Context, m Measurement) {
	f(ctx, m)
}

// NopTelemetry discards every measurement.
var NopTelemetry Telemetry = TelemetryFunc(func(context.Context, Measurement) {})
