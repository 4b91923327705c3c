package main

import (
	"context"
	"fmt"
	"time"

	"github.com/phrazzld/bgtasks/internal/platform/logger"
	"github.com/phrazzld/bgtasks/internal/task"
	"github.com/spf13/cast"
)

// Diagnostic functions registered by the server for smoke testing.
const (
	EchoFunction  = "diagnostics.echo"
	SleepFunction = "diagnostics.sleep"
)

func registerDiagnostics(registry *task.Registry) {
	registry.Register(EchoFunction, echoHandler)
	registry.Register(SleepFunction, sleepHandler)
}

// echoHandler returns its arguments unchanged.
func echoHandler(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	logger.FromContext(ctx).Debug("echo", "args", len(args), "kwargs", len(kwargs))
	return map[string]any{"args": args, "kwargs": kwargs}, nil
}

// sleepHandler waits kwargs["seconds"] and honours cancellation. With
// kwargs["fail"] set it returns an error afterwards, which exercises retries.
func sleepHandler(ctx context.Context, _ []any, kwargs map[string]any) (any, error) {
	secs, err := cast.ToFloat64E(kwargs["seconds"])
	if err != nil || secs < 0 {
		return nil, task.Permanent(fmt.Errorf("seconds must be a non-negative number, got %v", kwargs["seconds"]))
	}

	timer := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	if cast.ToBool(kwargs["fail"]) {
		return nil, fmt.Errorf("sleep finished with requested failure")
	}
	return map[string]any{"slept_seconds": secs}, nil
}
