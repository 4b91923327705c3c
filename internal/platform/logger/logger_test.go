// Package logger_test contains tests for the logger package
package logger_test

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/phrazzld/bgtasks/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_LevelFiltering(t *testing.T) {
	original := slog.Default()
	defer slog.SetDefault(original)

	testCases := []struct {
		level       string
		debugLogged bool
		infoLogged  bool
		warnLogged  bool
	}{
		{level: "debug", debugLogged: true, infoLogged: true, warnLogged: true},
		{level: "INFO", debugLogged: false, infoLogged: true, warnLogged: true},
		{level: "warn", debugLogged: false, infoLogged: false, warnLogged: true},
		{level: "bogus", debugLogged: false, infoLogged: true, warnLogged: true},
	}

	for _, tc := range testCases {
		t.Run(tc.level, func(t *testing.T) {
			buf := &logger.TestLogBuffer{}
			l, err := logger.Setup(logger.LoggerConfig{Level: tc.level, Output: buf})
			require.NoError(t, err)
			require.NotNil(t, l)

			l.Debug("debug message")
			l.Info("info message")
			l.Warn("warn message")

			out := buf.String()
			assert.Equal(t, tc.debugLogged, strings.Contains(out, "debug message"))
			assert.Equal(t, tc.infoLogged, strings.Contains(out, "info message"))
			assert.Equal(t, tc.warnLogged, strings.Contains(out, "warn message"))
			assert.Same(t, l, slog.Default(), "Setup should install the logger as default")
		})
	}
}

func TestSetup_JSONOutput(t *testing.T) {
	original := slog.Default()
	defer slog.SetDefault(original)

	buf := &logger.TestLogBuffer{}
	l, err := logger.Setup(logger.LoggerConfig{Level: "info", Output: buf})
	require.NoError(t, err)

	l.Info("task enqueued", "task_id", "abc", "priority", 10)

	entries, err := buf.GetLogEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "task enqueued", entries[0]["msg"])
	assert.Equal(t, "abc", entries[0]["task_id"])
	assert.EqualValues(t, 10, entries[0]["priority"])
}

func TestFromContext(t *testing.T) {
	t.Run("returns stored logger", func(t *testing.T) {
		l, buf := logger.GetTestLogger(t)
		ctx := logger.WithLogger(context.Background(), l)

		logger.FromContext(ctx).Info("from context")

		logger.AssertLogContains(t, buf, "from context")
	})

	t.Run("falls back to default", func(t *testing.T) {
		assert.Same(t, slog.Default(), logger.FromContext(context.Background()))
	})
}
