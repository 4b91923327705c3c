package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/phrazzld/bgtasks/internal/api/shared"
	"github.com/phrazzld/bgtasks/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceMiddleware(t *testing.T) {
	base, buf := logger.GetTestLogger(t)

	var seenTrace string
	handler := NewTraceMiddleware(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenTrace = shared.GetTraceID(r.Context())
		logger.FromContext(r.Context()).Info("inside handler")
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	require.NotEmpty(t, seenTrace)
	logger.AssertLogContains(t, buf, `"msg":"inside handler"`)

	entries, err := buf.GetLogEntries()
	require.NoError(t, err)
	for _, entry := range entries {
		assert.Equal(t, seenTrace, entry["trace_id"], "every entry carries the trace id")
	}
}

func TestTraceMiddlewareUniquePerRequest(t *testing.T) {
	base := slog.New(slog.NewTextHandler(io.Discard, nil))

	var traces []string
	handler := NewTraceMiddleware(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traces = append(traces, shared.GetTraceID(r.Context()))
	}))

	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}

	require.Len(t, traces, 2)
	assert.NotEqual(t, traces[0], traces[1])
}
