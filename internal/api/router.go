package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	apiMiddleware "github.com/phrazzld/bgtasks/internal/api/middleware"
	"github.com/phrazzld/bgtasks/internal/task"
)

// RequestTimeout bounds every API request.
const RequestTimeout = 30 * time.Second

// NewRouter creates the HTTP handler serving the task API and the health
// check.
func NewRouter(service task.Service, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))
	r.Use(apiMiddleware.NewTraceMiddleware(logger))

	tasks := NewTaskHandler(service)

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", tasks.SubmitTask)
		r.Get("/tasks/{id}", tasks.GetTask)
		r.Delete("/tasks/{id}", tasks.CancelTask)
		r.Get("/stats", tasks.GetStats)
	})

	r.Get("/health", tasks.Health)

	return r
}
