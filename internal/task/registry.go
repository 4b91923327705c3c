package task

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// HandlerFunc is the signature of every registered task function.
// The returned value is stored as the task result and must be JSON encodable.
type HandlerFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Registry maps function keys to handlers. Registration happens at startup;
// tasks only carry the key so they stay serializable.
type Registry struct {
	mu        sync.RWMutex
	functions map[string]HandlerFunc
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		functions: make(map[string]HandlerFunc),
		logger:    logger.With("component", "task_registry"),
	}
}

// Register binds name to fn. Registering an existing name replaces the
// previous binding.
func (r *Registry) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.functions[name]; exists {
		r.logger.Warn("overwriting registered task function", "function", name)
	}
	r.functions[name] = fn
	r.logger.Debug("registered task function", "function", name)
}

// Function returns the handler bound to name.
func (r *Registry) Function(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.functions[name]
	return fn, ok
}

// Functions lists registered names in lexical order.
func (r *Registry) Functions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
