// Package registry is the dispatch table the Executor consults to turn a
// job's qualified name into runnable code. It replaces the dynamic class
// loading the reference design used: every job implementation registers
// itself under its canonical name at process startup, and an unknown name
// is a startup-time configuration error, not a runtime one.
package registry

import (
	"fmt"
	"sync"

	"github.com/coreflowhq/coreflow/internal/runctx"
)

// Handler is the contract a job implementation must satisfy. Name must
// match the `name` field jobs are enqueued with exactly.
type Handler interface {
	Name() string
	Run(rc *runctx.Context) error
}

// Registry maps a job's qualified name to its Handler. Safe for concurrent
// lookup; registration is expected to happen once at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h under h.Name(). Registering a nil handler, a handler
// with an empty name, or a second handler for an already-registered name
// is a wiring error and returns a descriptive error rather than panicking,
// so callers can fail startup with a clear SetupError.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("registry: nil handler")
	}
	name := h.Name()
	if name == "" {
		return fmt.Errorf("registry: handler Name() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("registry: handler already registered for name=%s", name)
	}
	r.handlers[name] = h
	return nil
}

// Get returns the handler registered for name, if any.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns every registered job name, for --info/class-resolution
// diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}
