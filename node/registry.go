package node

import (
	"sort"
	"sync"

	"github.com/n3n-io/n3n/common"
)

// Registry is the process-wide mapping from node type to handler. Static
// handlers register once at startup; dynamic plugin handlers are inserted at
// runtime after their container becomes healthy. The map is insert-only.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register inserts a handler. A duplicate type is a configuration
// contradiction and returns a FATAL error.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[h.Type()]; exists {
		return common.FatalError("duplicate handler type: %s", h.Type())
	}
	r.handlers[h.Type()] = h
	common.Logger.Debugf("registered node handler %s", h.Type())
	return nil
}

// MustRegister registers a handler and panics on duplicate type. Intended
// for startup wiring where a duplicate is unrecoverable.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// FindHandler returns the handler for a type, or nil.
func (r *Registry) FindHandler(nodeType string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[nodeType]
}

// HasHandler reports whether a handler is registered for the type.
func (r *Registry) HasHandler(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[nodeType]
	return ok
}

// ListHandlerInfo returns metadata for every registered handler, sorted by
// type for stable output.
func (r *Registry) ListHandlerInfo() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]HandlerInfo, 0, len(r.handlers))
	for _, h := range r.handlers {
		infos = append(infos, h.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })
	return infos
}

// GetHandlersByCategory returns the handlers in one category, sorted by type.
func (r *Registry) GetHandlersByCategory(category Category) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Handler
	for _, h := range r.handlers {
		if h.Info().Category == category {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type() < out[j].Type() })
	return out
}

// GetTriggerHandlers returns all handlers with the trigger flag, sorted by
// type.
func (r *Registry) GetTriggerHandlers() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Handler
	for _, h := range r.handlers {
		if h.Info().IsTrigger {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type() < out[j].Type() })
	return out
}
