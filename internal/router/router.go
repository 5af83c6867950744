// Package router implements the event router (C7): priority-ordered
// handler lists per event kind, with a middleware chain that can
// transform or drop events before dispatch.
package router

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Event is the canonical envelope routed through the bridge: a kind tag
// plus an opaque payload (a decoded platform or AI-service frame).
type Event struct {
	Kind    string
	Payload map[string]interface{}
}

// Handler processes one routed event.
type Handler func(ctx context.Context, evt Event)

// Middleware transforms or drops an event before handler dispatch.
// Returning ok=false drops the event; no handler in the chain observes
// it, per spec.md §4.7's "sentinel drop" contract.
type Middleware func(ctx context.Context, evt Event) (Event, bool)

type registeredHandler struct {
	priority int
	handler  Handler
}

// Router holds a single handler table keyed by event kind, shared by
// platform events and AI-service events (the two sources are not kept
// apart, so a kind name used by both reaches the same handlers), plus a
// single middleware chain applied to every event.
type Router struct {
	logger *zap.Logger

	mu         sync.RWMutex
	handlers   map[string][]registeredHandler
	middleware []Middleware
}

// New builds an empty Router.
func New(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		logger:   logger,
		handlers: make(map[string][]registeredHandler),
	}
}

// Use appends mw to the middleware chain. Middleware run in
// registration order.
func (r *Router) Use(mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
}

// Handle registers handler for kind at priority. Higher priorities run
// first; ties preserve registration order.
func (r *Router) Handle(kind string, priority int, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = append(r.handlers[kind], registeredHandler{priority: priority, handler: handler})
	list := r.handlers[kind]
	sort.SliceStable(list, func(i, j int) bool { return list[i].priority > list[j].priority })
}

// Route runs evt through the middleware chain and, unless dropped,
// dispatches it sequentially to every registered handler for its kind
// in priority order. An unknown kind is logged at debug level, not an
// error.
func (r *Router) Route(ctx context.Context, evt Event) {
	r.mu.RLock()
	middleware := append([]Middleware(nil), r.middleware...)
	r.mu.RUnlock()

	current := evt
	for _, mw := range middleware {
		next, ok := mw(ctx, current)
		if !ok {
			return
		}
		current = next
	}

	r.mu.RLock()
	list := append([]registeredHandler(nil), r.handlers[current.Kind]...)
	r.mu.RUnlock()

	if len(list) == 0 {
		r.logger.Debug("no handlers registered for event kind", zap.String("kind", current.Kind))
		return
	}

	for _, rh := range list {
		rh.handler(ctx, current)
	}
}
