// Package rpcapi implements the method registry + dispatch layer in
// front of the HTTP transport (spec §4.9, §6). Method names are dotted
// (job.submit, index.sync, system.capabilities, ...); no workspace.* or
// run.* methods are registered. Each method has a handler that decodes
// its own params, and unknown methods or malformed params are converted
// into a distinct user-error kind rather than a panic or a generic 500.
//
// Grounded on goclaw's internal/bus component+command two-level
// registry (bus.RegisterCommand/dispatchCommand): a flat
// map[string]Handler keyed by the full dotted method name, with
// registration happening at startup, when the composition root calls
// each owning component's Register*Methods function.
package rpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agentcompany/agentcompany/internal/apperr"
)

// Handler validates raw params and executes a method, returning a value
// to be JSON-marshaled as the result.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Router dispatches JSON-over-HTTP method calls to registered handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register adds a method handler. Re-registering the same name replaces
// the previous handler (used by tests; production wiring registers each
// method exactly once at startup).
func (r *Router) Register(method string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Dispatch looks up and invokes the handler for method. Unknown methods
// return apperr.KindUserError per spec §4.9.
func (r *Router) Dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	r.mu.RLock()
	h, ok := r.handlers[method]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.KindUserError, fmt.Sprintf("unknown method: %s", method))
	}
	result, err := h(ctx, params)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Methods returns the registered method names, for system.capabilities.
func (r *Router) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	return out
}

// DecodeParams is a small helper most handlers use: unmarshal params
// into dst, converting a malformed-JSON error into the user-error kind
// spec §4.9 expects from failed parameter validation.
func DecodeParams(params json.RawMessage, dst any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return apperr.Wrap(apperr.KindUserError, "invalid params", err)
	}
	return nil
}
