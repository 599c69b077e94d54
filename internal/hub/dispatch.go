// Package hub implements the bidirectional RPC endpoints: connection
// authentication, the per-call pipeline, transparent payload encryption,
// and broadcast fan-out.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/titanplay/backend/internal/apperr"
)

// Call is one inbound hub method invocation after authentication.
type Call struct {
	Method string
	// Args are the raw JSON arguments in order.
	Args []json.RawMessage
	// UserID and Roles identify the connection.
	UserID string
	Roles  []string
}

// HandlerFunc executes one hub method. Results are serialized by the
// pipeline; errors are translated into hub error frames.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// Dispatcher resolves hub method calls. The game-domain services register
// their handlers here; the pipeline stays agnostic of what they do.
type Dispatcher interface {
	Dispatch(ctx context.Context, call *Call) (any, error)
	// RequiredRole returns the role a method demands, "" for none, and
	// whether the method exists.
	RequiredRole(method string) (string, bool)
}

// Registry is a map-backed Dispatcher populated at registration time.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
}

type registration struct {
	fn   HandlerFunc
	role string
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]registration)}
}

// Register binds a method name to a handler with no role requirement.
func (r *Registry) Register(method string, fn HandlerFunc) {
	r.RegisterWithRole(method, "", fn)
}

// RegisterWithRole binds a method name to a handler that demands a role.
func (r *Registry) RegisterWithRole(method, role string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = registration{fn: fn, role: role}
}

// RequiredRole implements Dispatcher.
func (r *Registry) RequiredRole(method string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[method]
	return reg.role, ok
}

// Dispatch implements Dispatcher. Handler panics become opaque errors so a
// broken handler cannot take the connection down with internals attached.
func (r *Registry) Dispatch(ctx context.Context, call *Call) (result any, err error) {
	r.mu.RLock()
	reg, ok := r.handlers[call.Method]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound(fmt.Sprintf("unknown method %q", call.Method))
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = apperr.Wrap(apperr.KindUnknown, "handler failed", fmt.Errorf("panic: %v", rec))
		}
	}()

	return reg.fn(ctx, call)
}
