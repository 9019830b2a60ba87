// Package invoke performs calls across the capability boundary: the
// readiness check on a resolver and the action on a target. The engine
// only sees the Invoker interface; transports live behind it.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alfredjeanlab/sorotask/internal/idgen"
	"github.com/alfredjeanlab/sorotask/internal/model"
)

// SelectorCheckCondition is the fixed selector every resolver implements.
const SelectorCheckCondition = "check_condition"

var (
	// ErrUnknownCapability is returned when no capability is registered
	// under an identity.
	ErrUnknownCapability = errors.New("unknown capability")

	// ErrUnknownScheme is returned by Router for an identity whose scheme
	// has no transport.
	ErrUnknownScheme = errors.New("no invoker for identity scheme")
)

// Invoker calls selector on the capability named by identity with args.
// A returned error means the call failed; the result is then undefined.
type Invoker interface {
	Call(ctx context.Context, identity model.Identity, selector string, args []model.Value) (model.Value, error)
}

// Func is a capability implemented in Go.
type Func func(ctx context.Context, selector string, args []model.Value) (model.Value, error)

// Local dispatches calls to capabilities registered in process. Identities
// are matched by name, so "local:counter" and "counter" address the same
// capability.
type Local struct {
	mu   sync.RWMutex
	caps map[string]Func
}

var _ Invoker = (*Local)(nil)

// NewLocal returns an empty registry.
func NewLocal() *Local {
	return &Local{caps: make(map[string]Func)}
}

// Register installs fn under name, replacing any previous capability.
func (l *Local) Register(name string, fn Func) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.caps[name] = fn
}

func (l *Local) Call(ctx context.Context, identity model.Identity, selector string, args []model.Value) (model.Value, error) {
	l.mu.RLock()
	fn, ok := l.caps[identity.Name()]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, identity)
	}
	return fn(ctx, selector, args)
}

// Router picks an Invoker by the scheme of the identity being called.
type Router struct {
	routes map[string]Invoker
	logger *slog.Logger
}

var _ Invoker = (*Router)(nil)

// NewRouter returns a router with no routes.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{routes: make(map[string]Invoker), logger: logger}
}

// Handle routes identities with the given scheme (e.g. "http") to inv.
func (r *Router) Handle(scheme string, inv Invoker) *Router {
	r.routes[scheme] = inv
	return r
}

// Schemes returns the number of configured routes.
func (r *Router) Schemes() int {
	return len(r.routes)
}

func (r *Router) Call(ctx context.Context, identity model.Identity, selector string, args []model.Value) (model.Value, error) {
	scheme := identity.Scheme()
	inv, ok := r.routes[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q (%s)", ErrUnknownScheme, scheme, identity)
	}

	callID := idgen.Invocation()
	ctx = WithInvocationID(ctx, callID)
	r.logger.Debug("invoking capability", "invocation", callID, "identity", identity, "selector", selector, "args", len(args))
	res, err := inv.Call(ctx, identity, selector, args)
	if err != nil {
		r.logger.Debug("capability call failed", "invocation", callID, "identity", identity, "selector", selector, "err", err)
		return nil, err
	}
	return res, nil
}

type invocationKey struct{}

// WithInvocationID attaches a correlation ID to ctx.
func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationKey{}, id)
}

// InvocationID returns the correlation ID attached by Router, or "".
func InvocationID(ctx context.Context) string {
	id, _ := ctx.Value(invocationKey{}).(string)
	return id
}

type discardKey struct{}

// WithResultDiscarded marks a call whose result the caller ignores. Only
// the call's success then matters, so invokers skip reading or validating
// the response body.
func WithResultDiscarded(ctx context.Context) context.Context {
	return context.WithValue(ctx, discardKey{}, true)
}

func resultDiscarded(ctx context.Context) bool {
	v, _ := ctx.Value(discardKey{}).(bool)
	return v
}
