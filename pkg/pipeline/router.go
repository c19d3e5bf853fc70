package pipeline

import "fmt"

// RouteKeyFunc computes the dispatch key for a router invocation.
type RouteKeyFunc func(box *Box, payload any) string

// Router dispatches a payload to one of several named branches by a
// computed key. A key absent from the table falls back to the bypass actor
// when one is set, otherwise the router signals a route-not-found error.
type Router struct {
	*Node
	routes map[string]Actor
	key    RouteKeyFunc
}

// RouterOption configures a router.
type RouterOption func(*Router)

// WithRouteKey overrides the key computation. The default reads a RouteName
// method or a "name" field from the payload, falling back to the router's
// own name.
func WithRouteKey(fn RouteKeyFunc) RouterOption {
	return func(r *Router) {
		if fn != nil {
			r.key = fn
		}
	}
}

// NewRouter creates a router with an empty route table.
func NewRouter(name string, opts ...RouterOption) *Router {
	r := &Router{
		Node:   New(name),
		routes: make(map[string]Actor),
	}
	r.key = func(_ *Box, payload any) string {
		value, _ := Unwrap(payload)
		if named, ok := value.(interface{ RouteName() string }); ok {
			return named.RouteName()
		}
		if m, ok := value.(map[string]any); ok {
			if name, ok := m["name"].(string); ok {
				return name
			}
		}
		return r.name
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route registers a branch under a key and returns the router for chaining.
func (r *Router) Route(key string, a Actor) *Router {
	r.routes[key] = a
	return r
}

// Act computes the key and dispatches.
func (r *Router) Act(box *Box, payload any) {
	defer r.recoverTo(box)

	key := r.key(box, payload)
	if branch, ok := r.routes[key]; ok {
		branch.Act(box, payload)
		return
	}
	if r.alt != nil {
		r.alt.Act(box, payload)
		return
	}
	r.Fail(box, fmt.Errorf("%w: %q", ErrRouteNotFound, key))
}
