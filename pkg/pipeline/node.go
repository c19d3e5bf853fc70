package pipeline

import (
	"fmt"
	"log/slog"
)

type (
	// DecideFunc reports whether a node should process an invocation.
	DecideFunc func(box *Box, payload any) bool

	// FilterFunc transforms a payload before it is passed downstream.
	FilterFunc func(box *Box, payload any) (any, error)

	// ErrorHandler consumes a tagged pipeline error. Returning nil stops the
	// chain; returning an error keeps it walking to the next handler.
	ErrorHandler func(box *Box, err *Error) error
)

// Actor is anything that can take part in a pipeline graph.
type Actor interface {
	Name() string
	Act(box *Box, payload any)

	base() *Node
}

// Node is the base pipeline actor: it decides whether to act, optionally
// transforms the payload, and hands it to the connected downstream node.
// Concrete actors (Slicer, Broadcaster, Resolver, Router, Trigger) embed a
// Node and replace Act while inheriting linkage and failure semantics.
type Node struct {
	name    string
	logger  *slog.Logger
	decide  DecideFunc
	filter  FilterFunc
	next    Actor
	alt     Actor
	handler ErrorHandler
}

// Option is a functional option for configuring a node.
type Option func(*Node)

// WithLogger sets the logger for the node.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.logger = l
		}
	}
}

// WithDecide overrides the decision predicate (default: always act).
func WithDecide(fn DecideFunc) Option {
	return func(n *Node) {
		if fn != nil {
			n.decide = fn
		}
	}
}

// WithFilter overrides the payload transform (default: identity).
func WithFilter(fn FilterFunc) Option {
	return func(n *Node) {
		if fn != nil {
			n.filter = fn
		}
	}
}

// New creates a base node.
func New(name string, opts ...Option) *Node {
	n := &Node{
		name:   name,
		logger: slog.Default(),
		decide: func(*Box, any) bool { return true },
		filter: func(_ *Box, payload any) (any, error) { return payload, nil },
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Node) base() *Node { return n }

// Name returns the node name.
func (n *Node) Name() string { return n.name }

// Connect links the primary downstream actor and returns it for chaining.
func (n *Node) Connect(next Actor) Actor {
	n.next = next
	return next
}

// Bypass designates the alternate actor consulted only when the decision
// predicate returns false. This is how normal processing is short-circuited
// without branching inside node logic.
func (n *Node) Bypass(alt Actor) {
	n.alt = alt
}

// OnError installs this node's error handler, making it a stop on the
// downstream error chain.
func (n *Node) OnError(h ErrorHandler) {
	n.handler = h
}

// Act runs the decide/filter/pass sequence. Panics in either hook are
// recovered and converted into the node's failure path.
func (n *Node) Act(box *Box, payload any) {
	defer n.recoverTo(box)

	if !n.decide(box, payload) {
		if n.alt != nil {
			n.alt.Act(box, payload)
		}
		return
	}

	out, err := n.filter(box, payload)
	if err != nil {
		n.Fail(box, err)
		return
	}
	n.Pass(box, out)
}

// Pass hands the payload to the connected downstream actor. A panic thrown
// by the downstream call is caught here, at the call boundary, and routed
// through Fail.
func (n *Node) Pass(box *Box, payload any) {
	next := n.next
	if next == nil {
		return
	}
	defer n.recoverTo(box)
	next.Act(box, payload)
}

// Fail tags the error with this node's name and walks the downstream chain
// for the nearest error handler. A handler returning a non-nil error keeps
// the chain walking; an error that reaches the end of the chain is logged.
func (n *Node) Fail(box *Box, err error) {
	perr := &Error{Node: n.name, Err: err}
	for a := n.next; a != nil; a = a.base().next {
		h := a.base().handler
		if h == nil {
			continue
		}
		again := h(box, perr)
		if again == nil {
			return
		}
		perr = &Error{Node: a.Name(), Err: again}
	}
	n.logger.Error("unhandled pipeline error",
		slog.String("node", perr.Node),
		slog.String("box_id", box.Correlation.BoxID),
		slog.Any("error", perr.Err))
}

func (n *Node) recoverTo(box *Box) {
	if r := recover(); r != nil {
		n.logger.Error("recovered panic in pipeline node",
			slog.String("node", n.name),
			slog.String("box_id", box.Correlation.BoxID),
			slog.Any("panic", r))
		n.Fail(box, fmt.Errorf("panic: %v", r))
	}
}
