package pipeline

import (
	"fmt"
	"reflect"
)

// Slicer fans a slice payload into one downstream invocation per element,
// tagging each with its index, and registers a join barrier sized to the
// slice so a matching Resolver can fan the results back in.
type Slicer struct {
	*Node
	join    string
	collect bool
}

// SlicerOption configures a slicer.
type SlicerOption func(*Slicer)

// WithCollect makes the registered join collect results into an
// index-addressed slice instead of forwarding the last payload.
func WithCollect() SlicerOption {
	return func(s *Slicer) {
		s.collect = true
	}
}

// NewSlicer creates a slicer that registers its join under the given name.
func NewSlicer(name, join string, opts ...SlicerOption) *Slicer {
	s := &Slicer{
		Node: New(name),
		join: join,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Act validates the payload is a non-empty slice, registers the join, and
// invokes the downstream node once per element. A non-slice or empty slice
// performs no fan-out and signals the slicer's own error branch instead of
// producing a vacuous join.
func (s *Slicer) Act(box *Box, payload any) {
	defer s.recoverTo(box)

	value, _ := Unwrap(payload)
	items, ok := toSlice(value)
	if !ok {
		s.Fail(box, fmt.Errorf("%w: got %T", ErrNotSlice, value))
		return
	}
	if len(items) == 0 {
		s.Fail(box, ErrEmptySlice)
		return
	}

	j := &JoinState{Total: len(items), Collect: s.collect}
	// A caller outside the pipeline may have pre-registered a callback under
	// the same join name; the fan-out keeps it.
	if prev := box.Join(s.join); prev != nil {
		j.Callback = prev.Callback
	}
	box.SetJoin(s.join, j)

	for i, item := range items {
		s.Pass(box, Indexed{Index: i, Value: item})
	}
}

func toSlice(payload any) ([]any, bool) {
	if payload == nil {
		return nil, false
	}
	if items, ok := payload.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(payload)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
