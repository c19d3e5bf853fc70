package pipeline

import "fmt"

// Resolver is the fan-in counterpart of a Slicer or Broadcaster: it records
// each completion against the named join and releases its downstream exactly
// once per round, when the completion count reaches the expected total.
type Resolver struct {
	*Node
	join string
}

// NewResolver creates a resolver bound to a join name.
func NewResolver(name, join string) *Resolver {
	return &Resolver{
		Node: New(name),
		join: join,
	}
}

// Act records one completion. A callback registered in the join is invoked
// immediately and independently of the counting logic. Passthrough joins
// proxy every completion directly. Otherwise the completion is counted (and
// collected when the join collects) and the downstream node receives either
// the collected slice or the last payload once the round closes.
func (r *Resolver) Act(box *Box, payload any) {
	defer r.recoverTo(box)

	j := box.Join(r.join)
	if j == nil {
		r.Fail(box, fmt.Errorf("%w: %q", ErrJoinNotFound, r.join))
		return
	}

	value, index := Unwrap(payload)

	if j.Callback != nil {
		j.Callback(value)
	}

	if j.Passthrough {
		r.Pass(box, value)
		return
	}

	done, out := j.Complete(index, value)
	if done {
		r.Pass(box, out)
	}
}
