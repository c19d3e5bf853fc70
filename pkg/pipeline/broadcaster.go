package pipeline

// Broadcaster fans one payload out to every connected branch. When
// configured with a join name it installs the join barrier, sized to the
// branch count, before fanning out.
type Broadcaster struct {
	*Node
	branches []Actor
	join     string
	collect  bool
}

// BroadcasterOption configures a broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithJoin installs a join barrier under the given name before each fan-out.
func WithJoin(name string) BroadcasterOption {
	return func(b *Broadcaster) {
		b.join = name
	}
}

// WithJoinCollect makes the installed join collect branch results.
func WithJoinCollect(name string) BroadcasterOption {
	return func(b *Broadcaster) {
		b.join = name
		b.collect = true
	}
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(name string, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		Node: New(name),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add connects downstream branches. The first branch added also anchors the
// error-handler chain for failures signalled by the broadcaster itself.
func (b *Broadcaster) Add(branches ...Actor) *Broadcaster {
	b.branches = append(b.branches, branches...)
	if b.next == nil && len(b.branches) > 0 {
		b.next = b.branches[0]
	}
	return b
}

// Act installs the join barrier if configured, then invokes every branch
// with the same payload.
func (b *Broadcaster) Act(box *Box, payload any) {
	defer b.recoverTo(box)

	if len(b.branches) == 0 {
		b.Fail(box, ErrNoBranches)
		return
	}

	if b.join != "" {
		j := &JoinState{Total: len(b.branches), Collect: b.collect}
		if prev := box.Join(b.join); prev != nil {
			j.Callback = prev.Callback
		}
		box.SetJoin(b.join, j)
	}

	for _, branch := range b.branches {
		branch.Act(box, payload)
	}
}
