package pipeline

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrNotSlice is returned when a slicer receives a non-slice payload
	ErrNotSlice = errors.New("payload is not a slice")

	// ErrEmptySlice is returned when a slicer receives a zero-length slice
	ErrEmptySlice = errors.New("cannot fan out an empty slice")

	// ErrJoinNotFound is returned when a resolver finds no join state in the box
	ErrJoinNotFound = errors.New("join not registered in box")

	// ErrRouteNotFound is returned when a router key matches no branch and no bypass is set
	ErrRouteNotFound = errors.New("route not found")

	// ErrNoBranches is returned when a broadcaster fires with nothing connected
	ErrNoBranches = errors.New("broadcaster has no branches")
)

// Error tags a failure with the node it originated from. It is the value
// every error handler in a downstream chain receives.
type Error struct {
	Node string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("node %s: %v", e.Node, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
