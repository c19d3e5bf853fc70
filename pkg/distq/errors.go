package distq

import "errors"

// Common errors
var (
	// ErrClientNil is returned when a nil Redis client is provided
	ErrClientNil = errors.New("redis client cannot be nil")

	// ErrQueueNameEmpty is returned when a task names no queue
	ErrQueueNameEmpty = errors.New("queue name cannot be empty")

	// ErrPayloadNil is returned when attempting to push a nil payload
	ErrPayloadNil = errors.New("payload cannot be nil")

	// ErrPayloadMarshal is returned when payload marshaling fails
	ErrPayloadMarshal = errors.New("failed to marshal payload to JSON")

	// ErrInvalidMode is returned when a task carries an unknown delivery mode
	ErrInvalidMode = errors.New("invalid delivery mode")

	// ErrQueueNotFound is returned when no handler is subscribed to the queue
	ErrQueueNotFound = errors.New("no consumer subscribed to queue")

	// ErrWorkFuncNil is returned when a handler is created without a work function
	ErrWorkFuncNil = errors.New("work function cannot be nil")

	// ErrResultExpired is returned when a result key was evicted before consumption
	ErrResultExpired = errors.New("result expired before it was consumed")

	// ErrAlreadyRunning is returned when Run is called on a running component
	ErrAlreadyRunning = errors.New("already running")

	// ErrStreamClosed is returned when sending on a closed stream writer
	ErrStreamClosed = errors.New("stream already closed")
)
