package engine

import "errors"

// Common errors
var (
	// ErrStorageNil is returned when a nil storage is provided
	ErrStorageNil = errors.New("storage cannot be nil")

	// ErrPusherNil is returned when a nil task pusher is provided
	ErrPusherNil = errors.New("task pusher cannot be nil")

	// ErrCollectorNil is returned when a nil result collector is provided
	ErrCollectorNil = errors.New("result collector cannot be nil")

	// ErrQueueNotFound is returned when a queue does not exist in storage
	ErrQueueNotFound = errors.New("queue not found")

	// ErrRunNotFound is returned when a run does not exist in storage
	ErrRunNotFound = errors.New("run not found")

	// ErrItemNotFound is returned when an item does not exist in storage
	ErrItemNotFound = errors.New("item not found")

	// ErrQueueNameEmpty is returned when a queue definition has no name
	ErrQueueNameEmpty = errors.New("queue name cannot be empty")

	// ErrDuplicateQueueName is returned when two definitions share a name
	ErrDuplicateQueueName = errors.New("duplicate queue name")

	// ErrInvalidChainCondition is returned when a chain condition is unknown
	ErrInvalidChainCondition = errors.New("invalid chain condition")

	// ErrNoItems is returned when a run would be created with no items
	ErrNoItems = errors.New("run has no items")

	// ErrAlreadyRunning is returned when Start is called on a running engine
	ErrAlreadyRunning = errors.New("engine already running")
)
