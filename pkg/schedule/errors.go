package schedule

import "errors"

var (
	// ErrInvalidCronExpr is returned when a cron expression cannot be parsed
	ErrInvalidCronExpr = errors.New("invalid cron expression")

	// ErrInvalidInterval is returned for non-positive fixed intervals
	ErrInvalidInterval = errors.New("interval must be positive")

	// ErrNoSchedule is returned when a queue defines neither cron nor interval
	ErrNoSchedule = errors.New("no schedule specified")
)
