// Package schedule computes queue due times from cron expressions or fixed
// intervals, optionally bounded by a validity window. A zero Next value
// signals that a schedule has ended.
package schedule
