// Package engine implements the durable queue-and-run state machine on top
// of the pipeline and distq packages.
//
// A Queue is a persistent definition of recurring work; each firing creates
// a Run holding one Item per unit of work. Items are dispatched to workers
// over the distributed queue in return mode and move monotonically from
// pending to exactly one of ok, err, or timeout. A run is final when every
// item is terminal; finality settles the queue's busy/done counters and
// evaluates the chain conditions of child queues, firing those that match.
//
// Two scanners keep the state machine converging: the timeout scanner
// force-fails items whose queue timeout elapsed since dispatch, and the
// cleanup scanner deletes final runs past their queue's retention horizon.
// Completions arriving after a forced timeout are no-ops.
//
// All persistence goes through the Storage interface; PostgresStorage backs
// production and MemoryStorage backs tests. Overlapping runs of the same
// queue are allowed: claiming a due time is compare-and-swap guarded, but a
// slow run never blocks the next firing.
package engine
