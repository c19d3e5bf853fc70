// Package distq moves pipeline work across process boundaries over Redis.
//
// A queue is a Redis list holding JSON envelopes, paired with a pub/sub
// wake-up channel. The package is organised around four roles:
//
//   - Pusher    — validates a task, verifies a live consumer exists, and
//     appends the envelope to the queue list
//   - Handler   — subscribes to the wake-up channel and drains the list
//     through a bounded worker pool
//   - Collector — subscribes to the fixed result channels and hands decoded
//     results back to the local waiter that owns them
//   - ResultStore — persists each result under a TTL-bound key so a slow or
//     restarting consumer can still pick it up
//
// Envelopes carry a correlation id, a per-element index, and a delivery
// mode. Mode "none" is fire-and-forget, "return" delivers exactly one result
// per task, and "stream" delivers a sequence of chunks with the final chunk
// tagged. Results are consume-once: the collector deletes the result key as
// it reads it, and results whose correlation id is not locally owned are
// dropped so that several collectors can share the same channels.
//
// Roles interact only through Redis, so pushers, handlers, and collectors
// can be deployed in separate processes or services.
package distq
