// Package redis wires the transient broker connection used for cross-process
// task hand-off: list push/pop, pub/sub wake-ups, and TTL-bound result keys
// all ride on a single process-wide client created here.
package redis
