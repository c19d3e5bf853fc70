// Package pipeline provides the dataflow primitives every pipeq process is
// composed from: a base Node with decide/filter/bypass hooks, a Slicer and
// Broadcaster for fan-out, a Resolver join barrier for fan-in, a Router for
// named dispatch, and a Trigger that originates invocations on a cron
// expression or fixed interval.
//
// Nodes are linked into graphs at composition time via Connect, Bypass, and
// Route. Each invocation carries a Box: a per-invocation context holding
// correlation ids, join state written by fan-out nodes and consumed by their
// matching Resolver, and an optional throttle handle for backpressure.
//
// Failure semantics: a node that cannot complete its responsibility calls
// Fail rather than panicking past its caller. The error, tagged with the
// failing node's name, walks the downstream chain to the nearest node with
// an error handler; a handler may return a new error to keep the chain
// walking. Panics inside hooks are recovered at the call boundary and
// converted into the same path, so a throw can never silently terminate a
// pipeline.
package pipeline
