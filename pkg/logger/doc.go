// Package logger provides a small factory around log/slog used by every
// pipeq process. Format and level are driven by LOG_FORMAT and LOG_LEVEL so
// that deployments can switch between human-readable text output and JSON
// for log aggregation without a rebuild.
package logger
