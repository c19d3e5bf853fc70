// Package pg wires the durable store: pgxpool connection with startup
// retries, goose schema migrations, a health check closure for the ops
// endpoint, and helpers for classifying PostgreSQL errors.
package pg
