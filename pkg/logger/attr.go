package logger

import (
	"log/slog"
)

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// QueueName records a queue name under the key "queue".
func QueueName(name string) slog.Attr {
	return slog.String("queue", name)
}

// RunID records a run identifier under the key "run_id".
// If id is nil, it returns an empty Attr.
func RunID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("run_id", id)
}

// ItemID records an item identifier under the key "item_id".
// If id is nil, it returns an empty Attr.
func ItemID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("item_id", id)
}
