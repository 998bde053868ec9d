package emit

import (
	"context"
	"log/slog"
	"sort"
)

// LogEmitter writes events as structured log records.
//
// Every event becomes one record at Info level (Warn for MsgError) with the
// event name as message and the ids plus every Meta entry as attributes:
//
//	{"level":"INFO","msg":"status","plan_execution_id":"pe-1","node_execution_id":"ne-7","node_id":"build","status":"RUNNING"}
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter logs through logger, or slog.Default() when nil.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

func (l *LogEmitter) Emit(event Event) {
	level := slog.LevelInfo
	if event.Msg == MsgError {
		level = slog.LevelWarn
	}

	attrs := make([]slog.Attr, 0, 3+len(event.Meta))
	attrs = append(attrs, slog.String("plan_execution_id", event.PlanExecutionID))
	if event.NodeExecutionID != "" {
		attrs = append(attrs, slog.String("node_execution_id", event.NodeExecutionID))
	}
	if event.NodeID != "" {
		attrs = append(attrs, slog.String("node_id", event.NodeID))
	}

	// Sorted so records are stable across runs.
	keys := make([]string, 0, len(event.Meta))
	for k := range event.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, event.Meta[k]))
	}

	l.logger.LogAttrs(context.Background(), level, event.Msg, attrs...)
}
