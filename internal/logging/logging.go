// Package logging provides structured JSON logging with payload redaction.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// payloadKeys are attribute keys whose values are tunnel payload bytes and
// must never reach the log output. Sizes are logged separately where needed.
var payloadKeys = []string{
	"payload",
	"chunk",
	"data",
}

// RedactingHandler wraps a slog.Handler to strip tunnel payload contents.
type RedactingHandler struct {
	handler slog.Handler
	redact  bool
}

// NewRedactingHandler creates a new redacting handler.
func NewRedactingHandler(handler slog.Handler, redact bool) *RedactingHandler {
	return &RedactingHandler{
		handler: handler,
		redact:  redact,
	}
}

// Enabled implements slog.Handler.
func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.redact {
		return h.handler.Handle(ctx, r)
	}

	newRecord := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		newRecord.AddAttrs(h.redactAttr(a))
		return true
	})

	return h.handler.Handle(ctx, newRecord)
}

// WithAttrs implements slog.Handler.
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if h.redact {
		redacted := make([]slog.Attr, len(attrs))
		for i, a := range attrs {
			redacted[i] = h.redactAttr(a)
		}
		attrs = redacted
	}
	return &RedactingHandler{
		handler: h.handler.WithAttrs(attrs),
		redact:  h.redact,
	}
}

// WithGroup implements slog.Handler.
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{
		handler: h.handler.WithGroup(name),
		redact:  h.redact,
	}
}

// redactAttr replaces payload-bearing attributes and recurses into groups.
func (h *RedactingHandler) redactAttr(a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, pk := range payloadKeys {
		if key == pk {
			return slog.String(a.Key, "[REDACTED]")
		}
	}

	if a.Value.Kind() == slog.KindGroup {
		attrs := a.Value.Group()
		redacted := make([]slog.Attr, len(attrs))
		for i, attr := range attrs {
			redacted[i] = h.redactAttr(attr)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(redacted...)}
	}

	return a
}

// Setup initializes the global logger with the given level and redaction setting.
func Setup(level string, redact bool) {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	jsonHandler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})

	handler := NewRedactingHandler(jsonHandler, redact)
	slog.SetDefault(slog.New(handler))
}
