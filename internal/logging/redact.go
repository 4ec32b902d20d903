package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Redacted replaces secret material in log output.
const Redacted = "[REDACTED]"

// WithRedaction returns a logger that scrubs every occurrence of the given
// secrets from messages and attribute values. Empty secrets are ignored.
func WithRedaction(logger *slog.Logger, secrets ...string) *slog.Logger {
	logger = Ensure(logger)
	var kept []string
	for _, s := range secrets {
		if s != "" {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return logger
	}
	return slog.New(&redactHandler{next: logger.Handler(), replacer: newReplacer(kept)})
}

func newReplacer(secrets []string) *strings.Replacer {
	pairs := make([]string, 0, 2*len(secrets))
	for _, s := range secrets {
		pairs = append(pairs, s, Redacted)
	}
	return strings.NewReplacer(pairs...)
}

type redactHandler struct {
	next     slog.Handler
	replacer *strings.Replacer
}

func (h *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactHandler) Handle(ctx context.Context, record slog.Record) error {
	clean := slog.NewRecord(record.Time, record.Level, h.replacer.Replace(record.Message), record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(h.scrub(attr))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		scrubbed = append(scrubbed, h.scrub(attr))
	}
	return &redactHandler{next: h.next.WithAttrs(scrubbed), replacer: h.replacer}
}

func (h *redactHandler) WithGroup(name string) slog.Handler {
	return &redactHandler{next: h.next.WithGroup(name), replacer: h.replacer}
}

func (h *redactHandler) scrub(attr slog.Attr) slog.Attr {
	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, h.replacer.Replace(value.String()))
	case slog.KindGroup:
		group := value.Group()
		scrubbed := make([]any, 0, len(group))
		for _, nested := range group {
			scrubbed = append(scrubbed, h.scrub(nested))
		}
		return slog.Group(attr.Key, scrubbed...)
	case slog.KindAny:
		var text string
		if err, ok := value.Any().(error); ok && err != nil {
			text = err.Error()
		} else {
			text = fmt.Sprint(value.Any())
		}
		if cleaned := h.replacer.Replace(text); cleaned != text {
			return slog.String(attr.Key, cleaned)
		}
		return slog.Attr{Key: attr.Key, Value: value}
	default:
		return slog.Attr{Key: attr.Key, Value: value}
	}
}
