package slogutil

import (
	"context"
	"log/slog"
	"os"
)

// Handler decorates a slog.Handler so records pick up the attributes
// their context carries (WithAttrs). Engine code that threads a
// per-operation context gets its attributes on every log line without
// replumbing loggers through each layer.
type Handler struct {
	handler slog.Handler
}

// WrapHandler decorates h; a nil h falls back to a text handler on
// stdout.
func WrapHandler(h slog.Handler) Handler {
	if h == nil {
		h = slog.NewTextHandler(os.Stdout, nil)
	}
	return Handler{handler: h}
}

func (h Handler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.handler.Enabled(ctx, l)
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := Attrs(ctx); len(attrs) > 0 {
		r = r.Clone()
		r.AddAttrs(attrs...)
	}
	return h.handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{handler: h.handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{handler: h.handler.WithGroup(name)}
}

// MessageKey is the attribute key records emit their message under, in
// place of slog's default "msg"; log aggregators keyed on "message"
// pick the text up directly.
const MessageKey = "message"

func changeMsgKey(fn ReplaceAttrFunc) ReplaceAttrFunc {
	return func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.MessageKey {
			a = slog.String(MessageKey, a.Value.String())
		}
		if fn != nil {
			return fn(groups, a)
		}
		return a
	}
}
