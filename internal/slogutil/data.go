package slogutil

import (
	"context"
	"log/slog"
	"maps"
)

type attrData map[string]slog.Attr

type attrKey struct{}

// WithAttrs returns a context carrying attrs; every record logged with
// that context through a wrapped Handler picks them up. A later
// addition overrides an earlier one with the same key.
func WithAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	if len(attrs) == 0 {
		return ctx
	}

	d, ok := ctx.Value(attrKey{}).(attrData)
	if ok {
		d = maps.Clone(d)
	} else {
		d = attrData{}
	}
	for _, attr := range attrs {
		d[attr.Key] = attr
	}
	return context.WithValue(ctx, attrKey{}, d)
}

// Attrs returns the attributes carried by ctx, if any.
func Attrs(ctx context.Context) []slog.Attr {
	d, ok := ctx.Value(attrKey{}).(attrData)
	if !ok {
		return nil
	}

	attrs := make([]slog.Attr, 0, len(d))
	for _, attr := range d {
		attrs = append(attrs, attr)
	}
	return attrs
}
