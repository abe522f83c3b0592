package slogutil

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithAttrs_AttachesContextAttrsToRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithAttrs(context.Background(),
		slog.String("fs_op", "getattr"), slog.String("path", "/a"))
	logger.InfoContext(ctx, "operation failed")

	out := buf.String()
	assert.Contains(t, out, "fs_op=getattr")
	assert.Contains(t, out, "path=/a")
}

func TestWithAttrs_LaterValuesOverrideEarlier(t *testing.T) {
	ctx := WithAttrs(context.Background(), slog.String("k", "one"))
	ctx = WithAttrs(ctx, slog.String("k", "two"))

	attrs := Attrs(ctx)
	require.Len(t, attrs, 1)
	assert.Equal(t, "two", attrs[0].Value.String())
}

func TestWithAttrs_DoesNotMutateParentContext(t *testing.T) {
	parent := WithAttrs(context.Background(), slog.String("k", "parent"))
	_ = WithAttrs(parent, slog.String("k", "child"))

	attrs := Attrs(parent)
	require.Len(t, attrs, 1)
	assert.Equal(t, "parent", attrs[0].Value.String())
}

func TestChangeMsgKey_RenamesMessageAttr(t *testing.T) {
	fn := changeMsgKey(nil)
	a := fn(nil, slog.String(slog.MessageKey, "hello"))
	assert.Equal(t, MessageKey, a.Key)
	assert.Equal(t, "hello", a.Value.String())
}
