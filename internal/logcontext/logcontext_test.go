package logcontext_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"paylink-service/internal/logcontext"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextHandler_AddsContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(logcontext.ContextHandler{Handler: slog.NewJSONHandler(&buf, nil)})

	ctx := logcontext.AppendCtx(context.Background(), slog.String("paymentId", "abc"))
	ctx = logcontext.AppendCtx(ctx, slog.String("stage", "verify"))

	logger.InfoContext(ctx, "hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "abc", entry["paymentId"])
	assert.Equal(t, "verify", entry["stage"])
}

func TestAppendCtx_DoesNotLeakIntoParent(t *testing.T) {
	parent := logcontext.AppendCtx(context.Background(), slog.String("a", "1"))
	child := logcontext.AppendCtx(parent, slog.String("b", "2"))

	assert.Len(t, logcontext.Attrs(parent), 1)
	assert.Len(t, logcontext.Attrs(child), 2)
}
