package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"paylink-service/internal/config"
	"paylink-service/internal/logcontext"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextAttrsReachOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := newLocalLogger(&buf)

	ctx := logcontext.AppendCtx(context.Background(), slog.String("paymentId", "pay-1"))
	logger.InfoContext(ctx, "Payment settled")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "Payment settled", line["msg"])
	assert.Equal(t, "pay-1", line["paymentId"])
	assert.Equal(t, serviceName, line["service"])
}

func TestGetLoggerWithoutURLIsLocal(t *testing.T) {
	assert.NotNil(t, GetLogger(config.Logs{}))
}
