package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"donation-service/internal/logcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLogger_AddsContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := localLogger(&buf)

	ctx := logcontext.AppendCtx(context.Background(), slog.String("donationId", "d-42"))
	logger.InfoContext(ctx, "captured")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "captured", line["msg"])
	assert.Equal(t, "d-42", line["donationId"])
	assert.Equal(t, serviceName, line["service"])
}
