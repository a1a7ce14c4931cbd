package slogutil

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_AddsContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewTextHandler(&buf, nil)))

	ctx := With(context.Background(), "archive", "movie.part01.rar", "attempt", 1)
	ctx = With(ctx, "attempt", 2)

	logger.InfoContext(ctx, "processing")

	out := buf.String()
	assert.Contains(t, out, "archive=movie.part01.rar")
	assert.Contains(t, out, "attempt=2")
	assert.NotContains(t, out, "attempt=1")
}

func TestDynamicLeveler(t *testing.T) {
	var buf bytes.Buffer
	lv := NewDynamicLeveler(slog.LevelInfo)
	logger := slog.New(WrapHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: lv})))

	logger.Debug("hidden")
	require.Empty(t, buf.String())

	lv.SetLevel(slog.LevelDebug)
	logger.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
