package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	assert.True(t, New("debug").Core().Enabled(zapcore.DebugLevel))
	assert.False(t, New("warn").Core().Enabled(zapcore.InfoLevel))
	assert.True(t, New("bogus").Core().Enabled(zapcore.InfoLevel))
	assert.False(t, New("bogus").Core().Enabled(zapcore.DebugLevel))
}

func TestContextLogger_AddsTraceFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cl := NewContextLogger(zap.New(core).Sugar())

	t.Run("no span", func(t *testing.T) {
		cl.LogInfo(context.Background(), "plain", "party_id", "a")
		entry := logs.TakeAll()[0]
		_, ok := entry.ContextMap()["trace_id"]
		assert.False(t, ok)
		assert.Equal(t, "a", entry.ContextMap()["party_id"])
	})

	t.Run("with span", func(t *testing.T) {
		traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
		spanID, _ := trace.SpanIDFromHex("0102030405060708")
		sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
		ctx := trace.ContextWithSpanContext(context.Background(), sc)

		cl.LogWarn(ctx, "traced")
		entries := logs.TakeAll()
		require.Len(t, entries, 1)
		assert.Equal(t, traceID.String(), entries[0].ContextMap()["trace_id"])
		assert.Equal(t, spanID.String(), entries[0].ContextMap()["span_id"])
	})
}
