package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAnnotateRoundTripsThroughContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := Annotate(context.Background(), "a1b2c3d4", "csv-metadata", "COMMIT")
	withContextFields(base, ctx).Info("run started")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "a1b2c3d4", fields["run_id"])
	assert.Equal(t, "csv-metadata", fields["plugin"])
	assert.Equal(t, "COMMIT", fields["mode"])
}

func TestWithContextFieldsIgnoresUnannotatedContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	withContextFields(base, context.Background()).Info("plain")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].ContextMap())
}

func TestGetReturnsSingleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}
