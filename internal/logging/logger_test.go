package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewDefaultsToInfo(t *testing.T) {
	t.Parallel()
	logger, err := New(false, "")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewHonorsLevel(t *testing.T) {
	t.Parallel()
	logger, err := New(true, "debug")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = New(false, "warn")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()
	_, err := New(false, "verbose")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verbose")
}

func TestForComponent(t *testing.T) {
	t.Parallel()
	assert.NotNil(t, ForComponent(nil, "api"), "nil base degrades to a nop logger")

	base, err := New(false, "warn")
	require.NoError(t, err)
	assert.NotNil(t, ForComponent(base, "scheduler"))
}
