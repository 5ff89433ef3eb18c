package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_DebugEnablesDebugLevel(t *testing.T) {
	logger, err := New("debug")
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck
	require.True(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestNew_UnrecognizedLevelFallsBackToInfo(t *testing.T) {
	logger, err := New("nonsense")
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck
	require.True(t, logger.Core().Enabled(zap.InfoLevel))
	require.False(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestNew_WarnDisablesInfo(t *testing.T) {
	logger, err := New("warn")
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck
	require.True(t, logger.Core().Enabled(zap.WarnLevel))
	require.False(t, logger.Core().Enabled(zap.InfoLevel))
}
