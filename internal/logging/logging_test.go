package logging_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bobboyms/annindex/internal/logging"
)

func TestNewReturnsUsableLogger(t *testing.T) {
	log := logging.New(logging.LevelDebug)
	require.NotNil(t, log)
	log.Info("test message")
}

func TestNamedScopesLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	scoped := logging.Named(zap.New(core), "collection")
	require.NotNil(t, scoped)
	scoped.Info("scoped message")
	require.Equal(t, 1, logs.Len())
	require.Equal(t, "collection", logs.All()[0].LoggerName)
}

func TestNewDefaultsUnknownLevelToInfo(t *testing.T) {
	log := logging.New(logging.Level("bogus"))
	require.NotNil(t, log)
	require.True(t, log.Core().Enabled(0))
}
