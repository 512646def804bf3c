package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLoggerFormats(t *testing.T) {
	for _, format := range []string{"json", "text", "console"} {
		l, err := NewLogger(LoggingConfig{Level: "info", Format: format, OutputPath: "stderr"})
		require.NoError(t, err, format)
		require.NotNil(t, l)
	}
}

func TestNewLoggerBadLevelFallsBack(t *testing.T) {
	l, err := NewLogger(LoggingConfig{Level: "loud", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	require.NotNil(t, l)
}

func TestNewLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coord.log")
	l, err := NewLogger(LoggingConfig{Level: "info", Format: "json", OutputPath: path})
	require.NoError(t, err)

	l.Info("started", zap.String("component", "test"))
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"test"`)
}

func TestWithFieldsScopesComponent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coord.log")
	l, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)

	scoped := l.WithFields(zap.String("component", "session-manager"))
	scoped.Debug("sweep")
	_ = scoped.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"session-manager"`)
}
