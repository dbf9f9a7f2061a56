package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

// TestNewProductionLogger ensures the production logger configuration succeeds.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("production logger ready")
}

// TestNewWithFileTeesEntries checks that entries reach the rotated file as JSON.
func TestNewWithFileTeesEntries(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gazette.log")
	logger, err := NewWithOptions(Options{Level: "debug", File: path, MaxSizeMB: 1})
	require.NoError(t, err)
	logger.Debug("day synced")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"day synced"`)
}

func TestNewWithOptionsRejectsBadLevel(t *testing.T) {
	t.Parallel()

	_, err := NewWithOptions(Options{Level: "loud"})
	require.Error(t, err)
	require.NotNil(t, Stderr())
}
