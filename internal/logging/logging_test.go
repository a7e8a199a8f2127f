package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewSplitsByLevel(t *testing.T) {
	var stdout, stderr bytes.Buffer

	logger := New(Options{JSON: true, Stdout: &stdout, Stderr: &stderr})
	logger.Debug("hidden")
	logger.Info("trial", zap.Int("trial", 3))
	logger.Error("failed")
	require.NoError(t, logger.Sync())

	assert.NotContains(t, stdout.String(), "hidden")
	assert.NotContains(t, stdout.String(), "failed")
	assert.Contains(t, stderr.String(), "failed")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &entry))
	assert.Equal(t, "trial", entry["msg"])
	assert.Equal(t, float64(3), entry["trial"])
	assert.Contains(t, entry, "caller")
	assert.Contains(t, entry, "ts")
}

func TestNewVerbose(t *testing.T) {
	var stdout bytes.Buffer

	logger := New(Options{Verbose: true, Stdout: &stdout, Stderr: &bytes.Buffer{}})
	logger.Debug("epoch")
	require.NoError(t, logger.Sync())

	assert.Contains(t, stdout.String(), "DEBUG")
	assert.Contains(t, stdout.String(), "epoch")
}
