package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/jobcore/internal/config"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobcore.log")

	log, err := New(config.LogConfig{Level: "info", File: path})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("job started")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"@timestamp"`)
	assert.Contains(t, out, `"logger":"jobcore"`)
	assert.Contains(t, out, "job started")
	assert.NotContains(t, out, "hidden")
}

func TestNewEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.log")
	t.Setenv(envLevel, "DEBUG")
	t.Setenv(envFile, path)

	log, err := New(config.LogConfig{Level: "error"})
	require.NoError(t, err)

	log.Debug("visible at debug")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "visible at debug"))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "chatty"})
	assert.Error(t, err)
}
