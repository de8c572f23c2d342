package runtimeconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corvid.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "workspace:\n  path: ./ws\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "./ws", cfg.Workspace.Path)
	assert.Equal(t, "HEARTBEAT.md", cfg.Workspace.HeartbeatFile)
	assert.Equal(t, "http://localhost:11434", cfg.Local.BaseURL)
	assert.Equal(t, "llama3.1", cfg.Local.Model)
	assert.Equal(t, 8192, cfg.Local.ContextLength)
	assert.Equal(t, 2*time.Minute, cfg.Local.Timeout)
	assert.Equal(t, "local", cfg.Routing.Default)
	assert.Equal(t, "./ws/memory.db", cfg.Memory.Path)
	assert.Equal(t, "./ws/tasks.db", cfg.Runner.DBPath)
	assert.Equal(t, "webhook", cfg.Webhook.Route)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("CORVID_TEST_KEY", "sk-test-123")
	path := writeConfig(t, "remote_provider:\n  enabled: true\n  api_key: \"${CORVID_TEST_KEY}\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", cfg.Remote.APIKey)
	assert.True(t, cfg.Remote.Enabled)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "not_a_real_field: true\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	path := writeConfig(t, "workspace:\n  path: ./ws\n---\nworkspace:\n  path: ./other\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
