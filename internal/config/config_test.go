package config

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
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.OpTimeoutD)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeoutD)
	assert.Equal(t, 15*time.Second, cfg.TimeBetweenRetriesD)
	assert.EqualValues(t, 1<<20, cfg.MaxWriteSizeBytes)
	assert.Equal(t, 6, cfg.MaxRetryCount)
	assert.Equal(t, 16, cfg.MaxPartialBuffers)
}

func TestLoadOverridesAndDefaults(t *testing.T) {
	path := writeConfig(t, `
meta_server: meta1:20000
op_timeout: 45s
max_write_size: 256KB
max_retry_count: 2
allow_clear_text: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "meta1:20000", cfg.MetaServer)
	assert.Equal(t, 45*time.Second, cfg.OpTimeoutD)
	assert.EqualValues(t, 256*1024, cfg.MaxWriteSizeBytes)
	assert.Equal(t, 2, cfg.MaxRetryCount)
	assert.True(t, cfg.AllowClearText)
	// Untouched fields keep their defaults.
	assert.Equal(t, 15*time.Second, cfg.TimeBetweenRetriesD)
}

func TestLoadRejectsBadValues(t *testing.T) {
	for name, content := range map[string]string{
		"bad duration": "op_timeout: soon",
		"bad size":     "max_write_size: huge",
		"bad retries":  "max_retry_count: -2",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadBadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "meta_server: [unclosed"))
	assert.Error(t, err)
}
