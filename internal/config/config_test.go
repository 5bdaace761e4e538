package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:4850", cfg.Server.Addr)
	assert.Equal(t, time.Hour, cfg.Session.TTL)
	assert.Equal(t, 5*time.Minute, cfg.Validation.TTL)
	assert.Equal(t, 2*time.Minute, cfg.Confirmation.TTL)
	assert.Equal(t, 2000, cfg.Events.Cap)
	assert.Equal(t, "high", cfg.Policy.MaxRisk)
	assert.Len(t, cfg.Voices, 4)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: 127.0.0.1:9999
events:
  cap: 50
policy:
  maxrisk: medium
  deny:
    - type == 'transport_stop'
voices:
  - left
  - right
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	assert.Equal(t, 50, cfg.Events.Cap)
	assert.Equal(t, "medium", cfg.Policy.MaxRisk)
	assert.Equal(t, []string{"type == 'transport_stop'"}, cfg.Policy.Deny)
	assert.Equal(t, []string{"left", "right"}, cfg.Voices)
	// untouched keys keep defaults
	assert.Equal(t, time.Hour, cfg.Session.TTL)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: 127.0.0.1:9999\n"), 0o600))

	t.Setenv("IHUB_SERVER_ADDR", "127.0.0.1:7777")
	t.Setenv("IHUB_SESSION_TTL", "30m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7777", cfg.Server.Addr)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
