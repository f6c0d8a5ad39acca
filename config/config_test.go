package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7860", cfg.ListenAddr)
	assert.Equal(t, "claude", cfg.Command)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout.Std())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convod.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: "0.0.0.0:9000"
command: fakeclaude
idle_timeout: 90s
password: hunter2
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, "fakeclaude", cfg.Command)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout.Std())
	assert.Equal(t, "hunter2", cfg.Password)
	// unset fields keep defaults
	assert.Equal(t, 30*time.Second, cfg.ReapInterval.Std())
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convod.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestDerivedPaths(t *testing.T) {
	cfg := Config{DataDir: "/tmp/x"}
	assert.Equal(t, "/tmp/x/convod.db", cfg.DatabasePath())
	assert.Equal(t, "/tmp/x/uploads", cfg.UploadsDir())
}
