package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devrun.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "127.0.0.1:8420", cfg.Addr())
	assert.Equal(t, ".", cfg.ProjectPath())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
port = 9000
project = "/src/App.xcworkspace"
configuration = "Release"
announce_duration = true
log_mode = "both"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "/src/App.xcworkspace", cfg.ProjectPath())
	assert.Equal(t, "Release", cfg.Configuration)
	assert.True(t, cfg.AnnounceDuration)
	assert.Equal(t, "both", cfg.LogMode)
	assert.Equal(t, 1000, cfg.HistorySize)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "port = 9000\nlog_level = \"warn\"\n")
	t.Setenv("DEVRUN_PORT", "9100")
	t.Setenv("DEVRUN_LOG_DEV", "true")
	t.Setenv("DEVRUN_AUTO_PICK_SCHEME", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.True(t, cfg.LogDev)
	assert.False(t, cfg.AutoPickScheme)

	lc := cfg.Logging()
	assert.Equal(t, "warn", lc.Level)
	assert.True(t, lc.Development)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
		assert.Error(t, err)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := Load(writeConfig(t, "prot = 1\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "prot")
	})

	t.Run("bad env value", func(t *testing.T) {
		t.Setenv("DEVRUN_PORT", "eighty")
		_, err := Load("")
		assert.Error(t, err)
	})

	t.Run("invalid values", func(t *testing.T) {
		_, err := Load(writeConfig(t, "port = 70000\nlog_mode = \"loud\"\nlog_level = \"chatty\"\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "port 70000")
		assert.Contains(t, err.Error(), "log_mode")
		assert.Contains(t, err.Error(), "log_level")
	})
}
