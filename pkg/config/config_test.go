package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCfg struct {
	Name   string `mapstructure:"name"`
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func writeConfig(t *testing.T, body string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "terminal.yaml"), []byte(body), 0o644))
	chdir(t, dir)
}

func TestLoadAndWatch(t *testing.T) {
	writeConfig(t, "name: terminal\nserver:\n  addr: \":8080\"\n")

	var cfg testCfg
	v, err := LoadAndWatch("terminal", &cfg)
	require.NoError(t, err)
	require.NotNil(t, v)

	assert.Equal(t, "terminal", cfg.Name)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadAndWatch_EnvOverride(t *testing.T) {
	writeConfig(t, "name: terminal\nserver:\n  addr: \":8080\"\n")
	t.Setenv("TERMINAL_SERVER_ADDR", ":9999")

	var cfg testCfg
	_, err := LoadAndWatch("terminal", &cfg)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestLoadAndWatch_MissingFile(t *testing.T) {
	chdir(t, t.TempDir())

	var cfg testCfg
	_, err := LoadAndWatch("terminal", &cfg)
	assert.Error(t, err)
}
