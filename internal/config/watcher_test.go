package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 8317\n"), 0o644))

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg })
	require.NoError(t, err)
	defer func() { require.NoError(t, w.Stop()) }()

	require.NoError(t, os.WriteFile(path, []byte("port: 9999\n"), 0o644))

	select {
	case cfg := <-reloaded:
		require.Equal(t, 9999, cfg.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}
}

func TestWatcherKeepsRunningOnBrokenConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 8317\n"), 0o644))

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg })
	require.NoError(t, err)
	defer func() { require.NoError(t, w.Stop()) }()

	// Invalid YAML must not fire the callback or kill the watcher.
	require.NoError(t, os.WriteFile(path, []byte("port: [unclosed\n"), 0o644))
	select {
	case <-reloaded:
		t.Fatal("broken config should not trigger reload")
	case <-time.After(time.Second):
	}

	require.NoError(t, os.WriteFile(path, []byte("port: 7777\n"), 0o644))
	select {
	case cfg := <-reloaded:
		require.Equal(t, 7777, cfg.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher died after broken config")
	}
}
