package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driftline.yaml")

	cfg := Default()
	cfg.Server.BaseURL = "https://example.social"
	cfg.Cache.StaleSeconds = 120
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://example.social", got.Server.BaseURL)
	require.Equal(t, 2*time.Minute, got.Cache.StaleAfter())
	require.Equal(t, 20, got.Cache.PageLimit)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestResolveEnv(t *testing.T) {
	t.Setenv("DRIFTLINE_TOKEN", "tok-from-env")
	t.Setenv("DRIFTLINE_SERVER", "https://env.social")

	cfg := Default()
	cfg.ResolveEnv()
	require.Equal(t, "tok-from-env", cfg.Server.Token)
	require.Equal(t, "https://env.social", cfg.Server.BaseURL)

	// Explicit values win over the environment.
	cfg = Default()
	cfg.Server.Token = "explicit"
	cfg.ResolveEnv()
	require.Equal(t, "explicit", cfg.Server.Token)
}

func TestSaveEmptyPath(t *testing.T) {
	require.Error(t, Save("", Default()))
}
