package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/in-the-loop-labs/pair-review/internal/config"
)

func TestLoadFrom_Defaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := config.LoadFrom(dir)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8731", cfg.Server.Addr)
	assert.Equal(t, "balanced", cfg.Analysis.PreferredTier)
	assert.Equal(t, dir, cfg.ConfigDir)
	assert.Equal(t, filepath.Join(dir, "store.db"), cfg.StorePath())
}

func TestLoadFrom_File(t *testing.T) {
	dir := t.TempDir()
	content := `{
		"remote": {"token": "ghp_test"},
		"analysis": {"preferredTier": "thorough", "maxConcurrent": 2},
		"monorepo": {"acme/widget": "/srv/mono"},
		"providers": {"anthropic": {"enabled": true, "apiKey": "sk-test"}}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0o600))

	cfg, err := config.LoadFrom(dir)
	require.NoError(t, err)

	assert.Equal(t, "ghp_test", cfg.Remote.Token)
	assert.Equal(t, "thorough", cfg.Analysis.PreferredTier)
	assert.Equal(t, 2, cfg.Analysis.MaxConcurrent)
	assert.Equal(t, "/srv/mono", cfg.Monorepo["acme/widget"])
	assert.True(t, cfg.Providers["anthropic"].Enabled)
}

func TestLoadFrom_InvalidTier(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"),
		[]byte(`{"analysis": {"preferredTier": "turbo"}}`), 0o600))

	_, err := config.LoadFrom(dir)
	assert.Error(t, err)
}

func TestLoadFrom_RelativeMonorepoPathRejected(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"),
		[]byte(`{"monorepo": {"acme/widget": "relative/path"}}`), 0o600))

	_, err := config.LoadFrom(dir)
	assert.Error(t, err)
}

func TestResolveConfigDir_EnvOverride(t *testing.T) {
	t.Setenv("PAIR_REVIEW_CONFIG_DIR", "/custom/state")

	dir, err := config.ResolveConfigDir()
	require.NoError(t, err)
	assert.Equal(t, "/custom/state", dir)
}
