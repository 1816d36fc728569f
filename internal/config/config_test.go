package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotEmpty(t, cfg.DataDir)
	assert.Contains(t, cfg.LogPath, "defkeep.log")
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9478", cfg.Metrics.Listen)
	assert.NoError(t, cfg.Validate())
}

func TestValidate_MissingDataDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = ""

	assert.Error(t, cfg.Validate())
}

func TestValidate_MetricsEnabledWithoutListen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = ""

	assert.Error(t, cfg.Validate())
}

func TestMerge_OverlaysNonZeroFields(t *testing.T) {
	cfg := DefaultConfig()
	defaultLog := cfg.LogPath

	cfg.Merge(&Config{
		DataDir: "/tmp/defkeep-test",
		Metrics: MetricsConfig{Enabled: true},
	})

	assert.Equal(t, "/tmp/defkeep-test", cfg.DataDir)
	assert.Equal(t, defaultLog, cfg.LogPath, "unset fields keep their defaults")
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9478", cfg.Metrics.Listen)
}

func TestMerge_NilIsNoop(t *testing.T) {
	cfg := DefaultConfig()
	before := *cfg

	cfg.Merge(nil)

	assert.Equal(t, before, *cfg)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
data_dir: /var/lib/defkeep
log_path: /var/log/defkeep.log
metrics:
  enabled: true
  listen: "0.0.0.0:9100"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/defkeep", cfg.DataDir)
	assert.Equal(t, "/var/log/defkeep.log", cfg.LogPath)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "0.0.0.0:9100", cfg.Metrics.Listen)
}

func TestLoadFromFile_ExpandsHome(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: ~/keepdata\n"), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "keepdata"), cfg.DataDir)
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: [\n"), 0644))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, os.IsNotExist(err))
}
