package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Validates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  storage_path: /var/lib/datafold
  default_trust_distance: 2
network:
  listen_address: "127.0.0.1:9000"
transform:
  max_workers: 8
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/datafold", cfg.Node.StoragePath)
	require.Equal(t, 2, cfg.Node.DefaultTrustDistance)
	require.Equal(t, "127.0.0.1:9000", cfg.Network.ListenAddress)
	require.Equal(t, 8, cfg.Transform.MaxWorkers)
	require.Equal(t, 3, cfg.Transform.Retries) // default preserved
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
network:
  listen_address: "127.0.0.1:9000"
`), 0o600))

	t.Setenv("DATAFOLD_LISTEN_ADDRESS", "0.0.0.0:1234")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:1234", cfg.Network.ListenAddress)
}

func TestValidate_RejectsInvalidLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "loud"
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsZeroWorkers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transform.MaxWorkers = 0
	require.Error(t, cfg.Validate())
}
