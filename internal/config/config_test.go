package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMasterDefaults(t *testing.T) {
	m, err := LoadMaster("")
	require.NoError(t, err)
	assert.Equal(t, ":8443", m.ListenAddr)
	assert.Equal(t, 7, m.Retention.GraceDays)
	assert.Equal(t, int64(1<<30), m.Quota.DefaultEstimateBytes)
}

func TestLoadMasterFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master.yaml")
	contents := []byte(`
listen_addr: "0.0.0.0:9443"
database_url: "postgres://fleetbackup@db/fleetbackup"
retention:
  grace_days: 14
`)
	require.NoError(t, os.WriteFile(path, contents, 0o600))

	m, err := LoadMaster(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9443", m.ListenAddr)
	assert.Equal(t, "postgres://fleetbackup@db/fleetbackup", m.DatabaseURL)
	assert.Equal(t, 14, m.Retention.GraceDays)
}

func TestLoadMasterEnvOverride(t *testing.T) {
	t.Setenv("FLEETBACKUP_MASTER_DATABASE_URL", "postgres://override/db")
	m, err := LoadMaster("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://override/db", m.DatabaseURL)
}

func TestLoadNodeDefaultsAndOverride(t *testing.T) {
	t.Setenv("FLEETBACKUP_NODE_MASTER_URL", "https://master.internal:8443")
	n, err := LoadNode("")
	require.NoError(t, err)
	assert.Equal(t, "https://master.internal:8443", n.MasterURL)
	assert.Equal(t, 2, n.Governor.IOPermits)
}

func TestLoadMasterMissingFile(t *testing.T) {
	_, err := LoadMaster("/nonexistent/path/master.yaml")
	assert.Error(t, err)
}
