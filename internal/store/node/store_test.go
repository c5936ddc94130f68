package node

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProgressSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, found, err := s.GetProgressSnapshot(7)
	require.NoError(t, err)
	assert.False(t, found)

	snap := ProgressSnapshot{SiteID: 7, Epoch: 3, State: "RUNNING", Stage: "bundle", ProgressPercent: 62}
	require.NoError(t, s.PutProgressSnapshot(snap))

	got, found, err := s.GetProgressSnapshot(7)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, snap, got)
}

func TestCachedCredentialRoundTripAndInvalidate(t *testing.T) {
	s := openTestStore(t)

	c := CachedCredential{StorageProviderID: 3, KeyGeneration: 1, AccessKey: "AK", SecretKey: "SK"}
	require.NoError(t, s.PutCachedCredential(c))

	got, found, err := s.GetCachedCredential(3)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, c, got)

	require.NoError(t, s.InvalidateCachedCredential(3))
	_, found, err = s.GetCachedCredential(3)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestOpenWorkDirLedger(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.OpenWorkDir("/var/tmp/wp-backup-work/site-7-a1b2"))
	require.NoError(t, s.OpenWorkDir("/var/tmp/wp-backup-work/site-9-c3d4"))

	dirs, err := s.ListOpenWorkDirs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"/var/tmp/wp-backup-work/site-7-a1b2",
		"/var/tmp/wp-backup-work/site-9-c3d4",
	}, dirs)

	require.NoError(t, s.CloseWorkDir("/var/tmp/wp-backup-work/site-7-a1b2"))
	dirs, err = s.ListOpenWorkDirs()
	require.NoError(t, err)
	assert.Equal(t, []string{"/var/tmp/wp-backup-work/site-9-c3d4"}, dirs)
}
