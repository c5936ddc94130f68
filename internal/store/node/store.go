// Package node implements the Node daemon's small local cache: the last
// known progress snapshot per site (for recovering an SSE/status answer
// across a daemon restart), a cached pointer to the storage-credential
// generation fetched from the Master, and a ledger of open work
// directories so an interrupted job's temp files can be found and removed
// on the next startup.
package node

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketProgressSnapshots = []byte("progress_snapshots")
	bucketCredentialCache   = []byte("credential_cache")
	bucketOpenWorkDirs      = []byte("open_work_dirs")
)

// Store is a bbolt-backed local cache for a single Node process.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the Node's local state file.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open node store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketProgressSnapshots, bucketCredentialCache, bucketOpenWorkDirs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying bbolt file.
func (s *Store) Close() error { return s.db.Close() }

// ProgressSnapshot is the last progress state the Node reported for a
// site, replayed to a reconnecting SSE client if the daemon restarted
// mid-job before the Master's in-memory row caught up.
type ProgressSnapshot struct {
	SiteID          int64   `json:"site_id"`
	Epoch           int64   `json:"epoch"`
	State           string  `json:"state"`
	Stage           string  `json:"stage"`
	ProgressPercent float64 `json:"progress_percent"`
	Message         string  `json:"message"`
}

func siteKey(siteID int64) []byte {
	return []byte(fmt.Sprintf("%020d", siteID))
}

// PutProgressSnapshot persists the latest snapshot for a site.
func (s *Store) PutProgressSnapshot(snap ProgressSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal progress snapshot: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProgressSnapshots).Put(siteKey(snap.SiteID), data)
	})
}

// GetProgressSnapshot returns the last snapshot recorded for a site, if any.
func (s *Store) GetProgressSnapshot(siteID int64) (ProgressSnapshot, bool, error) {
	var snap ProgressSnapshot
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProgressSnapshots).Get(siteKey(siteID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &snap)
	})
	return snap, found, err
}

// CachedCredential is the Node's local record of which key generation its
// cached storage credential was sealed under, so it can tell the Master
// "still current" instead of refetching on every job.
type CachedCredential struct {
	StorageProviderID int64  `json:"storage_provider_id"`
	KeyGeneration     int    `json:"key_generation"`
	FetchedAtUnix     int64  `json:"fetched_at_unix"`
	AccessKey         string `json:"access_key"`
	SecretKey         string `json:"secret_key"`
}

func providerKey(id int64) []byte {
	return []byte(fmt.Sprintf("%020d", id))
}

// PutCachedCredential stores the plaintext credential fetched from the
// Master for the lifetime of the daemon process; it never touches disk
// unencrypted beyond this single bbolt file, which is expected to live on
// node-local storage with host-level access control.
func (s *Store) PutCachedCredential(c CachedCredential) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal cached credential: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentialCache).Put(providerKey(c.StorageProviderID), data)
	})
}

// GetCachedCredential returns the cached credential for a provider, if any.
func (s *Store) GetCachedCredential(providerID int64) (CachedCredential, bool, error) {
	var c CachedCredential
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCredentialCache).Get(providerKey(providerID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &c)
	})
	return c, found, err
}

// InvalidateCachedCredential drops a cached credential, forcing the next
// job to refetch — used when the Master reports a generation mismatch.
func (s *Store) InvalidateCachedCredential(providerID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentialCache).Delete(providerKey(providerID))
	})
}

// OpenWorkDir records a temp directory a job is actively using, keyed by
// the directory path itself, so a crash mid-job leaves a ledger entry the
// next startup can use to find and remove orphaned temp files.
func (s *Store) OpenWorkDir(dir string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOpenWorkDirs).Put([]byte(filepath.Clean(dir)), []byte{1})
	})
}

// CloseWorkDir removes a directory from the ledger once the job that
// created it has cleaned it up successfully.
func (s *Store) CloseWorkDir(dir string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOpenWorkDirs).Delete([]byte(filepath.Clean(dir)))
	})
}

// ListOpenWorkDirs returns every directory still marked open, for a
// startup sweep that removes anything left behind by a prior crash.
func (s *Store) ListOpenWorkDirs() ([]string, error) {
	var dirs []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOpenWorkDirs).ForEach(func(k, _ []byte) error {
			dirs = append(dirs, string(k))
			return nil
		})
	})
	return dirs, err
}
