package objectstore

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/fleetbackup/internal/security"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

type fakeProviders struct {
	byID map[int64]types.StorageProvider
}

func (f *fakeProviders) GetByID(_ context.Context, id int64) (types.StorageProvider, error) {
	p, ok := f.byID[id]
	if !ok {
		return types.StorageProvider{}, assertNotFound{}
	}
	return p, nil
}

type assertNotFound struct{}

func (assertNotFound) Error() string { return "not found" }

func newTestKeyRing(t *testing.T) *security.KeyRing {
	t.Helper()
	kr, err := security.NewKeyRing(make([]byte, 32))
	require.NoError(t, err)
	return kr
}

func TestLocalBackendUploadGetListDelete(t *testing.T) {
	dir := t.TempDir()
	kr := newTestKeyRing(t)
	ak, gen, err := kr.Seal([]byte("access"))
	require.NoError(t, err)
	sk, _, err := kr.Seal([]byte("secret"))
	require.NoError(t, err)

	provider := types.StorageProvider{
		ID: 1, Type: types.StorageProviderLocal, Endpoint: dir, Bucket: "backups",
		SealedAccessKey: ak, SealedSecretKey: sk, KeyGeneration: gen,
	}
	store := New(&fakeProviders{byID: map[int64]types.StorageProvider{1: provider}}, kr)

	ctx := context.Background()
	content := []byte("hello world")
	require.NoError(t, store.Upload(ctx, 1, "sites/1/backups/a.tar.gz", bytes.NewReader(content), int64(len(content)), "application/gzip"))

	objs, err := store.ListObjects(ctx, 1, "sites/1/backups/")
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "sites/1/backups/a.tar.gz", objs[0].Key)
	assert.Equal(t, int64(len(content)), objs[0].SizeBytes)

	url, err := store.PresignedGetURL(ctx, 1, "sites/1/backups/a.tar.gz", time.Hour)
	require.NoError(t, err)
	assert.Contains(t, url, "file://")

	require.NoError(t, store.DeleteObject(ctx, 1, "sites/1/backups/a.tar.gz"))
	objs, err = store.ListObjects(ctx, 1, "sites/1/backups/")
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestPresignedGetURLFailsForMissingObject(t *testing.T) {
	dir := t.TempDir()
	kr := newTestKeyRing(t)
	ak, gen, err := kr.Seal([]byte("access"))
	require.NoError(t, err)
	sk, _, err := kr.Seal([]byte("secret"))
	require.NoError(t, err)

	provider := types.StorageProvider{
		ID: 1, Type: types.StorageProviderLocal, Endpoint: dir, Bucket: "backups",
		SealedAccessKey: ak, SealedSecretKey: sk, KeyGeneration: gen,
	}
	store := New(&fakeProviders{byID: map[int64]types.StorageProvider{1: provider}}, kr)

	_, err = store.PresignedGetURL(context.Background(), 1, "missing.tar.gz", time.Hour)
	assert.Error(t, err)
}

func TestDeleteObjectIsIdempotentForMissingFile(t *testing.T) {
	dir := t.TempDir()
	kr := newTestKeyRing(t)
	ak, gen, err := kr.Seal([]byte("access"))
	require.NoError(t, err)
	sk, _, err := kr.Seal([]byte("secret"))
	require.NoError(t, err)

	provider := types.StorageProvider{
		ID: 1, Type: types.StorageProviderLocal, Endpoint: dir, Bucket: "backups",
		SealedAccessKey: ak, SealedSecretKey: sk, KeyGeneration: gen,
	}
	store := New(&fakeProviders{byID: map[int64]types.StorageProvider{1: provider}}, kr)

	require.NoError(t, store.DeleteObject(context.Background(), 1, "never-existed.tar.gz"))
}

func TestBackendForCachesPerProvider(t *testing.T) {
	dir := t.TempDir()
	kr := newTestKeyRing(t)
	ak, gen, err := kr.Seal([]byte("access"))
	require.NoError(t, err)
	sk, _, err := kr.Seal([]byte("secret"))
	require.NoError(t, err)

	provider := types.StorageProvider{
		ID: 1, Type: types.StorageProviderLocal, Endpoint: dir, Bucket: "backups",
		SealedAccessKey: ak, SealedSecretKey: sk, KeyGeneration: gen,
	}
	calls := 0
	providers := &countingProviders{inner: &fakeProviders{byID: map[int64]types.StorageProvider{1: provider}}, calls: &calls}
	store := New(providers, kr)

	ctx := context.Background()
	_, err = store.backendFor(ctx, 1)
	require.NoError(t, err)
	_, err = store.backendFor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	store.InvalidateCache(1)
	_, err = store.backendFor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

type countingProviders struct {
	inner ProviderStore
	calls *int
}

func (c *countingProviders) GetByID(ctx context.Context, id int64) (types.StorageProvider, error) {
	*c.calls++
	return c.inner.GetByID(ctx, id)
}
