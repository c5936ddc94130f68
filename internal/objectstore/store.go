// Package objectstore adapts every configured storage provider (S3 or
// S3-compatible, and a disk-backed local provider for single-node test
// deployments) into the multipart-upload, presigned-GET, delete, and
// prefix-list operations the pipeline's upload stage, the manual-download
// endpoint, the retention sweep, and the drift reconciler all need.
// Talks to S3-compatible endpoints via github.com/minio/minio-go/v7.
package objectstore

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kestrelhq/fleetbackup/internal/ferrors"
	"github.com/kestrelhq/fleetbackup/internal/reconcile"
	"github.com/kestrelhq/fleetbackup/internal/security"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

// ProviderStore is the subset of internal/store/master.StorageProviderRepository
// this package depends on.
type ProviderStore interface {
	GetByID(ctx context.Context, id int64) (types.StorageProvider, error)
}

// backend is the set of operations one storage provider supports,
// implemented either over minio-go (S3-type) or the local filesystem
// (local-type).
type backend interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]reconcile.ObjectInfo, error)
}

// Store resolves a storage_provider row into a live backend, caching one
// per provider ID for the life of the process. Credentials are unsealed
// via the KeyRing once per backend construction, never persisted.
type Store struct {
	providers ProviderStore
	keyring   *security.KeyRing

	mu       sync.Mutex
	backends map[int64]backend
}

// New builds a Store over the provider repository and the Master's
// credential KeyRing.
func New(providers ProviderStore, keyring *security.KeyRing) *Store {
	return &Store{
		providers: providers,
		keyring:   keyring,
		backends:  make(map[int64]backend),
	}
}

func (s *Store) backendFor(ctx context.Context, providerID int64) (backend, error) {
	s.mu.Lock()
	if b, ok := s.backends[providerID]; ok {
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()

	provider, err := s.providers.GetByID(ctx, providerID)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Transient, err, "load storage provider")
	}

	accessKey, secretKey, err := s.unsealCredentials(provider)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Fatal, err, "unseal storage provider credentials")
	}

	var b backend
	switch provider.Type {
	case types.StorageProviderLocal:
		b = newLocalBackend(provider.Endpoint, provider.Bucket)
	default:
		b, err = newMinioBackend(provider, accessKey, secretKey)
		if err != nil {
			return nil, ferrors.Wrap(ferrors.Fatal, err, "construct storage client")
		}
	}

	s.mu.Lock()
	s.backends[providerID] = b
	s.mu.Unlock()

	return b, nil
}

func (s *Store) unsealCredentials(provider types.StorageProvider) (accessKey, secretKey string, err error) {
	ak, err := s.keyring.Open(provider.SealedAccessKey, provider.KeyGeneration)
	if err != nil {
		return "", "", err
	}
	sk, err := s.keyring.Open(provider.SealedSecretKey, provider.KeyGeneration)
	if err != nil {
		return "", "", err
	}
	return string(ak), string(sk), nil
}

// InvalidateCache drops the cached backend for a provider, forcing the
// next call to re-resolve it — used after RotateKeyGeneration.
func (s *Store) InvalidateCache(providerID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backends, providerID)
}

// Upload stores an object, using minio-go's internal multipart handling
// for anything over its part-size threshold.
func (s *Store) Upload(ctx context.Context, providerID int64, key string, r io.Reader, size int64, contentType string) error {
	b, err := s.backendFor(ctx, providerID)
	if err != nil {
		return err
	}
	return b.Upload(ctx, key, r, size, contentType)
}

// PresignedGetURL returns a time-limited GET URL for an object.
func (s *Store) PresignedGetURL(ctx context.Context, providerID int64, key string, expiry time.Duration) (string, error) {
	b, err := s.backendFor(ctx, providerID)
	if err != nil {
		return "", err
	}
	return b.PresignedGetURL(ctx, key, expiry)
}

// DeleteObject removes one object; satisfies internal/masterjobs.ObjectDeleter.
func (s *Store) DeleteObject(ctx context.Context, providerID int64, key string) error {
	b, err := s.backendFor(ctx, providerID)
	if err != nil {
		return err
	}
	return b.Delete(ctx, key)
}

// ListObjects lists every object under a prefix; satisfies
// internal/reconcile.ObjectLister.
func (s *Store) ListObjects(ctx context.Context, providerID int64, prefix string) ([]reconcile.ObjectInfo, error) {
	b, err := s.backendFor(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return b.List(ctx, prefix)
}

// Uploader is the narrow interface a Node needs to push one backup
// archive to an S3-compatible endpoint, without the DB-backed provider
// lookup or credential unsealing Store performs for Master-side callers.
type Uploader interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
}

// NewUploader builds a one-off S3 client from already-plaintext
// credentials, as received by a Node from /nodes/storage-config: the
// Node never holds a sealed credential or a KeyRing, only the
// plaintext handed to it over TLS for the life of one upload stage.
func NewUploader(endpoint, region, bucket, accessKey, secretKey string) (Uploader, error) {
	return newMinioBackend(types.StorageProvider{Endpoint: endpoint, Region: region, Bucket: bucket}, accessKey, secretKey)
}

// minioBackend wraps an S3-compatible bucket.
type minioBackend struct {
	client *minio.Client
	bucket string
}

func newMinioBackend(provider types.StorageProvider, accessKey, secretKey string) (*minioBackend, error) {
	client, err := minio.New(provider.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: true,
		Region: provider.Region,
	})
	if err != nil {
		return nil, err
	}
	return &minioBackend{client: client, bucket: provider.Bucket}, nil
}

func (m *minioBackend) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (m *minioBackend) PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := m.client.PresignedGetObject(ctx, m.bucket, key, expiry, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (m *minioBackend) Delete(ctx context.Context, key string) error {
	return m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
}

func (m *minioBackend) List(ctx context.Context, prefix string) ([]reconcile.ObjectInfo, error) {
	var out []reconcile.ObjectInfo
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		out = append(out, reconcile.ObjectInfo{Key: obj.Key, SizeBytes: obj.Size})
	}
	return out, nil
}
