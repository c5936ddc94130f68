package master

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kestrelhq/fleetbackup/internal/ferrors"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

// StorageProviderRepository persists types.StorageProvider rows. Access
// keys are stored sealed (internal/security.KeyRing) — this repository
// never sees plaintext credentials.
type StorageProviderRepository struct {
	db *sqlx.DB
}

func NewStorageProviderRepository(db *sqlx.DB) *StorageProviderRepository {
	return &StorageProviderRepository{db: db}
}

type storageProviderRow struct {
	ID                int64  `db:"id"`
	UUID              string `db:"uuid"`
	Type              string `db:"type"`
	Endpoint          string `db:"endpoint"`
	Region            string `db:"region"`
	Bucket            string `db:"bucket"`
	SealedAccessKey   []byte `db:"sealed_access_key"`
	SealedSecretKey   []byte `db:"sealed_secret_key"`
	KeyGeneration     int    `db:"key_generation"`
	StorageLimitBytes int64  `db:"storage_limit_bytes"`
	StorageUsedBytes  int64  `db:"storage_used_bytes"`
	IsDefault         bool   `db:"is_default"`
	IsActive          bool   `db:"is_active"`
}

func (r storageProviderRow) toDomain() types.StorageProvider {
	return types.StorageProvider{
		ID:                r.ID,
		UUID:              r.UUID,
		Type:              types.StorageProviderType(r.Type),
		Endpoint:          r.Endpoint,
		Region:            r.Region,
		Bucket:            r.Bucket,
		SealedAccessKey:   r.SealedAccessKey,
		SealedSecretKey:   r.SealedSecretKey,
		KeyGeneration:     r.KeyGeneration,
		StorageLimitBytes: r.StorageLimitBytes,
		StorageUsedBytes:  r.StorageUsedBytes,
		IsDefault:         r.IsDefault,
		IsActive:          r.IsActive,
	}
}

const storageProviderColumns = `id, uuid, type, endpoint, region, bucket, sealed_access_key,
	sealed_secret_key, key_generation, storage_limit_bytes, storage_used_bytes, is_default, is_active`

// Create inserts a new storage provider with already-sealed credentials.
func (r *StorageProviderRepository) Create(ctx context.Context, sp types.StorageProvider) (types.StorageProvider, error) {
	id := uuid.NewString()
	q := `
		INSERT INTO storage_providers (uuid, type, endpoint, region, bucket, sealed_access_key,
			sealed_secret_key, key_generation, storage_limit_bytes, is_default, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + storageProviderColumns
	var row storageProviderRow
	err := r.db.GetContext(ctx, &row, q, id, string(sp.Type), sp.Endpoint, sp.Region, sp.Bucket,
		sp.SealedAccessKey, sp.SealedSecretKey, sp.KeyGeneration, sp.StorageLimitBytes,
		sp.IsDefault, sp.IsActive)
	if err != nil {
		return types.StorageProvider{}, ferrors.Wrap(ferrors.Transient, err, "insert storage provider")
	}
	return row.toDomain(), nil
}

// GetByID fetches a storage provider by surrogate key.
func (r *StorageProviderRepository) GetByID(ctx context.Context, id int64) (types.StorageProvider, error) {
	q := `SELECT ` + storageProviderColumns + ` FROM storage_providers WHERE id = $1`
	var row storageProviderRow
	if err := r.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.StorageProvider{}, ErrNotFound
		}
		return types.StorageProvider{}, ferrors.Wrap(ferrors.Transient, err, "get storage provider")
	}
	return row.toDomain(), nil
}

// Default returns the provider flagged is_default for a site with no
// explicit provider assignment.
func (r *StorageProviderRepository) Default(ctx context.Context) (types.StorageProvider, error) {
	q := `SELECT ` + storageProviderColumns + ` FROM storage_providers WHERE is_default AND is_active LIMIT 1`
	var row storageProviderRow
	if err := r.db.GetContext(ctx, &row, q); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.StorageProvider{}, ErrNotFound
		}
		return types.StorageProvider{}, ferrors.Wrap(ferrors.Transient, err, "get default storage provider")
	}
	return row.toDomain(), nil
}

// List returns every configured storage provider.
func (r *StorageProviderRepository) List(ctx context.Context) ([]types.StorageProvider, error) {
	q := `SELECT ` + storageProviderColumns + ` FROM storage_providers ORDER BY id`
	var rows []storageProviderRow
	if err := r.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, ferrors.Wrap(ferrors.Transient, err, "list storage providers")
	}
	out := make([]types.StorageProvider, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// RotateKeyGeneration updates a provider's sealed credentials and bumps
// its key_generation after a master-key rotation re-seals everything.
func (r *StorageProviderRepository) RotateKeyGeneration(ctx context.Context, id int64, sealedAccess, sealedSecret []byte, generation int) error {
	const q = `
		UPDATE storage_providers
		SET sealed_access_key = $2, sealed_secret_key = $3, key_generation = $4
		WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id, sealedAccess, sealedSecret, generation); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "rotate storage provider keys")
	}
	return nil
}
