package master

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kestrelhq/fleetbackup/internal/ferrors"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

// BackupRepository persists types.Backup rows and the transactional
// accounting that accompanies a completed backup.
type BackupRepository struct {
	db *sqlx.DB
}

func NewBackupRepository(db *sqlx.DB) *BackupRepository { return &BackupRepository{db: db} }

type backupRow struct {
	ID                int64         `db:"id"`
	UUID              string        `db:"uuid"`
	SiteID            int64         `db:"site_id"`
	Filename          string        `db:"filename"`
	SizeBytes         int64         `db:"size_bytes"`
	ObjectPath        string        `db:"object_path"`
	StorageProviderID sql.NullInt64 `db:"storage_provider_id"`
	Status            string        `db:"status"`
	ScheduledDeletion sql.NullTime  `db:"scheduled_deletion"`
	BackupType        string        `db:"backup_type"`
	ErrorKind         string        `db:"error_kind"`
	ErrorMessage      string        `db:"error_message"`
	CreatedAt         sql.NullTime  `db:"created_at"`
}

func (r backupRow) toDomain() types.Backup {
	b := types.Backup{
		ID:           r.ID,
		UUID:         r.UUID,
		SiteID:       r.SiteID,
		Filename:     r.Filename,
		SizeBytes:    r.SizeBytes,
		ObjectPath:   r.ObjectPath,
		Status:       types.BackupStatus(r.Status),
		BackupType:   r.BackupType,
		ErrorKind:    r.ErrorKind,
		ErrorMessage: r.ErrorMessage,
	}
	if r.StorageProviderID.Valid {
		b.StorageProviderID = r.StorageProviderID.Int64
	}
	if r.ScheduledDeletion.Valid {
		t := r.ScheduledDeletion.Time
		b.ScheduledDeletion = &t
	}
	if r.CreatedAt.Valid {
		b.CreatedAt = r.CreatedAt.Time
	}
	return b
}

const backupColumns = `id, uuid, site_id, filename, size_bytes, object_path, storage_provider_id,
	status, scheduled_deletion, backup_type, error_kind, error_message, created_at`

// StartRunning inserts a new RUNNING backup row for a site, returning its
// id so the pipeline can report progress against it.
func (r *BackupRepository) StartRunning(ctx context.Context, siteID int64, backupType string) (types.Backup, error) {
	id := uuid.NewString()
	q := `
		INSERT INTO backups (uuid, site_id, status, backup_type)
		VALUES ($1, $2, 'RUNNING', $3)
		RETURNING ` + backupColumns
	var row backupRow
	if err := r.db.GetContext(ctx, &row, q, id, siteID, backupType); err != nil {
		return types.Backup{}, ferrors.Wrap(ferrors.Transient, err, "insert running backup")
	}
	return row.toDomain(), nil
}

// CompleteSuccess finalizes a backup row as SUCCESS and atomically
// increments the owning site's and node's used-bytes counters in the
// same transaction, so a crash between the two updates can never leave
// them inconsistent.
func (r *BackupRepository) CompleteSuccess(ctx context.Context, backupID int64, filename, objectPath string, sizeBytes, storageProviderID int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "begin complete-success tx")
	}
	defer tx.Rollback()

	var siteID int64
	const updateBackup = `
		UPDATE backups
		SET status = 'SUCCESS', filename = $2, object_path = $3, size_bytes = $4,
		    storage_provider_id = $5
		WHERE id = $1
		RETURNING site_id`
	if err := tx.GetContext(ctx, &siteID, updateBackup, backupID, filename, objectPath, sizeBytes, storageProviderID); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "update backup to success")
	}

	const updateSite = `UPDATE sites SET storage_used_bytes = storage_used_bytes + $2, updated_at = now() WHERE id = $1`
	if _, err := tx.ExecContext(ctx, updateSite, siteID, sizeBytes); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "increment site used bytes")
	}

	const updateNode = `
		UPDATE nodes SET storage_used_bytes = storage_used_bytes + $2
		WHERE id = (SELECT node_id FROM sites WHERE id = $1)`
	if _, err := tx.ExecContext(ctx, updateNode, siteID, sizeBytes); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "increment node used bytes")
	}

	const updateProvider = `UPDATE storage_providers SET storage_used_bytes = storage_used_bytes + $2 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, updateProvider, storageProviderID, sizeBytes); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "increment storage provider used bytes")
	}

	if err := tx.Commit(); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "commit complete-success tx")
	}
	return nil
}

// MarkFailed finalizes a backup row as FAILED with an error kind/message.
func (r *BackupRepository) MarkFailed(ctx context.Context, backupID int64, kind, message string) error {
	const q = `UPDATE backups SET status = 'FAILED', error_kind = $2, error_message = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, backupID, kind, message); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "mark backup failed")
	}
	return nil
}

// GetByID fetches a backup by surrogate key.
func (r *BackupRepository) GetByID(ctx context.Context, id int64) (types.Backup, error) {
	q := `SELECT ` + backupColumns + ` FROM backups WHERE id = $1`
	var row backupRow
	if err := r.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Backup{}, ErrNotFound
		}
		return types.Backup{}, ferrors.Wrap(ferrors.Transient, err, "get backup")
	}
	return row.toDomain(), nil
}

// ListBySite returns a site's backups newest-first.
func (r *BackupRepository) ListBySite(ctx context.Context, siteID int64) ([]types.Backup, error) {
	q := `SELECT ` + backupColumns + ` FROM backups WHERE site_id = $1 ORDER BY created_at DESC`
	var rows []backupRow
	if err := r.db.SelectContext(ctx, &rows, q, siteID); err != nil {
		return nil, ferrors.Wrap(ferrors.Transient, err, "list backups by site")
	}
	out := make([]types.Backup, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// SuccessfulBeyondRetention returns a site's SUCCESS backups past the Nth
// most recent (ordered newest-first, offset N), candidates for retention
// scheduling.
func (r *BackupRepository) SuccessfulBeyondRetention(ctx context.Context, siteID int64, keep int) ([]types.Backup, error) {
	q := `
		SELECT ` + backupColumns + ` FROM backups
		WHERE site_id = $1 AND status = 'SUCCESS' AND scheduled_deletion IS NULL
		ORDER BY created_at DESC
		OFFSET $2`
	var rows []backupRow
	if err := r.db.SelectContext(ctx, &rows, q, siteID, keep); err != nil {
		return nil, ferrors.Wrap(ferrors.Transient, err, "list retention candidates")
	}
	out := make([]types.Backup, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// ScheduleDeletion sets scheduled_deletion on a backup row.
func (r *BackupRepository) ScheduleDeletion(ctx context.Context, backupID int64, at time.Time) error {
	const q = `UPDATE backups SET scheduled_deletion = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, backupID, at); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "schedule backup deletion")
	}
	return nil
}

// DueForDeletion returns backups whose scheduled_deletion has passed.
func (r *BackupRepository) DueForDeletion(ctx context.Context, asOf time.Time) ([]types.Backup, error) {
	q := `
		SELECT ` + backupColumns + ` FROM backups
		WHERE scheduled_deletion IS NOT NULL AND scheduled_deletion <= $1 AND status != 'DELETED'`
	var rows []backupRow
	if err := r.db.SelectContext(ctx, &rows, q, asOf); err != nil {
		return nil, ferrors.Wrap(ferrors.Transient, err, "list backups due for deletion")
	}
	out := make([]types.Backup, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// MarkDeleted finalizes a backup row as DELETED and decrements the owning
// site's, node's, and storage provider's used-bytes counters atomically.
func (r *BackupRepository) MarkDeleted(ctx context.Context, backupID int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "begin mark-deleted tx")
	}
	defer tx.Rollback()

	var siteID, storageProviderID, sizeBytes int64
	const sel = `SELECT site_id, COALESCE(storage_provider_id, 0), size_bytes FROM backups WHERE id = $1`
	if err := tx.QueryRowContext(ctx, sel, backupID).Scan(&siteID, &storageProviderID, &sizeBytes); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "read backup for deletion")
	}

	const upd = `UPDATE backups SET status = 'DELETED' WHERE id = $1`
	if _, err := tx.ExecContext(ctx, upd, backupID); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "mark backup deleted")
	}

	const updateSite = `UPDATE sites SET storage_used_bytes = GREATEST(0, storage_used_bytes - $2), updated_at = now() WHERE id = $1`
	if _, err := tx.ExecContext(ctx, updateSite, siteID, sizeBytes); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "decrement site used bytes")
	}

	const updateNode = `
		UPDATE nodes SET storage_used_bytes = GREATEST(0, storage_used_bytes - $2)
		WHERE id = (SELECT node_id FROM sites WHERE id = $1)`
	if _, err := tx.ExecContext(ctx, updateNode, siteID, sizeBytes); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "decrement node used bytes")
	}

	if storageProviderID != 0 {
		const updateProvider = `UPDATE storage_providers SET storage_used_bytes = GREATEST(0, storage_used_bytes - $2) WHERE id = $1`
		if _, err := tx.ExecContext(ctx, updateProvider, storageProviderID, sizeBytes); err != nil {
			return ferrors.Wrap(ferrors.Transient, err, "decrement storage provider used bytes")
		}
	}

	if err := tx.Commit(); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "commit mark-deleted tx")
	}
	return nil
}
