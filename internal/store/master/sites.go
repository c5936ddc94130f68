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

// SiteRepository persists types.Site rows.
type SiteRepository struct {
	db *sqlx.DB
}

func NewSiteRepository(db *sqlx.DB) *SiteRepository { return &SiteRepository{db: db} }

type siteRow struct {
	ID                 int64         `db:"id"`
	UUID               string        `db:"uuid"`
	NodeID             int64         `db:"node_id"`
	Name               string        `db:"name"`
	Timezone           string        `db:"timezone"`
	WPConfigPath       string        `db:"wp_config_path"`
	WPContentPath      string        `db:"wp_content_path"`
	DBHost             string        `db:"db_host"`
	DBName             string        `db:"db_name"`
	DBUser             string        `db:"db_user"`
	DBPassword         string        `db:"db_password"`
	StorageQuotaBytes  int64         `db:"storage_quota_bytes"`
	StorageUsedBytes   int64         `db:"storage_used_bytes"`
	QuotaExceededAt    sql.NullTime  `db:"quota_exceeded_at"`
	ScheduleFrequency  string        `db:"schedule_frequency"`
	ScheduleTimeOfDay  string        `db:"schedule_time_of_day"`
	ScheduleDayMask    string        `db:"schedule_day_mask"`
	RetentionCopies    int           `db:"retention_copies"`
	NextRunAt          sql.NullTime  `db:"next_run_at"`
	StorageProviderID  sql.NullInt64 `db:"storage_provider_id"`
	CreatedAt          sql.NullTime  `db:"created_at"`
	UpdatedAt          sql.NullTime  `db:"updated_at"`
}

func (r siteRow) toDomain() types.Site {
	s := types.Site{
		ID:                r.ID,
		UUID:              r.UUID,
		NodeID:            r.NodeID,
		Name:              r.Name,
		Timezone:          r.Timezone,
		WPConfigPath:      r.WPConfigPath,
		WPContentPath:     r.WPContentPath,
		DBHost:            r.DBHost,
		DBName:            r.DBName,
		DBUser:            r.DBUser,
		DBPassword:        r.DBPassword,
		StorageQuotaBytes: r.StorageQuotaBytes,
		StorageUsedBytes:  r.StorageUsedBytes,
		Schedule: types.Schedule{
			Frequency:       types.ScheduleFrequency(r.ScheduleFrequency),
			TimeOfDay:       r.ScheduleTimeOfDay,
			DayMask:         r.ScheduleDayMask,
			RetentionCopies: r.RetentionCopies,
		},
	}
	if r.QuotaExceededAt.Valid {
		t := r.QuotaExceededAt.Time
		s.QuotaExceededAt = &t
	}
	if r.NextRunAt.Valid {
		t := r.NextRunAt.Time
		s.NextRunAt = &t
	}
	if r.StorageProviderID.Valid {
		s.StorageProviderID = r.StorageProviderID.Int64
	}
	if r.CreatedAt.Valid {
		s.CreatedAt = r.CreatedAt.Time
	}
	if r.UpdatedAt.Valid {
		s.UpdatedAt = r.UpdatedAt.Time
	}
	return s
}

const siteColumns = `id, uuid, node_id, name, timezone, wp_config_path, wp_content_path,
	db_host, db_name, db_user, db_password, storage_quota_bytes, storage_used_bytes,
	quota_exceeded_at, schedule_frequency, schedule_time_of_day, schedule_day_mask,
	retention_copies, next_run_at, storage_provider_id, created_at, updated_at`

// Create inserts a new site under a node.
func (r *SiteRepository) Create(ctx context.Context, s types.Site) (types.Site, error) {
	id := uuid.NewString()
	q := `
		INSERT INTO sites (uuid, node_id, name, timezone, wp_config_path, wp_content_path,
			db_host, db_name, db_user, db_password, storage_quota_bytes,
			schedule_frequency, schedule_time_of_day, schedule_day_mask, retention_copies,
			storage_provider_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING ` + siteColumns
	var row siteRow
	err := r.db.GetContext(ctx, &row, q, id, s.NodeID, s.Name, s.Timezone, s.WPConfigPath,
		s.WPContentPath, s.DBHost, s.DBName, s.DBUser, s.DBPassword, s.StorageQuotaBytes,
		string(s.Schedule.Frequency), s.Schedule.TimeOfDay, s.Schedule.DayMask,
		s.Schedule.RetentionCopies, nullInt64(s.StorageProviderID))
	if err != nil {
		return types.Site{}, ferrors.Wrap(ferrors.Transient, err, "insert site")
	}
	return row.toDomain(), nil
}

// GetByID fetches a site by surrogate key.
func (r *SiteRepository) GetByID(ctx context.Context, id int64) (types.Site, error) {
	q := `SELECT ` + siteColumns + ` FROM sites WHERE id = $1`
	var row siteRow
	if err := r.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Site{}, ErrNotFound
		}
		return types.Site{}, ferrors.Wrap(ferrors.Transient, err, "get site")
	}
	return row.toDomain(), nil
}

// ListByNode returns every site assigned to a node.
func (r *SiteRepository) ListByNode(ctx context.Context, nodeID int64) ([]types.Site, error) {
	q := `SELECT ` + siteColumns + ` FROM sites WHERE node_id = $1 ORDER BY id`
	var rows []siteRow
	if err := r.db.SelectContext(ctx, &rows, q, nodeID); err != nil {
		return nil, ferrors.Wrap(ferrors.Transient, err, "list sites by node")
	}
	out := make([]types.Site, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// DueForSchedule returns every site whose next_run_at has passed, for the
// scheduler's dispatch sweep.
func (r *SiteRepository) DueForSchedule(ctx context.Context, asOf time.Time) ([]types.Site, error) {
	q := `SELECT ` + siteColumns + ` FROM sites WHERE next_run_at IS NOT NULL AND next_run_at <= $1 ORDER BY next_run_at`
	var rows []siteRow
	if err := r.db.SelectContext(ctx, &rows, q, asOf); err != nil {
		return nil, ferrors.Wrap(ferrors.Transient, err, "list due sites")
	}
	out := make([]types.Site, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// SetNextRunAt updates a site's computed next scheduled run.
func (r *SiteRepository) SetNextRunAt(ctx context.Context, id int64, next *time.Time) error {
	const q = `UPDATE sites SET next_run_at = $2, updated_at = now() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id, next); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "set site next_run_at")
	}
	return nil
}

// SetQuota updates a site's storage quota.
func (r *SiteRepository) SetQuota(ctx context.Context, id int64, quotaBytes int64) error {
	const q = `UPDATE sites SET storage_quota_bytes = $2, updated_at = now() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id, quotaBytes); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "set site quota")
	}
	return nil
}

// MarkQuotaExceeded records the moment a site crossed its quota, or clears
// it with a nil timestamp once usage drops back under the limit.
func (r *SiteRepository) MarkQuotaExceeded(ctx context.Context, id int64, at *time.Time) error {
	const q = `UPDATE sites SET quota_exceeded_at = $2, updated_at = now() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id, at); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "mark site quota exceeded")
	}
	return nil
}

// IncrementUsedBytes atomically adjusts a site's used-bytes counter.
func (r *SiteRepository) IncrementUsedBytes(ctx context.Context, id int64, delta int64) error {
	const q = `UPDATE sites SET storage_used_bytes = storage_used_bytes + $2, updated_at = now() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id, delta); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "increment site used bytes")
	}
	return nil
}

// SetUsedBytes overwrites a site's used-bytes counter with an absolute
// value, used by the drift reconciler to correct accumulated rounding or
// missed-event drift rather than adjusting it incrementally.
func (r *SiteRepository) SetUsedBytes(ctx context.Context, id int64, bytes int64) error {
	const q = `UPDATE sites SET storage_used_bytes = $2, updated_at = now() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id, bytes); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "set site used bytes")
	}
	return nil
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}
