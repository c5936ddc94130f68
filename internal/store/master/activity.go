package master

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"github.com/kestrelhq/fleetbackup/internal/ferrors"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

// ActivityRepository persists the append-only activity log: every
// recorded action, whether by a user, the CLI or a node daemon, bounded to
// the most recent N entries on read.
type ActivityRepository struct {
	db *sqlx.DB
}

func NewActivityRepository(db *sqlx.DB) *ActivityRepository { return &ActivityRepository{db: db} }

// Append inserts a new activity entry. The write path is append-only —
// there is no Update or Delete on this repository.
func (r *ActivityRepository) Append(ctx context.Context, e types.ActivityEntry) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return ferrors.Wrap(ferrors.Config, err, "marshal activity detail")
	}
	const q = `
		INSERT INTO activity_log (actor, action, target, source_addr, user_agent, detail)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := r.db.ExecContext(ctx, q, e.Actor, e.Action, e.Target, e.SourceAddr, e.UserAgent, detail); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "append activity log entry")
	}
	return nil
}

type activityRow struct {
	ID         int64          `db:"id"`
	Actor      string         `db:"actor"`
	Action     string         `db:"action"`
	Target     string         `db:"target"`
	SourceAddr string         `db:"source_addr"`
	UserAgent  string         `db:"user_agent"`
	Detail     sql.NullString `db:"detail"`
	CreatedAt  sql.NullTime   `db:"created_at"`
}

func (r activityRow) toDomain() types.ActivityEntry {
	e := types.ActivityEntry{
		ID:         r.ID,
		Actor:      r.Actor,
		Action:     r.Action,
		Target:     r.Target,
		SourceAddr: r.SourceAddr,
		UserAgent:  r.UserAgent,
	}
	if r.CreatedAt.Valid {
		e.Timestamp = r.CreatedAt.Time
	}
	if r.Detail.Valid && r.Detail.String != "" {
		var detail map[string]any
		if err := json.Unmarshal([]byte(r.Detail.String), &detail); err == nil {
			e.Detail = detail
		}
	}
	return e
}

// RecentByActor returns the most recent limit entries for a single actor,
// newest first — the bound that keeps the log query-efficient without an
// archival job.
func (r *ActivityRepository) RecentByActor(ctx context.Context, actor string, limit int) ([]types.ActivityEntry, error) {
	const q = `
		SELECT id, actor, action, target, source_addr, user_agent, detail, created_at
		FROM activity_log WHERE actor = $1 ORDER BY created_at DESC LIMIT $2`
	var rows []activityRow
	if err := r.db.SelectContext(ctx, &rows, q, actor, limit); err != nil {
		return nil, ferrors.Wrap(ferrors.Transient, err, "list activity by actor")
	}
	out := make([]types.ActivityEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// Recent returns the most recent limit entries across all actors, for the
// fleet-wide audit view.
func (r *ActivityRepository) Recent(ctx context.Context, limit int) ([]types.ActivityEntry, error) {
	const q = `
		SELECT id, actor, action, target, source_addr, user_agent, detail, created_at
		FROM activity_log ORDER BY created_at DESC LIMIT $1`
	var rows []activityRow
	if err := r.db.SelectContext(ctx, &rows, q, limit); err != nil {
		return nil, ferrors.Wrap(ferrors.Transient, err, "list recent activity")
	}
	out := make([]types.ActivityEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}
