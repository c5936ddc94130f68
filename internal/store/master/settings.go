package master

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/kestrelhq/fleetbackup/internal/ferrors"
)

// SettingsRepository persists the raw key/value overrides that
// internal/settings.Resolve consumes. Values are stored as strings; the
// caller is responsible for parsing them into the typed Overrides struct.
type SettingsRepository struct {
	db *sqlx.DB
}

func NewSettingsRepository(db *sqlx.DB) *SettingsRepository { return &SettingsRepository{db: db} }

// Scope identifies which level of the override chain a setting applies to.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeNode   Scope = "node"
	ScopeSite   Scope = "site"
)

// Put upserts a single override. scopeID is ignored (stored as 0) for
// ScopeGlobal.
func (r *SettingsRepository) Put(ctx context.Context, scope Scope, scopeID int64, key, value string) error {
	if scope == ScopeGlobal {
		scopeID = 0
	}
	const q = `
		INSERT INTO settings_overrides (scope, scope_id, key, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (scope, scope_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	if _, err := r.db.ExecContext(ctx, q, string(scope), scopeID, key, value); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "put setting override")
	}
	return nil
}

// Delete removes a single override, reverting that scope to whatever the
// next level up (or the compiled-in default) resolves to.
func (r *SettingsRepository) Delete(ctx context.Context, scope Scope, scopeID int64, key string) error {
	if scope == ScopeGlobal {
		scopeID = 0
	}
	const q = `DELETE FROM settings_overrides WHERE scope = $1 AND scope_id = $2 AND key = $3`
	if _, err := r.db.ExecContext(ctx, q, string(scope), scopeID, key); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "delete setting override")
	}
	return nil
}

// ForScope returns every key/value override set at exactly one scope
// level, e.g. all global defaults, or all overrides for one node.
func (r *SettingsRepository) ForScope(ctx context.Context, scope Scope, scopeID int64) (map[string]string, error) {
	if scope == ScopeGlobal {
		scopeID = 0
	}
	const q = `SELECT key, value FROM settings_overrides WHERE scope = $1 AND scope_id = $2`
	rows, err := r.db.QueryContext(ctx, q, string(scope), scopeID)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Transient, err, "query setting overrides")
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, ferrors.Wrap(ferrors.Transient, err, "scan setting override")
		}
		out[k] = v
	}
	return out, rows.Err()
}
