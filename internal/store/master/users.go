package master

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/kestrelhq/fleetbackup/internal/ferrors"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

// UserRepository persists types.User rows and the role_assignments table
// backing internal/auth.AssignmentSource.
type UserRepository struct {
	db *sqlx.DB
}

func NewUserRepository(db *sqlx.DB) *UserRepository { return &UserRepository{db: db} }

type userRow struct {
	ID           int64        `db:"id"`
	Username     string       `db:"username"`
	PasswordHash string       `db:"password_hash"`
	Role         string       `db:"role"`
	MFASecret    string       `db:"mfa_secret"`
	MFAEnabled   bool         `db:"mfa_enabled"`
	CreatedAt    sql.NullTime `db:"created_at"`
	LastLoginAt  sql.NullTime `db:"last_login_at"`
}

func (r userRow) toDomain() types.User {
	u := types.User{
		ID:           r.ID,
		Username:     r.Username,
		PasswordHash: r.PasswordHash,
		Role:         types.Role(r.Role),
		MFASecret:    r.MFASecret,
		MFAEnabled:   r.MFAEnabled,
	}
	if r.CreatedAt.Valid {
		u.CreatedAt = r.CreatedAt.Time
	}
	if r.LastLoginAt.Valid {
		t := r.LastLoginAt.Time
		u.LastLoginAt = &t
	}
	return u
}

const userColumns = `id, username, password_hash, role, mfa_secret, mfa_enabled, created_at, last_login_at`

// Create inserts a new user with an already-hashed password.
func (r *UserRepository) Create(ctx context.Context, u types.User) (types.User, error) {
	const q = `
		INSERT INTO users (username, password_hash, role, mfa_secret, mfa_enabled)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + userColumns
	var row userRow
	err := r.db.GetContext(ctx, &row, q, u.Username, u.PasswordHash, string(u.Role), u.MFASecret, u.MFAEnabled)
	if err != nil {
		return types.User{}, ferrors.Wrap(ferrors.Transient, err, "insert user")
	}
	return row.toDomain(), nil
}

// GetByUsername looks up a user for login, by exact username.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (types.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE username = $1`
	var row userRow
	if err := r.db.GetContext(ctx, &row, q, username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, ferrors.Wrap(ferrors.Transient, err, "get user by username")
	}
	return row.toDomain(), nil
}

// GetByID fetches a user by surrogate key.
func (r *UserRepository) GetByID(ctx context.Context, id int64) (types.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	var row userRow
	if err := r.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, ferrors.Wrap(ferrors.Transient, err, "get user by id")
	}
	return row.toDomain(), nil
}

// List returns every user account, ordered by username, for the admin
// CLI's list-users command.
func (r *UserRepository) List(ctx context.Context) ([]types.User, error) {
	q := `SELECT ` + userColumns + ` FROM users ORDER BY username`
	var rows []userRow
	if err := r.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, ferrors.Wrap(ferrors.Transient, err, "list users")
	}
	users := make([]types.User, len(rows))
	for i, row := range rows {
		users[i] = row.toDomain()
	}
	return users, nil
}

// SetPasswordHash overwrites a user's stored bcrypt hash, for the admin
// CLI's reset-password command.
func (r *UserRepository) SetPasswordHash(ctx context.Context, id int64, hash string) error {
	const q = `UPDATE users SET password_hash = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id, hash); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "set user password hash")
	}
	return nil
}

// DisableMFA clears a user's TOTP seed and turns enforcement off, for the
// admin CLI's disable-mfa command — an operator's recovery path when a
// user loses their authenticator device.
func (r *UserRepository) DisableMFA(ctx context.Context, id int64) error {
	const q = `UPDATE users SET mfa_secret = '', mfa_enabled = false WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "disable user mfa")
	}
	return nil
}

// TouchLastLogin records the time of a successful authentication.
func (r *UserRepository) TouchLastLogin(ctx context.Context, id int64) error {
	const q = `UPDATE users SET last_login_at = now() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "touch user last_login_at")
	}
	return nil
}

// SetMFASecret records a TOTP seed and marks MFA enabled for the account.
func (r *UserRepository) SetMFASecret(ctx context.Context, id int64, secret string) error {
	const q = `UPDATE users SET mfa_secret = $2, mfa_enabled = true WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id, secret); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "set user mfa secret")
	}
	return nil
}

// AssignmentRepository persists the role_assignments table: which nodes
// and sites a node_admin or site_admin user is scoped to. It implements
// internal/auth.AssignmentSource.
type AssignmentRepository struct {
	db *sqlx.DB
}

func NewAssignmentRepository(db *sqlx.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

// AssignNode grants a node_admin user visibility into a node.
func (r *AssignmentRepository) AssignNode(ctx context.Context, userID, nodeID int64) error {
	const q = `INSERT INTO role_assignments (user_id, role, node_id) VALUES ($1, $2, $3)`
	if _, err := r.db.ExecContext(ctx, q, userID, string(types.RoleNodeAdmin), nodeID); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "assign node to user")
	}
	return nil
}

// AssignSite grants a site_admin user visibility into a site.
func (r *AssignmentRepository) AssignSite(ctx context.Context, userID, siteID int64) error {
	const q = `INSERT INTO role_assignments (user_id, role, site_id) VALUES ($1, $2, $3)`
	if _, err := r.db.ExecContext(ctx, q, userID, string(types.RoleSiteAdmin), siteID); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "assign site to user")
	}
	return nil
}

// Revoke removes a single assignment row.
func (r *AssignmentRepository) Revoke(ctx context.Context, assignmentID int64) error {
	const q = `DELETE FROM role_assignments WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, assignmentID); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "revoke assignment")
	}
	return nil
}

// AssignedNodeIDs implements internal/auth.AssignmentSource.
func (r *AssignmentRepository) AssignedNodeIDs(ctx context.Context, userID int64) ([]int64, error) {
	const q = `SELECT node_id FROM role_assignments WHERE user_id = $1 AND node_id IS NOT NULL`
	var ids []int64
	if err := r.db.SelectContext(ctx, &ids, q, userID); err != nil {
		return nil, ferrors.Wrap(ferrors.Transient, err, "list assigned node ids")
	}
	return ids, nil
}

// AssignedSiteIDs implements internal/auth.AssignmentSource.
func (r *AssignmentRepository) AssignedSiteIDs(ctx context.Context, userID int64) ([]int64, error) {
	const q = `SELECT site_id FROM role_assignments WHERE user_id = $1 AND site_id IS NOT NULL`
	var ids []int64
	if err := r.db.SelectContext(ctx, &ids, q, userID); err != nil {
		return nil, ferrors.Wrap(ferrors.Transient, err, "list assigned site ids")
	}
	return ids, nil
}
