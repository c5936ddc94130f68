package master

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kestrelhq/fleetbackup/internal/ferrors"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

// ErrNotFound is returned by any lookup that finds no matching row.
var ErrNotFound = errors.New("not found")

// NodeRepository persists types.Node rows.
type NodeRepository struct {
	db *sqlx.DB
}

func NewNodeRepository(db *sqlx.DB) *NodeRepository { return &NodeRepository{db: db} }

type nodeRow struct {
	ID                int64          `db:"id"`
	UUID              string         `db:"uuid"`
	Hostname          string         `db:"hostname"`
	Address           string         `db:"address"`
	Status            string         `db:"status"`
	RegistrationCode  sql.NullString `db:"registration_code"`
	HashedAPIKey      string         `db:"hashed_api_key"`
	StorageQuotaBytes int64          `db:"storage_quota_bytes"`
	StorageUsedBytes  int64          `db:"storage_used_bytes"`
	CreatedAt         sql.NullTime   `db:"created_at"`
	LastSeenAt        sql.NullTime   `db:"last_seen_at"`
}

func (r nodeRow) toDomain() types.Node {
	n := types.Node{
		ID:                r.ID,
		UUID:              r.UUID,
		Hostname:          r.Hostname,
		Address:           r.Address,
		Status:            types.NodeStatus(r.Status),
		RegistrationCode:  r.RegistrationCode.String,
		HashedAPIKey:      r.HashedAPIKey,
		StorageQuotaBytes: r.StorageQuotaBytes,
		StorageUsedBytes:  r.StorageUsedBytes,
	}
	if r.CreatedAt.Valid {
		n.CreatedAt = r.CreatedAt.Time
	}
	if r.LastSeenAt.Valid {
		n.LastSeenAt = r.LastSeenAt.Time
	}
	return n
}

// CreatePending inserts a new node in PENDING status with a registration
// code, awaiting admin approval.
func (r *NodeRepository) CreatePending(ctx context.Context, hostname, registrationCode string) (types.Node, error) {
	id := uuid.NewString()
	const q = `
		INSERT INTO nodes (uuid, hostname, status, registration_code)
		VALUES ($1, $2, 'PENDING', $3)
		RETURNING id, uuid, hostname, address, status, registration_code,
		          hashed_api_key, storage_quota_bytes, storage_used_bytes,
		          created_at, last_seen_at`
	var row nodeRow
	if err := r.db.GetContext(ctx, &row, q, id, hostname, registrationCode); err != nil {
		return types.Node{}, ferrors.Wrap(ferrors.Transient, err, "insert pending node")
	}
	return row.toDomain(), nil
}

// Approve transitions a node from PENDING to ACTIVE, recording its sealed
// API key hash and quota.
func (r *NodeRepository) Approve(ctx context.Context, id int64, hashedAPIKey string, quotaBytes int64) error {
	const q = `
		UPDATE nodes
		SET status = 'ACTIVE', hashed_api_key = $2, storage_quota_bytes = $3
		WHERE id = $1 AND status = 'PENDING'`
	res, err := r.db.ExecContext(ctx, q, id, hashedAPIKey, quotaBytes)
	if err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "approve node")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "approve node: rows affected")
	}
	if n == 0 {
		return ferrors.New(ferrors.Conflict, "node not pending or not found")
	}
	return nil
}

// SetQuota updates a node's storage ceiling, for the admin CLI's set-quota
// command.
func (r *NodeRepository) SetQuota(ctx context.Context, id int64, quotaBytes int64) error {
	const q = `UPDATE nodes SET storage_quota_bytes = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id, quotaBytes); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "set node quota")
	}
	return nil
}

// Block transitions an ACTIVE node to BLOCKED, rejecting its API key on
// the next authenticated request without deleting its history.
func (r *NodeRepository) Block(ctx context.Context, id int64) error {
	const q = `UPDATE nodes SET status = 'BLOCKED' WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "block node")
	}
	return nil
}

// GetByID fetches a node by surrogate key.
func (r *NodeRepository) GetByID(ctx context.Context, id int64) (types.Node, error) {
	const q = `
		SELECT id, uuid, hostname, address, status, registration_code,
		       hashed_api_key, storage_quota_bytes, storage_used_bytes,
		       created_at, last_seen_at
		FROM nodes WHERE id = $1`
	var row nodeRow
	if err := r.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Node{}, ErrNotFound
		}
		return types.Node{}, ferrors.Wrap(ferrors.Transient, err, "get node")
	}
	return row.toDomain(), nil
}

// GetByRegistrationCode looks up a pending node by its enrollment code.
func (r *NodeRepository) GetByRegistrationCode(ctx context.Context, code string) (types.Node, error) {
	const q = `
		SELECT id, uuid, hostname, address, status, registration_code,
		       hashed_api_key, storage_quota_bytes, storage_used_bytes,
		       created_at, last_seen_at
		FROM nodes WHERE registration_code = $1`
	var row nodeRow
	if err := r.db.GetContext(ctx, &row, q, code); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Node{}, ErrNotFound
		}
		return types.Node{}, ferrors.Wrap(ferrors.Transient, err, "get node by registration code")
	}
	return row.toDomain(), nil
}

// ClearRegistrationCode blanks a node's enrollment code. Called the first
// time an approved node's API key is dispensed over /nodes/status/code/{code}:
// the code is single-use once the node has turned ACTIVE.
func (r *NodeRepository) ClearRegistrationCode(ctx context.Context, id int64) error {
	const q = `UPDATE nodes SET registration_code = NULL WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "clear node registration code")
	}
	return nil
}

// List returns every node, optionally scoped to a set of ids (for RBAC
// node_admin filtering); a nil/empty ids list returns all nodes.
func (r *NodeRepository) List(ctx context.Context, ids []int64) ([]types.Node, error) {
	var rows []nodeRow
	var err error
	if len(ids) == 0 {
		const q = `
			SELECT id, uuid, hostname, address, status, registration_code,
			       hashed_api_key, storage_quota_bytes, storage_used_bytes,
			       created_at, last_seen_at
			FROM nodes ORDER BY id`
		err = r.db.SelectContext(ctx, &rows, q)
	} else {
		q, args, qerr := sqlx.In(`
			SELECT id, uuid, hostname, address, status, registration_code,
			       hashed_api_key, storage_quota_bytes, storage_used_bytes,
			       created_at, last_seen_at
			FROM nodes WHERE id IN (?) ORDER BY id`, ids)
		if qerr != nil {
			return nil, fmt.Errorf("build in-query: %w", qerr)
		}
		q = r.db.Rebind(q)
		err = r.db.SelectContext(ctx, &rows, q, args...)
	}
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Transient, err, "list nodes")
	}
	out := make([]types.Node, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// TouchLastSeen updates last_seen_at to now, called on every authenticated
// daemon heartbeat request.
func (r *NodeRepository) TouchLastSeen(ctx context.Context, id int64) error {
	const q = `UPDATE nodes SET last_seen_at = now() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "touch node last_seen_at")
	}
	return nil
}

// IncrementUsedBytes atomically adjusts a node's used-bytes counter
// (delta may be negative, for deletions).
func (r *NodeRepository) IncrementUsedBytes(ctx context.Context, id int64, delta int64) error {
	const q = `UPDATE nodes SET storage_used_bytes = storage_used_bytes + $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id, delta); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "increment node used bytes")
	}
	return nil
}

// SetUsedBytes overwrites a node's used-bytes counter with an absolute
// value, used by the drift reconciler once it has recomputed the true
// total from its sites.
func (r *NodeRepository) SetUsedBytes(ctx context.Context, id int64, bytes int64) error {
	const q = `UPDATE nodes SET storage_used_bytes = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id, bytes); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "set node used bytes")
	}
	return nil
}
