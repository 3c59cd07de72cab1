package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"palletspace/internal/types"
)

// UserRepository provides data access for the users table, including the
// link-state columns owned by the Link Coordinator.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository backed by the given
// database connection (pool or transaction).
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// userColumns defines the standard set of columns selected for user queries.
// Used consistently across all query methods to avoid column drift.
const userColumns = `u.id, u.email, u.name, u.password_hash, u.external_customer_id,
	u.link_status, u.link_failure, u.link_updated_at,
	u.created_at, u.last_login_at, u.deleted_at`

// scanUser scans a single user row into a types.User struct. The columns
// must match the order defined in userColumns. Nullable columns use pointer
// scan targets.
func scanUser(row pgx.Row) (*types.User, error) {
	var u types.User
	var (
		customerID  *string
		linkFailure *string
	)
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.Name,
		&u.PasswordHash,
		&customerID,
		&u.LinkStatus,
		&linkFailure,
		&u.LinkUpdatedAt,
		&u.CreatedAt,
		&u.LastLoginAt,
		&u.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	if customerID != nil {
		u.ExternalCustomerID = *customerID
	}
	if linkFailure != nil {
		u.LinkFailure = *linkFailure
	}
	return &u, nil
}

// Create inserts a new user in the unlinked state.
// Returns ErrCodeConflictEmail on a duplicate email address.
func (r *UserRepository) Create(ctx context.Context, user *types.User) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO users (id, email, name, password_hash, link_status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID,
		user.Email,
		user.Name,
		user.PasswordHash,
		types.LinkUnlinked,
		user.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictEmail, "user already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create user", err)
	}
	return nil
}

// GetByID retrieves a user by id. Returns ErrCodeNotFoundUser if no active
// user is found.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+`
		 FROM users u
		 WHERE u.id = $1 AND u.deleted_at IS NULL`,
		id,
	)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve user", err)
	}
	return u, nil
}

// GetByEmail retrieves a user by email address for the login flow.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+`
		 FROM users u
		 WHERE u.email = $1 AND u.deleted_at IS NULL`,
		email,
	)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeAuthUserNotFound, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve user by email", err)
	}
	return u, nil
}

// GetByCustomerID retrieves the user linked to the given external customer
// id. Used by the webhook ingestor to resolve inbound events.
func (r *UserRepository) GetByCustomerID(ctx context.Context, customerID string) (*types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+`
		 FROM users u
		 WHERE u.external_customer_id = $1 AND u.deleted_at IS NULL`,
		customerID,
	)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "no user for external customer", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve user by customer id", err)
	}
	return u, nil
}

// ClaimLink atomically transitions a user from unlinked/failed to pending.
// This is the cross-process critical-section gate: exactly one claimant wins.
//
// A pending row whose link_updated_at is older than staleAfter is also
// claimable, so a crash mid-attempt does not wedge the user forever.
//
// Returns (true, nil) when the claim succeeded, (false, nil) when another
// caller holds the claim or the user is already linked; the caller re-reads
// the row to distinguish.
func (r *UserRepository) ClaimLink(ctx context.Context, userID string, staleAfter time.Duration) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE users
		 SET link_status = $1, link_updated_at = NOW()
		 WHERE id = $2
		   AND deleted_at IS NULL
		   AND (link_status IN ($3, $4)
		        OR (link_status = $1 AND link_updated_at < NOW() - $5::interval))`,
		types.LinkPending,
		userID,
		types.LinkUnlinked,
		types.LinkFailed,
		staleAfter.String(),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim link", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkLinked records the external customer id and completes the transition to
// linked. This is the only write that sets external_customer_id, preserving
// the invariant that the id is non-empty iff the status is linked.
func (r *UserRepository) MarkLinked(ctx context.Context, userID string, customerID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users
		 SET external_customer_id = $1,
		     link_status = $2,
		     link_failure = NULL,
		     link_updated_at = NOW()
		 WHERE id = $3 AND deleted_at IS NULL`,
		customerID,
		types.LinkLinked,
		userID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Another user already owns this customer id. This indicates an
			// out-of-band link; surface loudly rather than silently relink.
			return types.NewAppErrorWithDetails(types.ErrCodeInternalDB,
				"external customer id already linked to another user", err,
				map[string]any{"customer_id": customerID})
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark user linked", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return nil
}

// MarkLinkFailed parks the user in the failed state with a reason, releasing
// the pending claim.
func (r *UserRepository) MarkLinkFailed(ctx context.Context, userID string, reason string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users
		 SET link_status = $1, link_failure = $2, link_updated_at = NOW()
		 WHERE id = $3 AND deleted_at IS NULL`,
		types.LinkFailed,
		reason,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark link failed", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return nil
}

// UpdateProfileFields applies email/name changes to a user row. Empty fields
// are left untouched (COALESCE), so partial webhook payloads apply cleanly.
func (r *UserRepository) UpdateProfileFields(ctx context.Context, userID string, email string, name string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users
		 SET email = COALESCE($1, email), name = COALESCE($2, name)
		 WHERE id = $3 AND deleted_at IS NULL`,
		nilIfEmpty(email),
		nilIfEmpty(name),
		userID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictEmail, "email already in use", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update profile", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return nil
}

// UpdateLastLogin updates the last_login_at timestamp for a user.
func (r *UserRepository) UpdateLastLogin(ctx context.Context, userID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET last_login_at = NOW() WHERE id = $1 AND deleted_at IS NULL`,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update last login", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return nil
}

// ListUnlinkedAfter returns up to limit users whose link status is not
// linked, ordered by id strictly after the cursor. An empty cursor starts at
// the beginning of the population. The ordering is a strict total order over
// immutable ids, so a cursor remains valid across inserts during a
// long-running backfill.
func (r *UserRepository) ListUnlinkedAfter(ctx context.Context, cursor string, limit int) ([]*types.User, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+userColumns+`
		 FROM users u
		 WHERE u.link_status <> $1
		   AND u.deleted_at IS NULL
		   AND u.id > $2
		 ORDER BY u.id
		 LIMIT $3`,
		types.LinkLinked,
		cursor,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list unlinked users", err)
	}
	defer rows.Close()

	var users []*types.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan unlinked user", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate unlinked users", err)
	}
	return users, nil
}
