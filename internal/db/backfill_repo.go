package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"palletspace/internal/types"
)

// BackfillRepository persists backfill run state in the backfill_runs table.
// A partial unique index on status='running' enforces at most one active run.
type BackfillRepository struct {
	db DBTX
}

// NewBackfillRepository creates a new BackfillRepository backed by the given
// database connection.
func NewBackfillRepository(db DBTX) *BackfillRepository {
	return &BackfillRepository{db: db}
}

const backfillColumns = `b.id, b.status, b.cursor, b.batch_size, b.processed, b.failed, b.started_at, b.updated_at`

// backfillColumnsBare is backfillColumns without the table alias, for use in
// RETURNING clauses.
const backfillColumnsBare = `id, status, cursor, batch_size, processed, failed, started_at, updated_at`

func scanBackfillRun(row pgx.Row) (*types.BackfillRun, error) {
	var run types.BackfillRun
	var cursor *string
	err := row.Scan(
		&run.ID,
		&run.Status,
		&cursor,
		&run.BatchSize,
		&run.Processed,
		&run.Failed,
		&run.StartedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if cursor != nil {
		run.Cursor = *cursor
	}
	return &run, nil
}

// Active returns the current running run, or nil when no run is active.
func (r *BackfillRepository) Active(ctx context.Context) (*types.BackfillRun, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+backfillColumns+`
		 FROM backfill_runs b
		 WHERE b.status = $1`,
		types.BackfillRunning,
	)

	run, err := scanBackfillRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query active backfill run", err)
	}
	return run, nil
}

// Get retrieves a run by id.
func (r *BackfillRepository) Get(ctx context.Context, id string) (*types.BackfillRun, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+backfillColumns+`
		 FROM backfill_runs b
		 WHERE b.id = $1`,
		id,
	)

	run, err := scanBackfillRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundRun, "backfill run not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve backfill run", err)
	}
	return run, nil
}

// Start creates a new running run with the given batch size and optional
// starting cursor. Returns ErrCodeConflictBackfillRunning when another run is
// already active (partial unique index violation).
func (r *BackfillRepository) Start(ctx context.Context, batchSize int, cursor string) (*types.BackfillRun, error) {
	id := uuid.NewString()
	row := r.db.QueryRow(ctx,
		`INSERT INTO backfill_runs (id, status, cursor, batch_size, processed, failed, started_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, 0, NOW(), NOW())
		 RETURNING `+backfillColumnsBare,
		id,
		types.BackfillRunning,
		nilIfEmpty(cursor),
		batchSize,
	)

	run, err := scanBackfillRun(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, types.NewAppError(types.ErrCodeConflictBackfillRunning, "a backfill run is already active", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to start backfill run", err)
	}
	return run, nil
}

// Advance commits progress for a batch: the new cursor plus processed and
// failed counters. The cursor write is the durable resume point; it happens
// only after every user in the batch has been attempted.
func (r *BackfillRepository) Advance(ctx context.Context, id string, cursor string, processed int, failed int) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE backfill_runs
		 SET cursor = $1,
		     processed = processed + $2,
		     failed = failed + $3,
		     updated_at = NOW()
		 WHERE id = $4 AND status = $5`,
		nilIfEmpty(cursor),
		processed,
		failed,
		id,
		types.BackfillRunning,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to advance backfill run", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundRun, "no active backfill run to advance", nil)
	}
	return nil
}

// SetStatus transitions a run to a terminal or paused state.
func (r *BackfillRepository) SetStatus(ctx context.Context, id string, status types.BackfillStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE backfill_runs SET status = $1, updated_at = NOW() WHERE id = $2`,
		status,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set backfill run status", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundRun, "backfill run not found", nil)
	}
	return nil
}
