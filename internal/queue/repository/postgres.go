package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"beacon-messaging/backend/internal/queue/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a job repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const jobColumns = `id, kind, payload, status, priority, attempt_count, max_attempts,
	next_attempt_at, claimed_at, last_error, enqueued_at, updated_at`

// Insert persists a new pending job.
func (r *PostgresRepository) Insert(ctx context.Context, j *domain.Job) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, payload, status, priority, attempt_count, max_attempts,
			next_attempt_at, last_error, enqueued_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		j.ID, j.Kind, []byte(j.Payload), j.Status, j.Priority, j.AttemptCount, j.MaxAttempts,
		j.NextAttemptAt, j.LastError, j.EnqueuedAt)
	return err
}

// GetByID returns the job for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return j, nil
}

// ClaimNext claims the next ready job with a single check-and-set statement.
// FOR UPDATE SKIP LOCKED guarantees a record is handed to at most one worker
// even with many concurrent claimers.
func (r *PostgresRepository) ClaimNext(ctx context.Context) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE jobs SET
			status = 'in_flight',
			attempt_count = attempt_count + 1,
			claimed_at = now(),
			updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND next_attempt_at <= now()
			ORDER BY priority DESC, next_attempt_at, enqueued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns)
	j, err := scanJob(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return j, nil
}

// MarkDone finishes the job successfully.
func (r *PostgresRepository) MarkDone(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'done', claimed_at = NULL, updated_at = now()
		WHERE id = $1`, id)
	return err
}

// Reschedule returns the job to pending for a later attempt.
func (r *PostgresRepository) Reschedule(ctx context.Context, id string, nextAttemptAt time.Time, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', next_attempt_at = $2, last_error = $3,
			claimed_at = NULL, updated_at = now()
		WHERE id = $1`, id, nextAttemptAt, lastError)
	return err
}

// MarkFailedPermanent parks the job for operator inspection.
func (r *PostgresRepository) MarkFailedPermanent(ctx context.Context, id string, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed_permanent', last_error = $2,
			claimed_at = NULL, updated_at = now()
		WHERE id = $1`, id, lastError)
	return err
}

// ReleaseAbandoned returns in-flight jobs claimed before cutoff to pending.
func (r *PostgresRepository) ReleaseAbandoned(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', claimed_at = NULL, updated_at = now()
		WHERE status = 'in_flight' AND claimed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListFailedPermanent returns parked jobs, most recent first.
func (r *PostgresRepository) ListFailedPermanent(ctx context.Context, limit int32) ([]*domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'failed_permanent'
		ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Resolve deletes a failed_permanent job. Returns false when no such parked job exists.
func (r *PostgresRepository) Resolve(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE id = $1 AND status = 'failed_permanent'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanJob(scan func(...any) error) (*domain.Job, error) {
	var j domain.Job
	var payload []byte
	var claimedAt sql.NullTime
	err := scan(&j.ID, &j.Kind, &payload, &j.Status, &j.Priority, &j.AttemptCount,
		&j.MaxAttempts, &j.NextAttemptAt, &claimedAt, &j.LastError, &j.EnqueuedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = payload
	if claimedAt.Valid {
		t := claimedAt.Time
		j.ClaimedAt = &t
	}
	return &j, nil
}
