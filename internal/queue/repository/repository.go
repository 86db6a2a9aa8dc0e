package repository

import (
	"context"
	"time"

	"beacon-messaging/backend/internal/queue/domain"
)

// Repository defines the durable store for job execution records.
type Repository interface {
	// Insert persists a new pending job. The job must have ID set.
	Insert(ctx context.Context, j *domain.Job) error
	// GetByID returns the job for id, or nil if not found.
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	// ClaimNext atomically claims the next ready pending job: lowest
	// next_attempt_at first (highest priority wins, FIFO by enqueue time on
	// ties), flips it to in_flight, and increments attempt_count. At most one
	// caller can claim a given record. Returns nil if nothing is ready.
	ClaimNext(ctx context.Context) (*domain.Job, error)
	// MarkDone finishes the job successfully (also used for stale-reference no-ops).
	MarkDone(ctx context.Context, id string) error
	// Reschedule returns an in-flight job to pending for a later attempt.
	Reschedule(ctx context.Context, id string, nextAttemptAt time.Time, lastError string) error
	// MarkFailedPermanent parks the job for operator inspection; no further retries.
	MarkFailedPermanent(ctx context.Context, id string, lastError string) error
	// ReleaseAbandoned returns in-flight jobs claimed before cutoff to pending.
	// Protects against workers that crashed mid-execution.
	ReleaseAbandoned(ctx context.Context, cutoff time.Time) (int64, error)
	// ListFailedPermanent returns parked jobs, most recent first.
	ListFailedPermanent(ctx context.Context, limit int32) ([]*domain.Job, error)
	// Resolve deletes a failed_permanent job an operator has dealt with.
	// Returns false if the job was not in failed_permanent.
	Resolve(ctx context.Context, id string) (bool, error)
}
