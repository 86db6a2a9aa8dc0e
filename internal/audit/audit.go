// Package audit emits job lifecycle records to an external stream for operator
// inspection. Emission is best-effort: it never blocks or fails the job that
// produced it.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// Actions recorded over a job's lifecycle.
const (
	ActionEnqueued        = "job_enqueued"
	ActionDone            = "job_done"
	ActionRetried         = "job_retried"
	ActionFailedPermanent = "job_failed_permanent"
	ActionResolved        = "job_resolved"
)

// emitTimeout is the max time allowed for a single async emit.
const emitTimeout = 5 * time.Second

// Record is one audit entry about a job execution.
type Record struct {
	ID      string    `json:"id"`
	JobID   string    `json:"job_id"`
	Kind    string    `json:"kind"`
	Action  string    `json:"action"`
	Attempt int       `json:"attempt"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// NewRecord builds a Record with ID and timestamp set.
func NewRecord(jobID, kind, action string, attempt int, errMsg string) *Record {
	return &Record{
		ID:      uuid.New().String(),
		JobID:   jobID,
		Kind:    kind,
		Action:  action,
		Attempt: attempt,
		Error:   errMsg,
		At:      time.Now().UTC(),
	}
}

// Emitter emits audit records (e.g. to Kafka). Best-effort; callers log and ignore errors.
type Emitter interface {
	Emit(ctx context.Context, rec *Record) error
}

// EmitAsync runs Emit in a goroutine with a short timeout so the caller is not blocked.
// Use for fire-and-forget audit from the queue; errors are logged.
//
// emitter and rec may be nil; EmitAsync returns immediately without starting a goroutine.
// The goroutine uses context.Background() with emitTimeout so job cancellation does not
// abort an in-flight emit.
func EmitAsync(emitter Emitter, rec *Record) {
	if emitter == nil || rec == nil {
		return
	}
	go func() {
		emitCtx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := emitter.Emit(emitCtx, rec); err != nil {
			log.Printf("audit: async emit failed: %v", err)
		}
	}()
}
