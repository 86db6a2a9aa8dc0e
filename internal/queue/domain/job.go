package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a job execution record.
type Status string

const (
	StatusPending         Status = "pending"
	StatusInFlight        Status = "in_flight"
	StatusDone            Status = "done"
	StatusFailedPermanent Status = "failed_permanent"
)

// Trigger identifies one unit of work: a job kind plus its arguments.
// Immutable once enqueued; the queue never mutates payloads.
type Trigger struct {
	Kind    string
	Payload json.RawMessage
}

// Validate validates the trigger for enqueueing.
func (t *Trigger) Validate() error {
	if t.Kind == "" {
		return errors.New("trigger kind is required")
	}
	if len(t.Payload) == 0 {
		return errors.New("trigger payload is required")
	}
	return nil
}

// Job is the durable execution record for one trigger. It survives process
// restart; the queue removes it from the ready set once done or
// failed_permanent.
type Job struct {
	ID            string
	Kind          string
	Payload       json.RawMessage
	Status        Status
	Priority      int
	AttemptCount  int
	MaxAttempts   int
	NextAttemptAt time.Time
	ClaimedAt     *time.Time
	LastError     string
	EnqueuedAt    time.Time
	UpdatedAt     time.Time
}
