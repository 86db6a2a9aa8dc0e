package domain

import "time"

// Names of events the execution core itself appends.
const (
	NameEmailSent  = "email_sent"
	NameListJoined = "list_joined"
	NameListLeft   = "list_left"
)

// Event is one immutable entry in a user's append-only event log. Events are
// never mutated or deleted by the core; they are the source of truth for audit
// and for list rules that filter on event history.
type Event struct {
	ID         string
	UserID     string
	ProjectID  string
	Name       string
	Properties map[string]any
	CreatedAt  time.Time
}
