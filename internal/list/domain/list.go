package domain

import "time"

// List is a rule-defined user segment. Membership is derived: it may be
// materialized as a cache but is always reconstructable from user attributes,
// the event log, and the rule.
type List struct {
	ID        string
	ProjectID string
	Name      string
	Rule      *Rule
	Enabled   bool
	CreatedAt time.Time
}

// Membership links a user to a list. Keyed by (UserID, ListID); updates are
// upserts so concurrent re-evaluation of the same user stays safe.
type Membership struct {
	UserID   string
	ListID   string
	JoinedAt time.Time
}
