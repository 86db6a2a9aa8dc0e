package domain

import (
	"errors"
	"time"
)

// User is the core user entity. Attributes are owned by the repository and
// mutated only through its merge operation, never by direct assignment.
type User struct {
	ID         string
	ProjectID  string
	ExternalID string
	Email      string
	Phone      string
	Timezone   string
	Attributes map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Patch is one inbound update for a project-scoped external identity.
// Scalar identity fields overwrite unconditionally when non-empty; Attributes
// shallow-merge into the existing map, last write wins per key.
type Patch struct {
	ExternalID string
	Email      string
	Phone      string
	Timezone   string
	Attributes map[string]any
}

// Validate validates the patch for persistence. Returns an error describing the first validation failure.
func (p *Patch) Validate() error {
	if p.ExternalID == "" {
		return errors.New("external_id is required")
	}
	return nil
}

// Merge applies the patch to the user in place and returns the attribute keys
// the patch touched. Keys absent from the patch are preserved; this is a
// shallow last-write-wins merge, not a deep merge. Ordering between concurrent
// patches is by arrival at the repository, which serializes calls to this
// logic through its atomic upsert.
func (u *User) Merge(p *Patch) []string {
	if p.Email != "" {
		u.Email = p.Email
	}
	if p.Phone != "" {
		u.Phone = p.Phone
	}
	if p.Timezone != "" {
		u.Timezone = p.Timezone
	}
	if len(p.Attributes) == 0 {
		return nil
	}
	if u.Attributes == nil {
		u.Attributes = make(map[string]any, len(p.Attributes))
	}
	touched := make([]string, 0, len(p.Attributes))
	for k, v := range p.Attributes {
		u.Attributes[k] = v
		touched = append(touched, k)
	}
	return touched
}
