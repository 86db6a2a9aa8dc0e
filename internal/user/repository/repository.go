package repository

import (
	"context"

	"beacon-messaging/backend/internal/user/domain"
)

// Repository defines persistence for users. All attribute mutation goes through
// Apply; callers never write user fields directly.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByExternalID(ctx context.Context, projectID, externalID string) (*domain.User, error)
	// Apply atomically finds or creates the user for (projectID, patch.ExternalID)
	// and merges the patch: attributes shallow-merge last-write-wins, non-empty
	// scalar fields overwrite. Concurrent callers are ordered by arrival at the
	// database; exactly one row exists per identity afterwards.
	Apply(ctx context.Context, projectID string, patch *domain.Patch) (*domain.User, error)
}
