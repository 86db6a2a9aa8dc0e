package repository

import (
	"context"
	"time"

	"beacon-messaging/backend/internal/list/domain"
)

// Repository defines persistence for lists and the materialized membership set.
// Membership writes are upserts/deletes keyed by (user_id, list_id) so they are
// safe under concurrent re-evaluation of the same user.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.List, error)
	ListEnabledByProject(ctx context.Context, projectID string) ([]*domain.List, error)
	CreateList(ctx context.Context, l *domain.List) error

	MembershipListIDs(ctx context.Context, userID string) (map[string]bool, error)
	UpsertMembership(ctx context.Context, userID, listID string, joinedAt time.Time) error
	DeleteMembership(ctx context.Context, userID, listID string) error
}
