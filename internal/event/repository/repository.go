package repository

import (
	"context"

	"beacon-messaging/backend/internal/event/domain"
)

// Repository defines persistence for the append-only event log. There are no
// update or delete operations.
type Repository interface {
	// Append records one event for the user and returns it with ID and CreatedAt set.
	Append(ctx context.Context, userID, projectID, name string, properties map[string]any) (*domain.Event, error)
	// ListByUser returns up to limit events for the user, newest first.
	ListByUser(ctx context.Context, userID string, limit int32) ([]*domain.Event, error)
}
