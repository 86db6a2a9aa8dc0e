package repository

import (
	"context"

	"beacon-messaging/backend/internal/template/domain"
)

// Repository defines read access to templates.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Template, error)
	Create(ctx context.Context, t *domain.Template) error
}
