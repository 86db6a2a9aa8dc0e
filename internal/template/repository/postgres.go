package repository

import (
	"context"
	"database/sql"
	"errors"

	"beacon-messaging/backend/internal/template/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a template repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the template for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Template, error) {
	var t domain.Template
	err := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, subject, body, from_address, created_at
		FROM templates WHERE id = $1`, id).
		Scan(&t.ID, &t.ProjectID, &t.Name, &t.Subject, &t.Body, &t.FromAddress, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// Create persists the template. The template must have ID set; it is not assigned by this method.
func (r *PostgresRepository) Create(ctx context.Context, t *domain.Template) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO templates (id, project_id, name, subject, body, from_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.ProjectID, t.Name, t.Subject, t.Body, t.FromAddress, t.CreatedAt)
	return err
}
