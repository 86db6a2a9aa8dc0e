package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"beacon-messaging/backend/internal/user/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a user repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const userColumns = `id, project_id, external_id, email, phone, timezone, attributes, created_at, updated_at`

// GetByID returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetByExternalID returns the user for (projectID, externalID), or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByExternalID(ctx context.Context, projectID, externalID string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE project_id = $1 AND external_id = $2`,
		projectID, externalID)
	return scanUser(row)
}

// Apply upserts the user in a single statement. The ON CONFLICT arm gives
// find-or-create atomicity on (project_id, external_id); a losing concurrent
// creator lands on the update path inside the database, so the identity
// creation race never surfaces to callers. The jsonb || operator performs the
// shallow last-write-wins attribute merge, ordered by arrival at the database.
func (r *PostgresRepository) Apply(ctx context.Context, projectID string, patch *domain.Patch) (*domain.User, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	attrs := patch.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("marshal attributes: %w", err)
	}
	now := time.Now().UTC()
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, project_id, external_id, email, phone, timezone, attributes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (project_id, external_id) DO UPDATE SET
			email      = CASE WHEN EXCLUDED.email <> '' THEN EXCLUDED.email ELSE users.email END,
			phone      = CASE WHEN EXCLUDED.phone <> '' THEN EXCLUDED.phone ELSE users.phone END,
			timezone   = CASE WHEN EXCLUDED.timezone <> '' THEN EXCLUDED.timezone ELSE users.timezone END,
			attributes = users.attributes || EXCLUDED.attributes,
			updated_at = EXCLUDED.updated_at
		RETURNING `+userColumns,
		uuid.New().String(), projectID, patch.ExternalID,
		patch.Email, patch.Phone, patch.Timezone, attrsJSON, now)
	u, err := scanUser(row)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, errors.New("upsert returned no row")
	}
	return u, nil
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var u domain.User
	var attrs []byte
	err := row.Scan(&u.ID, &u.ProjectID, &u.ExternalID, &u.Email, &u.Phone, &u.Timezone,
		&attrs, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &u.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	return &u, nil
}
