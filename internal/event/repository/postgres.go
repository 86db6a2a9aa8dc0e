package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"beacon-messaging/backend/internal/event/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an event repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Append inserts one event row. Inserts only; the log is append-only.
func (r *PostgresRepository) Append(ctx context.Context, userID, projectID, name string, properties map[string]any) (*domain.Event, error) {
	if properties == nil {
		properties = map[string]any{}
	}
	propsJSON, err := json.Marshal(properties)
	if err != nil {
		return nil, fmt.Errorf("marshal properties: %w", err)
	}
	ev := &domain.Event{
		ID:         uuid.New().String(),
		UserID:     userID,
		ProjectID:  projectID,
		Name:       name,
		Properties: properties,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO user_events (id, user_id, project_id, name, properties, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.UserID, ev.ProjectID, ev.Name, propsJSON, ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// ListByUser returns up to limit events for the user, newest first.
// Returns (nil, error) only on database errors.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string, limit int32) ([]*domain.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, project_id, name, properties, created_at
		FROM user_events WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		var ev domain.Event
		var props []byte
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.ProjectID, &ev.Name, &props, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if len(props) > 0 {
			if err := json.Unmarshal(props, &ev.Properties); err != nil {
				return nil, fmt.Errorf("unmarshal properties: %w", err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
