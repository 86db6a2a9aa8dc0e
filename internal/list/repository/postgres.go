package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"beacon-messaging/backend/internal/list/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a list repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the list for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.List, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, rule, enabled, created_at FROM lists WHERE id = $1`, id)
	l, err := scanList(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return l, nil
}

// ListEnabledByProject returns the enabled lists for a project.
func (r *PostgresRepository) ListEnabledByProject(ctx context.Context, projectID string) ([]*domain.List, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, project_id, name, rule, enabled, created_at
		 FROM lists WHERE project_id = $1 AND enabled ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.List
	for rows.Next() {
		l, err := scanList(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CreateList persists the list. The list must have ID set; it is not assigned by this method.
func (r *PostgresRepository) CreateList(ctx context.Context, l *domain.List) error {
	if err := l.Rule.Validate(); err != nil {
		return fmt.Errorf("list rule: %w", err)
	}
	ruleJSON, err := json.Marshal(l.Rule)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO lists (id, project_id, name, rule, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.ID, l.ProjectID, l.Name, ruleJSON, l.Enabled, l.CreatedAt)
	return err
}

// MembershipListIDs returns the set of list IDs the user currently belongs to.
func (r *PostgresRepository) MembershipListIDs(ctx context.Context, userID string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT list_id FROM list_memberships WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// UpsertMembership records the user joining the list. ON CONFLICT keeps the
// original joined_at so a concurrent duplicate join is a no-op.
func (r *PostgresRepository) UpsertMembership(ctx context.Context, userID, listID string, joinedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO list_memberships (user_id, list_id, joined_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, list_id) DO NOTHING`,
		userID, listID, joinedAt)
	return err
}

// DeleteMembership removes the user from the list. Deleting an absent row is a no-op.
func (r *PostgresRepository) DeleteMembership(ctx context.Context, userID, listID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM list_memberships WHERE user_id = $1 AND list_id = $2`, userID, listID)
	return err
}

func scanList(scan func(...any) error) (*domain.List, error) {
	var l domain.List
	var ruleJSON []byte
	if err := scan(&l.ID, &l.ProjectID, &l.Name, &ruleJSON, &l.Enabled, &l.CreatedAt); err != nil {
		return nil, err
	}
	rule, err := domain.ParseRule(ruleJSON)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", l.ID, err)
	}
	l.Rule = rule
	return &l, nil
}
