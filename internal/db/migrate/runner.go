// Package migrate applies the messaging store's schema from the SQL files
// embedded in the db package, via golang-migrate.
package migrate

import (
	"errors"
	"fmt"

	"beacon-messaging/backend/internal/db"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// ErrNoChange reports that the store is already at the requested schema version.
var ErrNoChange = migrate.ErrNoChange

// Run migrates the store at dsn in the given direction, "up" or "down".
// Having nothing to apply counts as success. The worker and the queue share
// this schema, so Run is the only writer of DDL in the repo.
func Run(dsn string, direction string) error {
	if dsn == "" {
		return errors.New("DATABASE_URL is empty; set it in the environment or in .env (see .env.example)")
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}

	sourceDriver, err := iofs.New(db.MigrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
	}
	return nil
}
