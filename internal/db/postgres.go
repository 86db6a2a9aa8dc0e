// Package db holds the Postgres handle and embedded schema shared by the job,
// user, event, list, and template repositories.
package db

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open connects to Postgres over the pgx stdlib driver and verifies the
// connection with a ping. The caller owns the returned handle and closes it.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
