// Package migrations embeds the posts-database schema and applies it with
// goose.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

// FS holds the embedded schema migrations, applied in filename order.
//
//go:embed *.sql
var FS embed.FS

// Run brings the posts database up to the latest schema version. The store
// calls it on open, so a fresh database is usable immediately.
func Run(db *sql.DB) error {
	goose.SetBaseFS(FS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}
