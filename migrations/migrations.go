// Package migrations embeds the goose SQL migrations for the Postgres ledger.
package migrations

import (
	"context"
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

// FS holds every *.sql migration, applied in file-name order.
//
//go:embed *.sql
var FS embed.FS

// Up applies all pending migrations to a Postgres database.
func Up(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}
