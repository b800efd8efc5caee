// Package migrations embeds the goose SQL migrations so that the server,
// cmd/migrate and integration tests apply the same schema.
package migrations

import (
	"context"
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

// Configure points goose at the embedded migrations.
func Configure() error {
	goose.SetBaseFS(FS)
	return goose.SetDialect("postgres")
}

// Up applies all pending migrations.
func Up(ctx context.Context, db *sql.DB) error {
	if err := Configure(); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}
