package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

// Up applies all pending migrations found under dir (RelayDir or ReplicaDir).
// A provider is built per call, so concurrent databases do not share goose's
// package-level state.
func Up(ctx context.Context, db *sql.DB, dir string) error {
	fsys, err := fs.Sub(FS, dir)
	if err != nil {
		return fmt.Errorf("open migrations %q: %w", dir, err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
