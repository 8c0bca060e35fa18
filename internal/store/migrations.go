package store

import (
	"context"
	"database/sql"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/migrations"
)

// RunMigrations applies all pending relay migrations using goose.
// It uses the embedded SQL files from the migrations package.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return migrations.Up(ctx, db, migrations.RelayDir)
}
