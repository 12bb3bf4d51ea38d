package authkitpg

import (
	"context"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies the embedded goose migrations and returns the resulting schema version.
func Migrate(ctx context.Context, databaseURL string) (int64, error) {
	database, openErr := goose.OpenDBWithDriver("pgx", databaseURL)
	if openErr != nil {
		return 0, fmt.Errorf("authkitpg.migrate.open: %w", openErr)
	}
	defer database.Close()

	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("postgres"); err != nil {
		return 0, fmt.Errorf("authkitpg.migrate.dialect: %w", err)
	}
	if err := goose.UpContext(ctx, database, "migrations"); err != nil {
		return 0, fmt.Errorf("authkitpg.migrate.up: %w", err)
	}
	version, versionErr := goose.GetDBVersionContext(ctx, database)
	if versionErr != nil {
		return 0, fmt.Errorf("authkitpg.migrate.version: %w", versionErr)
	}
	return version, nil
}
