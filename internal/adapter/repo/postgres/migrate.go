package postgres

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	// pgx5 driver registers the "pgx5" scheme for golang-migrate.
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies all pending schema migrations embedded in the binary.
// A dirty database is reported as an error and requires manual intervention.
func Migrate(dsn string, logger *slog.Logger) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("op=postgres.Migrate: source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, toPgx5DSN(dsn))
	if err != nil {
		return fmt.Errorf("op=postgres.Migrate: init: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			logger.Error("migration source close failed", slog.Any("error", srcErr))
		}
		if dbErr != nil {
			logger.Error("migration db close failed", slog.Any("error", dbErr))
		}
	}()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("op=postgres.Migrate: version: %w", err)
	}
	if dirty {
		return fmt.Errorf("op=postgres.Migrate: database dirty at version %d, manual intervention required", version)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("schema up to date", slog.Int("version", int(version)))
			return nil
		}
		return fmt.Errorf("op=postgres.Migrate: up: %w", err)
	}

	newVersion, _, _ := m.Version()
	logger.Info("schema migrated",
		slog.Int("from_version", int(version)),
		slog.Int("to_version", int(newVersion)))
	return nil
}

// toPgx5DSN rewrites postgres:// style URLs to the pgx5:// scheme expected by
// the golang-migrate pgx/v5 driver.
func toPgx5DSN(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}
