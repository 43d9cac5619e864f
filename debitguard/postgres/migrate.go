package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-debitguard/debitguard/log"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrMigrationDirty is returned when a previous migration stopped halfway and
// the schema needs manual repair.
var ErrMigrationDirty = errors.New("postgres schema is dirty")

// Migrate applies the embedded schema migrations to db. An up-to-date schema
// is not an error.
func Migrate(ctx context.Context, db *sql.DB, logger log.Logger) error {
	logger = log.OrNop(logger)

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{SchemaName: "public"})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	err = m.Up()

	var dirty migrate.ErrDirty

	switch {
	case err == nil:
		version, _, _ := m.Version()
		logger.Log(ctx, log.LevelInfo, "postgres migrations applied", log.Int("version", int(version)))

		return nil
	case errors.Is(err, migrate.ErrNoChange):
		logger.Log(ctx, log.LevelDebug, "postgres schema up to date")
		return nil
	case errors.As(err, &dirty):
		logger.Log(ctx, log.LevelError, "postgres schema is dirty", log.Int("version", dirty.Version))
		return fmt.Errorf("%w: version %d", ErrMigrationDirty, dirty.Version)
	default:
		logger.Log(ctx, log.LevelError, "postgres migration failed", log.Err(err))
		return fmt.Errorf("migrate: %w", err)
	}
}
