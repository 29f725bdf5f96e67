package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for golang-migrate
	"github.com/rs/zerolog"

	"github.com/ctfdeploy/ctfdeploy/internal/store/postgres/migrations"
)

// runMigrations applies the embedded schema migrations. golang-migrate takes
// a Postgres advisory lock, so concurrent deployer instances cannot race the
// schema.
func runMigrations(ctx context.Context, connString string, logger zerolog.Logger) error {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("driver: %w", err)
	}
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return err
	}

	err = m.Up()
	switch {
	case err == nil:
		logger.Info().Msg("schema migrations applied")
	case err == migrate.ErrNoChange:
		logger.Debug().Msg("schema up to date")
	default:
		return fmt.Errorf("up: %w", err)
	}
	return nil
}
