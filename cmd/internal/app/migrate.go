package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"bazaar/migrations"
)

// Migrate applies the embedded migrations up or down. Being at the target
// version already is not an error.
func Migrate(dsn, direction string) error {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return errors.New("migrate: BAZAAR_DATABASE_URL is not set")
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return errors.New("migrate: BAZAAR_DATABASE_URL must be a postgres:// URL")
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("migrate: direction must be up or down, got %q", direction)
	}

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migrate: source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if direction == "up" {
		err = m.Up()
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	return nil
}

// RunMigrate is the entrypoint of cmd/bazaar-migrate.
func RunMigrate(direction string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg)

	if cfg.DBSchema != migrations.Schema {
		return fmt.Errorf("migrate: migrations target schema %q, BAZAAR_DB_SCHEMA is %q", migrations.Schema, cfg.DBSchema)
	}
	if err := Migrate(cfg.DatabaseURL, direction); err != nil {
		log.Error("db.migrate.fail", "direction", direction, "err", err)
		return err
	}
	log.Info("db.migrate.ok", "direction", direction)
	return nil
}
