package db

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/banshee-data/serial-sensors/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// LatestSchemaVersion is the highest migration shipped in migrations/.
const LatestSchemaVersion = 2

// MigrateUp applies every pending migration. Being current is not an error.
func (db *DB) MigrateUp() error {
	return db.migrate("up", (*migrate.Migrate).Up)
}

// MigrateDown reverts the most recent migration.
func (db *DB) MigrateDown() error {
	return db.migrate("down", func(m *migrate.Migrate) error { return m.Steps(-1) })
}

// MigrateForce records version as applied and clears the dirty flag
// without running anything. It is the recovery path after a failed
// migration has been repaired by hand.
func (db *DB) MigrateForce(version int) error {
	return db.migrate(fmt.Sprintf("force %d", version), func(m *migrate.Migrate) error { return m.Force(version) })
}

// MigrateVersion returns the applied schema version, 0 for a fresh
// database, and whether a migration was interrupted.
func (db *DB) MigrateVersion() (version uint, dirty bool, err error) {
	err = db.withMigrate(func(m *migrate.Migrate) error {
		version, dirty, err = m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		return err
	})
	return version, dirty, err
}

func (db *DB) migrate(op string, step func(*migrate.Migrate) error) error {
	return db.withMigrate(func(m *migrate.Migrate) error {
		if err := step(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate %s: %w", op, err)
		}
		return nil
	})
}

// withMigrate runs fn against the embedded migrations. The migrate instance
// is deliberately left open: closing it closes db.DB.
func (db *DB) withMigrate(fn func(*migrate.Migrate) error) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	m.Log = migrateLogger{}
	return fn(m)
}

// migrateLogger routes migrate's progress lines to debug logging.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) {
	monitoring.Debugf("migrate: "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }
