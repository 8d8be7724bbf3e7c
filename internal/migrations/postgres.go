package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	log "github.com/sirupsen/logrus"
)

//go:embed sql/*.sql
var sqlMigrations embed.FS

// migrationsTable keeps our schema version apart from other tools sharing the database.
const migrationsTable = "copilot2api_schema_migrations"

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return nil, fmt.Errorf("postgres driver: %w", err)
	}
	source, err := iofs.New(sqlMigrations, "sql")
	if err != nil {
		return nil, fmt.Errorf("migrations source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrate instance: %w", err)
	}
	return m, nil
}

// closeMigrator only closes the source. Closing the database driver would
// close db, which the caller still owns.
func closeMigrator(m *migrate.Migrate) {
	if m == nil {
		return
	}
	if srcErr, _ := m.Close(); srcErr != nil {
		log.WithError(srcErr).Debug("close migration source")
	}
}

// Up applies every pending migration. Already current is not an error.
func Up(db *sql.DB) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations up: %w", err)
	}
	return nil
}

// Down rolls back steps migrations (1 when steps <= 0).
func Down(db *sql.DB, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations down: %w", err)
	}
	return nil
}

// Version reports the applied schema version; 0 means nothing applied.
func Version(db *sql.DB) (uint, bool, error) {
	m, err := newMigrator(db)
	if err != nil {
		return 0, false, err
	}
	defer closeMigrator(m)

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, dirty, fmt.Errorf("migrations version: %w", err)
	}
	return version, dirty, nil
}

// Latest is the highest version embedded in this binary.
func Latest() (uint, error) {
	source, err := iofs.New(sqlMigrations, "sql")
	if err != nil {
		return 0, fmt.Errorf("migrations source: %w", err)
	}
	defer source.Close()
	v, err := source.First()
	if err != nil {
		return 0, fmt.Errorf("first migration: %w", err)
	}
	for {
		next, err := source.Next(v)
		if err != nil {
			return v, nil
		}
		v = next
	}
}
