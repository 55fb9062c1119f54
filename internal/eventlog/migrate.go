package eventlog

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Supported store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

//go:embed migrations/postgres/*.sql migrations/sqlite3/*.sql
var migrationFS embed.FS

// Migrate applies the embedded schema migrations for driver against url in
// the given direction ("up" or "down"). Already being at the target version is
// not an error.
func Migrate(driver, url, direction string) error {
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}
	if driver != DriverPostgres && driver != DriverSQLite {
		return fmt.Errorf("eventlog: no migrations for driver %q", driver)
	}

	source, err := iofs.New(migrationFS, "migrations/"+driver)
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, url)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	return nil
}
