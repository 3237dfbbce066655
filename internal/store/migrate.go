package store

import (
	"database/sql"
	"embed"
	"errors"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// runMigrations applies every embedded migration for driver ("sqlite" or
// "postgres") to the database behind db.
func runMigrations(db *sql.DB, driver string) error {
	var (
		target database.Driver
		err    error
	)
	switch driver {
	case "sqlite":
		target, err = sqlite.WithInstance(db, &sqlite.Config{})
	case "postgres":
		target, err = pgx.WithInstance(db, &pgx.Config{})
	default:
		return eris.Errorf("store: no migrations for driver %q", driver)
	}
	if err != nil {
		return eris.Wrapf(err, "store: %s migrate driver", driver)
	}

	sub, err := fs.Sub(migrationsFS, "migrations/"+driver)
	if err != nil {
		return eris.Wrap(err, "store: migrations dir")
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return eris.Wrap(err, "store: migration source")
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, target)
	if err != nil {
		return eris.Wrap(err, "store: create migrator")
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return eris.Wrap(err, "store: migration version")
	}
	if dirty {
		return eris.Errorf("store: database is dirty at migration version %d", version)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return eris.Wrap(err, "store: migrate up")
	}

	newVersion, _, _ := m.Version()
	zap.L().Info("store: migrated",
		zap.String("driver", driver),
		zap.Uint("from", version),
		zap.Uint("to", newVersion),
	)
	return nil
}
