package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migrations returns the schema files shipped with the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// ApplyMigrations brings the schema up to the newest version in fsys. It is a
// no-op when the schema is already current.
func ApplyMigrations(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	return withMigrator(ctx, db, fsys, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("apply migrations: %w", err)
		}
		return nil
	})
}

// RollbackMigrations runs every down migration. It exists for tests and local
// resets.
func RollbackMigrations(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	return withMigrator(ctx, db, fsys, func(m *migrate.Migrate) error {
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("roll back migrations: %w", err)
		}
		return nil
	})
}

// MigrationVersion reports the applied schema version. dirty is set when a
// migration failed halfway.
func MigrationVersion(ctx context.Context, db *sql.DB, fsys fs.FS) (version uint, dirty bool, err error) {
	err = withMigrator(ctx, db, fsys, func(m *migrate.Migrate) error {
		var versionErr error
		version, dirty, versionErr = m.Version()
		if errors.Is(versionErr, migrate.ErrNilVersion) {
			return nil
		}
		return versionErr
	})
	return version, dirty, err
}

// withMigrator runs fn on a migrator bound to one pooled connection. Closing
// the migrator returns the connection and leaves db open.
func withMigrator(ctx context.Context, db *sql.DB, fsys fs.FS, fn func(*migrate.Migrate) error) error {
	src, err := iofs.New(fsys, ".")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("acquire migration conn: %w", err)
	}
	driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{})
	if err != nil {
		_ = conn.Close()
		_ = src.Close()
		return fmt.Errorf("postgres driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		_ = driver.Close()
		_ = src.Close()
		return fmt.Errorf("migrate.New: %w", err)
	}
	defer m.Close()
	return fn(m)
}
