package db

import (
	"context"
	"embed"
	"io/fs"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var embedded embed.FS

// migrationSource returns the dialect and migration files for the driver.
// A non-empty dir overrides the embedded files.
func (db *DB) migrationSource(dir string) (goose.Dialect, fs.FS, error) {
	var (
		dialect goose.Dialect
		sub     string
	)
	switch db.driver {
	case DriverSQLite:
		dialect, sub = goose.DialectSQLite3, "migrations/sqlite"
	case DriverPostgres:
		dialect, sub = goose.DialectPostgres, "migrations/postgres"
	default:
		return "", nil, errors.Newf("db: no migrations for driver %q", db.driver)
	}

	if dir != "" {
		return dialect, os.DirFS(dir), nil
	}
	fsys, err := fs.Sub(embedded, sub)
	if err != nil {
		return "", nil, errors.Wrap(err, "loading embedded migrations")
	}
	return dialect, fsys, nil
}

// Migrate applies pending schema migrations and returns the versions applied.
func (db *DB) Migrate(ctx context.Context, dir string) ([]int64, error) {
	dialect, fsys, err := db.migrationSource(dir)
	if err != nil {
		return nil, err
	}

	provider, err := goose.NewProvider(dialect, db.DB, fsys)
	if err != nil {
		return nil, errors.Wrap(err, "creating migration provider")
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "applying migrations")
	}

	applied := make([]int64, 0, len(results))
	for _, r := range results {
		applied = append(applied, r.Source.Version)
	}
	return applied, nil
}
