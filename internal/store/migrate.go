package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
)

// ApplyMigrations runs every pending *.up.sql file in dir, in name order.
// It returns the versions applied by this call.
func ApplyMigrations(ctx context.Context, db *sql.DB, dir string) ([]string, error) {
	return ApplyMigrationsFS(ctx, db, os.DirFS(dir))
}

func ApplyMigrationsFS(ctx context.Context, db *sql.DB, fsys fs.FS) ([]string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}

	versions, err := migrationFiles(fsys, ".up.sql")
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, version := range versions {
		migrated, err := isMigrated(ctx, db, version)
		if err != nil {
			return applied, err
		}
		if migrated {
			continue
		}

		contents, err := fs.ReadFile(fsys, version)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", version, err)
		}
		if err := runInTx(ctx, db, version, string(contents), `INSERT INTO schema_migrations(version) VALUES($1)`); err != nil {
			return applied, err
		}
		applied = append(applied, version)
	}
	return applied, nil
}

// RollbackMigrations runs every *.down.sql in reverse order and forgets the
// matching up versions.
func RollbackMigrations(ctx context.Context, db *sql.DB, dir string) error {
	fsys := os.DirFS(dir)
	downs, err := migrationFiles(fsys, ".down.sql")
	if err != nil {
		return err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(downs)))
	for _, down := range downs {
		contents, err := fs.ReadFile(fsys, down)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", down, err)
		}
		up := strings.TrimSuffix(down, ".down.sql") + ".up.sql"
		if err := runInTx(ctx, db, down, string(contents), `DELETE FROM schema_migrations WHERE version=$1`, up); err != nil {
			return err
		}
	}
	return nil
}

func migrationFiles(fsys fs.FS, suffix string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), suffix) {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func runInTx(ctx context.Context, db *sql.DB, name, script, record string, recordArgs ...any) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute migration %s: %w", name, err)
	}
	if len(recordArgs) == 0 {
		recordArgs = []any{name}
	}
	if _, err := tx.ExecContext(ctx, record, recordArgs...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
