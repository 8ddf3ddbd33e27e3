package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func migrationsDir() string {
	return filepath.Join("..", "..", "db", "migrations")
}

func TestMigrationsArePairedAndSequential(t *testing.T) {
	fsys := os.DirFS(migrationsDir())
	ups, err := migrationFiles(fsys, ".up.sql")
	if err != nil {
		t.Fatalf("list up migrations: %v", err)
	}
	downs, err := migrationFiles(fsys, ".down.sql")
	if err != nil {
		t.Fatalf("list down migrations: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no migrations discovered")
	}
	if len(ups) != len(downs) {
		t.Fatalf("got %d up and %d down migrations", len(ups), len(downs))
	}
	for i, up := range ups {
		base := strings.TrimSuffix(up, ".up.sql")
		if downs[i] != base+".down.sql" {
			t.Fatalf("migration %s has no matching down file (found %s)", base, downs[i])
		}
		if want := fmt.Sprintf("%04d_", i+1); !strings.HasPrefix(base, want) {
			t.Fatalf("migration %s is out of sequence, expected prefix %s", up, want)
		}
	}
}

func TestMigrationsCoverSchema(t *testing.T) {
	tables := map[string]string{
		"users":                 "0001_users",
		"refresh_sessions":      "0002_sessions",
		"revoked_access_tokens": "0002_sessions",
	}
	for table, base := range tables {
		up, err := os.ReadFile(filepath.Join(migrationsDir(), base+".up.sql"))
		if err != nil {
			t.Fatalf("read %s: %v", base, err)
		}
		if !strings.Contains(string(up), "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("%s.up.sql does not create %s", base, table)
		}
		down, err := os.ReadFile(filepath.Join(migrationsDir(), base+".down.sql"))
		if err != nil {
			t.Fatalf("read %s down: %v", base, err)
		}
		if !strings.Contains(string(down), "DROP TABLE IF EXISTS "+table) {
			t.Fatalf("%s.down.sql does not drop %s", base, table)
		}
	}
}
