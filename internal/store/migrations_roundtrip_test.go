package store

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"
)

func testDatabase(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("HISTORY_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("HISTORY_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	db, err := Open(ctx, dsn, DefaultPoolConfig())
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, os.DirFS(migrationsDir)); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db := testDatabase(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	migrations := os.DirFS(migrationsDir)

	applied, err := ApplyMigrations(ctx, db, migrations)
	if err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("re-apply ran %v, want nothing", applied)
	}

	if err := RevertMigrations(ctx, db, migrations); err != nil {
		t.Fatalf("revert migrations: %v", err)
	}
	applied, err = ApplyMigrations(ctx, db, migrations)
	if err != nil {
		t.Fatalf("apply migrations (pass 2): %v", err)
	}
	if len(applied) < 2 {
		t.Fatalf("pass 2 applied %v", applied)
	}
}
