package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var migrationsDir = filepath.Join("..", "..", "db", "migrations")

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	byVersion := map[string]map[string]bool{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestListMigrationsOrdersByName(t *testing.T) {
	ups, err := listMigrations(os.DirFS(migrationsDir), "up")
	if err != nil {
		t.Fatalf("listMigrations() error = %v", err)
	}
	if len(ups) < 2 {
		t.Fatalf("expected at least two up migrations, got %d", len(ups))
	}
	for i := 1; i < len(ups); i++ {
		if ups[i-1].name >= ups[i].name {
			t.Fatalf("migrations out of order: %s before %s", ups[i-1].name, ups[i].name)
		}
		if !strings.HasSuffix(ups[i].name, ".up.sql") {
			t.Fatalf("unexpected file %s", ups[i].name)
		}
	}
}

func TestVersionTableMigrationDeclaresSequenceConstraint(t *testing.T) {
	sqlBytes, err := os.ReadFile(filepath.Join(migrationsDir, "0001_document_versions.up.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if !strings.Contains(string(sqlBytes), "CONSTRAINT "+versionSeqConstraint+" UNIQUE (document_id, seq)") {
		t.Fatalf("expected %s unique constraint", versionSeqConstraint)
	}
}

func TestWriteOnceMigrationUsesBlockingTriggers(t *testing.T) {
	sqlBytes, err := os.ReadFile(filepath.Join(migrationsDir, "0002_document_versions_write_once.up.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	for _, snippet := range []string{
		"document_versions_write_once_guard",
		"RAISE EXCEPTION",
		"NEW.expires_at < OLD.expires_at",
		"CREATE TRIGGER trg_document_versions_block_update",
		"CREATE TRIGGER trg_document_versions_block_delete",
	} {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
	if strings.Contains(sqlText, "DO INSTEAD NOTHING") {
		t.Fatalf("expected hard-fail guard, found silent DO INSTEAD NOTHING rule")
	}
}
