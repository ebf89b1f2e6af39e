package db

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/rs/zerolog"
)

func newTestMigrator(files map[string]string) *Migrator {
	fsys := fstest.MapFS{}
	for name, content := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(content)}
	}
	return NewMigrator(nil, fsys, zerolog.Nop())
}

func TestLoadMigrations(t *testing.T) {
	migrator := newTestMigrator(map[string]string{
		"001_queue_entry.sql": "CREATE TABLE queue_entry (id UUID PRIMARY KEY);",
		"002_indexes.sql":     "CREATE INDEX idx ON queue_entry (id);",
	})
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "001_queue_entry.sql" {
		t.Errorf("unexpected first migration: %+v", migrations[0])
	}
	if migrations[0].SQL != "CREATE TABLE queue_entry (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
	if migrations[1].Version != 2 {
		t.Errorf("expected version 2, got %d", migrations[1].Version)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	migrator := newTestMigrator(map[string]string{
		"010_tables.sql": "SELECT 10;",
		"002_second.sql": "SELECT 2;",
		"001_first.sql":  "SELECT 1;",
		"005_middle.sql": "SELECT 5;",
	})
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	expectedVersions := []int{1, 2, 5, 10}
	if len(migrations) != len(expectedVersions) {
		t.Fatalf("expected %d migrations, got %d", len(expectedVersions), len(migrations))
	}
	for i, expected := range expectedVersions {
		if migrations[i].Version != expected {
			t.Errorf("migration[%d]: expected version %d, got %d", i, expected, migrations[i].Version)
		}
	}
}

func TestLoadMigrations_InvalidFilename(t *testing.T) {
	migrator := newTestMigrator(map[string]string{
		"001_valid.sql":      "SELECT 1;",
		"readme.sql":         "-- this has no version prefix",
		"notes.txt":          "not a sql file",
		"abc_invalid.sql":    "-- non-numeric prefix",
		"000_zero.sql":       "-- versions start at 1",
		"002_also_valid.sql": "SELECT 2;",
		"sub/003_nested.sql": "SELECT 3;",
	})
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 2 {
		t.Fatalf("expected 2 valid migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[1].Version != 2 {
		t.Errorf("unexpected versions %d, %d", migrations[0].Version, migrations[1].Version)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	migrator := newTestMigrator(map[string]string{
		"001_a.sql":  "SELECT 1;",
		"0001_b.sql": "SELECT 1;",
	})
	if _, err := migrator.LoadMigrations(); err == nil {
		t.Error("expected error for duplicate version")
	}
}

func TestLoadMigrations_EmptyDir(t *testing.T) {
	migrations, err := newTestMigrator(nil).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected 0 migrations from empty dir, got %d", len(migrations))
	}
}

func TestBuildStatus(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "001_queue_entry.sql"},
		{Version: 2, Name: "002_indexes.sql"},
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	statuses := buildStatus(migrations, map[int]time.Time{1: at})
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected migration 001 applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected migration 002 pending, got %+v", statuses[1])
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name string
		want int
		ok   bool
	}{
		{"001_queue_entry.sql", 1, true},
		{"42_x.sql", 42, true},
		{"queue.sql", 0, false},
		{"x_queue.sql", 0, false},
		{"000_queue.sql", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseVersion(tt.name)
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseVersion(%q) = %d, %v; want %d, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}
