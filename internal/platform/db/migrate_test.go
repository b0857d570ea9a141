package db

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"010_indexes.sql":   {Data: []byte("SELECT 10;")},
		"002_catalog.sql":   {Data: []byte("SELECT 2;")},
		"001_core.sql":      {Data: []byte("CREATE TABLE tenants (id UUID PRIMARY KEY);")},
		"README.md":         {Data: []byte("not sql")},
		"notes.sql":         {Data: []byte("no version prefix")},
		"abc_draft.sql":     {Data: []byte("non-numeric prefix")},
		"archive/003_x.sql": {Data: []byte("nested files are ignored")},
	}

	migrations, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	want := []int{1, 2, 10}
	for i, m := range migrations {
		if m.Version != want[i] {
			t.Errorf("migrations[%d].Version = %d, want %d", i, m.Version, want[i])
		}
	}
	if migrations[0].Name != "001_core.sql" || !strings.HasPrefix(migrations[0].SQL, "CREATE TABLE tenants") {
		t.Errorf("unexpected first migration %+v", migrations[0])
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_core.sql":  {Data: []byte("SELECT 1;")},
		"001_other.sql": {Data: []byte("SELECT 1;")},
	}
	if _, err := NewMigrator(nil, fsys).LoadMigrations(); err == nil {
		t.Fatal("expected an error for a repeated version")
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	migrations, err := NewMigrator(nil, fstest.MapFS{}).LoadMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected none, got %d", len(migrations))
	}
}
