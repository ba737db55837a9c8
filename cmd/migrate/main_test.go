package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCommandTable(t *testing.T) {
	if got := commandNames(); got != "create|down|status|up|validate|version" {
		t.Fatalf("unexpected command list %q", got)
	}
	for _, name := range []string{"up", "down", "status", "version"} {
		if !commands[name].needsDB {
			t.Fatalf("%s should require a database", name)
		}
	}
	if commands["create"].needsDB || commands["validate"].needsDB {
		t.Fatal("create and validate run without a database")
	}
}

func TestCreateAndValidateWithoutDatabase(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	if _, err := createMigration(ctx, nil, options{dir: dir}); err == nil {
		t.Fatal("expected missing name error")
	}
	out, err := createMigration(ctx, nil, options{dir: dir, name: "add index"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(out, "_add_index.sql") {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := validateMigrations(ctx, nil, options{dir: dir}); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "broken.sql"), []byte("SELECT 1;"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := validateMigrations(ctx, nil, options{dir: dir}); err == nil {
		t.Fatal("expected invalid filename to fail validation")
	}
}

func TestMigrateToVersionRequiresVersion(t *testing.T) {
	if _, err := migrateToVersion(context.Background(), nil, options{}); err == nil {
		t.Fatal("expected missing version error")
	}
}
