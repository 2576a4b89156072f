package state

import (
	"path/filepath"
	"testing"
)

func TestOpenAuditDB_MigratesIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	db, err := OpenAuditDB(path)
	if err != nil {
		t.Fatalf("OpenAuditDB: %v", err)
	}
	ok, err := HasTable(db, "audit_events")
	if err != nil || !ok {
		t.Fatalf("audit_events missing: ok=%v err=%v", ok, err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db, err = OpenAuditDB(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	var version int
	if err := db.QueryRow(`SELECT version FROM schema_migrations`).Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != 1 {
		t.Fatalf("version = %d, want 1", version)
	}
}

func TestMigrateAuditDB_NilDB(t *testing.T) {
	if err := MigrateAuditDB(nil); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestOpenDB_WAL(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "x.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var mode string
	if err := db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q", mode)
	}
}
