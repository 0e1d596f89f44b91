package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"bluechat/models"
)

func TestOpenCreatesDatabaseAndAppliesMigrations(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	if dbPath != filepath.Join(dataDir, DefaultDBFileName) {
		t.Fatalf("unexpected db path: got %q", dbPath)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file not created: %v", err)
	}

	var version int
	if err := store.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), version)
	}

	var journalMode string
	if err := store.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Fatalf("expected journal_mode wal, got %q", journalMode)
	}

	expectedTables := []string{
		"peers",
		"messages",
		"files",
		"session_events",
	}
	for _, table := range expectedTables {
		var count int
		if err := store.db.QueryRow(
			"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name = ?",
			table,
		).Scan(&count); err != nil {
			t.Fatalf("check table %q: %v", table, err)
		}
		if count != 1 {
			t.Fatalf("expected table %q to exist", table)
		}
	}
}

func TestOpenIsIdempotentAcrossRestarts(t *testing.T) {
	dataDir := t.TempDir()

	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if _, err := store.AppendMessage("AA:BB:CC:DD:EE:FF", models.ChatMessage{Body: "kept"}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	reopened, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer reopened.Close()

	messages, err := reopened.LoadMessages("AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("LoadMessages failed: %v", err)
	}
	if len(messages) != 1 || messages[0].Body != "kept" {
		t.Fatalf("expected message to survive reopen, got %+v", messages)
	}
	if reopened.FilesDir() != filepath.Join(dataDir, DefaultFilesDirName) {
		t.Fatalf("unexpected files dir %q", reopened.FilesDir())
	}
}

func TestOpenWithOptionsRunsCheckpointLoop(t *testing.T) {
	store, _, err := OpenWithOptions(t.TempDir(), Options{
		CheckpointInterval:    10 * time.Millisecond,
		SessionEventRetention: time.Hour,
		Logger:                quietLogger(),
	})
	if err != nil {
		t.Fatalf("OpenWithOptions failed: %v", err)
	}
	if store.stopCheckpoints == nil {
		t.Fatalf("expected checkpoint loop to be running")
	}
	if store.sessionEventRetention != time.Hour {
		t.Fatalf("unexpected retention %s", store.sessionEventRetention)
	}

	time.Sleep(30 * time.Millisecond)
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestOpenRejectsUnwritableLocation(t *testing.T) {
	parent := t.TempDir()
	blocker := filepath.Join(parent, "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	if _, _, err := Open(filepath.Join(blocker, "data")); err == nil {
		t.Fatalf("expected Open to fail under a regular file")
	}
}
