package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "chat.db"
	// DefaultFilesDirName holds received and sent file payloads, one folder per peer.
	DefaultFilesDirName = "files"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultSessionEventRetention controls automatic session log pruning.
	DefaultSessionEventRetention = 30 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS peers (
  address        TEXT PRIMARY KEY,
  display_name   TEXT NOT NULL DEFAULT '',
  chat_name      TEXT NOT NULL DEFAULT '',
  bonded         INTEGER NOT NULL DEFAULT 0,
  last_connected INTEGER
);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id         TEXT PRIMARY KEY,
  peer_address       TEXT NOT NULL,
  body               TEXT NOT NULL,
  sender_label       TEXT NOT NULL DEFAULT '',
  originated_locally INTEGER NOT NULL DEFAULT 0,
  is_file            INTEGER NOT NULL DEFAULT 0,
  file_name          TEXT NOT NULL DEFAULT '',
  file_size          INTEGER NOT NULL DEFAULT 0,
  local_path         TEXT NOT NULL DEFAULT '',
  timestamp          INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_peer_time
ON messages (peer_address, timestamp);
`,
	`
CREATE TABLE IF NOT EXISTS files (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  peer_address TEXT NOT NULL,
  file_name    TEXT NOT NULL,
  stored_path  TEXT NOT NULL,
  size_bytes   INTEGER NOT NULL,
  stored_at    INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_files_peer_time
ON files (peer_address, stored_at DESC, id DESC);
`,
	`
CREATE TABLE IF NOT EXISTS session_events (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type   TEXT NOT NULL,
  peer_address TEXT,
  details      TEXT NOT NULL,
  severity     TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp    INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_session_events_peer
ON session_events (peer_address, timestamp DESC, id DESC);
`,
}

// Store persists conversations, file payloads and the bonded peer list.
type Store struct {
	db       *sql.DB
	filesDir string
	logger   logrus.FieldLogger

	sessionEventRetention time.Duration

	stopCheckpoints context.CancelFunc
	checkpoints     sync.WaitGroup
	closeOnce       sync.Once
}

// Options tunes a Store. The zero value is usable.
type Options struct {
	// CheckpointInterval controls periodic WAL truncation, negative disables it.
	CheckpointInterval    time.Duration
	SessionEventRetention time.Duration
	Logger                logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.CheckpointInterval == 0 {
		o.CheckpointInterval = DefaultWALCheckpointInterval
	}
	if o.SessionEventRetention <= 0 {
		o.SessionEventRetention = DefaultSessionEventRetention
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// Open opens (or creates) chat.db under the given data directory.
func Open(dataDir string) (*Store, string, error) {
	return OpenWithOptions(dataDir, Options{})
}

// OpenWithOptions is Open with explicit tuning.
func OpenWithOptions(dataDir string, options Options) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := openPath(dbPath, options.withDefaults())
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path. File payloads are kept next to
// the database.
func OpenPath(dbPath string) (*Store, error) {
	return openPath(dbPath, Options{}.withDefaults())
}

func openPath(dbPath string, options Options) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		filesDir:              filepath.Join(filepath.Dir(dbPath), DefaultFilesDirName),
		logger:                options.Logger,
		sessionEventRetention: options.SessionEventRetention,
	}

	for _, step := range []func() error{store.ping, store.enableWALMode, store.applyMigrations, store.checkpointWAL} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	store.startCheckpoints(options.CheckpointInterval)

	return store, nil
}

// FilesDir returns the root directory for stored file payloads.
func (s *Store) FilesDir() string {
	return s.filesDir
}

// Close stops background checkpoints and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.stopCheckpoints != nil {
			s.stopCheckpoints()
			s.checkpoints.Wait()
		}
		closeErr = s.db.Close()
	})
	return closeErr
}

// applyMigrations runs every migration past PRAGMA user_version, each in its
// own transaction so a failure keeps the steps before it.
func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		if err := s.migrate(i+1, migrations[i]); err != nil {
			return err
		}
	}
	if version < len(migrations) {
		s.logger.WithFields(logrus.Fields{
			"function": "applyMigrations",
			"from":     version,
			"to":       len(migrations),
		}).Debug("Schema migrated")
	}
	return nil
}

func (s *Store) migrate(version int, statement string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", version, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(statement); err != nil {
		return fmt.Errorf("apply migration %d: %w", version, err)
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", version)); err != nil {
		return fmt.Errorf("set schema version %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", version, err)
	}
	return nil
}

func (s *Store) ping() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping sqlite database: %w", err)
	}
	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startCheckpoints(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopCheckpoints = cancel

	s.checkpoints.Add(1)
	go func() {
		defer s.checkpoints.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.checkpointWAL(); err != nil {
					s.logger.WithFields(logrus.Fields{
						"function": "startCheckpoints",
						"error":    err.Error(),
					}).Warn("Periodic WAL checkpoint failed")
				}
			}
		}
	}()
}
