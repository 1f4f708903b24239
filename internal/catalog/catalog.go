// Package catalog implements the durable record/peer-directory store (C2)
// and the in-memory local inventory bitmap it anchors.
//
// Every mutation serializes on a single process-wide mutex guarding one
// *sql.DB (SQLite only supports one writer). The mutex is always released before
// any operation that can block on the network.
package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/atlasnet/atlasd/pkg/logging"
)

// Store is the durable catalog: the records table, the peer directory, and
// the in-memory local inventory bitmap they anchor.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	inv []byte
	log *logging.Logger

	slotNonce []byte
}

// Config holds catalog storage configuration.
type Config struct {
	DataDir string
}

// New opens (creating if necessary) the catalog database and rebuilds the
// in-memory inventory bitmap from it.
func New(cfg *Config) (*Store, error) {
	dataDir := expandPath(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "atlas.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping catalog database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{
		db:        db,
		log:       logging.GetDefault().Component("catalog"),
		slotNonce: newSlotNonce(),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}

	inv, err := s.makeInventoryLocked(0, 0)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to rebuild inventory: %w", err)
	}
	s.inv = inv

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		inv_index     INTEGER PRIMARY KEY AUTOINCREMENT,
		hash          TEXT NOT NULL,
		present       INTEGER NOT NULL DEFAULT 0,
		tried_storage INTEGER NOT NULL DEFAULT 0,
		block_height  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_hash ON records(hash);
	CREATE INDEX IF NOT EXISTS idx_records_block_height ON records(block_height);
	CREATE INDEX IF NOT EXISTS idx_records_present ON records(present);

	CREATE TABLE IF NOT EXISTS peers (
		peer_index     INTEGER PRIMARY KEY AUTOINCREMENT,
		slot           INTEGER NOT NULL,
		hostport       TEXT UNIQUE NOT NULL,
		discovery_time INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_peers_slot ON peers(slot);
	CREATE INDEX IF NOT EXISTS idx_peers_discovery_time ON peers(discovery_time);
	`
	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
