// Package ledger provides the out-of-scope external-ledger collaborator:
// for each block height, an ordered list of record hashes, plus the
// current tip height. The catalog's sync loop depends only on
// catalog.Ledger; this package supplies one concrete, durable
// implementation of it for standalone operation and testing.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// FileLedger is a SQLite-backed reference ledger: an append-only table of
// (block_height, hash) rows that a separate anchoring process (outside
// this system's scope) populates. It satisfies catalog.Ledger.
type FileLedger struct {
	db *sql.DB
}

// Open opens or creates a ledger database at dataDir/ledger.db.
func Open(dataDir string) (*FileLedger, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "ledger.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS anchors (
		block_height INTEGER NOT NULL,
		hash TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_anchors_height ON anchors(block_height)`); err != nil {
		db.Close()
		return nil, err
	}
	return &FileLedger{db: db}, nil
}

// Close closes the ledger database.
func (l *FileLedger) Close() error {
	return l.db.Close()
}

// Anchor records a new hash at block_height. Anchoring is append-only from
// this system's point of view; an external process is responsible for
// correctness of the ledger content itself.
func (l *FileLedger) Anchor(ctx context.Context, height int64, hash string) error {
	_, err := l.db.ExecContext(ctx, `INSERT INTO anchors (block_height, hash) VALUES (?, ?)`, height, hash)
	return err
}

// TipHeight returns the highest block_height recorded, or -1 if empty.
func (l *FileLedger) TipHeight(ctx context.Context) (int64, error) {
	var height sql.NullInt64
	err := l.db.QueryRowContext(ctx, `SELECT MAX(block_height) FROM anchors`).Scan(&height)
	if err != nil {
		return -1, err
	}
	if !height.Valid {
		return -1, nil
	}
	return height.Int64, nil
}

// HashesAt returns every hash anchored at the given height, in insertion
// order.
func (l *FileLedger) HashesAt(ctx context.Context, height int64) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT hash FROM anchors WHERE block_height = ? ORDER BY rowid`, height)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
