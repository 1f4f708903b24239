package catalog

import (
	"context"
	"fmt"

	"github.com/atlasnet/atlasd/internal/bitmap"
)

// Ledger is the read-only view of the external chain this catalog tracks.
// Only the anchoring operations the sync loop needs are exposed; the
// reference implementation lives in internal/ledger.
type Ledger interface {
	TipHeight(ctx context.Context) (int64, error)
	HashesAt(ctx context.Context, height int64) ([]string, error)
}

// Row is a single catalog record.
type Row struct {
	InvIndex     int64
	Hash         string
	Present      bool
	TriedStorage bool
	BlockHeight  int64
}

// LastBlock returns the highest block_height recorded in the catalog, or -1
// if the catalog is empty.
func (s *Store) LastBlock() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBlockLocked()
}

func (s *Store) lastBlockLocked() (int64, error) {
	var height int64
	err := s.db.QueryRow(`SELECT COALESCE(MAX(block_height), -1) FROM records`).Scan(&height)
	if err != nil {
		return -1, err
	}
	return height, nil
}

// SyncFromLedger walks the ledger from the catalog's current tip block up
// to the ledger's reported tip height, resetting and re-inserting the hash
// set at each block as the ledger defines it. When the ledger has advanced,
// the catalog's own tip block is re-applied first: it may have been written
// partially before a crash, and the reset clears it before re-inserting.
// Rows deleted by a reset are re-inserted with fresh inv_index values, so
// inv_index strictly increases across a resync even when content repeats;
// presence for re-inserted rows is re-established from the local blob store
// by the caller.
func (s *Store) SyncFromLedger(ctx context.Context, ledger Ledger) (int64, error) {
	tip, err := ledger.TipHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read ledger tip: %w", err)
	}

	last, err := s.LastBlock()
	if err != nil {
		return 0, err
	}

	start := last + 1
	if last >= 0 && tip > last {
		start = last
	}

	synced := int64(0)
	for height := start; height <= tip; height++ {
		hashes, err := ledger.HashesAt(ctx, height)
		if err != nil {
			return synced, fmt.Errorf("failed to read block %d: %w", height, err)
		}
		if err := s.resetBlock(height, hashes); err != nil {
			return synced, fmt.Errorf("failed to apply block %d: %w", height, err)
		}
		synced++
	}
	return synced, nil
}

// resetBlock deletes any existing rows at blockHeight and inserts hashes
// fresh, each starting absent. It then rebuilds the in-memory bitmap.
func (s *Store) resetBlock(blockHeight int64, hashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM records WHERE block_height = ?`, blockHeight); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO records (hash, present, tried_storage, block_height) VALUES (?, 0, 0, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, h := range hashes {
		if _, err := stmt.Exec(h, blockHeight); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	return s.rebuildInventoryLocked()
}

// SetPresent marks the given hash present or absent, flipping the
// corresponding bit(s) of the in-memory bitmap in step with the durable
// rows. It returns the prior presence of the hash: true iff any row was
// already present.
func (s *Store) SetPresent(hash string, present bool) (wasPresent bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT inv_index, present FROM records WHERE hash = ?`, hash)
	if err != nil {
		return false, err
	}
	var idxs []int
	var anyPresent bool
	for rows.Next() {
		var invIndex int64
		var rowPresent bool
		if err := rows.Scan(&invIndex, &rowPresent); err != nil {
			rows.Close()
			return false, err
		}
		if rowPresent {
			anyPresent = true
		}
		idxs = append(idxs, int(invIndex-1))
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	rows.Close()

	if len(idxs) == 0 {
		return false, nil
	}

	presentInt := 0
	if present {
		presentInt = 1
	}
	if _, err := s.db.Exec(`UPDATE records SET present = ? WHERE hash = ?`, presentInt, hash); err != nil {
		return false, err
	}

	if present {
		s.inv = bitmap.Set(s.inv, idxs)
	} else {
		s.inv = bitmap.Clear(s.inv, idxs)
	}

	return anyPresent, nil
}

// MarkTriedStorage records that a cold-storage fetch attempt was made for
// hash, regardless of outcome, so the fetcher does not retry it every pass.
func (s *Store) MarkTriedStorage(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE records SET tried_storage = 1 WHERE hash = ?`, hash)
	return err
}

// GetBits returns the zero-based bitmap indexes for every row with the given
// hash (usually one, but a hash can legitimately repeat across blocks).
func (s *Store) GetBits(hash string) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT inv_index FROM records WHERE hash = ?`, hash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var idxs []int
	for rows.Next() {
		var invIndex int64
		if err := rows.Scan(&invIndex); err != nil {
			return nil, err
		}
		idxs = append(idxs, int(invIndex-1))
	}
	return idxs, rows.Err()
}

// FindMissing returns up to limit rows with present = 0, ordered by
// inv_index, starting at offset. Used by the fetcher to page through the
// absent set without loading it all into memory at once.
func (s *Store) FindMissing(offset, limit int) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT inv_index, hash, present, tried_storage, block_height FROM records
		 WHERE present = 0 ORDER BY inv_index LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var present, tried int
		if err := rows.Scan(&r.InvIndex, &r.Hash, &present, &tried, &r.BlockHeight); err != nil {
			return nil, err
		}
		r.Present = present != 0
		r.TriedStorage = tried != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Inventory returns a copy of the current in-memory inventory bitmap.
func (s *Store) Inventory() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.inv))
	copy(out, s.inv)
	return out
}

// MakeInventory rebuilds a bitmap directly from the records table for the
// half-open bit range [bitOffset, bitOffset+bitLength), i.e. inv_index
// bitOffset+1 through bitOffset+bitLength, honoring the
// windowed get_zonefile_inventory RPC contract. A bitLength of 0 returns the
// full inventory from bitOffset onward.
func (s *Store) MakeInventory(bitOffset, bitLength int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.makeInventoryLocked(bitOffset, bitLength)
}

func (s *Store) makeInventoryLocked(bitOffset, bitLength int) ([]byte, error) {
	query := `SELECT inv_index, present FROM records WHERE inv_index > ?`
	args := []interface{}{bitOffset}
	if bitLength > 0 {
		query += ` AND inv_index <= ?`
		args = append(args, bitOffset+bitLength)
	}
	query += ` ORDER BY inv_index`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var set []int
	maxIdx := 0
	for rows.Next() {
		var invIndex int64
		var present int
		if err := rows.Scan(&invIndex, &present); err != nil {
			return nil, err
		}
		localBit := int(invIndex) - bitOffset - 1
		if localBit+1 > maxIdx {
			maxIdx = localBit + 1
		}
		if present != 0 {
			set = append(set, localBit)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return bitmap.Set(make([]byte, byteLenForBits(maxIdx)), set), nil
}

func byteLenForBits(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + 7) / 8
}

// rebuildInventoryLocked recomputes the full in-memory bitmap from the
// records table. Called after a block reset; callers must hold s.mu.
func (s *Store) rebuildInventoryLocked() error {
	inv, err := s.makeInventoryLocked(0, 0)
	if err != nil {
		return err
	}
	s.inv = inv
	return nil
}
