package catalog

import (
	"context"
	"crypto/sha256"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// PeerRow is a single row of the peer directory.
type PeerRow struct {
	PeerIndex     int64
	Slot          int
	Hostport      string
	DiscoveryTime time.Time
}

// newSlotNonce generates the per-process secret mixed into slot(hostport)
// so that slot assignment can't be predicted and gamed by a remote peer.
// It is regenerated on every restart; peers simply reslot on the next
// add-peer cycle, which is harmless since slotting only bounds directory
// size.
func newSlotNonce() []byte {
	id := uuid.New()
	return id[:]
}

// Slot computes the bucket a hostport falls into: sha256(nonce || host) mod
// slotMax.
func (s *Store) Slot(hostport string, slotMax int) int {
	h := sha256.New()
	h.Write(s.slotNonce)
	h.Write([]byte(hostport))
	sum := h.Sum(nil)

	n := new(big.Int).SetBytes(sum)
	m := big.NewInt(int64(slotMax))
	return int(new(big.Int).Mod(n, m).Int64())
}

// PingFunc probes a candidate peer and reports whether it is alive. It is
// supplied by the caller (normally internal/rpcclient.Ping) so that catalog
// never depends on the network transport directly.
type PingFunc func(ctx context.Context, hostport string) bool

// AddPeer runs the add-peer eviction protocol: compute the slot for
// hostport; if it is unoccupied, insert directly. If occupied, release the
// catalog mutex and ping every occupant; insert (evicting the occupants)
// only if every one of them is unresponsive, otherwise decline.
//
// The mutex is never held across ping: pinging is network I/O and the
// catalog mutex must stay held only for brief, local operations.
func (s *Store) AddPeer(ctx context.Context, hostport string, slotMax int, now time.Time, ping PingFunc) (inserted bool, err error) {
	slot := s.Slot(hostport, slotMax)

	occupants, err := s.occupantsOf(slot, hostport)
	if err != nil {
		return false, err
	}

	if len(occupants) == 0 {
		if err := s.insertPeer(hostport, slot, now); err != nil {
			return false, err
		}
		return true, nil
	}

	allDead := true
	for _, occupant := range occupants {
		if ping(ctx, occupant) {
			allDead = false
			break
		}
	}
	if !allDead {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, occupant := range occupants {
		if _, err := s.db.Exec(`DELETE FROM peers WHERE hostport = ?`, occupant); err != nil {
			return false, err
		}
	}
	if err := s.insertPeerLocked(hostport, slot, now); err != nil {
		return false, err
	}
	return true, nil
}

// occupantsOf returns the hostports (other than hostport itself) currently
// holding slot.
func (s *Store) occupantsOf(slot int, hostport string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT hostport FROM peers WHERE slot = ? AND hostport != ?`, slot, hostport)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var hp string
		if err := rows.Scan(&hp); err != nil {
			return nil, err
		}
		out = append(out, hp)
	}
	return out, rows.Err()
}

func (s *Store) insertPeer(hostport string, slot int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertPeerLocked(hostport, slot, now)
}

func (s *Store) insertPeerLocked(hostport string, slot int, now time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO peers (slot, hostport, discovery_time) VALUES (?, ?, ?)
		 ON CONFLICT(hostport) DO UPDATE SET slot = excluded.slot, discovery_time = excluded.discovery_time`,
		slot, hostport, now.Unix())
	return err
}

// RemovePeer deletes a peer from the directory, if present.
func (s *Store) RemovePeer(hostport string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM peers WHERE hostport = ?`, hostport)
	return err
}

// Renew refreshes a peer's discovery_time to now, keeping it from being
// reaped by OldPeers.
func (s *Store) Renew(hostport string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE peers SET discovery_time = ? WHERE hostport = ?`, now.Unix(), hostport)
	return err
}

// OldPeers returns every peer whose discovery_time is older than cutoff.
func (s *Store) OldPeers(cutoff time.Time) ([]PeerRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT peer_index, slot, hostport, discovery_time FROM peers WHERE discovery_time < ?`,
		cutoff.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPeerRows(rows)
}

// LoadAll returns every peer currently in the directory.
func (s *Store) LoadAll() ([]PeerRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT peer_index, slot, hostport, discovery_time FROM peers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPeerRows(rows)
}

// RandomPeer returns a uniformly random peer from the directory, or ok=false
// if the directory is empty.
func (s *Store) RandomPeer(seed int64) (row PeerRow, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM peers`).Scan(&count); err != nil {
		return PeerRow{}, false, err
	}
	if count == 0 {
		return PeerRow{}, false, nil
	}

	offset := mod(seed, count)
	r := s.db.QueryRow(
		`SELECT peer_index, slot, hostport, discovery_time FROM peers ORDER BY peer_index LIMIT 1 OFFSET ?`, offset)

	var pr PeerRow
	var discoveryUnix int64
	if err := r.Scan(&pr.PeerIndex, &pr.Slot, &pr.Hostport, &discoveryUnix); err != nil {
		return PeerRow{}, false, err
	}
	pr.DiscoveryTime = time.Unix(discoveryUnix, 0).UTC()
	return pr, true, nil
}

func mod(n, m int64) int64 {
	r := n % m
	if r < 0 {
		r += m
	}
	return r
}

func scanPeerRows(rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}) ([]PeerRow, error) {
	var out []PeerRow
	for rows.Next() {
		var pr PeerRow
		var discoveryUnix int64
		if err := rows.Scan(&pr.PeerIndex, &pr.Slot, &pr.Hostport, &discoveryUnix); err != nil {
			return nil, err
		}
		pr.DiscoveryTime = time.Unix(discoveryUnix, 0).UTC()
		out = append(out, pr)
	}
	return out, rows.Err()
}
