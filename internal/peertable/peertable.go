// Package peertable implements the in-memory peer table (C3): per-peer
// health accounting, mirrored inventory, and the ranking/selection
// operations the crawler, health checker, fetcher, and pusher workers build
// on.
//
// The table is guarded by a single mutex. Every call site that needs to
// make an RPC while consulting the table must release the lock first, make
// the call, then re-acquire and recheck that the peer is still present;
// the table never performs network I/O itself. A debug assertion catches
// the same goroutine re-entering the lock: that is a programmer error, not
// contention, and it aborts the process.
package peertable

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/atlasnet/atlasd/internal/bitmap"
)

// historyEntry is one health-history observation.
type historyEntry struct {
	at        time.Time
	responded bool
}

// Entry is a single peer-table row.
type Entry struct {
	Hostport       string
	RemoteInv      []byte
	LastInvRefresh time.Time
	Blacklisted    bool
	Whitelisted    bool

	history []historyEntry
}

// requestCount returns the number of recorded requests in the window.
func (e *Entry) requestCount() int {
	return len(e.history)
}

// health returns responses/requests over the window; 0.0 if no requests.
func (e *Entry) health() float64 {
	if len(e.history) == 0 {
		return 0.0
	}
	responded := 0
	for _, h := range e.history {
		if h.responded {
			responded++
		}
	}
	return float64(responded) / float64(len(e.history))
}

// Table is the process-wide peer table.
type Table struct {
	mu           sync.Mutex
	self         string
	peerLifetime time.Duration
	minHealth    float64

	peers map[string]*Entry

	guard recursionGuard
}

// Config configures a Table.
type Config struct {
	// Self is this node's own hostport; it is refused as a peer entry.
	Self string
	// PeerLifetime bounds the health-history window.
	PeerLifetime time.Duration
	// MinPeerHealth is the threshold used by LiveNeighbors and worst-health
	// eviction decisions made by callers.
	MinPeerHealth float64
}

// New creates an empty peer table.
func New(cfg Config) *Table {
	return &Table{
		self:         cfg.Self,
		peerLifetime: cfg.PeerLifetime,
		minHealth:    cfg.MinPeerHealth,
		peers:        make(map[string]*Entry),
	}
}

// lock acquires the table mutex, asserting the calling goroutine does not
// already hold it. Re-entry is a programmer error, not a wait: it aborts
// the process.
func (t *Table) lock() {
	id := goroutineID()
	t.guard.enter(id)
	t.mu.Lock()
	t.guard.markHeld(id)
}

func (t *Table) unlock() {
	t.guard.exit()
	t.mu.Unlock()
}

// MinHealth returns the table's configured health floor.
func (t *Table) MinHealth() float64 {
	return t.minHealth
}

// Has reports whether hostport is present in the table.
func (t *Table) Has(hostport string) bool {
	t.lock()
	defer t.unlock()
	_, ok := t.peers[hostport]
	return ok
}

// Insert adds a new peer entry if hostport isn't the node's own address and
// isn't already present. It reports whether an insert happened.
func (t *Table) Insert(hostport string) bool {
	if hostport == t.self {
		return false
	}
	t.lock()
	defer t.unlock()
	if _, ok := t.peers[hostport]; ok {
		return false
	}
	t.peers[hostport] = &Entry{Hostport: hostport}
	return true
}

// Remove deletes a peer entry.
func (t *Table) Remove(hostport string) {
	t.lock()
	defer t.unlock()
	delete(t.peers, hostport)
}

// Count returns the number of peers in the table.
func (t *Table) Count() int {
	t.lock()
	defer t.unlock()
	return len(t.peers)
}

// UpdateHealth appends a (now, responded) observation for hostport, then
// drops every observation older than now-PeerLifetime. It is a no-op if the
// peer is no longer present (it may have been evicted concurrently).
func (t *Table) UpdateHealth(hostport string, responded bool, now time.Time) {
	t.lock()
	defer t.unlock()
	e, ok := t.peers[hostport]
	if !ok {
		return
	}
	e.history = append(e.history, historyEntry{at: now, responded: responded})
	cutoff := now.Add(-t.peerLifetime)
	kept := e.history[:0]
	for _, h := range e.history {
		if h.at.After(cutoff) {
			kept = append(kept, h)
		}
	}
	e.history = kept
}

// Health returns the current health of a peer, or 0.0 if absent.
func (t *Table) Health(hostport string) float64 {
	t.lock()
	defer t.unlock()
	e, ok := t.peers[hostport]
	if !ok {
		return 0.0
	}
	return e.health()
}

// RequestCount returns the number of recorded health observations for a
// peer (0 if absent).
func (t *Table) RequestCount(hostport string) int {
	t.lock()
	defer t.unlock()
	e, ok := t.peers[hostport]
	if !ok {
		return 0
	}
	return e.requestCount()
}

// SetRemoteInventory atomically replaces a peer's mirrored inventory and
// stamps last_inv_refresh. A no-op if the peer is no longer present.
func (t *Table) SetRemoteInventory(hostport string, inv []byte, now time.Time) {
	t.lock()
	defer t.unlock()
	e, ok := t.peers[hostport]
	if !ok {
		return
	}
	e.RemoteInv = inv
	e.LastInvRefresh = now
}

// RemoteInventory returns a copy of a peer's mirrored inventory and its
// freshness stamp.
func (t *Table) RemoteInventory(hostport string) (inv []byte, lastRefresh time.Time, ok bool) {
	t.lock()
	defer t.unlock()
	e, present := t.peers[hostport]
	if !present {
		return nil, time.Time{}, false
	}
	out := make([]byte, len(e.RemoteInv))
	copy(out, e.RemoteInv)
	return out, e.LastInvRefresh, true
}

// ClearRemoteBits clears the given bit indexes in a peer's mirrored
// inventory. The fetcher uses this to stop re-asking a peer for a zonefile
// it claimed to have but failed to deliver. A no-op if the peer is absent.
func (t *Table) ClearRemoteBits(hostport string, idxs []int) {
	t.lock()
	defer t.unlock()
	e, ok := t.peers[hostport]
	if !ok || len(e.RemoteInv) == 0 {
		return
	}
	e.RemoteInv = bitmap.Clear(e.RemoteInv, idxs)
}

// SetFlags updates the blacklisted/whitelisted flags for a peer.
func (t *Table) SetFlags(hostport string, blacklisted, whitelisted bool) {
	t.lock()
	defer t.unlock()
	e, ok := t.peers[hostport]
	if !ok {
		return
	}
	e.Blacklisted = blacklisted
	e.Whitelisted = whitelisted
}

// Flags returns a peer's blacklisted/whitelisted flags; ok is false if the
// peer is absent.
func (t *Table) Flags(hostport string) (blacklisted, whitelisted, ok bool) {
	t.lock()
	defer t.unlock()
	e, present := t.peers[hostport]
	if !present {
		return false, false, false
	}
	return e.Blacklisted, e.Whitelisted, true
}

// Snapshot returns a copy of every entry currently in the table.
func (t *Table) Snapshot() []Entry {
	t.lock()
	defer t.unlock()
	out := make([]Entry, 0, len(t.peers))
	for _, e := range t.peers {
		out = append(out, *e)
	}
	return out
}

// RankByHealth returns hostports sorted by descending health. If subset is
// non-nil, only those hostports (if present) are considered. Peers with no
// recorded requests are included only if includeUntried is true.
func (t *Table) RankByHealth(subset []string, includeUntried bool) []string {
	t.lock()
	entries := t.candidateEntries(subset)
	t.unlock()

	type scored struct {
		hostport string
		health   float64
	}
	var ranked []scored
	for _, e := range entries {
		if !includeUntried && e.requestCount() == 0 {
			continue
		}
		ranked = append(ranked, scored{hostport: e.Hostport, health: e.health()})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].health > ranked[j].health })

	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.hostport
	}
	return out
}

// RankByAvailability returns hostports sorted by descending count_missing
// (localInv, remote_inv), skipping peers whose mirrored inventory is empty.
func (t *Table) RankByAvailability(subset []string, localInv []byte) []string {
	t.lock()
	entries := t.candidateEntries(subset)
	t.unlock()

	type scored struct {
		hostport string
		missing  int
	}
	var ranked []scored
	for _, e := range entries {
		if len(e.RemoteInv) == 0 {
			continue
		}
		ranked = append(ranked, scored{hostport: e.Hostport, missing: bitmap.CountMissing(localInv, e.RemoteInv)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].missing > ranked[j].missing })

	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.hostport
	}
	return out
}

// LiveNeighbors returns a randomly shuffled list of non-blacklisted peers
// (excluding the hostports in excluding) with at least one recorded request
// and health at or above the table's MinPeerHealth.
func (t *Table) LiveNeighbors(excluding map[string]bool) []string {
	t.lock()
	var candidates []string
	for hostport, e := range t.peers {
		if excluding[hostport] {
			continue
		}
		if e.Blacklisted {
			continue
		}
		if e.requestCount() < 1 {
			continue
		}
		if e.health() < t.minHealth {
			continue
		}
		candidates = append(candidates, hostport)
	}
	t.unlock()

	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	return candidates
}

// WorstHealth returns up to n hostports ranked worst-by-health, restricted
// to peers with at least minRequests recorded requests and health strictly
// below the table's MinPeerHealth. Used by the crawler's periodic
// worst-health eviction pass.
func (t *Table) WorstHealth(n, minRequests int) []string {
	t.lock()
	var candidates []*Entry
	for _, e := range t.peers {
		if e.requestCount() < minRequests {
			continue
		}
		if e.health() >= t.minHealth {
			continue
		}
		candidates = append(candidates, e)
	}
	t.unlock()

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].health() < candidates[j].health() })

	if len(candidates) > n {
		candidates = candidates[:n]
	}
	out := make([]string, len(candidates))
	for i, e := range candidates {
		out[i] = e.Hostport
	}
	return out
}

// candidateEntries must be called with the lock held; it returns snapshot
// copies of the requested entries (or all entries if subset is nil).
func (t *Table) candidateEntries(subset []string) []Entry {
	var out []Entry
	if subset == nil {
		for _, e := range t.peers {
			out = append(out, *e)
		}
		return out
	}
	for _, hostport := range subset {
		if e, ok := t.peers[hostport]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// Random returns a uniformly random peer hostport, or ok=false if empty.
func (t *Table) Random() (hostport string, ok bool) {
	t.lock()
	defer t.unlock()
	if len(t.peers) == 0 {
		return "", false
	}
	idx := rand.Intn(len(t.peers))
	i := 0
	for hp := range t.peers {
		if i == idx {
			return hp, true
		}
		i++
	}
	return "", false
}
