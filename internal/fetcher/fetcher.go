// Package fetcher implements the zonefile fetch worker (C7): it scans the
// catalog for records whose bodies are missing, works out which peers claim
// to have each one, and downloads them rarest-first, batching every hash a
// peer can serve into a single request.
//
// Before asking any peer for a hash, the worker tries the long-term storage
// driver once (tracked durably via the tried_storage flag so restarts don't
// re-probe). Peers that claim a zonefile but fail to deliver it get the
// corresponding bits cleared in our mirror of their inventory, so the next
// pass doesn't ask the same liar again.
package fetcher

import (
	"context"
	"sort"
	"time"

	"github.com/atlasnet/atlasd/internal/bitmap"
	"github.com/atlasnet/atlasd/internal/blobstore"
	"github.com/atlasnet/atlasd/internal/catalog"
	"github.com/atlasnet/atlasd/internal/peertable"
	"github.com/atlasnet/atlasd/pkg/helpers"
	"github.com/atlasnet/atlasd/pkg/logging"
)

// RPC is the subset of the peer RPC client the fetcher needs.
type RPC interface {
	GetZonefiles(ctx context.Context, hostport string, hashes []string) (map[string][]byte, error)
}

// Config configures the fetcher worker.
type Config struct {
	// PageSize is how many catalog rows to scan per page.
	PageSize     int
	StepInterval time.Duration
}

// DefaultConfig returns the default fetcher configuration.
func DefaultConfig() Config {
	return Config{
		PageSize:     10000,
		StepInterval: time.Second,
	}
}

// Worker is the zonefile fetcher.
type Worker struct {
	cfg   Config
	store *catalog.Store
	table *peertable.Table
	rpc   RPC
	blobs blobstore.Store
	cold  blobstore.ColdStorage
	log   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a fetcher worker.
func New(cfg Config, store *catalog.Store, table *peertable.Table, rpc RPC, blobs blobstore.Store, cold blobstore.ColdStorage) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:    cfg,
		store:  store,
		table:  table,
		rpc:    rpc,
		blobs:  blobs,
		cold:   cold,
		log:    logging.GetDefault().Component("fetcher"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts the fetcher background goroutine.
func (w *Worker) Start() {
	go w.run()
	w.log.Info("Zonefile fetcher started", "step_interval", w.cfg.StepInterval)
}

// Stop stops the fetcher.
func (w *Worker) Stop() {
	w.cancel()
	w.log.Info("Zonefile fetcher stopped")
}

func (w *Worker) run() {
	ticker := time.NewTicker(w.cfg.StepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.Step(w.ctx)
		}
	}
}

// missingZonefile is one absent hash and everything known about it.
type missingZonefile struct {
	hash         string
	indexes      []int
	triedStorage bool
	peers        []string
}

// Step runs one fetch pass and returns the number of zonefiles acquired.
func (w *Worker) Step(ctx context.Context) int {
	missing, order := w.findMissing()
	if len(order) == 0 {
		return 0
	}

	// Which hashes can each peer serve? Built once so per-peer requests can
	// batch every hash that peer claims.
	origins := make(map[string][]string)
	for _, zf := range missing {
		for _, hp := range zf.peers {
			origins[hp] = append(origins[hp], zf.hash)
		}
	}

	w.log.Debug("fetch pass", "missing", len(order))

	fetched := 0
	unresolved := make(map[string]bool, len(order))
	for _, h := range order {
		unresolved[h] = true
	}

	for _, h := range order {
		select {
		case <-ctx.Done():
			return fetched
		default:
		}
		if !unresolved[h] {
			continue
		}
		zf := missing[h]

		if !zf.triedStorage {
			if w.fetchFromStorage(ctx, zf) {
				delete(unresolved, h)
				fetched++
				continue
			}
		}

		if len(zf.peers) == 0 {
			w.log.Debug("zonefile unavailable from any peer", "hash", zf.hash)
			delete(unresolved, h)
			continue
		}

		fetched += w.fetchFromPeers(ctx, zf, missing, origins, unresolved)
		delete(unresolved, h)
	}

	w.log.Debug("fetch pass done", "fetched", fetched)
	return fetched
}

// findMissing pages through the catalog's absent rows, coalescing them by
// hash, then scans the peer table for peers whose mirrored inventory claims
// any of each hash's bits. The returned order is rarest-first: ascending by
// the number of peers that can serve the hash.
func (w *Worker) findMissing() (map[string]*missingZonefile, []string) {
	missing := make(map[string]*missingZonefile)
	var order []string

	for offset := 0; ; offset += w.cfg.PageSize {
		rows, err := w.store.FindMissing(offset, w.cfg.PageSize)
		if err != nil {
			w.log.Fatal("catalog missing-row scan failed", "error", err)
		}
		for _, row := range rows {
			zf, ok := missing[row.Hash]
			if !ok {
				zf = &missingZonefile{hash: row.Hash}
				missing[row.Hash] = zf
				order = append(order, row.Hash)
			}
			zf.indexes = append(zf.indexes, int(row.InvIndex-1))
			if row.TriedStorage {
				zf.triedStorage = true
			}
		}
		if len(rows) < w.cfg.PageSize {
			break
		}
	}

	if len(missing) == 0 {
		return missing, nil
	}

	for _, entry := range w.table.Snapshot() {
		if helpers.IsZeroBytes(entry.RemoteInv) {
			continue
		}
		for _, zf := range missing {
			if bitmap.TestAny(entry.RemoteInv, zf.indexes) {
				zf.peers = append(zf.peers, entry.Hostport)
			}
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return len(missing[order[i]].peers) < len(missing[order[j]].peers)
	})
	return missing, order
}

// fetchFromStorage tries the long-term storage driver once for zf, marking
// the attempt durably regardless of outcome.
func (w *Worker) fetchFromStorage(ctx context.Context, zf *missingZonefile) bool {
	body, ok, err := w.cold.Fetch(ctx, zf.hash)
	if markErr := w.store.MarkTriedStorage(zf.hash); markErr != nil {
		w.log.Fatal("catalog tried-storage update failed", "hash", zf.hash, "error", markErr)
	}
	zf.triedStorage = true
	if err != nil {
		w.log.Debug("cold storage fetch failed", "hash", zf.hash, "error", err)
		return false
	}
	if !ok {
		return false
	}
	if !w.storeZonefile(zf.hash, body) {
		return false
	}
	w.log.Debug("zonefile loaded from storage", "hash", zf.hash)
	return true
}

// fetchFromPeers asks each peer claiming zf, healthiest first, for every
// still-unresolved hash that peer can serve. Hashes a peer claimed but did
// not deliver get that peer's inventory bits cleared. A peer that answered
// is not asked again for the rest of the pass.
func (w *Worker) fetchFromPeers(ctx context.Context, zf *missingZonefile, missing map[string]*missingZonefile, origins map[string][]string, unresolved map[string]bool) int {
	fetched := 0
	ranked := w.table.RankByHealth(zf.peers, true)

	for _, hp := range ranked {
		if !unresolved[zf.hash] {
			break
		}

		var batch []string
		for _, h := range origins[hp] {
			if unresolved[h] {
				batch = append(batch, h)
			}
		}
		if len(batch) == 0 {
			continue
		}

		bodies, err := w.rpc.GetZonefiles(ctx, hp, batch)
		if err != nil {
			w.log.Debug("zonefile fetch failed", "peer", hp, "error", err)
			continue
		}

		for h, body := range bodies {
			if !unresolved[h] {
				continue
			}
			if w.storeZonefile(h, body) {
				w.log.Debug("zonefile fetched", "hash", h, "peer", hp)
				delete(unresolved, h)
				fetched++
			}
		}

		// The peer claimed these but didn't deliver: clear its bits so the
		// next pass doesn't ask it again.
		for _, h := range batch {
			if unresolved[h] {
				w.log.Debug("peer did not deliver claimed zonefile", "peer", hp, "hash", h)
				w.table.ClearRemoteBits(hp, missing[h].indexes)
			}
		}
		delete(origins, hp)
	}
	return fetched
}

// storeZonefile writes a verified body to the blob store and marks it
// present in the catalog (which flips the local inventory bits).
func (w *Worker) storeZonefile(hash string, body []byte) bool {
	if err := w.blobs.Put(hash, body); err != nil {
		w.log.Error("failed to store zonefile body", "hash", hash, "error", err)
		return false
	}
	if _, err := w.store.SetPresent(hash, true); err != nil {
		w.log.Fatal("catalog presence update failed", "hash", hash, "error", err)
	}
	return true
}
