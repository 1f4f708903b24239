// Package healthcheck implements the inventory refresh worker (C6): it
// keeps every peer's mirrored inventory bitmap no staler than PingInterval,
// downloading it in fixed-size windows.
//
// Recent tail bits change often (new zonefiles are actively replicating)
// while old bits are stable, so callers may refresh only the suffix past a
// byte offset; the worker's own periodic pass does a full resync from
// offset 0.
package healthcheck

import (
	"context"
	"time"

	"github.com/atlasnet/atlasd/internal/catalog"
	"github.com/atlasnet/atlasd/internal/peertable"
	"github.com/atlasnet/atlasd/pkg/logging"
)

// RPC is the subset of the peer RPC client the health checker needs.
type RPC interface {
	GetInventory(ctx context.Context, hostport string, bitOffset, bitLength int) ([]byte, error)
}

// Config configures the health checker worker.
type Config struct {
	// PingInterval bounds how stale a mirrored inventory may get.
	PingInterval time.Duration
	// InventoryWindow is the download window size in bits.
	InventoryWindow int
	StepInterval    time.Duration
}

// DefaultConfig returns the default health checker configuration.
func DefaultConfig() Config {
	return Config{
		PingInterval:    60 * time.Second,
		InventoryWindow: 524288,
		StepInterval:    time.Second,
	}
}

// Worker is the health checker.
type Worker struct {
	cfg   Config
	store *catalog.Store
	table *peertable.Table
	rpc   RPC
	log   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a health checker worker.
func New(cfg Config, store *catalog.Store, table *peertable.Table, rpc RPC) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:    cfg,
		store:  store,
		table:  table,
		rpc:    rpc,
		log:    logging.GetDefault().Component("healthcheck"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts the health checker background goroutine.
func (w *Worker) Start() {
	go w.run()
	w.log.Info("Health checker started", "ping_interval", w.cfg.PingInterval)
}

// Stop stops the health checker.
func (w *Worker) Stop() {
	w.cancel()
	w.log.Info("Health checker stopped")
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

// Step refreshes the mirrored inventory of every peer whose copy is stale:
// shorter than the local inventory, or last refreshed more than PingInterval
// ago.
func (w *Worker) Step(ctx context.Context) {
	localInv := w.store.Inventory()
	now := time.Now()

	for _, entry := range w.table.Snapshot() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if len(entry.RemoteInv) >= len(localInv) && entry.LastInvRefresh.Add(w.cfg.PingInterval).After(now) {
			continue
		}
		w.RefreshInventory(ctx, entry.Hostport, 0)
	}
}

// RefreshInventory re-downloads a peer's inventory from byteOffset onward,
// in InventoryWindow-bit windows, until the response comes back short or the
// local inventory length is covered. On full success the peer's mirrored
// inventory is replaced and its refresh time stamped; any window failure
// leaves the mirror untouched. It reports whether the refresh completed.
func (w *Worker) RefreshInventory(ctx context.Context, hostport string, byteOffset int) bool {
	cur, _, ok := w.table.RemoteInventory(hostport)
	if !ok {
		return false
	}

	if byteOffset > len(cur) {
		byteOffset = len(cur)
	}
	inv := make([]byte, byteOffset)
	copy(inv, cur[:byteOffset])

	maxLen := len(w.store.Inventory())
	windowBytes := (w.cfg.InventoryWindow + 7) / 8

	for {
		got, err := w.rpc.GetInventory(ctx, hostport, len(inv)*8, w.cfg.InventoryWindow)
		if err != nil {
			w.log.Debug("inventory refresh failed", "peer", hostport, "offset_bytes", len(inv), "error", err)
			return false
		}
		inv = append(inv, got...)
		if len(got) < windowBytes || len(inv) >= maxLen {
			break
		}
	}

	w.table.SetRemoteInventory(hostport, inv, time.Now())
	w.log.Debug("inventory refreshed", "peer", hostport, "bytes", len(inv))
	return true
}
