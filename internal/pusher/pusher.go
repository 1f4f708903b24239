// Package pusher implements the zonefile push worker (C8): zonefiles
// received out-of-band (via put_zonefiles on our own RPC server) are queued
// here and forwarded to every peer whose mirrored inventory says it lacks
// them.
package pusher

import (
	"context"
	"sync"
	"time"

	"github.com/atlasnet/atlasd/internal/bitmap"
	"github.com/atlasnet/atlasd/internal/catalog"
	"github.com/atlasnet/atlasd/internal/peertable"
	"github.com/atlasnet/atlasd/pkg/logging"
)

// RPC is the subset of the peer RPC client the pusher needs.
type RPC interface {
	PutZonefiles(ctx context.Context, hostport string, bodies [][]byte) ([]int, error)
}

// Config configures the pusher worker.
type Config struct {
	// MaxQueued caps the push queue; enqueues past it are rejected.
	MaxQueued    int
	StepInterval time.Duration
}

// DefaultConfig returns the default pusher configuration.
func DefaultConfig() Config {
	return Config{
		MaxQueued:    1000,
		StepInterval: time.Second,
	}
}

// queueItem is one pending outbound zonefile.
type queueItem struct {
	hash string
	body []byte
}

// Worker is the zonefile pusher.
type Worker struct {
	cfg   Config
	store *catalog.Store
	table *peertable.Table
	rpc   RPC
	log   *logging.Logger

	mu    sync.Mutex
	queue []queueItem

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a pusher worker.
func New(cfg Config, store *catalog.Store, table *peertable.Table, rpc RPC) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:    cfg,
		store:  store,
		table:  table,
		rpc:    rpc,
		log:    logging.GetDefault().Component("pusher"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts the pusher background goroutine.
func (w *Worker) Start() {
	go w.run()
	w.log.Info("Zonefile pusher started", "step_interval", w.cfg.StepInterval)
}

// Stop stops the pusher.
func (w *Worker) Stop() {
	w.cancel()
	w.log.Info("Zonefile pusher stopped")
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

// Enqueue queues a zonefile for propagation. It reports false, leaving the
// queue untouched, when the queue is full, or when the hash is anchored and
// every known peer's mirrored inventory already claims it.
func (w *Worker) Enqueue(hash string, body []byte) bool {
	w.mu.Lock()
	full := len(w.queue) >= w.cfg.MaxQueued
	w.mu.Unlock()
	if full {
		w.log.Debug("push queue full, dropping", "hash", hash)
		return false
	}

	bits, err := w.store.GetBits(hash)
	if err != nil {
		w.log.Fatal("catalog bit lookup failed", "hash", hash, "error", err)
	}
	if len(bits) > 0 && len(w.peersLacking(bits)) == 0 {
		w.log.Debug("every peer already has zonefile, not queueing", "hash", hash)
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) >= w.cfg.MaxQueued {
		return false
	}
	w.queue = append(w.queue, queueItem{hash: hash, body: body})
	return true
}

// QueueLen returns the number of queued zonefiles.
func (w *Worker) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *Worker) dequeue() (queueItem, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return queueItem{}, false
	}
	item := w.queue[0]
	w.queue = w.queue[1:]
	return item, true
}

// Step dequeues one zonefile and pushes it to every peer lacking it. It
// returns the number of successful deliveries.
func (w *Worker) Step(ctx context.Context) int {
	item, ok := w.dequeue()
	if !ok {
		return 0
	}

	bits, err := w.store.GetBits(item.hash)
	if err != nil {
		w.log.Fatal("catalog bit lookup failed", "hash", item.hash, "error", err)
	}
	if len(bits) == 0 {
		// Not an anchored zonefile as far as we know; drop it.
		w.log.Debug("dropping unanchored zonefile", "hash", item.hash)
		return 0
	}

	peers := w.peersLacking(bits)
	if len(peers) == 0 {
		w.log.Debug("every peer already has zonefile", "hash", item.hash)
		return 0
	}

	pushed := 0
	for _, hp := range peers {
		select {
		case <-ctx.Done():
			return pushed
		default:
		}

		saved, err := w.rpc.PutZonefiles(ctx, hp, [][]byte{item.body})
		if err != nil {
			w.log.Debug("push failed", "peer", hp, "hash", item.hash, "error", err)
			continue
		}
		if len(saved) == 1 && saved[0] == 1 {
			w.log.Debug("pushed zonefile", "peer", hp, "hash", item.hash)
			pushed++
		}
	}
	return pushed
}

// peersLacking returns every non-blacklisted peer whose mirrored inventory
// does not claim all of bits.
func (w *Worker) peersLacking(bits []int) []string {
	var out []string
	for _, entry := range w.table.Snapshot() {
		if entry.Blacklisted {
			continue
		}
		if !bitmap.Test(entry.RemoteInv, bits) {
			out = append(out, entry.Hostport)
		}
	}
	return out
}
