// Package crawler implements the peer discovery worker (C5): a
// Metropolis-Hastings random walk with delayed acceptance (MHRWDA, after
// Lee, Xu, and Eun, SIGMETRICS 2012) over the peer graph, plus periodic
// revalidation of old peers and eviction of unhealthy ones.
//
// The walk counters the bias a plain random walk has toward high-degree
// (potentially adversarial) neighborhoods: a transition to a higher-degree
// peer is accepted with probability deg(current)/deg(next), and a transition
// straight back to the previous peer is further suppressed by the delayed
// acceptance step. A failed or empty neighbor fetch aborts the walk and
// restarts it from a uniformly random known peer.
package crawler

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/atlasnet/atlasd/internal/catalog"
	"github.com/atlasnet/atlasd/internal/peertable"
	"github.com/atlasnet/atlasd/internal/rpcclient"
	"github.com/atlasnet/atlasd/pkg/logging"
)

// RPC is the subset of the peer RPC client the crawler needs.
type RPC interface {
	Ping(ctx context.Context, hostport string) bool
	GetInfo(ctx context.Context, hostport string) (*rpcclient.NodeInfo, error)
	GetNeighbors(ctx context.Context, hostport string) ([]string, error)
}

// Config configures the crawler worker.
type Config struct {
	Self          string
	MinVersion    string
	SlotMax       int
	MaxNeighbors  int
	MaxAge        time.Duration
	CleanInterval time.Duration
	StepInterval  time.Duration
}

// DefaultConfig returns the default crawler configuration.
func DefaultConfig() Config {
	return Config{
		MinVersion:    "0.1.0",
		SlotMax:       65536,
		MaxNeighbors:  80,
		MaxAge:        2678400 * time.Second,
		CleanInterval: 3600 * time.Second,
		StepInterval:  time.Second,
	}
}

// Worker is the peer crawler.
type Worker struct {
	cfg   Config
	store *catalog.Store
	table *peertable.Table
	rpc   RPC
	queue *PeerQueue
	log   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// Walk state, touched only by the worker goroutine.
	currentPeer      string
	currentNeighbors []string
	prevPeer         string
	prevPeerDegree   int
	newPeers         []string
	lastClean        time.Time
}

// New creates a crawler worker. queue is the shared pending-peer queue the
// RPC server feeds.
func New(cfg Config, store *catalog.Store, table *peertable.Table, rpc RPC, queue *PeerQueue) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:    cfg,
		store:  store,
		table:  table,
		rpc:    rpc,
		queue:  queue,
		log:    logging.GetDefault().Component("crawler"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts the crawler background goroutine.
func (w *Worker) Start() {
	go w.run()
	w.log.Info("Peer crawler started", "step_interval", w.cfg.StepInterval)
}

// Stop stops the crawler.
func (w *Worker) Stop() {
	w.cancel()
	w.log.Info("Peer crawler stopped")
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

// Step executes one round of peer discovery: probe up to 10 pending peers,
// take one MHRWDA transition, then revalidate/evict existing peers.
func (w *Worker) Step(ctx context.Context) {
	w.updateNewPeers(ctx, 10)

	if w.currentPeer == "" {
		w.beginWalk(ctx)
	} else {
		w.walk(ctx)
	}

	w.updateExistingPeers(ctx, 10)
}

// updateNewPeers merges the pending-peer queue with the retained new-peer
// list, probes up to count candidates with getinfo, and admits responsive,
// version-compatible peers to the catalog (subject to slot eviction) and the
// peer table. Unprobed candidates are retained for later rounds, capped at
// 10x MaxNeighbors.
func (w *Worker) updateNewPeers(ctx context.Context, count int) {
	seen := make(map[string]bool)
	var candidates []string
	for _, hp := range append(w.queue.Drain(), w.newPeers...) {
		if hp == w.cfg.Self || seen[hp] {
			continue
		}
		seen[hp] = true
		candidates = append(candidates, hp)
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	probed := 0
	var retained []string
	for _, hp := range candidates {
		if w.table.Has(hp) {
			continue
		}
		if probed >= count {
			retained = append(retained, hp)
			continue
		}
		probed++

		info, err := w.rpc.GetInfo(ctx, hp)
		if err != nil {
			continue
		}
		if !versionAtLeast(info.ServerVersion, w.cfg.MinVersion) {
			w.log.Debug("peer too old", "peer", hp, "version", info.ServerVersion)
			continue
		}

		inserted, err := w.store.AddPeer(ctx, hp, w.cfg.SlotMax, time.Now(), w.rpc.Ping)
		if err != nil {
			w.log.Fatal("catalog add-peer failed", "peer", hp, "error", err)
		}
		if !inserted {
			w.log.Debug("peer declined by slot eviction", "peer", hp)
			continue
		}
		w.table.Insert(hp)
		w.log.Debug("discovered peer", "peer", hp, "version", info.ServerVersion)
	}

	if max := 10 * w.cfg.MaxNeighbors; len(retained) > max {
		retained = retained[:max]
	}
	w.newPeers = retained
}

// beginWalk starts the random walk at a uniformly random known peer.
func (w *Worker) beginWalk(ctx context.Context) {
	start, ok := w.table.Random()
	if !ok {
		return
	}

	neighbors, err := w.rpc.GetNeighbors(ctx, start)
	if err != nil || len(neighbors) == 0 {
		w.resetWalk()
		return
	}

	w.currentPeer = start
	w.currentNeighbors = excludeSelf(neighbors, w.cfg.Self)
	w.absorbNewPeers(w.currentNeighbors)
}

// walk takes one MHRWDA transition from currentPeer.
func (w *Worker) walk(ctx context.Context) {
	next, nextNeighbors, ok := w.transition(ctx)
	if !ok {
		w.resetWalk()
		return
	}

	w.prevPeer = w.currentPeer
	w.prevPeerDegree = len(w.currentNeighbors)
	w.currentPeer = next
	w.currentNeighbors = excludeSelf(nextNeighbors, w.cfg.Self)
	w.absorbNewPeers(w.currentNeighbors)
}

// transition picks the walk's next position. It returns ok=false if any
// neighbor fetch fails or comes back empty, which aborts the walk.
func (w *Worker) transition(ctx context.Context) (string, []string, bool) {
	currentDegree := len(w.currentNeighbors)
	if currentDegree == 0 {
		return "", nil, false
	}

	next := w.currentNeighbors[rand.Intn(currentDegree)]
	nextNeighbors, err := w.rpc.GetNeighbors(ctx, next)
	if err != nil || len(nextNeighbors) == 0 {
		return "", nil, false
	}
	nextDegree := len(nextNeighbors)

	p := rand.Float64()
	if p > minFloat(1.0, float64(currentDegree)/float64(nextDegree)) {
		// Stay put; refetch our own neighbors so the walk state stays fresh.
		refreshed, err := w.rpc.GetNeighbors(ctx, w.currentPeer)
		if err != nil || len(refreshed) == 0 {
			return "", nil, false
		}
		return w.currentPeer, refreshed, true
	}

	if next == w.prevPeer && currentDegree > 1 {
		// Delayed acceptance: suppress immediately backtracking to the
		// previous peer by offering an alternate neighbor a chance.
		var search []string
		for _, hp := range w.currentNeighbors {
			if hp != next {
				search = append(search, hp)
			}
		}
		alt := search[rand.Intn(len(search))]
		altNeighbors, err := w.rpc.GetNeighbors(ctx, alt)
		if err != nil || len(altNeighbors) == 0 {
			return "", nil, false
		}
		altDegree := len(altNeighbors)

		q := rand.Float64()
		threshold := minFloat(1.0,
			minFloat(1.0, square(float64(currentDegree)/float64(altDegree))),
			maxFloat(1.0, square(float64(w.prevPeerDegree)/float64(currentDegree))))
		if q <= threshold {
			return alt, altNeighbors, true
		}
	}

	return next, nextNeighbors, true
}

func (w *Worker) resetWalk() {
	w.currentPeer = ""
	w.currentNeighbors = nil
	w.prevPeer = ""
	w.prevPeerDegree = 0
}

// absorbNewPeers remembers newly-seen hostports for later probing, capped at
// 10x MaxNeighbors.
func (w *Worker) absorbNewPeers(hostports []string) {
	known := make(map[string]bool, len(w.newPeers))
	for _, hp := range w.newPeers {
		known[hp] = true
	}
	for _, hp := range hostports {
		if hp == w.cfg.Self || known[hp] {
			continue
		}
		known[hp] = true
		w.newPeers = append(w.newPeers, hp)
	}
	if max := 10 * w.cfg.MaxNeighbors; len(w.newPeers) > max {
		w.newPeers = w.newPeers[:max]
	}
}

// updateExistingPeers revalidates peers past MaxAge (once per CleanInterval)
// and evicts up to count peers ranked worst by health.
func (w *Worker) updateExistingPeers(ctx context.Context, count int) {
	now := time.Now()
	if w.lastClean.Add(w.cfg.CleanInterval).Before(now) {
		w.revalidateOldPeers(ctx, now)
		w.lastClean = now
	}

	for _, hp := range w.table.WorstHealth(count, 10) {
		w.log.Debug("evicting unhealthy peer", "peer", hp, "health", w.table.Health(hp))
		if err := w.store.RemovePeer(hp); err != nil {
			w.log.Fatal("catalog remove-peer failed", "peer", hp, "error", err)
		}
		w.table.Remove(hp)
		w.dropNewPeer(hp)
	}
}

// revalidateOldPeers pings every peer discovered more than MaxAge ago.
// Responsive peers get their discovery time renewed; unresponsive ones are
// removed unless whitelisted, blacklisted, or still above the health floor.
func (w *Worker) revalidateOldPeers(ctx context.Context, now time.Time) {
	rows, err := w.store.OldPeers(now.Add(-w.cfg.MaxAge))
	if err != nil {
		w.log.Fatal("catalog old-peers query failed", "error", err)
	}

	for _, row := range rows {
		if w.rpc.Ping(ctx, row.Hostport) {
			if err := w.store.Renew(row.Hostport, now); err != nil {
				w.log.Fatal("catalog renew failed", "peer", row.Hostport, "error", err)
			}
			continue
		}

		blacklisted, whitelisted, ok := w.table.Flags(row.Hostport)
		if ok && (blacklisted || whitelisted) {
			continue
		}
		if w.table.Health(row.Hostport) < w.table.MinHealth() {
			w.log.Debug("removing stale peer", "peer", row.Hostport)
			if err := w.store.RemovePeer(row.Hostport); err != nil {
				w.log.Fatal("catalog remove-peer failed", "peer", row.Hostport, "error", err)
			}
			w.table.Remove(row.Hostport)
			w.dropNewPeer(row.Hostport)
		}
	}
}

func (w *Worker) dropNewPeer(hostport string) {
	kept := w.newPeers[:0]
	for _, hp := range w.newPeers {
		if hp != hostport {
			kept = append(kept, hp)
		}
	}
	w.newPeers = kept
}

func excludeSelf(hostports []string, self string) []string {
	out := hostports[:0]
	for _, hp := range hostports {
		if hp != self {
			out = append(out, hp)
		}
	}
	return out
}

func minFloat(vals ...float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func square(x float64) float64 { return x * x }

// versionAtLeast reports whether version v is at least min, comparing
// dotted numeric components; a pre-release suffix after "-" is ignored.
func versionAtLeast(v, min string) bool {
	va := versionParts(v)
	vb := versionParts(min)
	for i := 0; i < len(va) || i < len(vb); i++ {
		var a, b int
		if i < len(va) {
			a = va[i]
		}
		if i < len(vb) {
			b = vb[i]
		}
		if a != b {
			return a > b
		}
	}
	return true
}

func versionParts(v string) []int {
	if i := strings.IndexByte(v, '-'); i >= 0 {
		v = v[:i]
	}
	var out []int
	for _, part := range strings.Split(v, ".") {
		n, err := strconv.Atoi(part)
		if err != nil {
			return out
		}
		out = append(out, n)
	}
	return out
}
