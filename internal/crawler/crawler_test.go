package crawler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlasnet/atlasd/internal/catalog"
	"github.com/atlasnet/atlasd/internal/peertable"
	"github.com/atlasnet/atlasd/internal/rpcclient"
)

// fakeRPC scripts per-peer responses for the crawler.
type fakeRPC struct {
	alive     map[string]bool
	versions  map[string]string
	neighbors map[string][]string
}

func (f *fakeRPC) Ping(ctx context.Context, hostport string) bool {
	return f.alive[hostport]
}

func (f *fakeRPC) GetInfo(ctx context.Context, hostport string) (*rpcclient.NodeInfo, error) {
	if !f.alive[hostport] {
		return nil, context.DeadlineExceeded
	}
	v := f.versions[hostport]
	if v == "" {
		v = "0.1.0"
	}
	return &rpcclient.NodeInfo{Consensus: "c", ServerVersion: v, LastBlockProcessed: 1}, nil
}

func (f *fakeRPC) GetNeighbors(ctx context.Context, hostport string) ([]string, error) {
	if !f.alive[hostport] {
		return nil, context.DeadlineExceeded
	}
	return f.neighbors[hostport], nil
}

func newTestWorker(t *testing.T, rpc *fakeRPC) (*Worker, *catalog.Store, *peertable.Table, *PeerQueue) {
	t.Helper()
	store, err := catalog.New(&catalog.Config{DataDir: filepath.Join(t.TempDir(), "data")})
	if err != nil {
		t.Fatalf("catalog.New failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	table := peertable.New(peertable.Config{
		Self:          "self:6270",
		PeerLifetime:  time.Hour,
		MinPeerHealth: 0.5,
	})

	cfg := DefaultConfig()
	cfg.Self = "self:6270"
	queue := NewPeerQueue(10 * cfg.MaxNeighbors)
	w := New(cfg, store, table, rpc, queue)
	return w, store, table, queue
}

func TestUpdateNewPeersAdmitsResponsivePeer(t *testing.T) {
	rpc := &fakeRPC{alive: map[string]bool{"peer-a:6270": true}}
	w, store, table, queue := newTestWorker(t, rpc)

	queue.Enqueue("peer-a:6270")
	w.updateNewPeers(context.Background(), 10)

	if !table.Has("peer-a:6270") {
		t.Fatal("expected responsive peer in the table")
	}
	rows, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Hostport != "peer-a:6270" {
		t.Fatalf("expected peer in catalog, got %+v", rows)
	}
}

func TestUpdateNewPeersRejectsOldVersion(t *testing.T) {
	rpc := &fakeRPC{
		alive:    map[string]bool{"old:6270": true},
		versions: map[string]string{"old:6270": "0.0.9"},
	}
	w, _, table, queue := newTestWorker(t, rpc)

	queue.Enqueue("old:6270")
	w.updateNewPeers(context.Background(), 10)

	if table.Has("old:6270") {
		t.Fatal("expected version-gated peer to be rejected")
	}
}

func TestUpdateNewPeersNeverAddsSelf(t *testing.T) {
	rpc := &fakeRPC{alive: map[string]bool{"self:6270": true}}
	w, _, table, queue := newTestWorker(t, rpc)

	queue.Enqueue("self:6270")
	w.updateNewPeers(context.Background(), 10)

	if table.Has("self:6270") {
		t.Fatal("the peer table must never contain the node's own hostport")
	}
}

func TestWalkResetsOnNeighborFetchFailure(t *testing.T) {
	rpc := &fakeRPC{
		alive:     map[string]bool{"peer-a:6270": true},
		neighbors: map[string][]string{"peer-a:6270": {"dead:6270"}},
	}
	w, _, table, _ := newTestWorker(t, rpc)
	table.Insert("peer-a:6270")

	w.beginWalk(context.Background())
	if w.currentPeer != "peer-a:6270" {
		t.Fatalf("expected walk to start at peer-a, got %q", w.currentPeer)
	}

	// The only neighbor is unreachable, so the transition must abort and
	// reset the walk.
	w.walk(context.Background())
	if w.currentPeer != "" {
		t.Fatalf("expected walk reset after failed transition, still at %q", w.currentPeer)
	}
}

func TestWalkTransitionsAndAbsorbsNeighbors(t *testing.T) {
	rpc := &fakeRPC{
		alive: map[string]bool{"a:1": true, "b:1": true},
		neighbors: map[string][]string{
			"a:1": {"b:1"},
			"b:1": {"a:1", "c:1", "d:1"},
		},
	}
	w, _, table, _ := newTestWorker(t, rpc)
	table.Insert("a:1")

	w.beginWalk(context.Background())
	// From a (degree 1) the only candidate is b; acceptance probability is
	// min(1, 1/3) so the walk may stay; step repeatedly until it moves.
	for i := 0; i < 100 && w.currentPeer != "b:1"; i++ {
		w.walk(context.Background())
		if w.currentPeer == "" {
			t.Fatal("walk reset unexpectedly")
		}
	}
	if w.currentPeer != "b:1" {
		t.Fatal("walk never transitioned to b")
	}

	found := map[string]bool{}
	for _, hp := range w.newPeers {
		found[hp] = true
	}
	if !found["c:1"] || !found["d:1"] {
		t.Fatalf("expected c and d absorbed into the new-peer list, got %v", w.newPeers)
	}
}

func TestRevalidateRemovesStaleUnresponsivePeer(t *testing.T) {
	rpc := &fakeRPC{alive: map[string]bool{}}
	w, store, table, _ := newTestWorker(t, rpc)

	old := time.Now().Add(-w.cfg.MaxAge - time.Hour)
	if _, err := store.AddPeer(context.Background(), "stale:1", w.cfg.SlotMax, old, rpc.Ping); err != nil {
		t.Fatalf("AddPeer failed: %v", err)
	}
	table.Insert("stale:1")

	w.revalidateOldPeers(context.Background(), time.Now())

	rows, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected stale peer removed, got %+v", rows)
	}
	if table.Has("stale:1") {
		t.Fatal("expected stale peer removed from the table")
	}
}

func TestRevalidateRenewsResponsivePeer(t *testing.T) {
	rpc := &fakeRPC{alive: map[string]bool{"old-but-alive:1": true}}
	w, store, table, _ := newTestWorker(t, rpc)

	old := time.Now().Add(-w.cfg.MaxAge - time.Hour)
	if _, err := store.AddPeer(context.Background(), "old-but-alive:1", w.cfg.SlotMax, old, rpc.Ping); err != nil {
		t.Fatalf("AddPeer failed: %v", err)
	}
	table.Insert("old-but-alive:1")

	w.revalidateOldPeers(context.Background(), time.Now())

	rows, err := store.OldPeers(time.Now().Add(-w.cfg.MaxAge))
	if err != nil {
		t.Fatalf("OldPeers failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatal("expected responsive peer's discovery time renewed")
	}
}

func TestRevalidateSparesWhitelistedPeer(t *testing.T) {
	rpc := &fakeRPC{alive: map[string]bool{}}
	w, store, table, _ := newTestWorker(t, rpc)

	old := time.Now().Add(-w.cfg.MaxAge - time.Hour)
	if _, err := store.AddPeer(context.Background(), "vip:1", w.cfg.SlotMax, old, rpc.Ping); err != nil {
		t.Fatalf("AddPeer failed: %v", err)
	}
	table.Insert("vip:1")
	table.SetFlags("vip:1", false, true)

	w.revalidateOldPeers(context.Background(), time.Now())

	rows, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatal("expected whitelisted peer to survive revalidation")
	}
}

func TestWorstHealthEviction(t *testing.T) {
	rpc := &fakeRPC{alive: map[string]bool{}}
	w, store, table, _ := newTestWorker(t, rpc)

	now := time.Now()
	if _, err := store.AddPeer(context.Background(), "flaky:1", w.cfg.SlotMax, now, rpc.Ping); err != nil {
		t.Fatalf("AddPeer failed: %v", err)
	}
	table.Insert("flaky:1")
	for i := 0; i < 12; i++ {
		table.UpdateHealth("flaky:1", false, now)
	}

	w.updateExistingPeers(context.Background(), 10)

	if table.Has("flaky:1") {
		t.Fatal("expected unhealthy peer evicted from the table")
	}
	rows, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected unhealthy peer evicted from the catalog, got %+v", rows)
	}
}

func TestVersionAtLeast(t *testing.T) {
	cases := []struct {
		v, min string
		want   bool
	}{
		{"0.1.0", "0.1.0", true},
		{"0.2.0", "0.1.0", true},
		{"0.0.9", "0.1.0", false},
		{"1.0.0-rc1", "0.1.0", true},
		{"0.1", "0.1.0", true},
	}
	for _, c := range cases {
		if got := versionAtLeast(c.v, c.min); got != c.want {
			t.Errorf("versionAtLeast(%q, %q) = %v, want %v", c.v, c.min, got, c.want)
		}
	}
}
