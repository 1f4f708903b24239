package pusher

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlasnet/atlasd/internal/bitmap"
	"github.com/atlasnet/atlasd/internal/catalog"
	"github.com/atlasnet/atlasd/internal/peertable"
)

// fakeRPC records push targets and reports scripted save results.
type fakeRPC struct {
	saved   map[string]int // per-peer saved flag, default 1
	pushed  []string
	failAll bool
}

func (f *fakeRPC) PutZonefiles(ctx context.Context, hostport string, bodies [][]byte) ([]int, error) {
	if f.failAll {
		return nil, context.DeadlineExceeded
	}
	f.pushed = append(f.pushed, hostport)
	s, ok := f.saved[hostport]
	if !ok {
		s = 1
	}
	out := make([]int, len(bodies))
	for i := range out {
		out[i] = s
	}
	return out, nil
}

type fakeLedger struct {
	blocks [][]string
}

func (f *fakeLedger) TipHeight(ctx context.Context) (int64, error) {
	return int64(len(f.blocks) - 1), nil
}

func (f *fakeLedger) HashesAt(ctx context.Context, height int64) ([]string, error) {
	return f.blocks[height], nil
}

func newTestWorker(t *testing.T, rpc RPC, hashes []string) (*Worker, *peertable.Table) {
	t.Helper()
	store, err := catalog.New(&catalog.Config{DataDir: filepath.Join(t.TempDir(), "data")})
	if err != nil {
		t.Fatalf("catalog.New failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if len(hashes) > 0 {
		if _, err := store.SyncFromLedger(context.Background(), &fakeLedger{blocks: [][]string{hashes}}); err != nil {
			t.Fatalf("sync failed: %v", err)
		}
	}

	table := peertable.New(peertable.Config{
		Self:          "self:6270",
		PeerLifetime:  time.Hour,
		MinPeerHealth: 0.5,
	})

	return New(DefaultConfig(), store, table, rpc), table
}

func addPeerWithBits(table *peertable.Table, hostport string, bits []int) {
	table.Insert(hostport)
	inv := []byte{0}
	if len(bits) > 0 {
		inv = bitmap.Set(nil, bits)
	}
	table.SetRemoteInventory(hostport, inv, time.Now())
}

// Enqueueing a zonefile every known peer already has
// must leave the queue unchanged.
func TestEnqueueNoopWhenEveryPeerHasIt(t *testing.T) {
	rpc := &fakeRPC{}
	w, table := newTestWorker(t, rpc, []string{"hash-a"})
	addPeerWithBits(table, "has-it:1", []int{0})

	if w.Enqueue("hash-a", []byte("body")) {
		t.Fatal("expected enqueue to be a noop")
	}
	if w.QueueLen() != 0 {
		t.Fatalf("expected queue unchanged, len %d", w.QueueLen())
	}
}

// Exactly the peer that lacks the zonefile receives
// put_zonefiles.
func TestPushReachesExactlyTheLackingPeer(t *testing.T) {
	rpc := &fakeRPC{}
	w, table := newTestWorker(t, rpc, []string{"hash-a"})
	addPeerWithBits(table, "has-it:1", []int{0})
	addPeerWithBits(table, "lacks-it:1", nil)

	if !w.Enqueue("hash-a", []byte("body")) {
		t.Fatal("expected enqueue to succeed")
	}
	if got := w.Step(context.Background()); got != 1 {
		t.Fatalf("expected 1 successful push, got %d", got)
	}
	if len(rpc.pushed) != 1 || rpc.pushed[0] != "lacks-it:1" {
		t.Fatalf("expected exactly lacks-it:1 to be pushed to, got %v", rpc.pushed)
	}
}

func TestStepDropsUnknownHash(t *testing.T) {
	rpc := &fakeRPC{}
	w, table := newTestWorker(t, rpc, nil)
	addPeerWithBits(table, "p:1", nil)

	if !w.Enqueue("unknown-hash", []byte("body")) {
		t.Fatal("expected enqueue of unknown hash to be accepted")
	}
	if got := w.Step(context.Background()); got != 0 {
		t.Fatalf("expected unknown hash dropped, got %d pushes", got)
	}
	if len(rpc.pushed) != 0 {
		t.Fatalf("expected no pushes, got %v", rpc.pushed)
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	rpc := &fakeRPC{}
	w, table := newTestWorker(t, rpc, nil)
	addPeerWithBits(table, "p:1", nil)
	w.cfg.MaxQueued = 2

	if !w.Enqueue("h1", []byte("a")) || !w.Enqueue("h2", []byte("b")) {
		t.Fatal("expected first two enqueues to succeed")
	}
	if w.Enqueue("h3", []byte("c")) {
		t.Fatal("expected enqueue past the cap to be rejected")
	}
	if w.QueueLen() != 2 {
		t.Fatalf("expected queue len 2, got %d", w.QueueLen())
	}
}

// A saved flag other than 1 is not a successful delivery.
func TestPushCountsOnlySavedDeliveries(t *testing.T) {
	rpc := &fakeRPC{saved: map[string]int{"declines:1": 0}}
	w, table := newTestWorker(t, rpc, []string{"hash-a"})
	addPeerWithBits(table, "declines:1", nil)

	if !w.Enqueue("hash-a", []byte("body")) {
		t.Fatal("expected enqueue to succeed")
	}
	if got := w.Step(context.Background()); got != 0 {
		t.Fatalf("expected no successful deliveries, got %d", got)
	}
	if len(rpc.pushed) != 1 {
		t.Fatalf("expected the push to have been attempted, got %v", rpc.pushed)
	}
}

func TestPushFailureIsNotFatal(t *testing.T) {
	rpc := &fakeRPC{failAll: true}
	w, table := newTestWorker(t, rpc, []string{"hash-a"})
	addPeerWithBits(table, "unreachable:1", nil)

	if !w.Enqueue("hash-a", []byte("body")) {
		t.Fatal("expected enqueue to succeed")
	}
	if got := w.Step(context.Background()); got != 0 {
		t.Fatalf("expected no successful deliveries, got %d", got)
	}
}
