package rpcclient

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atlasnet/atlasd/internal/rpcserver"
)

// recorder counts health observations per peer.
type recorder struct {
	mu           sync.Mutex
	observations []bool
}

func (r *recorder) UpdateHealth(hostport string, responded bool, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observations = append(r.observations, responded)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observations)
}

func (r *recorder) last() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observations[len(r.observations)-1]
}

// newTestPeer starts an in-process RPC server and returns its hostport plus
// the server, on which tests register handlers.
func newTestPeer(t *testing.T) (string, *rpcserver.Server) {
	t.Helper()
	srv := rpcserver.New()
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return strings.TrimPrefix(ts.URL, "http://"), srv
}

func newTestClient(health HealthRecorder) *Client {
	return New(Config{
		Timeouts:     DefaultTimeouts(),
		MaxNeighbors: 80,
		Health:       health,
	})
}

func TestPingRecordsOneHealthEntry(t *testing.T) {
	hostport, srv := newTestPeer(t)
	srv.Register("ping", func(ctx context.Context, params json.RawMessage) (interface{}, *rpcserver.RPCError) {
		return map[string]bool{"status": true}, nil
	})

	rec := &recorder{}
	c := newTestClient(rec)

	if !c.Ping(context.Background(), hostport) {
		t.Fatal("expected ping to succeed")
	}
	if rec.count() != 1 || !rec.last() {
		t.Fatalf("expected exactly one successful observation, got %+v", rec.observations)
	}
}

func TestPingUnreachablePeerRecordsFailure(t *testing.T) {
	rec := &recorder{}
	c := newTestClient(rec)
	c.timeouts.Ping = 200 * time.Millisecond

	if c.Ping(context.Background(), "127.0.0.1:1") {
		t.Fatal("expected ping to an unreachable peer to fail")
	}
	if rec.count() != 1 || rec.last() {
		t.Fatalf("expected exactly one failed observation, got %+v", rec.observations)
	}
}

func TestGetNeighborsRejectsOversizedList(t *testing.T) {
	hostport, srv := newTestPeer(t)
	srv.Register("get_atlas_peers", func(ctx context.Context, params json.RawMessage) (interface{}, *rpcserver.RPCError) {
		peers := make([]string, 200)
		for i := range peers {
			peers[i] = "peer:1"
		}
		return map[string]interface{}{"status": true, "peers": peers}, nil
	})

	rec := &recorder{}
	c := newTestClient(rec)

	if _, err := c.GetNeighbors(context.Background(), hostport); err == nil {
		t.Fatal("expected oversized neighbor list to be rejected")
	}
	if rec.last() {
		t.Fatal("expected oversized response to count as a failed observation")
	}
}

func TestGetInventoryRejectsOversizedSlice(t *testing.T) {
	hostport, srv := newTestPeer(t)
	srv.Register("get_zonefile_inventory", func(ctx context.Context, params json.RawMessage) (interface{}, *rpcserver.RPCError) {
		// 4 bytes for a 16-bit request: over the ceil(16/8)=2 cap.
		return map[string]interface{}{
			"status": true,
			"inv":    base64.StdEncoding.EncodeToString([]byte{0xff, 0xff, 0xff, 0xff}),
		}, nil
	})

	rec := &recorder{}
	c := newTestClient(rec)

	if _, err := c.GetInventory(context.Background(), hostport, 0, 16); err == nil {
		t.Fatal("expected oversized inventory slice to be rejected")
	}
}

func TestGetInventoryAcceptsShortSlice(t *testing.T) {
	hostport, srv := newTestPeer(t)
	srv.Register("get_zonefile_inventory", func(ctx context.Context, params json.RawMessage) (interface{}, *rpcserver.RPCError) {
		return map[string]interface{}{
			"status": true,
			"inv":    base64.StdEncoding.EncodeToString([]byte{0xf0}),
		}, nil
	})

	rec := &recorder{}
	c := newTestClient(rec)

	inv, err := c.GetInventory(context.Background(), hostport, 0, 524288)
	if err != nil {
		t.Fatalf("GetInventory failed: %v", err)
	}
	if len(inv) != 1 || inv[0] != 0xf0 {
		t.Fatalf("unexpected inventory bytes: %x", inv)
	}
	if !rec.last() {
		t.Fatal("expected a successful observation")
	}
}

func TestGetZonefilesDropsMismatchedBodies(t *testing.T) {
	body := []byte("zonefile content")
	sum := sha256.Sum256(body)
	good := hex.EncodeToString(sum[:])
	bad := strings.Repeat("ab", 32)

	hostport, srv := newTestPeer(t)
	srv.Register("get_zonefiles", func(ctx context.Context, params json.RawMessage) (interface{}, *rpcserver.RPCError) {
		return map[string]interface{}{
			"status": true,
			"zonefiles": map[string]string{
				good: base64.StdEncoding.EncodeToString(body),
				bad:  base64.StdEncoding.EncodeToString([]byte("not the right content")),
			},
		}, nil
	})

	rec := &recorder{}
	c := newTestClient(rec)

	got, err := c.GetZonefiles(context.Background(), hostport, []string{good, bad})
	if err != nil {
		t.Fatalf("GetZonefiles failed: %v", err)
	}
	if len(got) != 1 || string(got[good]) != string(body) {
		t.Fatalf("expected only the verified body, got %d bodies", len(got))
	}
	if rec.last() {
		t.Fatal("expected the mismatched body to count as a failed observation")
	}
}

func TestPutZonefilesValidatesSavedList(t *testing.T) {
	hostport, srv := newTestPeer(t)
	srv.Register("put_zonefiles", func(ctx context.Context, params json.RawMessage) (interface{}, *rpcserver.RPCError) {
		return map[string]interface{}{"status": true, "saved": []int{1, 0}}, nil
	})

	rec := &recorder{}
	c := newTestClient(rec)

	saved, err := c.PutZonefiles(context.Background(), hostport, [][]byte{[]byte("a"), []byte("b")})
	if err != nil {
		t.Fatalf("PutZonefiles failed: %v", err)
	}
	if len(saved) != 2 || saved[0] != 1 || saved[1] != 0 {
		t.Fatalf("unexpected saved list: %v", saved)
	}
}

func TestPutZonefilesRejectsWrongLengthSaved(t *testing.T) {
	hostport, srv := newTestPeer(t)
	srv.Register("put_zonefiles", func(ctx context.Context, params json.RawMessage) (interface{}, *rpcserver.RPCError) {
		return map[string]interface{}{"status": true, "saved": []int{1}}, nil
	})

	rec := &recorder{}
	c := newTestClient(rec)

	if _, err := c.PutZonefiles(context.Background(), hostport, [][]byte{[]byte("a"), []byte("b")}); err == nil {
		t.Fatal("expected short saved list to be rejected")
	}
	if rec.last() {
		t.Fatal("expected a failed observation")
	}
}
