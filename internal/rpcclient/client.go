// Package rpcclient implements the typed, timeout-bounded RPC client (C4)
// the workers use to talk to remote peers. Every call validates its response
// against the fixed schema for that method and records exactly one health
// observation for the target peer, success or failure, in the peer table.
package rpcclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/atlasnet/atlasd/internal/rpcserver"
	"github.com/atlasnet/atlasd/pkg/helpers"
	"github.com/atlasnet/atlasd/pkg/logging"
)

// HealthRecorder receives one observation per RPC call. Satisfied by
// *peertable.Table.
type HealthRecorder interface {
	UpdateHealth(hostport string, responded bool, now time.Time)
}

// Timeouts holds the per-method call deadlines.
type Timeouts struct {
	Ping      time.Duration
	Info      time.Duration
	Neighbors time.Duration
	Inventory time.Duration
	Zonefiles time.Duration
	Push      time.Duration
}

// DefaultTimeouts returns the default per-method deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Ping:      3 * time.Second,
		Info:      3 * time.Second,
		Neighbors: 10 * time.Second,
		Inventory: 10 * time.Second,
		Zonefiles: 30 * time.Second,
		Push:      10 * time.Second,
	}
}

// Config configures a Client.
type Config struct {
	Timeouts     Timeouts
	MaxNeighbors int
	// Health receives one observation per call; nil disables recording
	// (tests only; production wiring always passes the peer table).
	Health HealthRecorder
}

// Client makes typed JSON-RPC calls to remote peers over HTTP.
type Client struct {
	httpClient   *http.Client
	timeouts     Timeouts
	maxNeighbors int
	health       HealthRecorder
	log          *logging.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	return &Client{
		httpClient:   &http.Client{},
		timeouts:     cfg.Timeouts,
		maxNeighbors: cfg.MaxNeighbors,
		health:       cfg.Health,
		log:          logging.GetDefault().Component("rpcclient"),
	}
}

// NodeInfo is the getinfo response payload.
type NodeInfo struct {
	Consensus          string `json:"consensus"`
	ServerVersion      string `json:"server_version"`
	LastBlockProcessed int64  `json:"last_block_processed"`
}

// Wire payloads for the remaining methods.

type statusResult struct {
	Status bool `json:"status"`
}

type peersResult struct {
	Status bool     `json:"status"`
	Peers  []string `json:"peers"`
}

type inventoryParams struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
}

type inventoryResult struct {
	Status bool   `json:"status"`
	Inv    string `json:"inv"`
}

type zonefilesParams struct {
	Hashes []string `json:"hashes"`
}

type zonefilesResult struct {
	Status    bool              `json:"status"`
	Zonefiles map[string]string `json:"zonefiles"`
}

type putParams struct {
	Zonefiles []string `json:"zonefiles"`
}

type putResult struct {
	Status bool  `json:"status"`
	Saved  []int `json:"saved"`
}

// response is the client-side JSON-RPC envelope; Result stays raw so each
// typed call can unmarshal it into its own payload struct.
type response struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      interface{}         `json:"id"`
	Result  json.RawMessage     `json:"result"`
	Error   *rpcserver.RPCError `json:"error"`
}

// call posts one JSON-RPC request to hostport and unmarshals the result into
// out. It does not record health; the typed wrappers do that once each.
func (c *Client) call(ctx context.Context, hostport, method string, params interface{}, timeout time.Duration, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return err
		}
		rawParams = encoded
	}

	body, err := json.Marshal(rpcserver.Request{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+hostport+"/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected HTTP status %d from %s", resp.StatusCode, hostport)
	}

	var envelope response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("malformed response from %s: %w", hostport, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("rpc error from %s: %s", hostport, envelope.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("malformed result from %s: %w", hostport, err)
		}
	}
	return nil
}

func (c *Client) record(hostport string, responded bool) {
	if c.health != nil {
		c.health.UpdateHealth(hostport, responded, time.Now())
	}
}

// Ping probes a peer for liveness.
func (c *Client) Ping(ctx context.Context, hostport string) bool {
	var res statusResult
	err := c.call(ctx, hostport, "ping", nil, c.timeouts.Ping, &res)
	ok := err == nil && res.Status
	c.record(hostport, ok)
	if err != nil {
		c.log.Debug("ping failed", "peer", hostport, "error", err)
	}
	return ok
}

// GetInfo fetches a peer's consensus hash, software version, and last
// processed block height.
func (c *Client) GetInfo(ctx context.Context, hostport string) (*NodeInfo, error) {
	var res NodeInfo
	err := c.call(ctx, hostport, "getinfo", nil, c.timeouts.Info, &res)
	if err != nil {
		c.record(hostport, false)
		c.log.Debug("getinfo failed", "peer", hostport, "error", err)
		return nil, err
	}
	if res.ServerVersion == "" {
		c.record(hostport, false)
		c.log.Warn("getinfo returned empty server_version", "peer", hostport)
		return nil, fmt.Errorf("malformed getinfo response from %s", hostport)
	}
	c.record(hostport, true)
	return &res, nil
}

// GetNeighbors fetches a peer's neighbor list. Responses longer than
// MaxNeighbors violate the schema and count as failures.
func (c *Client) GetNeighbors(ctx context.Context, hostport string) ([]string, error) {
	var res peersResult
	err := c.call(ctx, hostport, "get_atlas_peers", nil, c.timeouts.Neighbors, &res)
	if err != nil {
		c.record(hostport, false)
		c.log.Debug("get_atlas_peers failed", "peer", hostport, "error", err)
		return nil, err
	}
	if !res.Status || len(res.Peers) > c.maxNeighbors {
		c.record(hostport, false)
		c.log.Warn("get_atlas_peers returned invalid peer list", "peer", hostport, "count", len(res.Peers))
		return nil, fmt.Errorf("malformed neighbor list from %s", hostport)
	}
	c.record(hostport, true)
	return res.Peers, nil
}

// GetInventory downloads a slice of a peer's inventory bitmap. bitOffset and
// bitLength are in bits; the returned slice is at most ceil(bitLength/8)
// bytes; anything longer violates the schema and counts as a failure.
func (c *Client) GetInventory(ctx context.Context, hostport string, bitOffset, bitLength int) ([]byte, error) {
	var res inventoryResult
	err := c.call(ctx, hostport, "get_zonefile_inventory",
		inventoryParams{Offset: bitOffset, Length: bitLength}, c.timeouts.Inventory, &res)
	if err != nil {
		c.record(hostport, false)
		c.log.Debug("get_zonefile_inventory failed", "peer", hostport, "error", err)
		return nil, err
	}
	if !res.Status {
		c.record(hostport, false)
		return nil, fmt.Errorf("get_zonefile_inventory declined by %s", hostport)
	}
	inv, decodeErr := base64.StdEncoding.DecodeString(res.Inv)
	if decodeErr != nil {
		c.record(hostport, false)
		c.log.Warn("get_zonefile_inventory returned bad base64", "peer", hostport, "error", decodeErr)
		return nil, fmt.Errorf("malformed inventory from %s: %w", hostport, decodeErr)
	}
	if maxBytes := (bitLength + 7) / 8; len(inv) > maxBytes {
		c.record(hostport, false)
		c.log.Warn("get_zonefile_inventory oversized response", "peer", hostport, "bytes", len(inv), "max", maxBytes)
		return nil, fmt.Errorf("oversized inventory from %s", hostport)
	}
	c.record(hostport, true)
	return inv, nil
}

// GetZonefiles requests bodies for hashes. Every returned body is verified
// against its hash; bodies that do not verify, or that were never requested,
// are dropped and the call is recorded as unhealthy, but verified bodies are
// still returned so callers can make progress.
func (c *Client) GetZonefiles(ctx context.Context, hostport string, hashes []string) (map[string][]byte, error) {
	var res zonefilesResult
	err := c.call(ctx, hostport, "get_zonefiles", zonefilesParams{Hashes: hashes}, c.timeouts.Zonefiles, &res)
	if err != nil {
		c.record(hostport, false)
		c.log.Debug("get_zonefiles failed", "peer", hostport, "error", err)
		return nil, err
	}
	if !res.Status {
		c.record(hostport, false)
		return nil, fmt.Errorf("get_zonefiles declined by %s", hostport)
	}

	requested := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		requested[h] = true
	}

	verified := make(map[string][]byte)
	clean := true
	for hash, encoded := range res.Zonefiles {
		if !requested[hash] {
			c.log.Warn("get_zonefiles returned unrequested hash", "peer", hostport, "hash", hash)
			clean = false
			continue
		}
		body, decodeErr := base64.StdEncoding.DecodeString(encoded)
		if decodeErr != nil {
			c.log.Warn("get_zonefiles returned bad base64 body", "peer", hostport, "hash", hash)
			clean = false
			continue
		}
		expected, hexErr := helpers.HexToBytes(hash)
		sum := sha256.Sum256(body)
		if hexErr != nil || !helpers.BytesEqual(sum[:], expected) {
			c.log.Warn("get_zonefiles body failed hash verification", "peer", hostport, "hash", hash)
			clean = false
			continue
		}
		verified[hash] = body
	}
	c.record(hostport, clean)
	return verified, nil
}

// PutZonefiles uploads bodies to a peer. The response's saved list must have
// one 0/1 entry per body or the call counts as a failure.
func (c *Client) PutZonefiles(ctx context.Context, hostport string, bodies [][]byte) ([]int, error) {
	encoded := make([]string, len(bodies))
	for i, b := range bodies {
		encoded[i] = base64.StdEncoding.EncodeToString(b)
	}

	var res putResult
	err := c.call(ctx, hostport, "put_zonefiles", putParams{Zonefiles: encoded}, c.timeouts.Push, &res)
	if err != nil {
		c.record(hostport, false)
		c.log.Debug("put_zonefiles failed", "peer", hostport, "error", err)
		return nil, err
	}
	if !res.Status || len(res.Saved) != len(bodies) {
		c.record(hostport, false)
		c.log.Warn("put_zonefiles returned invalid saved list", "peer", hostport, "count", len(res.Saved))
		return nil, fmt.Errorf("malformed put_zonefiles response from %s", hostport)
	}
	for _, s := range res.Saved {
		if s != 0 && s != 1 {
			c.record(hostport, false)
			return nil, fmt.Errorf("malformed put_zonefiles response from %s", hostport)
		}
	}
	c.record(hostport, true)
	return res.Saved, nil
}
