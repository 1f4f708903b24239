package atlasnode

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/atlasnet/atlasd/internal/rpcserver"
)

// Caps on request sizes, matching the batching behavior peers expect.
const (
	maxZonefilesPerRequest = 100
	maxPeersPerResponse    = 80
)

type infoResponse struct {
	Consensus          string `json:"consensus"`
	ServerVersion      string `json:"server_version"`
	LastBlockProcessed int64  `json:"last_block_processed"`
}

type peersResponse struct {
	Status bool     `json:"status"`
	Peers  []string `json:"peers"`
}

type inventoryRequest struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
}

type inventoryResponse struct {
	Status bool   `json:"status"`
	Inv    string `json:"inv"`
}

type zonefilesRequest struct {
	Hashes []string `json:"hashes"`
}

type zonefilesResponse struct {
	Status    bool              `json:"status"`
	Zonefiles map[string]string `json:"zonefiles"`
}

type putRequest struct {
	Zonefiles []string `json:"zonefiles"`
}

type putResponse struct {
	Status bool  `json:"status"`
	Saved  []int `json:"saved"`
}

func (n *Node) registerHandlers() {
	n.server.Register("ping", n.handlePing)
	n.server.Register("getinfo", n.handleGetInfo)
	n.server.Register("get_atlas_peers", n.handleGetPeers)
	n.server.Register("get_zonefile_inventory", n.handleGetInventory)
	n.server.Register("get_zonefiles", n.handleGetZonefiles)
	n.server.Register("put_zonefiles", n.handlePutZonefiles)
}

func (n *Node) handlePing(ctx context.Context, params json.RawMessage) (interface{}, *rpcserver.RPCError) {
	return map[string]bool{"status": true}, nil
}

func (n *Node) handleGetInfo(ctx context.Context, params json.RawMessage) (interface{}, *rpcserver.RPCError) {
	last, err := n.store.LastBlock()
	if err != nil {
		n.log.Fatal("catalog last-block query failed", "error", err)
	}
	return infoResponse{
		Consensus:          n.consensus,
		ServerVersion:      ServerVersion,
		LastBlockProcessed: last,
	}, nil
}

func (n *Node) handleGetPeers(ctx context.Context, params json.RawMessage) (interface{}, *rpcserver.RPCError) {
	peers := n.table.LiveNeighbors(nil)
	limit := maxPeersPerResponse
	if n.cfg.Network.MaxNeighbors < limit {
		limit = n.cfg.Network.MaxNeighbors
	}
	if len(peers) > limit {
		peers = peers[:limit]
	}
	if peers == nil {
		peers = []string{}
	}
	return peersResponse{Status: true, Peers: peers}, nil
}

func (n *Node) handleGetInventory(ctx context.Context, params json.RawMessage) (interface{}, *rpcserver.RPCError) {
	var req inventoryRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &rpcserver.RPCError{Code: rpcserver.CodeInvalidParams, Message: "invalid params"}
	}
	if req.Offset < 0 || req.Length < 0 {
		return nil, &rpcserver.RPCError{Code: rpcserver.CodeInvalidParams, Message: "negative offset or length"}
	}
	if req.Length > n.cfg.Network.InventoryWindow {
		req.Length = n.cfg.Network.InventoryWindow
	}

	inv, err := n.store.MakeInventory(req.Offset, req.Length)
	if err != nil {
		n.log.Fatal("catalog inventory rebuild failed", "error", err)
	}
	return inventoryResponse{
		Status: true,
		Inv:    base64.StdEncoding.EncodeToString(inv),
	}, nil
}

func (n *Node) handleGetZonefiles(ctx context.Context, params json.RawMessage) (interface{}, *rpcserver.RPCError) {
	var req zonefilesRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &rpcserver.RPCError{Code: rpcserver.CodeInvalidParams, Message: "invalid params"}
	}
	if len(req.Hashes) > maxZonefilesPerRequest {
		return nil, &rpcserver.RPCError{Code: rpcserver.CodeInvalidParams, Message: "too many hashes"}
	}

	out := make(map[string]string)
	for _, h := range req.Hashes {
		body, err := n.blobs.Get(h)
		if err != nil {
			continue
		}
		out[h] = base64.StdEncoding.EncodeToString(body)
	}
	return zonefilesResponse{Status: true, Zonefiles: out}, nil
}

// handlePutZonefiles accepts pushed zonefile bodies. A body is saved only if
// its hash is anchored in the catalog; saved bodies are stored and marked
// present, and those not already present are queued for propagation to
// peers that still lack them.
func (n *Node) handlePutZonefiles(ctx context.Context, params json.RawMessage) (interface{}, *rpcserver.RPCError) {
	var req putRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &rpcserver.RPCError{Code: rpcserver.CodeInvalidParams, Message: "invalid params"}
	}
	if len(req.Zonefiles) > maxZonefilesPerRequest {
		return nil, &rpcserver.RPCError{Code: rpcserver.CodeInvalidParams, Message: "too many zonefiles"}
	}

	saved := make([]int, len(req.Zonefiles))
	for i, encoded := range req.Zonefiles {
		body, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			continue
		}
		sum := sha256.Sum256(body)
		hash := hex.EncodeToString(sum[:])

		bits, err := n.store.GetBits(hash)
		if err != nil {
			n.log.Fatal("catalog bit lookup failed", "hash", hash, "error", err)
		}
		if len(bits) == 0 {
			n.log.Debug("rejecting unanchored zonefile", "hash", hash)
			continue
		}

		if err := n.blobs.Put(hash, body); err != nil {
			n.log.Error("failed to store pushed zonefile", "hash", hash, "error", err)
			continue
		}
		wasPresent, err := n.store.SetPresent(hash, true)
		if err != nil {
			n.log.Fatal("catalog presence update failed", "hash", hash, "error", err)
		}
		saved[i] = 1

		// Forward fresh bodies onward; re-receiving a known body is not an
		// event worth re-propagating.
		if !wasPresent {
			n.pusher.Enqueue(hash, body)
			n.server.Hub().Broadcast(rpcserver.Event{
				Type:      rpcserver.EventZonefilePushed,
				Hash:      hash,
				Timestamp: time.Now(),
			})
		}
	}
	return putResponse{Status: true, Saved: saved}, nil
}
