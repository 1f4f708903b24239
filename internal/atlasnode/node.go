// Package atlasnode wires the catalog, peer table, queues, RPC surface, and
// the four background workers into one runnable replication node. All
// process-wide state lives on the Node value; the workers hold borrowed
// references only.
package atlasnode

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atlasnet/atlasd/internal/blobstore"
	"github.com/atlasnet/atlasd/internal/catalog"
	"github.com/atlasnet/atlasd/internal/config"
	"github.com/atlasnet/atlasd/internal/crawler"
	"github.com/atlasnet/atlasd/internal/fetcher"
	"github.com/atlasnet/atlasd/internal/healthcheck"
	"github.com/atlasnet/atlasd/internal/ledger"
	"github.com/atlasnet/atlasd/internal/peertable"
	"github.com/atlasnet/atlasd/internal/pusher"
	"github.com/atlasnet/atlasd/internal/rpcclient"
	"github.com/atlasnet/atlasd/internal/rpcserver"
	"github.com/atlasnet/atlasd/pkg/logging"
)

// ServerVersion is the protocol version this node reports via getinfo.
const ServerVersion = "0.1.0"

// ledgerSyncInterval is how often the catalog is re-synced from the ledger.
const ledgerSyncInterval = 10 * time.Second

// Node is a running atlas replication node.
type Node struct {
	cfg *config.Config
	log *logging.Logger

	store  *catalog.Store
	table  *peertable.Table
	ledger catalog.Ledger
	blobs  blobstore.Store
	cold   blobstore.ColdStorage
	client *rpcclient.Client
	server *rpcserver.Server

	peerQueue *crawler.PeerQueue

	crawler     *crawler.Worker
	healthcheck *healthcheck.Worker
	fetcher     *fetcher.Worker
	pusher      *pusher.Worker

	consensus string
}

// Options overrides the external collaborators a Node depends on. Zero
// fields take the built-in reference implementations: a SQLite file ledger
// under the data directory, a disk blob store, and no cold storage.
type Options struct {
	Ledger      catalog.Ledger
	Blobs       blobstore.Store
	ColdStorage blobstore.ColdStorage
}

// New assembles a Node from configuration. Start it with Run.
func New(cfg *config.Config, opts Options) (*Node, error) {
	log := logging.GetDefault().Component("node")

	store, err := catalog.New(&catalog.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		return nil, err
	}

	dataDir := expandPath(cfg.Storage.DataDir)

	lgr := opts.Ledger
	if lgr == nil {
		fl, err := ledger.Open(dataDir)
		if err != nil {
			store.Close()
			return nil, err
		}
		lgr = fl
	}

	blobs := opts.Blobs
	if blobs == nil {
		ds, err := blobstore.NewDiskStore(filepath.Join(dataDir, "zonefiles"))
		if err != nil {
			store.Close()
			return nil, err
		}
		blobs = ds
	}

	cold := opts.ColdStorage
	if cold == nil {
		cold = blobstore.NoColdStorage{}
	}

	table := peertable.New(peertable.Config{
		Self:          cfg.Identity.Hostport,
		PeerLifetime:  cfg.Network.PeerLifetime,
		MinPeerHealth: cfg.Network.MinPeerHealth,
	})

	client := rpcclient.New(rpcclient.Config{
		Timeouts: rpcclient.Timeouts{
			Ping:      cfg.Network.PingTimeout,
			Info:      cfg.Network.PingTimeout,
			Neighbors: cfg.Network.NeighborsTimeout,
			Inventory: cfg.Network.InvTimeout,
			Zonefiles: cfg.Network.ZonefilesTimeout,
			Push:      cfg.Network.PushTimeout,
		},
		MaxNeighbors: cfg.Network.MaxNeighbors,
		Health:       table,
	})

	peerQueueCap := 10 * cfg.Network.MaxNeighbors
	if peerQueueCap > cfg.Network.SlotMax {
		peerQueueCap = cfg.Network.SlotMax
	}
	peerQueue := crawler.NewPeerQueue(peerQueueCap)

	n := &Node{
		cfg:       cfg,
		log:       log,
		store:     store,
		table:     table,
		ledger:    lgr,
		blobs:     blobs,
		cold:      cold,
		client:    client,
		server:    rpcserver.New(),
		peerQueue: peerQueue,
	}

	crawlerCfg := crawler.Config{
		Self:          cfg.Identity.Hostport,
		MinVersion:    cfg.Network.MinVersion,
		SlotMax:       cfg.Network.SlotMax,
		MaxNeighbors:  cfg.Network.MaxNeighbors,
		MaxAge:        cfg.Network.MaxAge,
		CleanInterval: cfg.Network.CleanInterval,
		StepInterval:  time.Second,
	}
	n.crawler = crawler.New(crawlerCfg, store, table, client, peerQueue)

	n.healthcheck = healthcheck.New(healthcheck.Config{
		PingInterval:    cfg.Network.PingInterval,
		InventoryWindow: cfg.Network.InventoryWindow,
		StepInterval:    time.Second,
	}, store, table, client)

	n.fetcher = fetcher.New(fetcher.DefaultConfig(), store, table, client, blobs, cold)

	n.pusher = pusher.New(pusher.Config{
		MaxQueued:    cfg.Network.MaxQueuedZonefiles,
		StepInterval: time.Second,
	}, store, table, client)

	n.registerHandlers()
	return n, nil
}

// Store exposes the catalog, for tooling and tests.
func (n *Node) Store() *catalog.Store { return n.store }

// Table exposes the peer table, for tooling and tests.
func (n *Node) Table() *peertable.Table { return n.table }

// Hub exposes the websocket event hub.
func (n *Node) Hub() *rpcserver.WSHub { return n.server.Hub() }

// SetConsensus sets the consensus hash reported via getinfo. The embedding
// ledger indexer is responsible for keeping it current.
func (n *Node) SetConsensus(ch string) { n.consensus = ch }

// Run starts the RPC server, the ledger sync loop, and the four workers,
// and blocks until ctx is cancelled or the HTTP listener fails.
func (n *Node) Run(ctx context.Context) error {
	// Seed the peer table from the durable peer directory, and the pending
	// queue from the configured bootstrap peers.
	rows, err := n.store.LoadAll()
	if err != nil {
		return err
	}
	for _, row := range rows {
		n.table.Insert(row.Hostport)
	}
	for _, hp := range n.cfg.Network.BootstrapPeers {
		n.peerQueue.Enqueue(hp)
	}

	// Catch up with the ledger before serving.
	if err := n.syncLedger(ctx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    n.cfg.Identity.Hostport,
		Handler: n.server.Routes(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n.log.Info("RPC server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(ledgerSyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := n.syncLedger(ctx); err != nil {
					n.log.Fatal("ledger sync failed", "error", err)
				}
			}
		}
	})

	n.crawler.Start()
	n.healthcheck.Start()
	n.fetcher.Start()
	n.pusher.Start()

	g.Go(func() error {
		<-ctx.Done()
		n.crawler.Stop()
		n.healthcheck.Stop()
		n.fetcher.Stop()
		n.pusher.Stop()
		return nil
	})

	return g.Wait()
}

// syncLedger pulls newly-anchored records into the catalog, then marks
// present any record whose body is already in the local blob store.
func (n *Node) syncLedger(ctx context.Context) error {
	synced, err := n.store.SyncFromLedger(ctx, n.ledger)
	if err != nil {
		return err
	}
	if synced == 0 {
		return nil
	}
	n.log.Info("synced blocks from ledger", "blocks", synced)
	n.server.Hub().Broadcast(rpcserver.Event{
		Type:      rpcserver.EventInventoryRefresh,
		Timestamp: time.Now(),
		Detail:    map[string]int64{"blocks_synced": synced},
	})
	return n.reconcileLocalBodies()
}

// reconcileLocalBodies marks present every absent record whose body is
// already stored locally (left over from a previous run, or written by an
// external tool).
func (n *Node) reconcileLocalBodies() error {
	const page = 10000
	seen := make(map[string]bool)
	var hashes []string
	for offset := 0; ; offset += page {
		rows, err := n.store.FindMissing(offset, page)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if !seen[row.Hash] {
				seen[row.Hash] = true
				hashes = append(hashes, row.Hash)
			}
		}
		if len(rows) < page {
			break
		}
	}

	// Marking rows present shrinks the missing set, so mutate only after
	// the scan is complete.
	for _, h := range hashes {
		ok, err := n.blobs.Has(h)
		if err != nil {
			return err
		}
		if ok {
			if _, err := n.store.SetPresent(h, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

// Close releases the node's durable resources.
func (n *Node) Close() error {
	if closer, ok := n.ledger.(interface{ Close() error }); ok {
		closer.Close()
	}
	return n.store.Close()
}
