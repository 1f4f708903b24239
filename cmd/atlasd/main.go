// Package main provides the atlasd daemon - a zonefile replication node.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/atlasnet/atlasd/internal/atlasnode"
	"github.com/atlasnet/atlasd/internal/config"
	"github.com/atlasnet/atlasd/pkg/logging"
)

var (
	version = atlasnode.ServerVersion
	commit  = "unknown"
)

func main() {
	var (
		dataDir        = flag.String("data-dir", "~/.atlasd", "Data directory")
		hostport       = flag.String("hostport", "", "This node's dialable host:port, overrides config")
		bootstrapPeers = flag.String("bootstrap", "", "Bootstrap peers (comma-separated host:port)")
		logLevel       = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		showVersion    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("atlasd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over config file and environment.
	if *hostport != "" {
		cfg.Identity.Hostport = *hostport
	}
	if *bootstrapPeers != "" {
		cfg.Network.BootstrapPeers = parseBootstrapPeers(*bootstrapPeers)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		Node:       cfg.Identity.Hostport,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ConfigPath(*dataDir))

	n, err := atlasnode.New(cfg, atlasnode.Options{})
	if err != nil {
		log.Fatal("Failed to create node", "error", err)
	}
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- n.Run(ctx)
	}()

	printBanner(log, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("Shutting down...")
		cancel()
		if err := <-runErr; err != nil {
			log.Error("Error during shutdown", "error", err)
		}
	case err := <-runErr:
		if err != nil {
			log.Fatal("Node exited", "error", err)
		}
	}

	log.Info("Goodbye!")
}

func printBanner(log *logging.Logger, cfg *config.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  Atlas Zonefile Replication Node")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Hostport: %s", cfg.Identity.Hostport)
	log.Infof("  RPC: http://%s/rpc", cfg.Identity.Hostport)
	log.Infof("  WS:  ws://%s/ws", cfg.Identity.Hostport)
	log.Infof("  Data dir: %s", cfg.Storage.DataDir)
	log.Infof("  Bootstrap peers: %d", len(cfg.Network.BootstrapPeers))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}

func parseBootstrapPeers(s string) []string {
	var peers []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}
