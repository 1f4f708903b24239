// Package config holds the tunables for the atlas replication daemon.
// Every default listed here except MinVersion, BootstrapPeers and DataDir is
// also overridable by an ATLAS_* environment variable, and some by CLI flags
// in cmd/atlasd: flags win, then env, then the YAML file, then these
// defaults.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the atlas node.
type Config struct {
	Identity IdentityConfig `yaml:"identity"`
	Network  NetworkConfig  `yaml:"network"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// IdentityConfig holds node-identity settings.
type IdentityConfig struct {
	// Hostport is this node's own dialable address, e.g. "node.example.org:6270".
	// It is never added to the node's own peer table.
	Hostport string `yaml:"hostport"`
}

// NetworkConfig holds the replication timing and sizing knobs.
type NetworkConfig struct {
	PeerLifetime       time.Duration `yaml:"peer_lifetime"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	MaxAge             time.Duration `yaml:"max_age"`
	CleanInterval      time.Duration `yaml:"clean_interval"`
	SlotMax            int           `yaml:"slot_max"`
	MinPeerHealth      float64       `yaml:"min_peer_health"`
	PingTimeout        time.Duration `yaml:"ping_timeout"`
	InvTimeout         time.Duration `yaml:"inv_timeout"`
	NeighborsTimeout   time.Duration `yaml:"neighbors_timeout"`
	ZonefilesTimeout   time.Duration `yaml:"zonefiles_timeout"`
	PushTimeout        time.Duration `yaml:"push_timeout"`
	MaxNeighbors       int           `yaml:"max_neighbors"`
	MaxQueuedZonefiles int           `yaml:"max_queued_zonefiles"`
	InventoryWindow    int           `yaml:"inventory_window"` // bits
	MinVersion         string        `yaml:"min_version"`
	BootstrapPeers     []string      `yaml:"bootstrap_peers"`
}

// StorageConfig holds on-disk locations.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config populated with the stock defaults.
func DefaultConfig() *Config {
	return &Config{
		Identity: IdentityConfig{
			Hostport: "127.0.0.1:6270",
		},
		Network: NetworkConfig{
			PeerLifetime:       3600 * time.Second,
			PingInterval:       60 * time.Second,
			MaxAge:             2678400 * time.Second,
			CleanInterval:      3600 * time.Second,
			SlotMax:            65536,
			MinPeerHealth:      0.5,
			PingTimeout:        3 * time.Second,
			InvTimeout:         10 * time.Second,
			NeighborsTimeout:   10 * time.Second,
			ZonefilesTimeout:   30 * time.Second,
			PushTimeout:        10 * time.Second,
			MaxNeighbors:       80,
			MaxQueuedZonefiles: 1000,
			InventoryWindow:    524288,
			MinVersion:         "0.1.0",
			BootstrapPeers:     []string{},
		},
		Storage: StorageConfig{
			DataDir: "~/.atlasd",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ConfigFileName is the default config file name inside the data directory.
const ConfigFileName = "config.yaml"

// Load loads configuration from a YAML file under dataDir, creating one with
// defaults (then applying environment overrides) if it doesn't yet exist.
func Load(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	cfg := DefaultConfig()

	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.Storage.DataDir = dataDir
	applyEnvOverrides(cfg)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := cfg.Save(configPath); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file, creating the parent
// directory if necessary.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	header := []byte("# atlasd configuration\n# generated automatically on first run\n\n")
	return os.WriteFile(path, append(header, data...), 0600)
}

// ConfigPath returns the full path to the config file for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// applyEnvOverrides overrides config fields from ATLAS_* environment
// variables.
func applyEnvOverrides(cfg *Config) {
	durationEnv("ATLAS_PEER_LIFETIME", &cfg.Network.PeerLifetime)
	durationEnv("ATLAS_PING_INTERVAL", &cfg.Network.PingInterval)
	durationEnv("ATLAS_MAX_AGE", &cfg.Network.MaxAge)
	durationEnv("ATLAS_CLEAN_INTERVAL", &cfg.Network.CleanInterval)
	intEnv("ATLAS_SLOT_MAX", &cfg.Network.SlotMax)
	floatEnv("ATLAS_MIN_PEER_HEALTH", &cfg.Network.MinPeerHealth)
	durationEnv("ATLAS_PING_TIMEOUT", &cfg.Network.PingTimeout)
	durationEnv("ATLAS_INV_TIMEOUT", &cfg.Network.InvTimeout)
	durationEnv("ATLAS_NEIGHBORS_TIMEOUT", &cfg.Network.NeighborsTimeout)
	durationEnv("ATLAS_ZONEFILES_TIMEOUT", &cfg.Network.ZonefilesTimeout)
	durationEnv("ATLAS_PUSH_TIMEOUT", &cfg.Network.PushTimeout)
	intEnv("ATLAS_MAX_NEIGHBORS", &cfg.Network.MaxNeighbors)
	intEnv("ATLAS_MAX_QUEUED_ZONEFILES", &cfg.Network.MaxQueuedZonefiles)
	intEnv("ATLAS_INVENTORY_WINDOW", &cfg.Network.InventoryWindow)
	if v := os.Getenv("ATLAS_HOSTPORT"); v != "" {
		cfg.Identity.Hostport = v
	}
	if v := os.Getenv("ATLAS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func durationEnv(name string, dst *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(secs * float64(time.Second))
	}
}

func intEnv(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func floatEnv(name string, dst *float64) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = f
	}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
