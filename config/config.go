// Package config loads node configuration from TOML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML files can use values like "5s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config describes one node of a run.
type Config struct {
	ListenAddress string   `toml:"ListenAddress"`
	NodeID        string   `toml:"NodeID"`
	TopologyFile  string   `toml:"TopologyFile"`
	DataDir       string   `toml:"DataDir"`
	OwnedGroups   []string `toml:"OwnedGroups"`

	Seeds           []string `toml:"Seeds"`
	PersistentPeers []string `toml:"PersistentPeers"`
	MaxPeers        int      `toml:"MaxPeers"`

	SyncInterval      Duration `toml:"SyncInterval"`
	AnnounceInterval  Duration `toml:"AnnounceInterval"`
	HeartbeatInterval Duration `toml:"HeartbeatInterval"`
	HeartbeatTimeout  Duration `toml:"HeartbeatTimeout"`
	DialBackoff       Duration `toml:"DialBackoff"`

	BadPeerThreshold int `toml:"BadPeerThreshold"`

	LogFile       string `toml:"LogFile"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`
	LogMaxAgeDays int    `toml:"LogMaxAgeDays"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown fields: %s", path, strings.Join(keys, ", "))
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":7340"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./bassline-data"
	}
	if cfg.Seeds == nil {
		cfg.Seeds = []string{}
	}
	if cfg.PersistentPeers == nil {
		cfg.PersistentPeers = []string{}
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 32
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = Duration(5 * time.Second)
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = Duration(15 * time.Second)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = Duration(5 * time.Second)
	}
	// The timeout has to clear several missed heartbeats worth of jitter.
	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		cfg.HeartbeatTimeout = Duration(3 * cfg.HeartbeatInterval.Std())
	}
	if cfg.DialBackoff <= 0 {
		cfg.DialBackoff = Duration(2 * time.Second)
	}
	if cfg.BadPeerThreshold <= 0 {
		cfg.BadPeerThreshold = 3
	}
}

// PeerstorePath returns where the known-peer database lives under DataDir.
func (c *Config) PeerstorePath() string {
	return filepath.Join(c.DataDir, "peers.db")
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
