package p2p

import (
	"bassline/config"
)

// ServerConfigFromFile maps file-level node configuration onto engine
// settings. Fields the file does not cover keep their zero value and are
// backfilled by NewServer.
func ServerConfigFromFile(cfg *config.Config, strategy Strategy) ServerConfig {
	if cfg == nil {
		return ServerConfig{Strategy: strategy}
	}
	return ServerConfig{
		ListenAddress:     cfg.ListenAddress,
		NodeID:            cfg.NodeID,
		Strategy:          strategy,
		MaxPeers:          cfg.MaxPeers,
		Seeds:             append([]string(nil), cfg.Seeds...),
		PersistentPeers:   append([]string(nil), cfg.PersistentPeers...),
		SyncInterval:      cfg.SyncInterval.Std(),
		AnnounceInterval:  cfg.AnnounceInterval.Std(),
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
		HeartbeatTimeout:  cfg.HeartbeatTimeout.Std(),
		DialBackoff:       cfg.DialBackoff.Std(),
		BadPeerThreshold:  cfg.BadPeerThreshold,
	}
}
