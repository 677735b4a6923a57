package config

import (
	"strings"
	"time"
)

// ApplyDefaults fills unspecified fields with spec.md section 6's
// defaults (and SPEC_FULL.md's archive/logging/metrics additions). Zero
// values (0, "", false) are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyClusterDefaults(&cfg.Cluster)
	applyAntiEntropyDefaults(&cfg.AntiEntropy)
	applyGCDefaults(&cfg.GC)
	applyArchiveDefaults(&cfg.Archive, cfg.GC.PartGCGrace)
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)
	applyServerDefaults(&cfg.Server)
	applyRateLimitDefaults(&cfg.RateLimit)
}

func applyClusterDefaults(cfg *ClusterConfig) {
	if cfg.SlotCount == 0 {
		cfg.SlotCount = 2048
	}
	if cfg.ReplicationFactor == 0 {
		cfg.ReplicationFactor = 3
	}
	if cfg.MinWriteReplicas == 0 {
		cfg.MinWriteReplicas = cfg.ReplicationFactor/2 + 1
	}
	if cfg.PartSize == 0 {
		cfg.PartSize = 8 << 20
	}
}

func applyAntiEntropyDefaults(cfg *AntiEntropyConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchObjects == 0 {
		cfg.BatchObjects = 1000
	}
	if cfg.BucketPrefixLen == 0 {
		cfg.BucketPrefixLen = 2
	}
	if cfg.RepairParallelism == 0 {
		cfg.RepairParallelism = 8
	}
}

func applyGCDefaults(cfg *GCConfig) {
	// Enabled has no explicit "unset" sentinel distinct from false, so it
	// is left as configured: cmd/amberio-node copies it into gc.Config
	// unchanged, and collection runs only when gc.enabled is true.
	if cfg.Interval == 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.TombstoneRetention == 0 {
		cfg.TombstoneRetention = 7 * 24 * time.Hour
	}
	if cfg.PartGCGrace == 0 {
		cfg.PartGCGrace = 24 * time.Hour
	}
	if cfg.IdempotencyTTL == 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
}

func applyArchiveDefaults(cfg *ArchiveConfig, partGCGrace time.Duration) {
	if cfg.PartMultipartThreshold == 0 {
		cfg.PartMultipartThreshold = 16 << 20
	}
	if cfg.EvictGrace == 0 {
		cfg.EvictGrace = partGCGrace
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	cfg.Level = strings.ToLower(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "console"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Listen == "" {
		cfg.Listen = ":9090"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyRateLimitDefaults(cfg *RateLimitConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.WritesPerSecond == 0 {
		cfg.WritesPerSecond = 500
	}
	if cfg.Burst == 0 {
		cfg.Burst = cfg.WritesPerSecond * 2
	}
}

// GetDefaultConfig returns a Config with every field at its default,
// useful for tests and for generating a starter config file.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
