// Package config loads and validates Amberio's runtime configuration
// (spec component C11): cluster sizing, replication quorum, background
// worker tunables, the cold archive tier, logging, and metrics, all
// sourced from AMBERIO_* environment variables, a YAML file, and
// defaults, in that precedence order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete Amberio node configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (AMBERIO_*)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
type Config struct {
	// Cluster controls slot count and replication quorum.
	Cluster ClusterConfig `mapstructure:"cluster"`

	// AntiEntropy controls the background reconciliation loop (C8).
	AntiEntropy AntiEntropyConfig `mapstructure:"anti_entropy"`

	// GC controls background part/tombstone/idempotency reclamation (C9).
	GC GCConfig `mapstructure:"gc"`

	// Archive controls the cold S3 overflow tier (C10).
	Archive ArchiveConfig `mapstructure:"archive"`

	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging"`

	// Metrics controls Prometheus metrics exposition.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Server contains server-wide settings.
	Server ServerConfig `mapstructure:"server"`

	// RateLimit controls the coordinator's outbound peer RPC throttling.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// ClusterConfig carries the cluster-wide sizing knobs spec.md section 6
// names: slot_count, replication_factor, min_write_replicas, part_size.
type ClusterConfig struct {
	// SlotCount is the cluster-wide slot count. Must be a power of two.
	SlotCount int `mapstructure:"slot_count" validate:"required,gt=0"`

	// ReplicationFactor is the number of replicas per slot.
	ReplicationFactor int `mapstructure:"replication_factor" validate:"required,gt=0"`

	// MinWriteReplicas is the write quorum. Defaults to floor(N/2)+1 of
	// ReplicationFactor when left at zero.
	MinWriteReplicas int `mapstructure:"min_write_replicas" validate:"required,gt=0"`

	// PartSize is the maximum length of a single part.
	PartSize uint64 `mapstructure:"part_size" validate:"required,gt=0"`
}

// AntiEntropyConfig carries anti_entropy_* from spec.md section 6.
type AntiEntropyConfig struct {
	Interval         time.Duration `mapstructure:"interval" validate:"required,gt=0"`
	BatchObjects     int           `mapstructure:"batch_objects" validate:"required,gt=0"`
	BucketPrefixLen  int           `mapstructure:"bucket_prefix_len" validate:"required,gt=0"`
	RepairParallelism int          `mapstructure:"repair_parallelism" validate:"required,gt=0"`
}

// GCConfig carries the collector's tunables (spec.md section 6 plus the
// archive-on-evict addition).
type GCConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Interval           time.Duration `mapstructure:"interval" validate:"required,gt=0"`
	TombstoneRetention time.Duration `mapstructure:"tombstone_retention" validate:"required,gt=0"`
	PartGCGrace        time.Duration `mapstructure:"part_gc_grace" validate:"required,gt=0"`
	IdempotencyTTL     time.Duration `mapstructure:"idempotency_ttl" validate:"required,gt=0"`
	ArchiveOnEvict     bool          `mapstructure:"archive_on_evict"`
}

// ArchiveConfig carries the archive.* keys SPEC_FULL.md section 6 adds.
type ArchiveConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	Bucket                 string        `mapstructure:"bucket" validate:"required_if=Enabled true"`
	Region                 string        `mapstructure:"region"`
	KeyPrefix              string        `mapstructure:"key_prefix"`
	PartMultipartThreshold uint64        `mapstructure:"part_multipart_threshold" validate:"required,gt=0"`
	EvictGrace             time.Duration `mapstructure:"evict_grace"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR"`

	// Format is either "console" (human-readable) or "json".
	Format string `mapstructure:"format" validate:"required,oneof=console json"`
}

// MetricsConfig controls Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`
}

// RateLimitConfig caps the sustained rate of the coordinator's outbound
// peer RPCs (FetchHead, PushPart, CommitHead): each call waits for a
// token first. Calls the coordinator makes into its own local engine
// are not throttled.
type RateLimitConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	WritesPerSecond uint `mapstructure:"writes_per_second" validate:"required_if=Enabled true"`
	Burst           uint `mapstructure:"burst" validate:"required_if=Enabled true"`
}

// Load loads configuration from environment, file, and defaults, in that
// precedence order (environment wins). A config file that does not exist
// is not an error; environment and defaults still apply.
//
//   - configPath: path to a YAML config file; empty uses the default
//     location under XDG_CONFIG_HOME/amberio.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures environment variable and config file search
// behavior. Environment variables use the AMBERIO_ prefix with
// underscores in place of dots, e.g. AMBERIO_CLUSTER_SLOT_COUNT.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("AMBERIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind every mapstructure key so Unmarshal sees AMBERIO_* variables
	// even for keys no config file mentions.
	var bindKeys func(t reflect.Type, prefix string)
	bindKeys = func(t reflect.Type, prefix string) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			key := prefix + f.Tag.Get("mapstructure")
			if f.Type.Kind() == reflect.Struct {
				bindKeys(f.Type, key+".")
				continue
			}
			_ = v.BindEnv(key)
		}
	}
	bindKeys(reflect.TypeOf(Config{}), "")

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}

	configDir := getConfigDir()
	v.AddConfigPath(configDir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil // explicit configPath that does not exist
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns $XDG_CONFIG_HOME/amberio, falling back to
// ~/.config/amberio, or "." if the home directory can't be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "amberio")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "amberio")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
