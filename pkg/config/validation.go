package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates cfg using struct tags plus custom cross-field
// rules validator tags can't express (slot_count power-of-two,
// min_write_replicas <= replication_factor).
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if cfg.Cluster.SlotCount&(cfg.Cluster.SlotCount-1) != 0 {
		return fmt.Errorf("cluster.slot_count: %d is not a power of two", cfg.Cluster.SlotCount)
	}

	if cfg.Cluster.MinWriteReplicas > cfg.Cluster.ReplicationFactor {
		return fmt.Errorf("cluster.min_write_replicas (%d) exceeds cluster.replication_factor (%d)",
			cfg.Cluster.MinWriteReplicas, cfg.Cluster.ReplicationFactor)
	}

	if cfg.Archive.Enabled && cfg.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket: required when archive.enabled is true")
	}

	return nil
}

// formatValidationError converts the first validator.ValidationErrors
// entry into a message naming the offending field and tag.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
