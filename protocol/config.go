package protocol

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig holds the tunables of the settlement engine. Every operator in
// a committee must run with the same batching parameters, otherwise they
// disagree on batch boundaries; the registry serves the authoritative copy.
type EngineConfig struct {
	// BatchIntervalBlocks is the block spacing of the interval trigger. A
	// batch older than this many blocks is finalized on the next check.
	BatchIntervalBlocks uint64 `yaml:"batch_interval_blocks" json:"batch_interval_blocks"`

	// MaxIdleBlocks gates the privileged idle finalization path. A batch
	// idle for fewer blocks cannot be force-finalized except by admin.
	MaxIdleBlocks uint64 `yaml:"max_idle_blocks" json:"max_idle_blocks"`

	// MaxBatchSize finalizes a batch immediately once it holds this many
	// intents. Zero disables the size trigger.
	MaxBatchSize int `yaml:"max_batch_size" json:"max_batch_size"`

	// MinAttestations is the quorum: the number of distinct committee
	// operators that must sign a settlement before it may be published.
	MinAttestations int `yaml:"min_attestations" json:"min_attestations"`

	// ShortPollInterval is how often the engine scans for finalized-batch
	// events while active.
	ShortPollInterval time.Duration `yaml:"short_poll_interval" json:"short_poll_interval"`

	// IdlePollInterval is how often the engine checks the open batch for
	// idle finalization.
	IdlePollInterval time.Duration `yaml:"idle_poll_interval" json:"idle_poll_interval"`

	// MaxDecryptAttempts bounds retries against the threshold service
	// before a batch's processing is deferred to the next cycle.
	MaxDecryptAttempts int `yaml:"max_decrypt_attempts" json:"max_decrypt_attempts"`

	// SecurityZone is stamped on ciphertexts produced by this deployment.
	SecurityZone int32 `yaml:"security_zone" json:"security_zone"`
}

// DefaultConfig returns the settings used by tests and the demo deployment.
func DefaultConfig() EngineConfig {
	return EngineConfig{
		BatchIntervalBlocks: 10,
		MaxIdleBlocks:       40,
		MaxBatchSize:        64,
		MinAttestations:     2,
		ShortPollInterval:   500 * time.Millisecond,
		IdlePollInterval:    2 * time.Second,
		MaxDecryptAttempts:  3,
		SecurityZone:        0,
	}
}

// LoadConfig reads an EngineConfig from a yaml file, starting from defaults
// so a partial file only overrides what it names.
func LoadConfig(path string) (EngineConfig, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("could not read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("could not parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that would stall or misbehave at runtime.
func (c *EngineConfig) Validate() error {
	if c.BatchIntervalBlocks == 0 {
		return fmt.Errorf("batch_interval_blocks must be positive")
	}
	if c.MaxIdleBlocks < c.BatchIntervalBlocks {
		return fmt.Errorf("max_idle_blocks (%d) must be at least batch_interval_blocks (%d)", c.MaxIdleBlocks, c.BatchIntervalBlocks)
	}
	if c.MaxBatchSize < 0 {
		return fmt.Errorf("max_batch_size must not be negative")
	}
	if c.MinAttestations < 1 {
		return fmt.Errorf("min_attestations must be at least 1")
	}
	if c.ShortPollInterval <= 0 || c.IdlePollInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if c.MaxDecryptAttempts < 1 {
		return fmt.Errorf("max_decrypt_attempts must be at least 1")
	}
	return nil
}
