package extension

import "time"

// Store driver names accepted by Config.StoreDriver.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
)

// Config holds the billing extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.billing" or "billing" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// IngestBatchSize is the number of usage events the ingest worker
	// collects before billing them as one batch (default: 100).
	IngestBatchSize int `json:"ingest_batch_size" mapstructure:"ingest_batch_size" yaml:"ingest_batch_size"`

	// IngestFlushInterval is how frequently a partial ingest batch is
	// billed even if the batch size has not been reached (default: 5s).
	IngestFlushInterval time.Duration `json:"ingest_flush_interval" mapstructure:"ingest_flush_interval" yaml:"ingest_flush_interval"`

	// IngestBufferSize bounds the ingest queue (default: 10000).
	IngestBufferSize int `json:"ingest_buffer_size" mapstructure:"ingest_buffer_size" yaml:"ingest_buffer_size"`

	// BatchConcurrency caps how many customers are billed in parallel
	// within one batch (default: 8).
	BatchConcurrency int `json:"batch_concurrency" mapstructure:"batch_concurrency" yaml:"batch_concurrency"`

	// CanonicalAsset, when set, makes every fee carry an amount converted
	// into this asset.
	CanonicalAsset string `json:"canonical_asset" mapstructure:"canonical_asset" yaml:"canonical_asset"`

	// StoreDriver selects the store backend built on the grove.DB passed
	// with WithGroveDB: "postgres", "sqlite" or "mongo". Without a grove
	// database the in-memory store is used.
	StoreDriver string `json:"store_driver" mapstructure:"store_driver" yaml:"store_driver"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		IngestBatchSize:     100,
		IngestFlushInterval: 5 * time.Second,
		IngestBufferSize:    10000,
		BatchConcurrency:    8,
	}
}
