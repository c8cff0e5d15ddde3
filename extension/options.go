package extension

import (
	"time"

	"github.com/xraph/grove"

	"github.com/credyt/billing"
	"github.com/credyt/billing/plugin"
	"github.com/credyt/billing/store"
	"github.com/credyt/billing/wallet"
)

// Option configures the billing Forge extension.
type Option func(*Extension)

// WithStore sets the store for the billing engine. It takes precedence
// over WithGroveDB.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithEngineOption passes a billing.Option through to the underlying engine.
func WithEngineOption(opt billing.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers a billing plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, billing.WithPlugin(p))
	}
}

// WithWallet sets the wallet that absorbs the portion of a fee not covered
// by credit grants.
func WithWallet(w wallet.Wallet) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, billing.WithWallet(w))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithIngestBatchSize sets the number of usage events billed per ingest batch.
func WithIngestBatchSize(size int) Option {
	return func(e *Extension) { e.config.IngestBatchSize = size }
}

// WithIngestFlushInterval sets how frequently a partial ingest batch is billed.
func WithIngestFlushInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.IngestFlushInterval = d }
}

// WithIngestBuffer sets the capacity of the ingest queue.
func WithIngestBuffer(size int) Option {
	return func(e *Extension) { e.config.IngestBufferSize = size }
}

// WithBatchConcurrency caps per-customer parallelism inside a batch.
func WithBatchConcurrency(n int) Option {
	return func(e *Extension) { e.config.BatchConcurrency = n }
}

// WithCanonicalAsset sets the asset every fee is additionally expressed in.
func WithCanonicalAsset(code string) Option {
	return func(e *Extension) { e.config.CanonicalAsset = code }
}

// WithGroveDB builds the store on the given grove database. The backend is
// chosen by driver, one of DriverPostgres, DriverSQLite or DriverMongo.
func WithGroveDB(db *grove.DB, driver string) Option {
	return func(e *Extension) {
		e.groveDB = db
		e.config.StoreDriver = driver
	}
}
