// Package extension provides the Forge extension adapter for the billing engine.
//
// It implements the forge.Extension interface to integrate billing
// into a Forge application with DI registration and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.billing" or "billing" keys.
package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/forge"
	"github.com/xraph/grove"
	"github.com/xraph/vessel"

	"github.com/credyt/billing"
	"github.com/credyt/billing/store"
	"github.com/credyt/billing/store/memory"
	"github.com/credyt/billing/store/mongo"
	"github.com/credyt/billing/store/postgres"
	"github.com/credyt/billing/store/sqlite"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "billing"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Usage-based billing engine with credit entitlements"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the billing engine as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *billing.Engine
	store      store.Store
	groveDB    *grove.DB
	engineOpts []billing.Option
}

// New creates a new billing Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying billing engine.
// This is nil until Register is called.
func (e *Extension) Engine() *billing.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the billing engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil {
		s, err := e.buildStore()
		if err != nil {
			return err
		}
		e.store = s
	}

	e.engine = billing.New(e.store, e.buildEngineOpts()...)

	return vessel.Provide(fapp.Container(), func() (*billing.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("billing: extension not initialized")
	}

	if err := e.engine.Start(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("billing: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildStore picks the store backend for the configured driver.
func (e *Extension) buildStore() (store.Store, error) {
	if e.groveDB == nil {
		if e.config.StoreDriver != "" && e.config.StoreDriver != DriverMemory {
			return nil, fmt.Errorf("billing: store driver %q requires a grove database", e.config.StoreDriver)
		}
		return memory.New(), nil
	}

	switch e.config.StoreDriver {
	case DriverPostgres:
		return postgres.New(e.groveDB), nil
	case DriverSQLite:
		return sqlite.New(e.groveDB), nil
	case DriverMongo:
		return mongo.New(e.groveDB), nil
	default:
		return nil, fmt.Errorf("billing: unsupported store driver %q", e.config.StoreDriver)
	}
}

// buildEngineOpts constructs billing.Option values from the resolved config.
func (e *Extension) buildEngineOpts() []billing.Option {
	opts := make([]billing.Option, 0, len(e.engineOpts)+5)

	opts = append(opts,
		billing.WithIngestConfig(e.config.IngestBatchSize, e.config.IngestFlushInterval),
		billing.WithIngestBuffer(e.config.IngestBufferSize),
		billing.WithBatchConcurrency(e.config.BatchConcurrency),
	)

	if e.config.CanonicalAsset != "" {
		opts = append(opts, billing.WithCanonicalAsset(e.config.CanonicalAsset))
	}
	if e.config.DisableMigrate {
		opts = append(opts, billing.WithoutMigrate())
	}

	// Pass-through options last so they win over config.
	opts = append(opts, e.engineOpts...)

	return opts
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("billing: configuration is required but not found in config files; " +
				"ensure 'extensions.billing' or 'billing' key exists in your config")
		}

		e.config = e.mergeWithDefaults(programmaticConfig)
	} else {
		e.config = e.mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("billing: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("ingest_batch_size", e.config.IngestBatchSize),
		forge.F("ingest_flush_interval", e.config.IngestFlushInterval),
		forge.F("ingest_buffer_size", e.config.IngestBufferSize),
		forge.F("batch_concurrency", e.config.BatchConcurrency),
		forge.F("canonical_asset", e.config.CanonicalAsset),
		forge.F("store_driver", e.config.StoreDriver),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	for _, key := range []string{"extensions.billing", "billing"} {
		if !cm.IsSet(key) {
			continue
		}
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("billing: loaded config from file",
				forge.F("key", key),
			)
			return cfg, true
		}
		e.Logger().Warn("billing: failed to bind config",
			forge.F("key", key),
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func (e *Extension) mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.IngestBatchSize == 0 {
		cfg.IngestBatchSize = defaults.IngestBatchSize
	}
	if cfg.IngestFlushInterval == 0 {
		cfg.IngestFlushInterval = defaults.IngestFlushInterval
	}
	if cfg.IngestBufferSize == 0 {
		cfg.IngestBufferSize = defaults.IngestBufferSize
	}
	if cfg.BatchConcurrency == 0 {
		cfg.BatchConcurrency = defaults.BatchConcurrency
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic values fill gaps.
func (e *Extension) mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	if yamlConfig.CanonicalAsset == "" {
		yamlConfig.CanonicalAsset = programmaticConfig.CanonicalAsset
	}
	if yamlConfig.StoreDriver == "" {
		yamlConfig.StoreDriver = programmaticConfig.StoreDriver
	}

	if yamlConfig.IngestBatchSize == 0 {
		yamlConfig.IngestBatchSize = programmaticConfig.IngestBatchSize
	}
	if yamlConfig.IngestFlushInterval == 0 {
		yamlConfig.IngestFlushInterval = programmaticConfig.IngestFlushInterval
	}
	if yamlConfig.IngestBufferSize == 0 {
		yamlConfig.IngestBufferSize = programmaticConfig.IngestBufferSize
	}
	if yamlConfig.BatchConcurrency == 0 {
		yamlConfig.BatchConcurrency = programmaticConfig.BatchConcurrency
	}

	return e.mergeWithDefaults(yamlConfig)
}
