package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/credyt/billing/asset"
	"github.com/credyt/billing/entitlement"
	"github.com/credyt/billing/id"
	"github.com/credyt/billing/internal/keylock"
	"github.com/credyt/billing/meter"
	"github.com/credyt/billing/plugin"
	"github.com/credyt/billing/pricing"
	"github.com/credyt/billing/product"
	"github.com/credyt/billing/settlement"
	"github.com/credyt/billing/store"
	"github.com/credyt/billing/subscription"
	"github.com/credyt/billing/types"
	"github.com/credyt/billing/wallet"
)

// Engine is the billing orchestrator. It prices usage events against
// products, settles the fees from entitlements and the wallet, and records
// one settlement per event.
type Engine struct {
	store   store.Store
	assets  *asset.Registry
	ledger  *entitlement.Ledger
	wallet  wallet.Wallet
	plugins *plugin.Registry
	logger  *slog.Logger
	locks   *keylock.Locker

	// Background workers
	ingestBuffer chan *meter.UsageEvent
	stopChan     chan struct{}
	wg           sync.WaitGroup
	running      atomic.Bool
	// ingestMu orders enqueues before the worker's final drain.
	ingestMu sync.RWMutex

	// Configuration
	canonicalAsset      string
	migrate             bool
	ingestBatchSize     int
	ingestFlushInterval time.Duration
	ingestBufferSize    int
	batchConcurrency    int
}

// Result is the outcome of billing one event.
type Result struct {
	Record *settlement.Record
	Status settlement.Status
	// Replayed is true when the event had already been billed and the
	// stored record was returned unchanged.
	Replayed bool
}

// New creates a new Engine backed by s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:               s,
		plugins:             plugin.NewRegistry(),
		logger:              slog.Default(),
		locks:               keylock.New(),
		stopChan:            make(chan struct{}),
		migrate:             true,
		ingestBatchSize:     100,
		ingestFlushInterval: 5 * time.Second,
		ingestBufferSize:    10000,
		batchConcurrency:    8,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.ingestBuffer = make(chan *meter.UsageEvent, e.ingestBufferSize)
	e.assets = asset.NewRegistry(s, asset.WithRegistryLogger(e.logger))
	e.ledger = entitlement.NewLedger(s,
		entitlement.WithConverter(e.assets),
		entitlement.WithLogger(e.logger),
	)

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithWallet sets the wallet that settles what entitlements do not cover.
// Without one the wallet portion is only recorded.
func WithWallet(w wallet.Wallet) Option {
	return func(e *Engine) {
		e.wallet = w
	}
}

// WithCanonicalAsset makes every fee also carry its value in asset.
func WithCanonicalAsset(code string) Option {
	return func(e *Engine) {
		e.canonicalAsset = types.NormalizeAsset(code)
	}
}

// WithIngestConfig configures the background ingest worker.
func WithIngestConfig(batchSize int, flushInterval time.Duration) Option {
	return func(e *Engine) {
		if batchSize > 0 {
			e.ingestBatchSize = batchSize
		}
		if flushInterval > 0 {
			e.ingestFlushInterval = flushInterval
		}
	}
}

// WithIngestBuffer sets the capacity of the ingest queue.
func WithIngestBuffer(size int) Option {
	return func(e *Engine) {
		if size > 0 {
			e.ingestBufferSize = size
		}
	}
}

// WithBatchConcurrency bounds how many customers a batch bills at once.
func WithBatchConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchConcurrency = n
		}
	}
}

// WithoutMigrate stops Start from running store migrations.
func WithoutMigrate() Option {
	return func(e *Engine) {
		e.migrate = false
	}
}

// Start migrates the store and begins background workers.
func (e *Engine) Start(ctx context.Context) error {
	if e.migrate {
		if err := e.store.Migrate(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
		}
	}

	e.plugins.EmitInit(ctx, e)

	e.running.Store(true)
	e.wg.Add(1)
	go e.ingestWorker(context.WithoutCancel(ctx))

	e.logger.Info("billing engine started",
		"batch_size", e.ingestBatchSize,
		"flush_interval", e.ingestFlushInterval,
		"canonical_asset", e.canonicalAsset,
	)

	return nil
}

// Stop drains the ingest queue and shuts down the Engine.
func (e *Engine) Stop() error {
	e.ingestMu.Lock()
	stopping := e.running.CompareAndSwap(true, false)
	if stopping {
		close(e.stopChan)
	}
	e.ingestMu.Unlock()

	if stopping {
		e.wg.Wait()
	}

	ctx := context.Background()
	e.plugins.EmitShutdown(ctx)

	return e.store.Close()
}

// Assets returns the asset and rate registry.
func (e *Engine) Assets() *asset.Registry { return e.assets }

// Ledger returns the entitlement ledger.
func (e *Engine) Ledger() *entitlement.Ledger { return e.ledger }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// ──────────────────────────────────────────────────
// Billing
// ──────────────────────────────────────────────────

// Bill prices ev against p and settles the fee. Billing is idempotent per
// event ID: a second call returns the stored result with Replayed set.
//
// An event whose price resolves to no usage price is recorded as skipped.
// Configuration and payload errors quarantine the event: the failed record
// is returned together with the error, and the event stays held until
// Release is called.
func (e *Engine) Bill(ctx context.Context, p *product.Product, ev *meter.UsageEvent) (*Result, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: product is required", ErrInvalidInput)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(ev.CustomerID)
	defer unlock()

	if res, err := e.replay(ctx, ev); res != nil || err != nil {
		return res, err
	}
	return e.bill(ctx, p, ev)
}

// BillEvent bills ev against the first of the customer's active
// subscriptions whose product has a usage price for the event type.
func (e *Engine) BillEvent(ctx context.Context, ev *meter.UsageEvent) (*Result, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(ev.CustomerID)
	defer unlock()

	if res, err := e.replay(ctx, ev); res != nil || err != nil {
		return res, err
	}

	subs, err := e.store.ListSubscriptions(ctx, ev.CustomerID, subscription.ListOpts{})
	if err != nil {
		return nil, err
	}
	active := subs[:0]
	for _, s := range subs {
		if s.ActiveAt(ev.Timestamp) {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("%w: customer %s at %s", ErrNoActiveSubscription, ev.CustomerID, ev.Timestamp.Format(time.RFC3339))
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].StartedAt.Before(active[j].StartedAt)
	})

	var fallback *product.Product
	for _, s := range active {
		p, err := e.store.GetProduct(ctx, s.ProductID)
		if err != nil {
			return nil, fmt.Errorf("load product for subscription %s: %w", s.ID, err)
		}
		if len(p.UsagePrices(ev.EventType)) > 0 {
			return e.bill(ctx, p, ev)
		}
		if fallback == nil {
			fallback = p
		}
	}
	// Nothing prices this event type; record the skip against the oldest.
	return e.bill(ctx, fallback, ev)
}

// BillBatch bills events against p. Events of one customer are billed in
// order; different customers are billed concurrently. The returned slice is
// parallel to events, with nil entries for events that failed. Failures do
// not stop the batch and are returned together as a MultiError.
func (e *Engine) BillBatch(ctx context.Context, p *product.Product, events []*meter.UsageEvent) ([]*Result, error) {
	return e.billConcurrently(ctx, events, func(ctx context.Context, ev *meter.UsageEvent) (*Result, error) {
		return e.Bill(ctx, p, ev)
	})
}

// Release deletes the quarantined record of an event so it can be billed
// again once its configuration is fixed.
func (e *Engine) Release(ctx context.Context, eventID string) error {
	rec, err := e.store.GetSettlementByEvent(ctx, eventID)
	if err != nil {
		return err
	}

	unlock := e.locks.Lock(rec.CustomerID)
	defer unlock()

	rec, err = e.store.GetSettlementByEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if !rec.Quarantined() {
		return fmt.Errorf("%w: event %s is %s, not quarantined", ErrInvalidInput, eventID, rec.Status)
	}
	if err := e.store.DeleteSettlement(ctx, rec.ID); err != nil {
		return err
	}

	e.logger.Info("quarantined event released",
		"event_id", eventID,
		"customer_id", rec.CustomerID,
		"reason", rec.Reason,
	)
	return nil
}

// replay returns the stored outcome of an already billed event. Both
// results are nil when the event is new. Callers hold the customer lock.
func (e *Engine) replay(ctx context.Context, ev *meter.UsageEvent) (*Result, error) {
	rec, err := e.store.GetSettlementByEvent(ctx, ev.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up event %s: %w", ev.ID, err)
	}

	if rec.Quarantined() {
		return &Result{Record: rec, Status: rec.Status},
			fmt.Errorf("%w: %s: %s", ErrEventQuarantined, ev.ID, rec.Reason)
	}

	e.logger.Debug("event replayed",
		"event_id", ev.ID,
		"customer_id", ev.CustomerID,
		"status", rec.Status,
	)
	if rec.Status == settlement.StatusCharged {
		attachFee(ev, rec.Fee)
	}
	e.plugins.EmitEventReplayed(ctx, rec)
	return &Result{Record: rec, Status: rec.Status, Replayed: true}, nil
}

// attachFee records fee on the event unless a fee with its ID is there.
func attachFee(ev *meter.UsageEvent, fee *meter.Fee) {
	if fee == nil {
		return
	}
	for _, f := range ev.Fees {
		if f.ID == fee.ID {
			return
		}
	}
	ev.Fees = append(ev.Fees, *fee)
}

// bill runs the pricing and settlement pipeline for a new event. Callers
// hold the customer lock.
func (e *Engine) bill(ctx context.Context, p *product.Product, ev *meter.UsageEvent) (*Result, error) {
	rec := &settlement.Record{
		Entity:      types.NewEntity(),
		ID:          id.NewSettlementID(),
		EventID:     ev.ID,
		EventType:   ev.EventType,
		CustomerID:  ev.CustomerID,
		ProductID:   p.ID,
		ProductCode: p.Code,
		Costs:       ev.Costs,
		OccurredAt:  ev.Timestamp,
	}

	res, fee, err := pricing.Price(p, ev)
	switch {
	case errors.Is(err, ErrNoMatchingPrice):
		return e.skip(ctx, rec, err)
	case err != nil:
		return e.quarantine(ctx, rec, err)
	}

	for _, w := range res.Warnings {
		rec.Warnings = append(rec.Warnings, w)
		e.logger.Warn("product configuration warning",
			"product_code", p.Code,
			"event_id", ev.ID,
			"warning", w,
		)
		e.plugins.EmitConfigurationWarning(ctx, p.Code, w)
	}

	if e.canonicalAsset != "" && fee.Amount.Asset != e.canonicalAsset {
		canonical, err := e.assets.ConvertMoney(ctx, fee.Amount, e.canonicalAsset, ev.Timestamp)
		if err != nil {
			rec.Fee = fee
			return e.quarantine(ctx, rec, err)
		}
		fee.CanonicalAmount = &canonical
	}
	rec.Fee = fee

	split, err := e.ledger.Charge(ctx, ev.CustomerID, fee.Amount, ev.Timestamp)
	if err != nil {
		if IsQuarantinable(err) {
			return e.quarantine(ctx, rec, err)
		}
		return nil, fmt.Errorf("charge event %s: %w", ev.ID, err)
	}

	debited := false
	if e.wallet != nil && split.FromWallet.IsPositive() {
		if err := e.wallet.Debit(ctx, ev.CustomerID, split.FromWallet, ev.ID); err != nil {
			e.compensate(ctx, ev, split, false, err)
			return nil, fmt.Errorf("debit wallet for event %s: %w", ev.ID, err)
		}
		debited = true
	}

	rec.Status = settlement.StatusCharged
	rec.Split = split
	if err := e.store.CreateSettlement(ctx, rec); err != nil {
		e.compensate(ctx, ev, split, debited, err)
		if errors.Is(err, ErrAlreadyExists) {
			// Another writer settled the event first; its record stands.
			if res, rerr := e.replay(ctx, ev); res != nil || rerr != nil {
				return res, rerr
			}
			return nil, fmt.Errorf("%w: %s", ErrDoubleBilling, ev.ID)
		}
		return nil, fmt.Errorf("record settlement for event %s: %w", ev.ID, err)
	}
	attachFee(ev, rec.Fee)

	if debited {
		e.plugins.EmitWalletDebited(ctx, ev.CustomerID, split.FromWallet, ev.ID)
	}
	if len(split.Draws) > 0 {
		e.plugins.EmitEntitlementDrawn(ctx, split)
	}
	e.plugins.EmitEventBilled(ctx, rec)

	e.logger.Debug("event billed",
		"event_id", ev.ID,
		"customer_id", ev.CustomerID,
		"product_code", p.Code,
		"fee", fee.Amount.String(),
		"from_entitlement", split.FromEntitlement.String(),
		"from_wallet", split.FromWallet.String(),
	)
	return &Result{Record: rec, Status: rec.Status}, nil
}

func (e *Engine) skip(ctx context.Context, rec *settlement.Record, cause error) (*Result, error) {
	rec.Status = settlement.StatusSkipped
	rec.Reason = cause.Error()
	if err := e.store.CreateSettlement(ctx, rec); err != nil {
		return nil, fmt.Errorf("record skipped event %s: %w", rec.EventID, err)
	}

	e.logger.Debug("event skipped",
		"event_id", rec.EventID,
		"event_type", rec.EventType,
		"product_code", rec.ProductCode,
	)
	e.plugins.EmitEventSkipped(ctx, rec)
	return &Result{Record: rec, Status: rec.Status}, nil
}

// quarantine records the event as failed so later deliveries are held
// until Release. Errors that are not quarantinable are returned as is.
func (e *Engine) quarantine(ctx context.Context, rec *settlement.Record, cause error) (*Result, error) {
	if !IsQuarantinable(cause) {
		return nil, cause
	}

	rec.Status = settlement.StatusFailed
	rec.Reason = cause.Error()
	if err := e.store.CreateSettlement(ctx, rec); err != nil {
		return nil, errors.Join(cause, fmt.Errorf("record quarantined event %s: %w", rec.EventID, err))
	}

	e.logger.Error("event quarantined",
		"event_id", rec.EventID,
		"customer_id", rec.CustomerID,
		"product_code", rec.ProductCode,
		"error", cause,
	)
	e.plugins.EmitEventQuarantined(ctx, rec, cause)
	return &Result{Record: rec, Status: rec.Status}, cause
}

// compensate undoes a charge whose settlement could not be completed.
func (e *Engine) compensate(ctx context.Context, ev *meter.UsageEvent, split *entitlement.Settlement, debited bool, cause error) {
	if err := e.ledger.Reverse(ctx, split); err != nil {
		e.logger.Error("failed to reverse entitlement draw",
			"event_id", ev.ID,
			"customer_id", ev.CustomerID,
			"error", err,
			"cause", cause,
		)
	}
	if debited {
		if err := e.wallet.Credit(ctx, ev.CustomerID, split.FromWallet, ev.ID); err != nil {
			e.logger.Error("failed to refund wallet debit",
				"event_id", ev.ID,
				"customer_id", ev.CustomerID,
				"amount", split.FromWallet.String(),
				"error", err,
			)
		}
	}

	e.logger.Warn("settlement reversed",
		"event_id", ev.ID,
		"customer_id", ev.CustomerID,
		"cause", cause,
	)
	e.plugins.EmitSettlementReversed(ctx, split, cause)
}

// billConcurrently groups events by customer, bills each group in order and
// runs groups in parallel.
func (e *Engine) billConcurrently(
	ctx context.Context,
	events []*meter.UsageEvent,
	billOne func(context.Context, *meter.UsageEvent) (*Result, error),
) ([]*Result, error) {
	results := make([]*Result, len(events))

	var order []string
	groups := make(map[string][]int)
	for i, ev := range events {
		key := ""
		if ev != nil {
			key = ev.CustomerID
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	var (
		mu   sync.Mutex
		errs MultiError
	)
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(e.batchConcurrency)

	for _, key := range order {
		idx := groups[key]
		group.Go(func() error {
			for _, i := range idx {
				if err := ctx.Err(); err != nil {
					return err
				}
				res, err := billOne(ctx, events[i])
				if err != nil {
					mu.Lock()
					errs.Add(fmt.Errorf("event %d: %w", i, err))
					mu.Unlock()
				}
				// Quarantined events still report their record.
				results[i] = res
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		errs.Add(err)
	}
	if errs.HasErrors() {
		return results, errs
	}
	return results, nil
}

// ──────────────────────────────────────────────────
// Ingestion
// ──────────────────────────────────────────────────

// Ingest queues an event for background billing through BillEvent
// (non-blocking).
func (e *Engine) Ingest(_ context.Context, ev *meter.UsageEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	e.ingestMu.RLock()
	defer e.ingestMu.RUnlock()
	if !e.running.Load() {
		return ErrEngineStopped
	}

	select {
	case e.ingestBuffer <- ev:
		return nil
	default:
		return ErrIngestBufferFull
	}
}

// ingestWorker bills queued events in batches.
func (e *Engine) ingestWorker(ctx context.Context) {
	defer e.wg.Done()

	batch := make([]*meter.UsageEvent, 0, e.ingestBatchSize)
	ticker := time.NewTicker(e.ingestFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			// Drain whatever was queued before Stop.
		drain:
			for {
				select {
				case ev := <-e.ingestBuffer:
					batch = append(batch, ev)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				e.flushIngestBatch(ctx, batch)
			}
			return

		case ev := <-e.ingestBuffer:
			batch = append(batch, ev)
			if len(batch) >= e.ingestBatchSize {
				e.flushIngestBatch(ctx, batch)
				batch = make([]*meter.UsageEvent, 0, e.ingestBatchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				e.flushIngestBatch(ctx, batch)
				batch = make([]*meter.UsageEvent, 0, e.ingestBatchSize)
			}
		}
	}
}

func (e *Engine) flushIngestBatch(ctx context.Context, batch []*meter.UsageEvent) {
	start := time.Now()

	if _, err := e.billConcurrently(ctx, batch, e.BillEvent); err != nil {
		e.logger.Error("failed to bill ingested events",
			"error", err,
			"batch_size", len(batch),
		)
	}

	elapsed := time.Since(start)
	e.plugins.EmitBatchFlushed(ctx, len(batch), elapsed)

	e.logger.Debug("flushed ingest batch",
		"batch_size", len(batch),
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// ──────────────────────────────────────────────────
// Settlements
// ──────────────────────────────────────────────────

// GetSettlement returns the record of a billed event.
func (e *Engine) GetSettlement(ctx context.Context, eventID string) (*settlement.Record, error) {
	return e.store.GetSettlementByEvent(ctx, eventID)
}

// GetSettlementByID returns a settlement record by its own ID.
func (e *Engine) GetSettlementByID(ctx context.Context, settlementID id.SettlementID) (*settlement.Record, error) {
	return e.store.GetSettlement(ctx, settlementID)
}

// ListSettlements lists a customer's settlement records.
func (e *Engine) ListSettlements(ctx context.Context, customerID string, opts settlement.ListOpts) ([]*settlement.Record, error) {
	return e.store.ListSettlements(ctx, customerID, opts)
}

// Summarize totals a customer's charged records per asset.
func (e *Engine) Summarize(ctx context.Context, customerID string, opts settlement.ListOpts) ([]settlement.Summary, error) {
	opts.Status = settlement.StatusCharged
	records, err := e.store.ListSettlements(ctx, customerID, opts)
	if err != nil {
		return nil, err
	}
	return settlement.Summarize(records), nil
}
