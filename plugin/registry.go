package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/credyt/billing/entitlement"
	"github.com/credyt/billing/product"
	"github.com/credyt/billing/settlement"
	"github.com/credyt/billing/subscription"
	"github.com/credyt/billing/types"
)

// hookTimeout bounds a single hook call when the caller's context has no
// earlier deadline.
const hookTimeout = 5 * time.Second

// Registry manages registered plugins. Hook implementations are discovered
// once at registration and cached per hook, so dispatch never type-asserts.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger

	onInit                 []OnInit
	onShutdown             []OnShutdown
	onProductCreated       []OnProductCreated
	onProductUpdated       []OnProductUpdated
	onProductActivated     []OnProductActivated
	onProductArchived      []OnProductArchived
	onSubscriptionCreated  []OnSubscriptionCreated
	onSubscriptionCanceled []OnSubscriptionCanceled
	onEventBilled          []OnEventBilled
	onEventSkipped         []OnEventSkipped
	onEventQuarantined     []OnEventQuarantined
	onEventReplayed        []OnEventReplayed
	onConfigurationWarning []OnConfigurationWarning
	onBatchFlushed         []OnBatchFlushed
	onEntitlementDrawn     []OnEntitlementDrawn
	onGrantCreated         []OnGrantCreated
	onGrantRefreshed       []OnGrantRefreshed
	onSettlementReversed   []OnSettlementReversed
	onWalletDebited        []OnWalletDebited
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{logger: slog.Default()}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// Register adds a plugin to the registry and caches its hooks.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnProductCreated); ok {
		r.onProductCreated = append(r.onProductCreated, v)
	}
	if v, ok := p.(OnProductUpdated); ok {
		r.onProductUpdated = append(r.onProductUpdated, v)
	}
	if v, ok := p.(OnProductActivated); ok {
		r.onProductActivated = append(r.onProductActivated, v)
	}
	if v, ok := p.(OnProductArchived); ok {
		r.onProductArchived = append(r.onProductArchived, v)
	}
	if v, ok := p.(OnSubscriptionCreated); ok {
		r.onSubscriptionCreated = append(r.onSubscriptionCreated, v)
	}
	if v, ok := p.(OnSubscriptionCanceled); ok {
		r.onSubscriptionCanceled = append(r.onSubscriptionCanceled, v)
	}
	if v, ok := p.(OnEventBilled); ok {
		r.onEventBilled = append(r.onEventBilled, v)
	}
	if v, ok := p.(OnEventSkipped); ok {
		r.onEventSkipped = append(r.onEventSkipped, v)
	}
	if v, ok := p.(OnEventQuarantined); ok {
		r.onEventQuarantined = append(r.onEventQuarantined, v)
	}
	if v, ok := p.(OnEventReplayed); ok {
		r.onEventReplayed = append(r.onEventReplayed, v)
	}
	if v, ok := p.(OnConfigurationWarning); ok {
		r.onConfigurationWarning = append(r.onConfigurationWarning, v)
	}
	if v, ok := p.(OnBatchFlushed); ok {
		r.onBatchFlushed = append(r.onBatchFlushed, v)
	}
	if v, ok := p.(OnEntitlementDrawn); ok {
		r.onEntitlementDrawn = append(r.onEntitlementDrawn, v)
	}
	if v, ok := p.(OnGrantCreated); ok {
		r.onGrantCreated = append(r.onGrantCreated, v)
	}
	if v, ok := p.(OnGrantRefreshed); ok {
		r.onGrantRefreshed = append(r.onGrantRefreshed, v)
	}
	if v, ok := p.(OnSettlementReversed); ok {
		r.onSettlementReversed = append(r.onSettlementReversed, v)
	}
	if v, ok := p.(OnWalletDebited); ok {
		r.onWalletDebited = append(r.onWalletDebited, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"hooks", implementedHooks(p),
	)

	return nil
}

var hookTypes = []struct {
	name string
	typ  reflect.Type
}{
	{"OnInit", reflect.TypeFor[OnInit]()},
	{"OnShutdown", reflect.TypeFor[OnShutdown]()},
	{"OnProductCreated", reflect.TypeFor[OnProductCreated]()},
	{"OnProductUpdated", reflect.TypeFor[OnProductUpdated]()},
	{"OnProductActivated", reflect.TypeFor[OnProductActivated]()},
	{"OnProductArchived", reflect.TypeFor[OnProductArchived]()},
	{"OnSubscriptionCreated", reflect.TypeFor[OnSubscriptionCreated]()},
	{"OnSubscriptionCanceled", reflect.TypeFor[OnSubscriptionCanceled]()},
	{"OnEventBilled", reflect.TypeFor[OnEventBilled]()},
	{"OnEventSkipped", reflect.TypeFor[OnEventSkipped]()},
	{"OnEventQuarantined", reflect.TypeFor[OnEventQuarantined]()},
	{"OnEventReplayed", reflect.TypeFor[OnEventReplayed]()},
	{"OnConfigurationWarning", reflect.TypeFor[OnConfigurationWarning]()},
	{"OnBatchFlushed", reflect.TypeFor[OnBatchFlushed]()},
	{"OnEntitlementDrawn", reflect.TypeFor[OnEntitlementDrawn]()},
	{"OnGrantCreated", reflect.TypeFor[OnGrantCreated]()},
	{"OnGrantRefreshed", reflect.TypeFor[OnGrantRefreshed]()},
	{"OnSettlementReversed", reflect.TypeFor[OnSettlementReversed]()},
	{"OnWalletDebited", reflect.TypeFor[OnWalletDebited]()},
}

// implementedHooks lists the hook interfaces p implements, for logging.
func implementedHooks(p Plugin) []string {
	var names []string
	t := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if t.Implements(h.typ) {
			names = append(names, h.name)
		}
	}
	return names
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission
// ──────────────────────────────────────────────────

// emit calls fn for every cached hook. Hook errors are logged and never
// propagate to the billing path.
func emit[T Plugin](ctx context.Context, r *Registry, hook string, cached *[]T, fn func(T) error) {
	r.mu.RLock()
	hooks := *cached
	r.mu.RUnlock()

	for _, p := range hooks {
		if err := r.callWithTimeout(ctx, func() error { return fn(p) }); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

func (r *Registry) EmitInit(ctx context.Context, engine any) {
	emit(ctx, r, "OnInit", &r.onInit, func(p OnInit) error {
		return p.OnInit(ctx, engine)
	})
}

func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, "OnShutdown", &r.onShutdown, func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

func (r *Registry) EmitProductCreated(ctx context.Context, prod *product.Product) {
	emit(ctx, r, "OnProductCreated", &r.onProductCreated, func(p OnProductCreated) error {
		return p.OnProductCreated(ctx, prod)
	})
}

func (r *Registry) EmitProductUpdated(ctx context.Context, prod *product.Product) {
	emit(ctx, r, "OnProductUpdated", &r.onProductUpdated, func(p OnProductUpdated) error {
		return p.OnProductUpdated(ctx, prod)
	})
}

func (r *Registry) EmitProductActivated(ctx context.Context, prod *product.Product) {
	emit(ctx, r, "OnProductActivated", &r.onProductActivated, func(p OnProductActivated) error {
		return p.OnProductActivated(ctx, prod)
	})
}

func (r *Registry) EmitProductArchived(ctx context.Context, prod *product.Product) {
	emit(ctx, r, "OnProductArchived", &r.onProductArchived, func(p OnProductArchived) error {
		return p.OnProductArchived(ctx, prod)
	})
}

func (r *Registry) EmitSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) {
	emit(ctx, r, "OnSubscriptionCreated", &r.onSubscriptionCreated, func(p OnSubscriptionCreated) error {
		return p.OnSubscriptionCreated(ctx, sub)
	})
}

func (r *Registry) EmitSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription) {
	emit(ctx, r, "OnSubscriptionCanceled", &r.onSubscriptionCanceled, func(p OnSubscriptionCanceled) error {
		return p.OnSubscriptionCanceled(ctx, sub)
	})
}

func (r *Registry) EmitEventBilled(ctx context.Context, rec *settlement.Record) {
	emit(ctx, r, "OnEventBilled", &r.onEventBilled, func(p OnEventBilled) error {
		return p.OnEventBilled(ctx, rec)
	})
}

func (r *Registry) EmitEventSkipped(ctx context.Context, rec *settlement.Record) {
	emit(ctx, r, "OnEventSkipped", &r.onEventSkipped, func(p OnEventSkipped) error {
		return p.OnEventSkipped(ctx, rec)
	})
}

func (r *Registry) EmitEventQuarantined(ctx context.Context, rec *settlement.Record, cause error) {
	emit(ctx, r, "OnEventQuarantined", &r.onEventQuarantined, func(p OnEventQuarantined) error {
		return p.OnEventQuarantined(ctx, rec, cause)
	})
}

func (r *Registry) EmitEventReplayed(ctx context.Context, rec *settlement.Record) {
	emit(ctx, r, "OnEventReplayed", &r.onEventReplayed, func(p OnEventReplayed) error {
		return p.OnEventReplayed(ctx, rec)
	})
}

func (r *Registry) EmitConfigurationWarning(ctx context.Context, productCode, warning string) {
	emit(ctx, r, "OnConfigurationWarning", &r.onConfigurationWarning, func(p OnConfigurationWarning) error {
		return p.OnConfigurationWarning(ctx, productCode, warning)
	})
}

func (r *Registry) EmitBatchFlushed(ctx context.Context, count int, elapsed time.Duration) {
	emit(ctx, r, "OnBatchFlushed", &r.onBatchFlushed, func(p OnBatchFlushed) error {
		return p.OnBatchFlushed(ctx, count, elapsed)
	})
}

func (r *Registry) EmitEntitlementDrawn(ctx context.Context, split *entitlement.Settlement) {
	emit(ctx, r, "OnEntitlementDrawn", &r.onEntitlementDrawn, func(p OnEntitlementDrawn) error {
		return p.OnEntitlementDrawn(ctx, split)
	})
}

func (r *Registry) EmitGrantCreated(ctx context.Context, g *entitlement.CreditGrant) {
	emit(ctx, r, "OnGrantCreated", &r.onGrantCreated, func(p OnGrantCreated) error {
		return p.OnGrantCreated(ctx, g)
	})
}

func (r *Registry) EmitGrantRefreshed(ctx context.Context, customerID string, res *entitlement.RefreshResult) {
	emit(ctx, r, "OnGrantRefreshed", &r.onGrantRefreshed, func(p OnGrantRefreshed) error {
		return p.OnGrantRefreshed(ctx, customerID, res)
	})
}

func (r *Registry) EmitSettlementReversed(ctx context.Context, split *entitlement.Settlement, cause error) {
	emit(ctx, r, "OnSettlementReversed", &r.onSettlementReversed, func(p OnSettlementReversed) error {
		return p.OnSettlementReversed(ctx, split, cause)
	})
}

func (r *Registry) EmitWalletDebited(ctx context.Context, customerID string, amount types.Money, eventID string) {
	emit(ctx, r, "OnWalletDebited", &r.onWalletDebited, func(p OnWalletDebited) error {
		return p.OnWalletDebited(ctx, customerID, amount, eventID)
	})
}

// callWithTimeout runs fn with a timeout.
func (r *Registry) callWithTimeout(ctx context.Context, fn func() error) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, hookTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("plugin: hook timed out: %w", ctx.Err())
	}
}
