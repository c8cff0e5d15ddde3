package asset

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/credyt/billing/id"
	"github.com/credyt/billing/types"
)

// Registry answers "what is X units of asset A worth in asset B at time T".
//
// Assets are cached after first lookup since they never change once
// registered. Rate sequences are cached per pair and dropped when a new rate
// for that pair is added. Each AddRate bumps the pair's generation; a load
// that started under an older generation is not cached.
type Registry struct {
	store  Store
	logger *slog.Logger

	mu     sync.RWMutex
	assets map[string]*Asset
	rates  map[pair][]*ExchangeRate
	gens   map[pair]uint64
	loads  singleflight.Group
}

type loadedRates struct {
	seq     []*ExchangeRate
	current bool
}

type pair struct{ from, to string }

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates a Registry backed by s.
func NewRegistry(s Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:  s,
		logger: slog.Default(),
		assets: make(map[string]*Asset),
		rates:  make(map[pair][]*ExchangeRate),
		gens:   make(map[pair]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterAsset validates and stores a new asset.
func (r *Registry) RegisterAsset(ctx context.Context, a *Asset) error {
	a.Code = types.NormalizeAsset(a.Code)
	if err := a.Validate(); err != nil {
		return err
	}
	a.Entity = types.NewEntity()

	if err := r.store.CreateAsset(ctx, a); err != nil {
		return err
	}

	r.mu.Lock()
	r.assets[a.Code] = a
	r.mu.Unlock()

	r.logger.Debug("asset registered", "code", a.Code, "kind", a.Kind, "scale", a.Scale)
	return nil
}

// GetAsset returns the asset with the given code, or ErrUnknownAsset.
func (r *Registry) GetAsset(ctx context.Context, code string) (*Asset, error) {
	code = types.NormalizeAsset(code)

	r.mu.RLock()
	a, ok := r.assets[code]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}

	a, err := r.store.GetAsset(ctx, code)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.assets[code] = a
	r.mu.Unlock()
	return a, nil
}

// ListAssets returns every registered asset ordered by code.
func (r *Registry) ListAssets(ctx context.Context) ([]*Asset, error) {
	assets, err := r.store.ListAssets(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	for _, a := range assets {
		if _, ok := r.assets[a.Code]; !ok {
			r.assets[a.Code] = a
		}
	}
	r.mu.Unlock()
	return assets, nil
}

// AddRate records a new directed exchange rate. Both assets must be registered.
func (r *Registry) AddRate(ctx context.Context, rate *ExchangeRate) error {
	rate.From = types.NormalizeAsset(rate.From)
	rate.To = types.NormalizeAsset(rate.To)

	if rate.From == rate.To {
		return fmt.Errorf("%w: %s to itself", ErrInvalidRate, rate.From)
	}
	if !rate.Rate.IsPositive() {
		return fmt.Errorf("%w: rate must be positive", ErrInvalidRate)
	}
	if rate.EffectiveAt.IsZero() {
		return fmt.Errorf("%w: effective_at is required", ErrInvalidRate)
	}
	if _, err := r.GetAsset(ctx, rate.From); err != nil {
		return err
	}
	if _, err := r.GetAsset(ctx, rate.To); err != nil {
		return err
	}

	if rate.ID.IsNil() {
		rate.ID = id.NewRateID()
	}
	rate.Entity = types.NewEntity()

	if err := r.store.CreateRate(ctx, rate); err != nil {
		return err
	}

	p := pair{rate.From, rate.To}
	r.mu.Lock()
	r.gens[p]++
	delete(r.rates, p)
	r.mu.Unlock()

	r.logger.Debug("exchange rate added",
		"from", rate.From,
		"to", rate.To,
		"rate", rate.Rate.String(),
		"effective_at", rate.EffectiveAt,
	)
	return nil
}

// RateAt returns the rate for from->to in effect at the given time.
// Only direct rates are honored; no path through a third asset is tried.
func (r *Registry) RateAt(ctx context.Context, from, to string, at time.Time) (*ExchangeRate, error) {
	from = types.NormalizeAsset(from)
	to = types.NormalizeAsset(to)

	seq, current, err := r.sequence(ctx, pair{from, to})
	if err != nil {
		return nil, err
	}
	if !current {
		// A rate was added while the sequence loaded; ask the store directly.
		return r.store.GetRateAt(ctx, from, to, at)
	}

	// Index of the first rate effective strictly after at.
	i := sort.Search(len(seq), func(i int) bool { return seq[i].EffectiveAt.After(at) })
	if i == 0 {
		return nil, fmt.Errorf("%w: %s->%s at %s", ErrNoRateAvailable, from, to, at.Format(time.RFC3339))
	}
	return seq[i-1], nil
}

// sequence returns the rates for p ordered by EffectiveAt ascending.
// current is false when AddRate ran for p during the load.
func (r *Registry) sequence(ctx context.Context, p pair) (seq []*ExchangeRate, current bool, err error) {
	r.mu.RLock()
	seq, ok := r.rates[p]
	gen := r.gens[p]
	r.mu.RUnlock()
	if ok {
		return seq, true, nil
	}

	key := fmt.Sprintf("%s->%s#%d", p.from, p.to, gen)
	v, err, _ := r.loads.Do(key, func() (any, error) {
		seq, err := r.store.ListRates(ctx, p.from, p.to)
		if err != nil {
			return nil, fmt.Errorf("list rates %s->%s: %w", p.from, p.to, err)
		}
		sort.SliceStable(seq, func(i, j int) bool { return seq[i].EffectiveAt.Before(seq[j].EffectiveAt) })

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.gens[p] != gen {
			return loadedRates{seq: seq}, nil
		}
		r.rates[p] = seq
		return loadedRates{seq: seq, current: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	loaded := v.(loadedRates)
	return loaded.seq, loaded.current, nil
}

// Convert expresses amount of from in units of to at the given time.
// Same-asset conversion returns amount unchanged. Otherwise the result is
// rounded once to the destination asset's scale, half-to-even.
func (r *Registry) Convert(ctx context.Context, amount decimal.Decimal, from, to string, at time.Time) (decimal.Decimal, error) {
	from = types.NormalizeAsset(from)
	to = types.NormalizeAsset(to)
	if from == to {
		return amount, nil
	}

	if _, err := r.GetAsset(ctx, from); err != nil {
		return decimal.Zero, err
	}
	dst, err := r.GetAsset(ctx, to)
	if err != nil {
		return decimal.Zero, err
	}

	rate, err := r.RateAt(ctx, from, to, at)
	if err != nil {
		return decimal.Zero, err
	}
	return dst.Round(amount.Mul(rate.Rate)), nil
}

// ConvertMoney is Convert for a Money value.
func (r *Registry) ConvertMoney(ctx context.Context, m types.Money, to string, at time.Time) (types.Money, error) {
	amount, err := r.Convert(ctx, m.Amount, m.Asset, to, at)
	if err != nil {
		return types.Money{}, err
	}
	return types.New(amount, to), nil
}
