// Package memory is an in-process store.Store. Records are copied on the way
// in and out, so callers never share state with the store.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/credyt/billing"
	"github.com/credyt/billing/asset"
	"github.com/credyt/billing/entitlement"
	"github.com/credyt/billing/id"
	"github.com/credyt/billing/product"
	"github.com/credyt/billing/settlement"
	"github.com/credyt/billing/store"
	"github.com/credyt/billing/subscription"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	assets map[string]*asset.Asset
	rates  map[string][]*asset.ExchangeRate

	products       map[string]*product.Product
	productsByCode map[string]string

	grants map[string]*entitlement.CreditGrant

	settlements map[string]*settlement.Record
	byEvent     map[string]string

	subscriptions map[string]*subscription.Subscription
}

func New() *Store {
	return &Store{
		assets:         make(map[string]*asset.Asset),
		rates:          make(map[string][]*asset.ExchangeRate),
		products:       make(map[string]*product.Product),
		productsByCode: make(map[string]string),
		grants:         make(map[string]*entitlement.CreditGrant),
		settlements:    make(map[string]*settlement.Record),
		byEvent:        make(map[string]string),
		subscriptions:  make(map[string]*subscription.Subscription),
	}
}

// Core methods

func (s *Store) Migrate(_ context.Context) error { return nil }
func (s *Store) Ping(_ context.Context) error    { return nil }
func (s *Store) Close() error                    { return nil }

// ──────────────────────────────────────────────────
// Asset Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateAsset(_ context.Context, a *asset.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.assets[a.Code]; exists {
		return fmt.Errorf("%w: asset %s", billing.ErrAlreadyExists, a.Code)
	}
	c := *a
	s.assets[a.Code] = &c
	return nil
}

func (s *Store) GetAsset(_ context.Context, code string) (*asset.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assets[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", asset.ErrUnknownAsset, code)
	}
	c := *a
	return &c, nil
}

func (s *Store) ListAssets(_ context.Context) ([]*asset.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*asset.Asset, 0, len(s.assets))
	for _, code := range slices.Sorted(maps.Keys(s.assets)) {
		c := *s.assets[code]
		result = append(result, &c)
	}
	return result, nil
}

func pairKey(from, to string) string { return from + "->" + to }

func (s *Store) CreateRate(_ context.Context, r *asset.ExchangeRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := pairKey(r.From, r.To)
	c := *r
	seq := append(s.rates[k], &c)
	slices.SortStableFunc(seq, func(a, b *asset.ExchangeRate) int {
		return a.EffectiveAt.Compare(b.EffectiveAt)
	})
	s.rates[k] = seq
	return nil
}

func (s *Store) GetRateAt(_ context.Context, from, to string, at time.Time) (*asset.ExchangeRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.rates[pairKey(from, to)]
	for i := len(seq) - 1; i >= 0; i-- {
		if !seq[i].EffectiveAt.After(at) {
			c := *seq[i]
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s->%s at %s", asset.ErrNoRateAvailable, from, to, at.Format(time.RFC3339))
}

func (s *Store) ListRates(_ context.Context, from, to string) ([]*asset.ExchangeRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.rates[pairKey(from, to)]
	result := make([]*asset.ExchangeRate, 0, len(seq))
	for _, r := range seq {
		c := *r
		result = append(result, &c)
	}
	return result, nil
}

// ──────────────────────────────────────────────────
// Product Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateProduct(_ context.Context, p *product.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[p.ID.String()]; exists {
		return fmt.Errorf("%w: product %s", billing.ErrAlreadyExists, p.ID)
	}
	if _, exists := s.productsByCode[p.Code]; exists {
		return fmt.Errorf("%w: product code %q", billing.ErrAlreadyExists, p.Code)
	}
	s.products[p.ID.String()] = cloneProduct(p)
	s.productsByCode[p.Code] = p.ID.String()
	return nil
}

func (s *Store) GetProduct(_ context.Context, productID id.ProductID) (*product.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.products[productID.String()]; ok {
		return cloneProduct(p), nil
	}
	return nil, fmt.Errorf("%w: product %s", billing.ErrNotFound, productID)
}

func (s *Store) GetProductByCode(_ context.Context, code string) (*product.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if key, ok := s.productsByCode[code]; ok {
		return cloneProduct(s.products[key]), nil
	}
	return nil, fmt.Errorf("%w: product code %q", billing.ErrNotFound, code)
}

func (s *Store) ListProducts(_ context.Context, opts product.ListOpts) ([]*product.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*product.Product, 0)
	for _, p := range s.products {
		if opts.Status == "" || p.Status == opts.Status {
			result = append(result, p)
		}
	}
	slices.SortFunc(result, func(a, b *product.Product) int {
		return cmp.Compare(a.Code, b.Code)
	})

	result = paginate(result, opts.Offset, opts.Limit)
	for i, p := range result {
		result[i] = cloneProduct(p)
	}
	return result, nil
}

func (s *Store) UpdateProduct(_ context.Context, p *product.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[p.ID.String()]
	if !ok {
		return fmt.Errorf("%w: product %s", billing.ErrNotFound, p.ID)
	}
	if existing.Code != p.Code {
		return fmt.Errorf("%w: %q -> %q", product.ErrImmutableCode, existing.Code, p.Code)
	}
	s.products[p.ID.String()] = cloneProduct(p)
	return nil
}

// ──────────────────────────────────────────────────
// Entitlement Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateGrant(_ context.Context, g *entitlement.CreditGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grants[g.ID.String()]; exists {
		return fmt.Errorf("%w: grant %s", billing.ErrAlreadyExists, g.ID)
	}
	s.grants[g.ID.String()] = g.Clone()
	return nil
}

func (s *Store) GetGrant(_ context.Context, grantID id.GrantID) (*entitlement.CreditGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if g, ok := s.grants[grantID.String()]; ok {
		return g.Clone(), nil
	}
	return nil, fmt.Errorf("%w: grant %s", billing.ErrNotFound, grantID)
}

func (s *Store) ListGrants(_ context.Context, customerID string, opts entitlement.ListOpts) ([]*entitlement.CreditGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*entitlement.CreditGrant, 0)
	for _, g := range s.grants {
		if g.CustomerID != customerID {
			continue
		}
		if opts.AssetCode != "" && g.AssetCode != opts.AssetCode {
			continue
		}
		if !opts.SubscriptionID.IsNil() && g.SubscriptionID.String() != opts.SubscriptionID.String() {
			continue
		}
		if !opts.ActiveAt.IsZero() && !g.ActiveAt(opts.ActiveAt) {
			continue
		}
		result = append(result, g.Clone())
	}
	slices.SortFunc(result, func(a, b *entitlement.CreditGrant) int {
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	return result, nil
}

func (s *Store) UpdateGrants(_ context.Context, grants []*entitlement.CreditGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range grants {
		if _, ok := s.grants[g.ID.String()]; !ok {
			return fmt.Errorf("%w: grant %s", billing.ErrNotFound, g.ID)
		}
	}
	for _, g := range grants {
		s.grants[g.ID.String()] = g.Clone()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Settlement Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateSettlement(_ context.Context, r *settlement.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byEvent[r.EventID]; exists {
		return fmt.Errorf("%w: settlement for event %s", billing.ErrAlreadyExists, r.EventID)
	}
	s.settlements[r.ID.String()] = cloneRecord(r)
	s.byEvent[r.EventID] = r.ID.String()
	return nil
}

func (s *Store) GetSettlement(_ context.Context, settlementID id.SettlementID) (*settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.settlements[settlementID.String()]; ok {
		return cloneRecord(r), nil
	}
	return nil, fmt.Errorf("%w: settlement %s", billing.ErrNotFound, settlementID)
}

func (s *Store) GetSettlementByEvent(_ context.Context, eventID string) (*settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if key, ok := s.byEvent[eventID]; ok {
		return cloneRecord(s.settlements[key]), nil
	}
	return nil, fmt.Errorf("%w: settlement for event %s", billing.ErrNotFound, eventID)
}

func (s *Store) ListSettlements(_ context.Context, customerID string, opts settlement.ListOpts) ([]*settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*settlement.Record, 0)
	for _, r := range s.settlements {
		if r.CustomerID != customerID {
			continue
		}
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		if !opts.Start.IsZero() && r.OccurredAt.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && !r.OccurredAt.Before(opts.End) {
			continue
		}
		result = append(result, r)
	}
	slices.SortFunc(result, func(a, b *settlement.Record) int {
		if c := a.OccurredAt.Compare(b.OccurredAt); c != 0 {
			return c
		}
		return cmp.Compare(a.EventID, b.EventID)
	})

	result = paginate(result, opts.Offset, opts.Limit)
	for i, r := range result {
		result[i] = cloneRecord(r)
	}
	return result, nil
}

func (s *Store) DeleteSettlement(_ context.Context, settlementID id.SettlementID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.settlements[settlementID.String()]
	if !ok {
		return fmt.Errorf("%w: settlement %s", billing.ErrNotFound, settlementID)
	}
	delete(s.byEvent, r.EventID)
	delete(s.settlements, settlementID.String())
	return nil
}

// ──────────────────────────────────────────────────
// Subscription Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID.String()]; exists {
		return fmt.Errorf("%w: subscription %s", billing.ErrAlreadyExists, sub.ID)
	}
	s.subscriptions[sub.ID.String()] = cloneSubscription(sub)
	return nil
}

func (s *Store) GetSubscription(_ context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.subscriptions[subID.String()]; ok {
		return cloneSubscription(sub), nil
	}
	return nil, fmt.Errorf("%w: subscription %s", billing.ErrNotFound, subID)
}

func (s *Store) ListSubscriptions(_ context.Context, customerID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscription.Subscription, 0)
	for _, sub := range s.subscriptions {
		if sub.CustomerID == customerID && (opts.Status == "" || sub.Status == opts.Status) {
			result = append(result, sub)
		}
	}
	slices.SortFunc(result, func(a, b *subscription.Subscription) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})

	result = paginate(result, opts.Offset, opts.Limit)
	for i, sub := range result {
		result[i] = cloneSubscription(sub)
	}
	return result, nil
}

func (s *Store) UpdateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID.String()]; !exists {
		return fmt.Errorf("%w: subscription %s", billing.ErrNotFound, sub.ID)
	}
	s.subscriptions[sub.ID.String()] = cloneSubscription(sub)
	return nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func paginate[T any](items []T, offset, limit int) []T {
	start := min(max(offset, 0), len(items))
	end := len(items)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return items[start:end]
}

func cloneProduct(p *product.Product) *product.Product {
	c := *p
	c.Prices = clonePrices(p.Prices)
	c.Metadata = maps.Clone(p.Metadata)
	if p.Revisions != nil {
		c.Revisions = make([]product.Revision, len(p.Revisions))
		for i, r := range p.Revisions {
			r.Prices = clonePrices(r.Prices)
			c.Revisions[i] = r
		}
	}
	return &c
}

func clonePrices(prices []product.Price) []product.Price {
	if prices == nil {
		return nil
	}
	out := make([]product.Price, len(prices))
	for i, pr := range prices {
		pr.Dimensions = slices.Clone(pr.Dimensions)
		pr.Entitlements = slices.Clone(pr.Entitlements)
		if pr.Tiers != nil {
			tiers := make([]product.PriceTier, len(pr.Tiers))
			for j, t := range pr.Tiers {
				t.Dimensions = maps.Clone(t.Dimensions)
				tiers[j] = t
			}
			pr.Tiers = tiers
		}
		out[i] = pr
	}
	return out
}

func cloneRecord(r *settlement.Record) *settlement.Record {
	c := *r
	c.Costs = slices.Clone(r.Costs)
	c.Warnings = slices.Clone(r.Warnings)
	if r.Fee != nil {
		fee := *r.Fee
		fee.Dimensions = maps.Clone(r.Fee.Dimensions)
		c.Fee = &fee
	}
	if r.Split != nil {
		split := *r.Split
		split.Draws = slices.Clone(r.Split.Draws)
		c.Split = &split
	}
	return &c
}

func cloneSubscription(sub *subscription.Subscription) *subscription.Subscription {
	c := *sub
	c.Metadata = maps.Clone(sub.Metadata)
	if sub.CanceledAt != nil {
		t := *sub.CanceledAt
		c.CanceledAt = &t
	}
	return &c
}
