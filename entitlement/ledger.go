package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/credyt/billing/asset"
	"github.com/credyt/billing/id"
	"github.com/credyt/billing/internal/keylock"
	"github.com/credyt/billing/product"
	"github.com/credyt/billing/types"
)

// coverPrecision bounds the decimal places kept when pro-rating a partial
// cross-asset draw back into the charge's asset.
const coverPrecision = asset.MaxScale

// Converter converts amounts between assets at a point in time.
// *asset.Registry satisfies it.
type Converter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string, at time.Time) (decimal.Decimal, error)
}

// Ledger is the only writer of grant balances. Every mutation of a
// customer's grants happens while holding that customer's lock.
type Ledger struct {
	store  Store
	rates  Converter
	locks  *keylock.Locker
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithConverter enables drawing a charge from grants held in other assets.
func WithConverter(c Converter) Option {
	return func(l *Ledger) { l.rates = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger creates a Ledger backed by s.
func NewLedger(s Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  s,
		locks:  keylock.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// GrantOption adjusts a single Grant call.
type GrantOption func(*grantConfig)

type grantConfig struct {
	remaining *decimal.Decimal
}

// WithRemaining sets the opening balance of the grant, zero included.
// Without it a zero Remaining opens at Amount.
func WithRemaining(r decimal.Decimal) GrantOption {
	return func(c *grantConfig) { c.remaining = &r }
}

// Grant creates a credit grant. Remaining defaults to Amount.
func (l *Ledger) Grant(ctx context.Context, g *CreditGrant, opts ...GrantOption) error {
	var cfg grantConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	g.AssetCode = types.NormalizeAsset(g.AssetCode)
	if g.RefreshStrategy == "" {
		g.RefreshStrategy = product.RefreshNone
	}
	if g.Purpose == "" {
		g.Purpose = product.PurposePaid
	}
	switch {
	case cfg.remaining != nil:
		g.Remaining = *cfg.remaining
	case g.Remaining.IsZero():
		g.Remaining = g.Amount
	}
	if err := g.validate(); err != nil {
		return err
	}
	if g.ID.IsNil() {
		g.ID = id.NewGrantID()
	}
	g.Entity = types.NewEntity()

	unlock := l.locks.Lock(g.CustomerID)
	defer unlock()

	if err := l.store.CreateGrant(ctx, g); err != nil {
		return err
	}

	l.logger.Debug("credit grant created",
		"grant_id", g.ID.String(),
		"customer_id", g.CustomerID,
		"asset", g.AssetCode,
		"amount", g.Amount.String(),
	)
	return nil
}

// Balance sums the remaining balance of the customer's grants in asset that
// are active at the given time.
func (l *Ledger) Balance(ctx context.Context, customerID, assetCode string, at time.Time) (types.Money, error) {
	assetCode = types.NormalizeAsset(assetCode)
	grants, err := l.store.ListGrants(ctx, customerID, ListOpts{AssetCode: assetCode, ActiveAt: at})
	if err != nil {
		return types.Money{}, err
	}

	total := types.Zero(assetCode)
	for _, g := range grants {
		if g.ActiveAt(at) {
			total = total.Add(types.New(g.Remaining, assetCode))
		}
	}
	return total, nil
}

// Charge draws amount from the customer's active grants, soonest-expiring
// first. Grants in the charge's asset are used before grants in other
// assets. Whatever the grants cannot cover is returned as FromWallet.
// Insufficient entitlement is not an error.
func (l *Ledger) Charge(ctx context.Context, customerID string, amount types.Money, at time.Time) (*Settlement, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	s := &Settlement{
		CustomerID:      customerID,
		Amount:          amount,
		FromEntitlement: types.Zero(amount.Asset),
		FromWallet:      amount,
		At:              at,
	}
	if amount.IsZero() {
		return s, nil
	}

	unlock := l.locks.Lock(customerID)
	defer unlock()

	grants, err := l.store.ListGrants(ctx, customerID, ListOpts{ActiveAt: at})
	if err != nil {
		return nil, err
	}
	grants = drawable(grants, at)

	var same, other []*CreditGrant
	for _, g := range grants {
		if g.AssetCode == amount.Asset {
			same = append(same, g)
		} else {
			other = append(other, g)
		}
	}

	shortfall := amount.Amount
	var touched []*CreditGrant

	for _, g := range same {
		if !shortfall.IsPositive() {
			break
		}
		take := decimal.Min(g.Remaining, shortfall)
		g.Remaining = g.Remaining.Sub(take)
		shortfall = shortfall.Sub(take)
		s.Draws = append(s.Draws, Draw{GrantID: g.ID, AssetCode: g.AssetCode, Amount: take, Covered: take})
		touched = append(touched, g)
	}

	if l.rates != nil {
		for _, g := range other {
			if !shortfall.IsPositive() {
				break
			}
			d, err := l.drawConverted(ctx, g, amount.Asset, shortfall, at)
			if err != nil {
				return nil, err
			}
			if d == nil {
				continue
			}
			shortfall = shortfall.Sub(d.Covered)
			s.Draws = append(s.Draws, *d)
			touched = append(touched, g)
		}
	}

	if len(touched) > 0 {
		now := time.Now().UTC()
		for _, g := range touched {
			g.UpdatedAt = now
		}
		if err := l.store.UpdateGrants(ctx, touched); err != nil {
			return nil, fmt.Errorf("persist drawdown for %s: %w", customerID, err)
		}
	}

	covered := decimal.Zero
	for _, d := range s.Draws {
		covered = covered.Add(d.Covered)
	}
	s.FromEntitlement = types.New(covered, amount.Asset)
	s.FromWallet = amount.Subtract(s.FromEntitlement)

	l.logger.Debug("charge settled",
		"customer_id", customerID,
		"amount", amount.String(),
		"from_entitlement", s.FromEntitlement.String(),
		"from_wallet", s.FromWallet.String(),
		"draws", len(s.Draws),
	)
	return s, nil
}

// drawConverted draws up to shortfall (in chargeAsset) from a grant held in
// another asset. It returns nil when the grant cannot contribute.
func (l *Ledger) drawConverted(ctx context.Context, g *CreditGrant, chargeAsset string, shortfall decimal.Decimal, at time.Time) (*Draw, error) {
	need, err := l.rates.Convert(ctx, shortfall, chargeAsset, g.AssetCode, at)
	if errors.Is(err, asset.ErrNoRateAvailable) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("convert %s->%s: %w", chargeAsset, g.AssetCode, err)
	}
	if !need.IsPositive() {
		return nil, nil
	}

	d := &Draw{GrantID: g.ID, AssetCode: g.AssetCode}
	if g.Remaining.GreaterThanOrEqual(need) {
		d.Amount = need
		d.Covered = shortfall
	} else {
		d.Amount = g.Remaining
		d.Covered = shortfall.Mul(g.Remaining).DivRound(need, coverPrecision)
	}
	g.Remaining = g.Remaining.Sub(d.Amount)
	return d, nil
}

// Reverse restores every draw of a settlement. Use it to compensate when a
// later step of billing fails.
func (l *Ledger) Reverse(ctx context.Context, s *Settlement) error {
	if s == nil || len(s.Draws) == 0 {
		return nil
	}

	unlock := l.locks.Lock(s.CustomerID)
	defer unlock()

	grants := make([]*CreditGrant, 0, len(s.Draws))
	byID := make(map[id.GrantID]*CreditGrant, len(s.Draws))
	now := time.Now().UTC()
	for _, d := range s.Draws {
		g, ok := byID[d.GrantID]
		if !ok {
			var err error
			g, err = l.store.GetGrant(ctx, d.GrantID)
			if err != nil {
				return fmt.Errorf("reverse draw on %s: %w", d.GrantID, err)
			}
			byID[d.GrantID] = g
			grants = append(grants, g)
		}
		g.Remaining = g.Remaining.Add(d.Amount)
		g.UpdatedAt = now
	}

	if err := l.store.UpdateGrants(ctx, grants); err != nil {
		return fmt.Errorf("persist reversal for %s: %w", s.CustomerID, err)
	}

	l.logger.Warn("settlement reversed",
		"customer_id", s.CustomerID,
		"amount", s.Amount.String(),
		"draws", len(s.Draws),
	)
	return nil
}

// Refresh applies the grant's refresh strategy for every schedule boundary
// crossed since it was last refreshed. Boundaries are anchored at the
// grant's EffectiveAt.
func (l *Ledger) Refresh(ctx context.Context, grantID id.GrantID, schedule product.Interval, at time.Time) (*RefreshResult, error) {
	g, err := l.store.GetGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(g.CustomerID)
	defer unlock()

	// Re-read under the lock.
	g, err = l.store.GetGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}

	res := refresh(g, schedule, at)
	if res.Changed() {
		if err := l.store.UpdateGrants(ctx, []*CreditGrant{g}); err != nil {
			return nil, fmt.Errorf("persist refresh of %s: %w", grantID, err)
		}
		l.logger.Debug("credit grant refreshed",
			"grant_id", grantID.String(),
			"strategy", res.Strategy,
			"periods", res.Periods,
			"remaining", res.After.String(),
		)
	}
	return res, nil
}

// RefreshDue refreshes every grant of the customer on its own schedule and
// returns the grants that changed.
func (l *Ledger) RefreshDue(ctx context.Context, customerID string, at time.Time) ([]*RefreshResult, error) {
	unlock := l.locks.Lock(customerID)
	defer unlock()

	grants, err := l.store.ListGrants(ctx, customerID, ListOpts{})
	if err != nil {
		return nil, err
	}

	var (
		results []*RefreshResult
		changed []*CreditGrant
	)
	for _, g := range grants {
		if g.RefreshStrategy == product.RefreshNone || g.RefreshInterval == "" {
			continue
		}
		res := refresh(g, g.RefreshInterval, at)
		if res.Changed() {
			results = append(results, res)
			changed = append(changed, g)
		}
	}

	if len(changed) > 0 {
		if err := l.store.UpdateGrants(ctx, changed); err != nil {
			return nil, fmt.Errorf("persist refresh for %s: %w", customerID, err)
		}
	}
	return results, nil
}

// ExpireGrants ends every grant of the customer issued under subscriptionID
// at the given time. Grants already expired by then are left alone.
func (l *Ledger) ExpireGrants(ctx context.Context, customerID string, subscriptionID id.SubscriptionID, at time.Time) (int, error) {
	unlock := l.locks.Lock(customerID)
	defer unlock()

	grants, err := l.store.ListGrants(ctx, customerID, ListOpts{SubscriptionID: subscriptionID})
	if err != nil {
		return 0, err
	}

	var expired []*CreditGrant
	for _, g := range grants {
		if g.ExpiresAt != nil && !g.ExpiresAt.After(at) {
			continue
		}
		end := at
		if end.Before(g.EffectiveAt) {
			end = g.EffectiveAt
		}
		g.ExpiresAt = &end
		g.Touch()
		expired = append(expired, g)
	}

	if len(expired) > 0 {
		if err := l.store.UpdateGrants(ctx, expired); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// drawable filters to grants active at t with a positive balance, ordered
// by expiry (never-expiring last), then EffectiveAt, then ID.
func drawable(grants []*CreditGrant, t time.Time) []*CreditGrant {
	out := grants[:0]
	for _, g := range grants {
		if g.ActiveAt(t) && g.Remaining.IsPositive() {
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.ExpiresAt == nil && b.ExpiresAt != nil:
			return false
		case a.ExpiresAt != nil && b.ExpiresAt == nil:
			return true
		case a.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ExpiresAt.Before(*b.ExpiresAt)
		case !a.EffectiveAt.Equal(b.EffectiveAt):
			return a.EffectiveAt.Before(b.EffectiveAt)
		default:
			return a.ID.String() < b.ID.String()
		}
	})
	return out
}

// refresh mutates g in place.
func refresh(g *CreditGrant, schedule product.Interval, at time.Time) *RefreshResult {
	res := &RefreshResult{
		GrantID:  g.ID,
		Strategy: g.RefreshStrategy,
		Before:   g.Remaining,
		After:    g.Remaining,
	}
	if g.RefreshStrategy == product.RefreshNone {
		return res
	}

	// Boundaries at or after expiry never take effect.
	if g.ExpiresAt != nil && at.After(*g.ExpiresAt) {
		at = *g.ExpiresAt
	}

	last := g.EffectiveAt
	if g.LastRefreshedAt != nil {
		last = *g.LastRefreshedAt
	}

	from := periodsElapsed(g.EffectiveAt, last, schedule)
	to := periodsElapsed(g.EffectiveAt, at, schedule)
	if g.ExpiresAt != nil && to > 0 && !boundary(g.EffectiveAt, to, schedule).Before(*g.ExpiresAt) {
		to--
	}
	n := to - from
	if n <= 0 {
		return res
	}

	switch g.RefreshStrategy {
	case product.RefreshReset:
		g.Remaining = g.Amount
	case product.RefreshRollover:
		g.Remaining = g.Remaining.Add(g.Amount.Mul(decimal.NewFromInt(int64(n))))
	}

	refreshedAt := boundary(g.EffectiveAt, to, schedule)
	g.LastRefreshedAt = &refreshedAt
	g.Touch()

	res.Periods = n
	res.After = g.Remaining
	return res
}

// boundary returns the k-th schedule boundary after anchor. Days past the
// end of a shorter month clamp to its last day.
func boundary(anchor time.Time, k int, schedule product.Interval) time.Time {
	months := k
	if schedule == product.IntervalYearly {
		months = 12 * k
	}

	y, m, d := anchor.Date()
	hh, mm, ss := anchor.Clock()
	first := time.Date(y, m+time.Month(months), 1, hh, mm, ss, anchor.Nanosecond(), anchor.Location())
	lastDay := first.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	return time.Date(first.Year(), first.Month(), d, hh, mm, ss, anchor.Nanosecond(), anchor.Location())
}

// periodsElapsed returns how many boundaries after anchor are at or before t.
func periodsElapsed(anchor, t time.Time, schedule product.Interval) int {
	if !t.After(anchor) {
		return 0
	}

	months := (t.Year()-anchor.Year())*12 + int(t.Month()-anchor.Month())
	k := months
	if schedule == product.IntervalYearly {
		k = months / 12
	}
	for k > 0 && boundary(anchor, k, schedule).After(t) {
		k--
	}
	for !boundary(anchor, k+1, schedule).After(t) {
		k++
	}
	return k
}
