package entitlement_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/credyt/billing/asset"
	"github.com/credyt/billing/entitlement"
	"github.com/credyt/billing/id"
	"github.com/credyt/billing/product"
	"github.com/credyt/billing/store/memory"
	"github.com/credyt/billing/types"
)

var (
	jan1  = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	feb1  = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	mar1  = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	jan15 = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func usd(s string) types.Money { return types.MustParse(s, "USD") }

func ptr(t time.Time) *time.Time { return &t }

func grant(t *testing.T, l *entitlement.Ledger, g *entitlement.CreditGrant) *entitlement.CreditGrant {
	t.Helper()
	if g.CustomerID == "" {
		g.CustomerID = "cus_1"
	}
	if g.EffectiveAt.IsZero() {
		g.EffectiveAt = jan1
	}
	if err := l.Grant(context.Background(), g); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	return g
}

func remaining(t *testing.T, s *memory.Store, grantID id.GrantID) decimal.Decimal {
	t.Helper()
	g, err := s.GetGrant(context.Background(), grantID)
	if err != nil {
		t.Fatalf("GetGrant: %v", err)
	}
	return g.Remaining
}

func TestChargeDrawdown(t *testing.T) {
	s := memory.New()
	l := entitlement.NewLedger(s)
	g := grant(t, l, &entitlement.CreditGrant{AssetCode: "USD", Amount: d("200")})

	st, err := l.Charge(context.Background(), "cus_1", usd("45.20"), jan15)
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}

	if !st.FromEntitlement.Equal(usd("45.20")) {
		t.Errorf("FromEntitlement: got %s", st.FromEntitlement)
	}
	if !st.FromWallet.IsZero() {
		t.Errorf("FromWallet: got %s", st.FromWallet)
	}
	if got := remaining(t, s, g.ID); !got.Equal(d("154.80")) {
		t.Errorf("remaining: got %s, want 154.80", got)
	}
	if !st.Balanced() {
		t.Error("settlement not balanced")
	}
}

func TestChargeShortfall(t *testing.T) {
	s := memory.New()
	l := entitlement.NewLedger(s)
	g := grant(t, l, &entitlement.CreditGrant{AssetCode: "USD", Amount: d("10")})

	st, err := l.Charge(context.Background(), "cus_1", usd("45.20"), jan15)
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}

	if !st.FromEntitlement.Equal(usd("10")) {
		t.Errorf("FromEntitlement: got %s", st.FromEntitlement)
	}
	if !st.FromWallet.Equal(usd("35.20")) {
		t.Errorf("FromWallet: got %s", st.FromWallet)
	}
	if got := remaining(t, s, g.ID); !got.IsZero() {
		t.Errorf("remaining: got %s, want 0", got)
	}
}

func TestChargeWithoutGrants(t *testing.T) {
	l := entitlement.NewLedger(memory.New())

	st, err := l.Charge(context.Background(), "cus_1", usd("0.0456"), jan15)
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if !st.FromWallet.Equal(usd("0.0456")) || !st.FromEntitlement.IsZero() || len(st.Draws) != 0 {
		t.Errorf("unexpected settlement: %+v", st)
	}
}

func TestChargeRejectsNegativeAmount(t *testing.T) {
	l := entitlement.NewLedger(memory.New())
	if _, err := l.Charge(context.Background(), "cus_1", usd("-1"), jan15); !errors.Is(err, entitlement.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestChargeDrawsSoonestExpiringFirst(t *testing.T) {
	s := memory.New()
	l := entitlement.NewLedger(s)

	never := grant(t, l, &entitlement.CreditGrant{AssetCode: "USD", Amount: d("100")})
	late := grant(t, l, &entitlement.CreditGrant{AssetCode: "USD", Amount: d("5"), ExpiresAt: ptr(mar1)})
	soon := grant(t, l, &entitlement.CreditGrant{AssetCode: "USD", Amount: d("5"), ExpiresAt: ptr(feb1)})

	st, err := l.Charge(context.Background(), "cus_1", usd("7"), jan15)
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}

	if len(st.Draws) != 2 || st.Draws[0].GrantID != soon.ID || st.Draws[1].GrantID != late.ID {
		t.Fatalf("unexpected draw order: %+v", st.Draws)
	}
	if got := remaining(t, s, soon.ID); !got.IsZero() {
		t.Errorf("soon: got %s", got)
	}
	if got := remaining(t, s, late.ID); !got.Equal(d("3")) {
		t.Errorf("late: got %s", got)
	}
	if got := remaining(t, s, never.ID); !got.Equal(d("100")) {
		t.Errorf("never-expiring grant should be untouched, got %s", got)
	}
}

func TestChargeSkipsInactiveGrants(t *testing.T) {
	s := memory.New()
	l := entitlement.NewLedger(s)

	future := grant(t, l, &entitlement.CreditGrant{AssetCode: "USD", Amount: d("50"), EffectiveAt: feb1})
	expired := grant(t, l, &entitlement.CreditGrant{AssetCode: "USD", Amount: d("50"), ExpiresAt: ptr(jan15)})
	other := grant(t, l, &entitlement.CreditGrant{CustomerID: "cus_2", AssetCode: "USD", Amount: d("50")})

	st, err := l.Charge(context.Background(), "cus_1", usd("10"), jan15)
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if !st.FromWallet.Equal(usd("10")) {
		t.Errorf("FromWallet: got %s", st.FromWallet)
	}
	for _, g := range []*entitlement.CreditGrant{future, expired, other} {
		if got := remaining(t, s, g.ID); !got.Equal(d("50")) {
			t.Errorf("grant %s touched: %s", g.ID, got)
		}
	}
}

func registryWithCredits(t *testing.T, s *memory.Store) *asset.Registry {
	t.Helper()
	ctx := context.Background()
	r := asset.NewRegistry(s)
	for _, a := range []*asset.Asset{
		{Code: "USD", Kind: asset.KindFiat, Scale: 2},
		{Code: "CREDITS", Kind: asset.KindCustom, Scale: 0},
		{Code: "TOKENS", Kind: asset.KindCustom, Scale: 0},
	} {
		if err := r.RegisterAsset(ctx, a); err != nil {
			t.Fatalf("RegisterAsset: %v", err)
		}
	}
	err := r.AddRate(ctx, &asset.ExchangeRate{From: "USD", To: "CREDITS", Rate: d("100"), EffectiveAt: jan1})
	if err != nil {
		t.Fatalf("AddRate: %v", err)
	}
	return r
}

func TestChargeCrossAsset(t *testing.T) {
	s := memory.New()
	l := entitlement.NewLedger(s, entitlement.WithConverter(registryWithCredits(t, s)))

	cash := grant(t, l, &entitlement.CreditGrant{AssetCode: "USD", Amount: d("0.10")})
	credits := grant(t, l, &entitlement.CreditGrant{AssetCode: "CREDITS", Amount: d("30")})
	tokens := grant(t, l, &entitlement.CreditGrant{AssetCode: "TOKENS", Amount: d("1000")})

	st, err := l.Charge(context.Background(), "cus_1", usd("0.60"), jan15)
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}

	// 0.10 from the USD grant, then 0.50 USD = 50 CREDITS needed, 30 available.
	if got := remaining(t, s, cash.ID); !got.IsZero() {
		t.Errorf("USD grant: got %s", got)
	}
	if got := remaining(t, s, credits.ID); !got.IsZero() {
		t.Errorf("CREDITS grant: got %s", got)
	}
	if got := remaining(t, s, tokens.ID); !got.Equal(d("1000")) {
		t.Errorf("TOKENS grant has no rate and must be untouched, got %s", got)
	}
	if !st.FromEntitlement.Equal(usd("0.40")) {
		t.Errorf("FromEntitlement: got %s, want 0.40", st.FromEntitlement)
	}
	if !st.FromWallet.Equal(usd("0.20")) {
		t.Errorf("FromWallet: got %s, want 0.20", st.FromWallet)
	}
	if !st.Balanced() {
		t.Error("settlement not balanced")
	}
}

func TestChargeCrossAssetFullCover(t *testing.T) {
	s := memory.New()
	l := entitlement.NewLedger(s, entitlement.WithConverter(registryWithCredits(t, s)))
	credits := grant(t, l, &entitlement.CreditGrant{AssetCode: "CREDITS", Amount: d("10000")})

	st, err := l.Charge(context.Background(), "cus_1", usd("45.20"), jan15)
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if !st.FromWallet.IsZero() {
		t.Errorf("FromWallet: got %s", st.FromWallet)
	}
	if got := remaining(t, s, credits.ID); !got.Equal(d("5480")) {
		t.Errorf("CREDITS remaining: got %s, want 5480", got)
	}
}

func TestChargeCrossAssetDisabledWithoutConverter(t *testing.T) {
	s := memory.New()
	l := entitlement.NewLedger(s)
	grant(t, l, &entitlement.CreditGrant{AssetCode: "CREDITS", Amount: d("10000")})

	st, err := l.Charge(context.Background(), "cus_1", usd("1"), jan15)
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if !st.FromWallet.Equal(usd("1")) {
		t.Errorf("FromWallet: got %s", st.FromWallet)
	}
}

func TestReverse(t *testing.T) {
	s := memory.New()
	l := entitlement.NewLedger(s, entitlement.WithConverter(registryWithCredits(t, s)))
	cash := grant(t, l, &entitlement.CreditGrant{AssetCode: "USD", Amount: d("1")})
	credits := grant(t, l, &entitlement.CreditGrant{AssetCode: "CREDITS", Amount: d("500")})

	st, err := l.Charge(context.Background(), "cus_1", usd("3"), jan15)
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if err := l.Reverse(context.Background(), st); err != nil {
		t.Fatalf("Reverse: %v", err)
	}

	if got := remaining(t, s, cash.ID); !got.Equal(d("1")) {
		t.Errorf("USD grant: got %s", got)
	}
	if got := remaining(t, s, credits.ID); !got.Equal(d("500")) {
		t.Errorf("CREDITS grant: got %s", got)
	}
}

func TestConcurrentChargesNeverOverdraw(t *testing.T) {
	s := memory.New()
	l := entitlement.NewLedger(s)
	g := grant(t, l, &entitlement.CreditGrant{AssetCode: "USD", Amount: d("50")})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		covered = decimal.Zero
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := l.Charge(context.Background(), "cus_1", usd("1"), jan15)
			if err != nil {
				t.Errorf("Charge: %v", err)
				return
			}
			mu.Lock()
			covered = covered.Add(st.FromEntitlement.Amount)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if !covered.Equal(d("50")) {
		t.Errorf("total drawn: got %s, want 50", covered)
	}
	if got := remaining(t, s, g.ID); !got.IsZero() {
		t.Errorf("remaining: got %s", got)
	}
}

func TestRefresh(t *testing.T) {
	tests := []struct {
		name     string
		strategy product.RefreshStrategy
		at       time.Time
		periods  int
		want     string
	}{
		{"reset before boundary", product.RefreshReset, jan15, 0, "40"},
		{"reset one boundary", product.RefreshReset, feb1, 1, "100"},
		{"reset two boundaries", product.RefreshReset, mar1.Add(time.Hour), 2, "100"},
		{"rollover one boundary", product.RefreshRollover, feb1.Add(time.Hour), 1, "140"},
		{"rollover two boundaries", product.RefreshRollover, mar1, 2, "240"},
		{"none", product.RefreshNone, mar1, 0, "40"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memory.New()
			l := entitlement.NewLedger(s)
			interval := product.IntervalMonthly
			if tt.strategy == product.RefreshNone {
				interval = ""
			}
			g := grant(t, l, &entitlement.CreditGrant{
				AssetCode:       "CREDITS",
				Amount:          d("100"),
				RefreshStrategy: tt.strategy,
				RefreshInterval: interval,
			})
			if _, err := l.Charge(context.Background(), "cus_1", types.MustParse("60", "CREDITS"), jan1.Add(time.Hour)); err != nil {
				t.Fatalf("Charge: %v", err)
			}

			res, err := l.Refresh(context.Background(), g.ID, product.IntervalMonthly, tt.at)
			if err != nil {
				t.Fatalf("Refresh: %v", err)
			}
			if res.Periods != tt.periods {
				t.Errorf("periods: got %d, want %d", res.Periods, tt.periods)
			}
			if got := remaining(t, s, g.ID); !got.Equal(d(tt.want)) {
				t.Errorf("remaining: got %s, want %s", got, tt.want)
			}

			// A second refresh at the same instant is a no-op.
			again, err := l.Refresh(context.Background(), g.ID, product.IntervalMonthly, tt.at)
			if err != nil {
				t.Fatalf("Refresh: %v", err)
			}
			if again.Changed() {
				t.Errorf("second refresh changed the grant: %+v", again)
			}
		})
	}
}

func TestRefreshClampsToMonthEnd(t *testing.T) {
	s := memory.New()
	l := entitlement.NewLedger(s)
	jan31 := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	g := grant(t, l, &entitlement.CreditGrant{
		AssetCode:       "CREDITS",
		Amount:          d("10"),
		EffectiveAt:     jan31,
		RefreshStrategy: product.RefreshRollover,
		RefreshInterval: product.IntervalMonthly,
	})

	feb28 := time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC)
	res, err := l.Refresh(context.Background(), g.ID, product.IntervalMonthly, feb28)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if res.Periods != 1 {
		t.Fatalf("expected the Feb 28 boundary to count, got %d periods", res.Periods)
	}

	mar30 := time.Date(2025, 3, 30, 0, 0, 0, 0, time.UTC)
	res, err = l.Refresh(context.Background(), g.ID, product.IntervalMonthly, mar30)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if res.Periods != 0 {
		t.Errorf("Mar 31 boundary not reached yet, got %d periods", res.Periods)
	}
}

func TestRefreshStopsAtExpiry(t *testing.T) {
	s := memory.New()
	l := entitlement.NewLedger(s)
	g := grant(t, l, &entitlement.CreditGrant{
		AssetCode:       "CREDITS",
		Amount:          d("10"),
		ExpiresAt:       ptr(mar1),
		RefreshStrategy: product.RefreshRollover,
		RefreshInterval: product.IntervalMonthly,
	})

	res, err := l.Refresh(context.Background(), g.ID, product.IntervalMonthly, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if res.Periods != 1 {
		t.Errorf("periods: got %d, want 1", res.Periods)
	}
}

func TestRefreshDue(t *testing.T) {
	s := memory.New()
	l := entitlement.NewLedger(s)

	monthly := grant(t, l, &entitlement.CreditGrant{AssetCode: "CREDITS", Amount: d("100"), RefreshStrategy: product.RefreshReset, RefreshInterval: product.IntervalMonthly})
	yearly := grant(t, l, &entitlement.CreditGrant{AssetCode: "CREDITS", Amount: d("100"), RefreshStrategy: product.RefreshRollover, RefreshInterval: product.IntervalYearly})
	grant(t, l, &entitlement.CreditGrant{AssetCode: "CREDITS", Amount: d("100")})

	results, err := l.RefreshDue(context.Background(), "cus_1", feb1)
	if err != nil {
		t.Fatalf("RefreshDue: %v", err)
	}
	if len(results) != 1 || results[0].GrantID != monthly.ID {
		t.Fatalf("expected only the monthly grant to refresh, got %+v", results)
	}

	results, err = l.RefreshDue(context.Background(), "cus_1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("RefreshDue: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected both refreshing grants, got %d", len(results))
	}
	if got := remaining(t, s, yearly.ID); !got.Equal(d("200")) {
		t.Errorf("yearly rollover: got %s, want 200", got)
	}
}

func TestBalance(t *testing.T) {
	l := entitlement.NewLedger(memory.New())
	grant(t, l, &entitlement.CreditGrant{AssetCode: "CREDITS", Amount: d("100")})
	grant(t, l, &entitlement.CreditGrant{AssetCode: "credits", Amount: d("50"), ExpiresAt: ptr(feb1)})
	grant(t, l, &entitlement.CreditGrant{AssetCode: "USD", Amount: d("5")})

	tests := []struct {
		at   time.Time
		want string
	}{
		{jan15, "150"},
		{mar1, "100"},
		{jan1.Add(-time.Hour), "0"},
	}
	for _, tt := range tests {
		t.Run(tt.at.Format(time.RFC3339), func(t *testing.T) {
			got, err := l.Balance(context.Background(), "cus_1", "CREDITS", tt.at)
			if err != nil {
				t.Fatalf("Balance: %v", err)
			}
			if !got.Equal(types.MustParse(tt.want, "CREDITS")) {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExpireGrants(t *testing.T) {
	s := memory.New()
	l := entitlement.NewLedger(s)
	sub := id.NewSubscriptionID()

	grant(t, l, &entitlement.CreditGrant{AssetCode: "CREDITS", Amount: d("100"), SubscriptionID: sub})
	grant(t, l, &entitlement.CreditGrant{AssetCode: "CREDITS", Amount: d("100")})

	n, err := l.ExpireGrants(context.Background(), "cus_1", sub, jan15)
	if err != nil {
		t.Fatalf("ExpireGrants: %v", err)
	}
	if n != 1 {
		t.Errorf("expired: got %d, want 1", n)
	}

	bal, err := l.Balance(context.Background(), "cus_1", "CREDITS", feb1)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !bal.Equal(types.MustParse("100", "CREDITS")) {
		t.Errorf("balance after expiry: got %s", bal)
	}
}

func TestGrantValidation(t *testing.T) {
	l := entitlement.NewLedger(memory.New())

	tests := []struct {
		name  string
		grant entitlement.CreditGrant
	}{
		{"missing customer", entitlement.CreditGrant{AssetCode: "USD", Amount: d("1"), EffectiveAt: jan1}},
		{"missing asset", entitlement.CreditGrant{CustomerID: "c", Amount: d("1"), EffectiveAt: jan1}},
		{"zero amount", entitlement.CreditGrant{CustomerID: "c", AssetCode: "USD", EffectiveAt: jan1}},
		{"missing effective_at", entitlement.CreditGrant{CustomerID: "c", AssetCode: "USD", Amount: d("1")}},
		{"expires before effective", entitlement.CreditGrant{CustomerID: "c", AssetCode: "USD", Amount: d("1"), EffectiveAt: feb1, ExpiresAt: ptr(jan1)}},
		{"reset without interval", entitlement.CreditGrant{CustomerID: "c", AssetCode: "USD", Amount: d("1"), EffectiveAt: jan1, RefreshStrategy: product.RefreshReset}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := tt.grant
			if err := l.Grant(context.Background(), &g); !errors.Is(err, entitlement.ErrInvalidGrant) {
				t.Errorf("expected ErrInvalidGrant, got %v", err)
			}
		})
	}
}

func TestGrantOpeningBalance(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		opts    []entitlement.GrantOption
		want    string
		wantErr error
	}{
		{"defaults to amount", nil, "200", nil},
		{"explicit zero", []entitlement.GrantOption{entitlement.WithRemaining(decimal.Zero)}, "0", nil},
		{"explicit partial", []entitlement.GrantOption{entitlement.WithRemaining(d("50"))}, "50", nil},
		{"negative", []entitlement.GrantOption{entitlement.WithRemaining(d("-1"))}, "", entitlement.ErrInvalidGrant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memory.New()
			l := entitlement.NewLedger(s)
			g := &entitlement.CreditGrant{CustomerID: "cus_1", AssetCode: "USD", Amount: d("200"), EffectiveAt: jan1}

			err := l.Grant(ctx, g, tt.opts...)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("got %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Grant: %v", err)
			}
			if got := remaining(t, s, g.ID); !got.Equal(d(tt.want)) {
				t.Errorf("remaining: got %s, want %s", got, tt.want)
			}
			bal, err := l.Balance(ctx, "cus_1", "USD", jan15)
			if err != nil {
				t.Fatalf("Balance: %v", err)
			}
			if !bal.Amount.Equal(d(tt.want)) {
				t.Errorf("balance: got %s, want %s", bal.Amount, tt.want)
			}
		})
	}
}
