package billing_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/credyt/billing"
	"github.com/credyt/billing/asset"
	"github.com/credyt/billing/entitlement"
	"github.com/credyt/billing/id"
	"github.com/credyt/billing/meter"
	"github.com/credyt/billing/product"
	"github.com/credyt/billing/settlement"
	"github.com/credyt/billing/store"
	"github.com/credyt/billing/store/memory"
	"github.com/credyt/billing/subscription"
	"github.com/credyt/billing/types"
	"github.com/credyt/billing/wallet"
)

var (
	jan1  = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	jan15 = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dec(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func usd(s string) types.Money { return types.MustParse(s, "USD") }

func chat(eventID, customerID string, tokens int) *meter.UsageEvent {
	return &meter.UsageEvent{
		ID:         eventID,
		EventType:  "chat_completion",
		CustomerID: customerID,
		Timestamp:  jan15,
		Properties: map[string]any{"total_tokens": tokens},
	}
}

func tokenPrice() product.Price {
	return product.Price{
		Type:             product.PriceUsage,
		EventType:        "chat_completion",
		AssetCode:        "USD",
		UsageCalculation: product.CalcVolume,
		VolumeField:      "total_tokens",
		UnitPrice:        d("0.00003"),
	}
}

// newEngine returns an engine with USD and CREDITS registered.
func newEngine(t *testing.T, opts ...billing.Option) *billing.Engine {
	t.Helper()
	return newEngineOn(t, memory.New(), opts...)
}

func newEngineOn(t *testing.T, s store.Store, opts ...billing.Option) *billing.Engine {
	t.Helper()
	ctx := context.Background()
	e := billing.New(s, opts...)

	for _, a := range []*asset.Asset{
		{Code: "USD", Kind: asset.KindFiat, Scale: 2, Symbol: "$"},
		{Code: "CREDITS", Kind: asset.KindCustom, Scale: 0},
	} {
		if err := e.RegisterAsset(ctx, a); err != nil {
			t.Fatalf("RegisterAsset %s: %v", a.Code, err)
		}
	}
	return e
}

// activeProduct creates and activates a product with the given prices.
func activeProduct(t *testing.T, e *billing.Engine, code string, prices ...product.Price) *product.Product {
	t.Helper()
	ctx := context.Background()
	p := &product.Product{Code: code, Name: code, Prices: prices}
	if err := e.CreateProduct(ctx, p); err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	p, err := e.ActivateProduct(ctx, p.ID)
	if err != nil {
		t.Fatalf("ActivateProduct: %v", err)
	}
	return p
}

func grantUSD(t *testing.T, e *billing.Engine, customerID, amount string) *entitlement.CreditGrant {
	t.Helper()
	g := &entitlement.CreditGrant{
		CustomerID:  customerID,
		AssetCode:   "USD",
		Amount:      d(amount),
		EffectiveAt: jan1,
	}
	if err := e.Grant(context.Background(), g); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	return g
}

func balance(t *testing.T, e *billing.Engine, customerID string) types.Money {
	t.Helper()
	b, err := e.Balance(context.Background(), customerID, "USD", jan15)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	return b
}

func TestBillIsIdempotent(t *testing.T) {
	ctx := context.Background()
	w := wallet.NewMemory(true)
	e := newEngine(t, billing.WithWallet(w))
	p := activeProduct(t, e, "llm-api", tokenPrice())

	ev := chat("evt_1", "cus_1", 1520)
	first, err := e.Bill(ctx, p, ev)
	if err != nil {
		t.Fatalf("Bill: %v", err)
	}
	if first.Replayed || first.Status != settlement.StatusCharged {
		t.Fatalf("first result: %+v", first)
	}
	if !first.Record.Fee.Amount.Equal(usd("0.0456")) {
		t.Errorf("fee: got %s, want 0.0456 USD", first.Record.Fee.Amount)
	}
	if len(ev.Fees) != 1 || ev.Fees[0].ID != first.Record.Fee.ID {
		t.Errorf("event fees: got %+v, want the record's fee", ev.Fees)
	}

	redelivered := chat("evt_1", "cus_1", 1520)
	second, err := e.Bill(ctx, p, redelivered)
	if err != nil {
		t.Fatalf("second Bill: %v", err)
	}
	if !second.Replayed {
		t.Error("expected replayed result")
	}
	if second.Record.ID != first.Record.ID {
		t.Errorf("record id: got %s, want %s", second.Record.ID, first.Record.ID)
	}
	if len(redelivered.Fees) != 1 || !redelivered.Fees[0].Amount.Equal(usd("0.0456")) {
		t.Errorf("redelivered event fees: %+v", redelivered.Fees)
	}
	if _, err := e.Bill(ctx, p, redelivered); err != nil || len(redelivered.Fees) != 1 {
		t.Errorf("fee attached twice: %d fees, %v", len(redelivered.Fees), err)
	}

	byID, err := e.GetSettlementByID(ctx, first.Record.ID)
	if err != nil {
		t.Fatalf("GetSettlementByID: %v", err)
	}
	if byID.EventID != "evt_1" {
		t.Errorf("settlement by id: got event %s", byID.EventID)
	}

	records, err := e.ListSettlements(ctx, "cus_1", settlement.ListOpts{})
	if err != nil {
		t.Fatalf("ListSettlements: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("records: got %d, want 1", len(records))
	}
	if got := w.Balance("cus_1", "USD"); !got.Equal(usd("-0.0456")) {
		t.Errorf("wallet debited more than once: %s", got)
	}
}

func TestBillConservesAmounts(t *testing.T) {
	tests := []struct {
		name            string
		grant           string
		tokens          int
		fromEntitlement string
		fromWallet      string
		remaining       string
	}{
		{"fully covered", "200", 1520, "0.0456", "0", "199.9544"},
		{"partially covered", "0.03", 1520, "0.03", "0.0156", "0"},
		{"no grant", "", 1520, "0", "0.0456", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			w := wallet.NewMemory(true)
			e := newEngine(t, billing.WithWallet(w))
			p := activeProduct(t, e, "llm-api", tokenPrice())
			if tt.grant != "" {
				grantUSD(t, e, "cus_1", tt.grant)
			}

			res, err := e.Bill(ctx, p, chat("evt_1", "cus_1", tt.tokens))
			if err != nil {
				t.Fatalf("Bill: %v", err)
			}
			split := res.Record.Split
			if !split.FromEntitlement.Equal(usd(tt.fromEntitlement)) {
				t.Errorf("from entitlement: got %s, want %s", split.FromEntitlement, tt.fromEntitlement)
			}
			if !split.FromWallet.Equal(usd(tt.fromWallet)) {
				t.Errorf("from wallet: got %s, want %s", split.FromWallet, tt.fromWallet)
			}
			if !split.FromEntitlement.Add(split.FromWallet).Equal(res.Record.Fee.Amount) {
				t.Error("entitlement and wallet portions do not sum to the fee")
			}
			if got := balance(t, e, "cus_1"); !got.Equal(usd(tt.remaining)) {
				t.Errorf("remaining: got %s, want %s", got, tt.remaining)
			}
			if got := w.Balance("cus_1", "USD"); !got.Equal(usd(tt.fromWallet).Negate()) {
				t.Errorf("wallet: got %s", got)
			}
		})
	}
}

func TestBillSkipsUnpricedEvent(t *testing.T) {
	ctx := context.Background()
	w := wallet.NewMemory(true)
	e := newEngine(t, billing.WithWallet(w))
	p := activeProduct(t, e, "llm-api", tokenPrice())
	grantUSD(t, e, "cus_1", "10")

	ev := chat("evt_1", "cus_1", 1520)
	ev.EventType = "embedding"
	res, err := e.Bill(ctx, p, ev)
	if err != nil {
		t.Fatalf("Bill: %v", err)
	}
	if res.Status != settlement.StatusSkipped {
		t.Fatalf("status: got %s, want skipped", res.Status)
	}
	if res.Record.Fee != nil || res.Record.Split != nil {
		t.Error("skipped record carries a fee")
	}
	if got := balance(t, e, "cus_1"); !got.Equal(usd("10")) {
		t.Errorf("grant drawn for a skipped event: %s", got)
	}
	if got := w.Balance("cus_1", "USD"); !got.IsZero() {
		t.Errorf("wallet debited for a skipped event: %s", got)
	}

	again, err := e.Bill(ctx, p, ev)
	if err != nil || !again.Replayed || again.Status != settlement.StatusSkipped {
		t.Errorf("replay of skipped event: %+v, %v", again, err)
	}
}

func TestBillQuarantinesMisconfiguredEvent(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	price := product.Price{
		Type:             product.PriceUsage,
		EventType:        "api_call",
		AssetCode:        "USD",
		UsageCalculation: product.CalcVolume,
		VolumeField:      "requests",
		Tiers:            []product.PriceTier{{UpTo: dec("10"), UnitPrice: dec("1")}},
	}
	p := activeProduct(t, e, "api", price)

	ev := &meter.UsageEvent{
		ID:         "evt_1",
		EventType:  "api_call",
		CustomerID: "cus_1",
		Timestamp:  jan15,
		Properties: map[string]any{"requests": 11},
	}

	res, err := e.Bill(ctx, p, ev)
	if !errors.Is(err, billing.ErrNoMatchingTier) {
		t.Fatalf("expected ErrNoMatchingTier, got %v", err)
	}
	if res == nil || res.Status != settlement.StatusFailed || res.Record.Reason == "" {
		t.Fatalf("expected failed record with reason, got %+v", res)
	}

	if _, err := e.Bill(ctx, p, ev); !errors.Is(err, billing.ErrEventQuarantined) {
		t.Fatalf("expected ErrEventQuarantined, got %v", err)
	}

	price.Tiers = append(price.Tiers, product.PriceTier{UpTo: nil, UnitPrice: dec("0.5")})
	p, err = e.UpdateProduct(ctx, p.ID, &product.Product{Name: p.Name, Prices: []product.Price{price}})
	if err != nil {
		t.Fatalf("UpdateProduct: %v", err)
	}
	if err := e.Release(ctx, ev.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}

	res, err = e.Bill(ctx, p, ev)
	if err != nil {
		t.Fatalf("Bill after release: %v", err)
	}
	if res.Status != settlement.StatusCharged || !res.Record.Fee.Amount.Equal(usd("5.5")) {
		t.Errorf("after release: %s %v", res.Status, res.Record.Fee)
	}

	if err := e.Release(ctx, ev.ID); !errors.Is(err, billing.ErrInvalidInput) {
		t.Errorf("releasing a charged event: got %v", err)
	}
}

func TestBillMissingVolumeIsQuarantined(t *testing.T) {
	e := newEngine(t)
	p := activeProduct(t, e, "llm-api", tokenPrice())

	ev := chat("evt_1", "cus_1", 0)
	ev.Properties = map[string]any{"prompt_tokens": 10}
	res, err := e.Bill(context.Background(), p, ev)
	if !errors.Is(err, billing.ErrMissingVolumeField) {
		t.Fatalf("expected ErrMissingVolumeField, got %v", err)
	}
	if !billing.IsQuarantinable(err) || res.Status != settlement.StatusFailed {
		t.Errorf("event not quarantined: %+v", res)
	}
}

func TestWalletFailureReversesDraw(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, billing.WithWallet(wallet.NewMemory(false)))
	p := activeProduct(t, e, "llm-api", tokenPrice())
	grantUSD(t, e, "cus_1", "0.01")

	_, err := e.Bill(ctx, p, chat("evt_1", "cus_1", 1520))
	if !errors.Is(err, billing.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := balance(t, e, "cus_1"); !got.Equal(usd("0.01")) {
		t.Errorf("draw not reversed: %s", got)
	}
	if _, err := e.GetSettlement(ctx, "evt_1"); !billing.IsNotFound(err) {
		t.Errorf("expected no settlement, got %v", err)
	}
}

// racingStore settles every event under a competing record just before
// the engine writes its own.
type racingStore struct {
	*memory.Store
	winners map[string]*settlement.Record
}

func (s *racingStore) CreateSettlement(ctx context.Context, rec *settlement.Record) error {
	if _, ok := s.winners[rec.EventID]; !ok {
		winner := &settlement.Record{
			ID:         id.NewSettlementID(),
			EventID:    rec.EventID,
			EventType:  rec.EventType,
			CustomerID: rec.CustomerID,
			ProductID:  rec.ProductID,
			Status:     settlement.StatusCharged,
			Fee:        rec.Fee,
			OccurredAt: rec.OccurredAt,
		}
		if err := s.Store.CreateSettlement(ctx, winner); err != nil {
			return err
		}
		s.winners[rec.EventID] = winner
	}
	return s.Store.CreateSettlement(ctx, rec)
}

func TestLostSettlementRaceReplaysWinner(t *testing.T) {
	ctx := context.Background()
	s := &racingStore{Store: memory.New(), winners: map[string]*settlement.Record{}}
	w := wallet.NewMemory(true)
	e := newEngineOn(t, s, billing.WithWallet(w))
	p := activeProduct(t, e, "llm-api", tokenPrice())
	grantUSD(t, e, "cus_1", "0.01")

	res, err := e.Bill(ctx, p, chat("evt_1", "cus_1", 1520))
	if err != nil {
		t.Fatalf("Bill: %v", err)
	}
	if !res.Replayed || res.Status != settlement.StatusCharged {
		t.Fatalf("result: %+v", res)
	}
	if want := s.winners["evt_1"].ID; res.Record.ID != want {
		t.Errorf("record id: got %s, want %s", res.Record.ID, want)
	}
	if got := balance(t, e, "cus_1"); !got.Equal(usd("0.01")) {
		t.Errorf("losing draw not reversed: %s", got)
	}
	if got := w.Balance("cus_1", "USD"); !got.IsZero() {
		t.Errorf("losing wallet debit not reversed: %s", got)
	}
}

// flakyGrantStore fails the nth CreateGrant call.
type flakyGrantStore struct {
	*memory.Store
	failOn int
	calls  int
}

var errGrantWrite = errors.New("grant write failed")

func (s *flakyGrantStore) CreateGrant(ctx context.Context, g *entitlement.CreditGrant) error {
	s.calls++
	if s.calls == s.failOn {
		return errGrantWrite
	}
	return s.Store.CreateGrant(ctx, g)
}

func TestSubscribeRollsBackOnGrantFailure(t *testing.T) {
	ctx := context.Background()
	s := &flakyGrantStore{Store: memory.New(), failOn: 2}
	hooks := &countingPlugin{}
	e := newEngineOn(t, s, billing.WithPlugin(hooks))

	price := tokenPrice()
	price.Entitlements = []product.Entitlement{
		{AssetCode: "USD", Amount: d("10")},
		{AssetCode: "CREDITS", Amount: d("100")},
	}
	p := activeProduct(t, e, "llm-api", price)

	if _, err := e.Subscribe(ctx, "cus_1", p.ID, jan1); !errors.Is(err, errGrantWrite) {
		t.Fatalf("expected errGrantWrite, got %v", err)
	}

	subs, err := e.ListSubscriptions(ctx, "cus_1", subscription.ListOpts{})
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 1 || subs[0].Status != subscription.StatusCanceled {
		t.Fatalf("abandoned subscription: %+v", subs)
	}
	if got := balance(t, e, "cus_1"); !got.IsZero() {
		t.Errorf("grant of abandoned subscription still drawable: %s", got)
	}
	if _, err := e.BillEvent(ctx, chat("evt_1", "cus_1", 1520)); !errors.Is(err, billing.ErrNoActiveSubscription) {
		t.Errorf("billing against abandoned subscription: got %v", err)
	}
	if n := hooks.grants.Load(); n != 0 {
		t.Errorf("grant hooks fired for abandoned subscription: %d", n)
	}

	if _, err := e.Subscribe(ctx, "cus_1", p.ID, jan1); err != nil {
		t.Fatalf("retry Subscribe: %v", err)
	}
	if got := balance(t, e, "cus_1"); !got.Equal(usd("10")) {
		t.Errorf("balance after retry: got %s, want 10", got)
	}
	if n := hooks.grants.Load(); n != 2 {
		t.Errorf("grant hooks after retry: got %d, want 2", n)
	}
}

func TestEngineListAssets(t *testing.T) {
	e := newEngine(t)
	assets, err := e.ListAssets(context.Background())
	if err != nil {
		t.Fatalf("ListAssets: %v", err)
	}
	var codes []string
	for _, a := range assets {
		codes = append(codes, a.Code)
	}
	if len(codes) != 2 || codes[0] != "CREDITS" || codes[1] != "USD" {
		t.Errorf("codes: got %v, want [CREDITS USD]", codes)
	}
}

func TestGrantWithZeroOpeningBalance(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	g := &entitlement.CreditGrant{CustomerID: "cus_1", AssetCode: "USD", Amount: d("25"), EffectiveAt: jan1}
	if err := e.Grant(ctx, g, entitlement.WithRemaining(decimal.Zero)); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if got := balance(t, e, "cus_1"); !got.IsZero() {
		t.Errorf("balance: got %s, want 0", got)
	}
}

func TestCanonicalAsset(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, billing.WithCanonicalAsset("usd"))
	p := activeProduct(t, e, "images", product.Price{
		Type:             product.PriceUsage,
		EventType:        "image",
		AssetCode:        "CREDITS",
		UsageCalculation: product.CalcUnit,
		UnitPrice:        d("5"),
	})
	if err := e.AddRate(ctx, &asset.ExchangeRate{
		From:        "CREDITS",
		To:          "USD",
		Rate:        d("0.01"),
		EffectiveAt: jan15,
	}); err != nil {
		t.Fatalf("AddRate: %v", err)
	}

	ev := &meter.UsageEvent{ID: "evt_1", EventType: "image", CustomerID: "cus_1", Timestamp: jan15}
	res, err := e.Bill(ctx, p, ev)
	if err != nil {
		t.Fatalf("Bill: %v", err)
	}
	fee := res.Record.Fee
	if !fee.Amount.Equal(types.MustParse("5", "CREDITS")) {
		t.Errorf("fee: got %s", fee.Amount)
	}
	if fee.CanonicalAmount == nil || !fee.CanonicalAmount.Equal(usd("0.05")) {
		t.Errorf("canonical: got %v, want 0.05 USD", fee.CanonicalAmount)
	}

	// No rate was in force yet.
	early := &meter.UsageEvent{ID: "evt_2", EventType: "image", CustomerID: "cus_1", Timestamp: jan1}
	res, err = e.Bill(ctx, p, early)
	if !errors.Is(err, billing.ErrNoRateAvailable) {
		t.Fatalf("expected ErrNoRateAvailable, got %v", err)
	}
	if res.Status != settlement.StatusFailed {
		t.Errorf("status: got %s, want failed", res.Status)
	}
}

func TestSubscribeAndBillEvent(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, billing.WithWallet(wallet.NewMemory(true)))

	price := tokenPrice()
	price.Entitlements = []product.Entitlement{{
		AssetCode:       "USD",
		Amount:          d("10"),
		RefreshStrategy: product.RefreshReset,
		RefreshInterval: product.IntervalMonthly,
	}}
	p := activeProduct(t, e, "llm-api", price)

	if _, err := e.BillEvent(ctx, chat("evt_0", "cus_1", 1520)); !errors.Is(err, billing.ErrNoActiveSubscription) {
		t.Fatalf("expected ErrNoActiveSubscription, got %v", err)
	}

	sub, err := e.Subscribe(ctx, "cus_1", p.ID, jan1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	grants, err := e.ListGrants(ctx, "cus_1", entitlement.ListOpts{SubscriptionID: sub.ID})
	if err != nil {
		t.Fatalf("ListGrants: %v", err)
	}
	if len(grants) != 1 {
		t.Fatalf("grants: got %d, want 1", len(grants))
	}
	if g := grants[0]; g.Purpose != product.PurposeIncluded || g.SourcePriceID != p.Prices[0].ID || !g.Amount.Equal(d("10")) {
		t.Errorf("grant: %+v", g)
	}

	res, err := e.BillEvent(ctx, chat("evt_1", "cus_1", 1520))
	if err != nil {
		t.Fatalf("BillEvent: %v", err)
	}
	if res.Status != settlement.StatusCharged || res.Record.ProductID != p.ID {
		t.Fatalf("result: %+v", res.Record)
	}
	if !res.Record.Split.FromEntitlement.Equal(usd("0.0456")) {
		t.Errorf("from entitlement: got %s", res.Record.Split.FromEntitlement)
	}

	feb2 := time.Date(2025, 2, 2, 0, 0, 0, 0, time.UTC)
	refreshed, err := e.RefreshDue(ctx, "cus_1", feb2)
	if err != nil {
		t.Fatalf("RefreshDue: %v", err)
	}
	if len(refreshed) != 1 || !refreshed[0].After.Equal(d("10")) {
		t.Errorf("refresh: %+v", refreshed)
	}

	if _, err := e.Unsubscribe(ctx, sub.ID, feb2); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if _, err := e.Unsubscribe(ctx, sub.ID, feb2); !errors.Is(err, billing.ErrSubscriptionCanceled) {
		t.Errorf("second Unsubscribe: got %v", err)
	}

	late := chat("evt_2", "cus_1", 1520)
	late.Timestamp = feb2.Add(time.Hour)
	if _, err := e.BillEvent(ctx, late); !errors.Is(err, billing.ErrNoActiveSubscription) {
		t.Errorf("billing after cancel: got %v", err)
	}
	if b, _ := e.Balance(ctx, "cus_1", "USD", late.Timestamp); !b.IsZero() {
		t.Errorf("grant still drawable after cancel: %s", b)
	}
}

func TestBillEventPicksMatchingSubscription(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	images := activeProduct(t, e, "images", product.Price{
		Type:             product.PriceUsage,
		EventType:        "image",
		AssetCode:        "USD",
		UsageCalculation: product.CalcUnit,
		UnitPrice:        d("0.02"),
	})
	llm := activeProduct(t, e, "llm-api", tokenPrice())

	for _, p := range []*product.Product{images, llm} {
		if _, err := e.Subscribe(ctx, "cus_1", p.ID, jan1); err != nil {
			t.Fatalf("Subscribe %s: %v", p.Code, err)
		}
	}

	res, err := e.BillEvent(ctx, chat("evt_1", "cus_1", 1520))
	if err != nil {
		t.Fatalf("BillEvent: %v", err)
	}
	if res.Record.ProductCode != "llm-api" {
		t.Errorf("billed against %s, want llm-api", res.Record.ProductCode)
	}

	ev := chat("evt_2", "cus_1", 1)
	ev.EventType = "video"
	res, err = e.BillEvent(ctx, ev)
	if err != nil {
		t.Fatalf("BillEvent: %v", err)
	}
	if res.Status != settlement.StatusSkipped {
		t.Errorf("status: got %s, want skipped", res.Status)
	}
}

func TestBillBatch(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, billing.WithBatchConcurrency(4))
	p := activeProduct(t, e, "llm-api", tokenPrice())

	var events []*meter.UsageEvent
	for c := range 5 {
		for i := range 4 {
			events = append(events, chat(fmt.Sprintf("evt_%d_%d", c, i), fmt.Sprintf("cus_%d", c), 1000))
		}
	}
	events = append(events, &meter.UsageEvent{EventType: "chat_completion", CustomerID: "cus_0"})

	results, err := e.BillBatch(ctx, p, events)
	var multi billing.MultiError
	if !errors.As(err, &multi) || len(multi.Errors) != 1 {
		t.Fatalf("expected one batch error, got %v", err)
	}
	if !errors.Is(err, billing.ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent in %v", err)
	}
	for i, res := range results[:len(results)-1] {
		if res == nil || res.Status != settlement.StatusCharged {
			t.Errorf("event %d not charged: %+v", i, res)
		}
	}
	if results[len(results)-1] != nil {
		t.Error("invalid event produced a result")
	}

	summary, err := e.Summarize(ctx, "cus_3", settlement.ListOpts{})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(summary) != 1 || summary[0].Events != 4 || !summary[0].Charged.Equal(usd("0.12")) {
		t.Errorf("summary: %+v", summary)
	}
}

func TestConcurrentBillingDrawsOnce(t *testing.T) {
	ctx := context.Background()
	w := wallet.NewMemory(true)
	e := newEngine(t, billing.WithWallet(w))
	p := activeProduct(t, e, "llm-api", tokenPrice())
	grantUSD(t, e, "cus_1", "1")

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Every event is delivered twice.
			ev := chat(fmt.Sprintf("evt_%d", i), "cus_1", 1520)
			_, _ = e.Bill(ctx, p, ev)
			_, _ = e.Bill(ctx, p, ev)
		}()
	}
	wg.Wait()

	records, err := e.ListSettlements(ctx, "cus_1", settlement.ListOpts{})
	if err != nil {
		t.Fatalf("ListSettlements: %v", err)
	}
	if len(records) != 50 {
		t.Fatalf("records: got %d, want 50", len(records))
	}
	fromEntitlement := types.Zero("USD")
	for _, r := range records {
		fromEntitlement = fromEntitlement.Add(r.Split.FromEntitlement)
	}
	if !fromEntitlement.Equal(usd("1")) {
		t.Errorf("drawn from entitlements: got %s, want 1", fromEntitlement)
	}
	if got := w.Balance("cus_1", "USD"); !got.Equal(usd("-1.28")) {
		t.Errorf("wallet: got %s, want -1.28", got)
	}
	if got := balance(t, e, "cus_1"); !got.IsZero() {
		t.Errorf("grant balance: got %s", got)
	}
}

func TestIngest(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, billing.WithIngestConfig(2, 10*time.Millisecond))
	p := activeProduct(t, e, "llm-api", tokenPrice())
	if _, err := e.Subscribe(ctx, "cus_1", p.ID, jan1); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := e.Ingest(ctx, chat("evt_0", "cus_1", 1)); !errors.Is(err, billing.ErrEngineStopped) {
		t.Fatalf("ingest before Start: got %v", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := range 5 {
		if err := e.Ingest(ctx, chat(fmt.Sprintf("evt_%d", i), "cus_1", 1000)); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	if err := e.Ingest(ctx, &meter.UsageEvent{ID: "bad"}); !errors.Is(err, billing.ErrInvalidEvent) {
		t.Errorf("invalid event accepted: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	records, err := e.ListSettlements(ctx, "cus_1", settlement.ListOpts{Status: settlement.StatusCharged})
	if err != nil {
		t.Fatalf("ListSettlements: %v", err)
	}
	if len(records) != 5 {
		t.Errorf("records: got %d, want 5", len(records))
	}
}

func TestIngestRacingStopLosesNothing(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, billing.WithIngestConfig(16, time.Hour))
	p := activeProduct(t, e, "llm-api", tokenPrice())
	if _, err := e.Subscribe(ctx, "cus_1", p.ID, jan1); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var (
		mu       sync.Mutex
		accepted []string
		wg       sync.WaitGroup
	)
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				evID := fmt.Sprintf("evt_%d_%d", g, i)
				err := e.Ingest(ctx, chat(evID, "cus_1", 10))
				if errors.Is(err, billing.ErrEngineStopped) {
					return
				}
				if err == nil {
					mu.Lock()
					accepted = append(accepted, evID)
					mu.Unlock()
				}
			}
		}()
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	wg.Wait()

	for _, evID := range accepted {
		if _, err := e.GetSettlement(ctx, evID); err != nil {
			t.Errorf("accepted event %s not billed: %v", evID, err)
		}
	}
}

func TestIngestBufferFull(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, billing.WithIngestBuffer(1), billing.WithIngestConfig(100, time.Hour))
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	var full bool
	for i := range 1000 {
		if err := e.Ingest(ctx, chat(fmt.Sprintf("evt_%d", i), "cus_1", 1)); errors.Is(err, billing.ErrIngestBufferFull) {
			full = true
			break
		}
	}
	if !full {
		t.Error("expected ErrIngestBufferFull")
	}
}

func TestProductLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	empty := &product.Product{Code: "empty", Name: "Empty"}
	if err := e.CreateProduct(ctx, empty); err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	if _, err := e.ActivateProduct(ctx, empty.ID); !errors.Is(err, billing.ErrProductHasNoPrices) {
		t.Errorf("activate without prices: got %v", err)
	}
	if _, err := e.Subscribe(ctx, "cus_1", empty.ID, jan1); !errors.Is(err, billing.ErrProductNotActive) {
		t.Errorf("subscribe to draft: got %v", err)
	}

	bad := tokenPrice()
	bad.AssetCode = "EUR"
	if err := e.CreateProduct(ctx, &product.Product{Code: "eur", Name: "EUR", Prices: []product.Price{bad}}); !errors.Is(err, billing.ErrUnknownAsset) {
		t.Errorf("unknown asset: got %v", err)
	}
	if err := e.CreateProduct(ctx, &product.Product{Code: "empty", Name: "Dup"}); !errors.Is(err, billing.ErrAlreadyExists) {
		t.Errorf("duplicate code: got %v", err)
	}

	p := activeProduct(t, e, "llm-api", tokenPrice())
	if p.Version != 1 || p.Status != product.StatusActive {
		t.Fatalf("product: version %d status %s", p.Version, p.Status)
	}

	next := tokenPrice()
	next.UnitPrice = d("0.00002")
	updated, err := e.UpdateProduct(ctx, p.ID, &product.Product{Name: "LLM API v2", Prices: []product.Price{next}})
	if err != nil {
		t.Fatalf("UpdateProduct: %v", err)
	}
	if updated.Version != 2 || len(updated.Revisions) != 1 {
		t.Errorf("revision: version %d revisions %d", updated.Version, len(updated.Revisions))
	}
	if _, err := e.UpdateProduct(ctx, p.ID, &product.Product{Code: "renamed", Name: "x", Prices: []product.Price{next}}); !errors.Is(err, billing.ErrImmutableCode) {
		t.Errorf("code change: got %v", err)
	}

	byCode, err := e.GetProductByCode(ctx, "llm-api")
	if err != nil || byCode.Name != "LLM API v2" {
		t.Errorf("GetProductByCode: %v %v", byCode, err)
	}

	if _, err := e.ArchiveProduct(ctx, p.ID); err != nil {
		t.Fatalf("ArchiveProduct: %v", err)
	}
	if _, err := e.UpdateProduct(ctx, p.ID, &product.Product{Name: "x", Prices: []product.Price{next}}); !errors.Is(err, billing.ErrProductArchived) {
		t.Errorf("update archived: got %v", err)
	}
	if _, err := e.Subscribe(ctx, "cus_1", p.ID, jan1); !errors.Is(err, billing.ErrProductNotActive) {
		t.Errorf("subscribe to archived: got %v", err)
	}

	active, err := e.ListProducts(ctx, product.ListOpts{Status: product.StatusActive})
	if err != nil || len(active) != 0 {
		t.Errorf("active products: %d %v", len(active), err)
	}
}

type countingPlugin struct {
	billed, skipped, quarantined, replayed, drawn, grants atomic.Int32
}

func (*countingPlugin) Name() string { return "counting" }

func (c *countingPlugin) OnEventBilled(context.Context, *settlement.Record) error {
	c.billed.Add(1)
	return nil
}

func (c *countingPlugin) OnEventSkipped(context.Context, *settlement.Record) error {
	c.skipped.Add(1)
	return nil
}

func (c *countingPlugin) OnEventQuarantined(context.Context, *settlement.Record, error) error {
	c.quarantined.Add(1)
	return nil
}

func (c *countingPlugin) OnEventReplayed(context.Context, *settlement.Record) error {
	c.replayed.Add(1)
	return nil
}

func (c *countingPlugin) OnEntitlementDrawn(context.Context, *entitlement.Settlement) error {
	c.drawn.Add(1)
	return nil
}

func (c *countingPlugin) OnGrantCreated(context.Context, *entitlement.CreditGrant) error {
	c.grants.Add(1)
	return nil
}

func TestPluginHooks(t *testing.T) {
	ctx := context.Background()
	hooks := &countingPlugin{}
	e := newEngine(t, billing.WithPlugin(hooks))
	p := activeProduct(t, e, "llm-api", tokenPrice())
	grantUSD(t, e, "cus_1", "1")

	_, _ = e.Bill(ctx, p, chat("evt_1", "cus_1", 1520))
	_, _ = e.Bill(ctx, p, chat("evt_1", "cus_1", 1520))

	skip := chat("evt_2", "cus_1", 1)
	skip.EventType = "other"
	_, _ = e.Bill(ctx, p, skip)

	bad := chat("evt_3", "cus_1", 0)
	bad.Properties = nil
	_, _ = e.Bill(ctx, p, bad)

	got := [5]int32{hooks.billed.Load(), hooks.skipped.Load(), hooks.quarantined.Load(), hooks.replayed.Load(), hooks.drawn.Load()}
	if got != [5]int32{1, 1, 1, 1, 1} {
		t.Errorf("hook counts (billed, skipped, quarantined, replayed, drawn): %v", got)
	}
}
