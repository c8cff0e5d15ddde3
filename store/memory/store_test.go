package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/credyt/billing"
	"github.com/credyt/billing/asset"
	"github.com/credyt/billing/entitlement"
	"github.com/credyt/billing/id"
	"github.com/credyt/billing/product"
	"github.com/credyt/billing/settlement"
	"github.com/credyt/billing/store/memory"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRateAtPicksLatestEffective(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	for i, r := range []string{"0.90", "0.92", "0.95"} {
		rate := &asset.ExchangeRate{
			ID:          id.NewRateID(),
			From:        "USD",
			To:          "EUR",
			Rate:        decimal.RequireFromString(r),
			EffectiveAt: t0.AddDate(0, i, 0),
		}
		if err := s.CreateRate(ctx, rate); err != nil {
			t.Fatalf("CreateRate: %v", err)
		}
	}

	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"exact boundary", t0.AddDate(0, 1, 0), "0.92"},
		{"between", t0.AddDate(0, 1, 15), "0.92"},
		{"after last", t0.AddDate(1, 0, 0), "0.95"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.GetRateAt(ctx, "USD", "EUR", tt.at)
			if err != nil {
				t.Fatalf("GetRateAt: %v", err)
			}
			if got.Rate.String() != decimal.RequireFromString(tt.want).String() {
				t.Errorf("rate: got %s, want %s", got.Rate, tt.want)
			}
		})
	}

	if _, err := s.GetRateAt(ctx, "USD", "EUR", t0.Add(-time.Hour)); !errors.Is(err, asset.ErrNoRateAvailable) {
		t.Errorf("before first rate: got %v, want ErrNoRateAvailable", err)
	}
}

func TestProductCodeIsUniqueAndImmutable(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	p := &product.Product{ID: id.NewProductID(), Code: "ai-tokens", Status: product.StatusDraft}
	if err := s.CreateProduct(ctx, p); err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	dup := &product.Product{ID: id.NewProductID(), Code: "ai-tokens"}
	if err := s.CreateProduct(ctx, dup); !errors.Is(err, billing.ErrAlreadyExists) {
		t.Errorf("duplicate code: got %v, want ErrAlreadyExists", err)
	}

	renamed := *p
	renamed.Code = "tokens"
	if err := s.UpdateProduct(ctx, &renamed); !errors.Is(err, product.ErrImmutableCode) {
		t.Errorf("rename: got %v, want ErrImmutableCode", err)
	}

	got, err := s.GetProductByCode(ctx, "ai-tokens")
	if err != nil {
		t.Fatalf("GetProductByCode: %v", err)
	}
	got.Name = "mutated"
	again, _ := s.GetProduct(ctx, p.ID)
	if again.Name == "mutated" {
		t.Error("store shares state with callers")
	}
}

func TestUpdateGrantsIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	g := &entitlement.CreditGrant{
		ID:          id.NewGrantID(),
		CustomerID:  "cus_1",
		AssetCode:   "CREDITS",
		Amount:      decimal.NewFromInt(200),
		Remaining:   decimal.NewFromInt(200),
		EffectiveAt: t0,
	}
	if err := s.CreateGrant(ctx, g); err != nil {
		t.Fatalf("CreateGrant: %v", err)
	}

	changed := g.Clone()
	changed.Remaining = decimal.RequireFromString("154.80")
	missing := &entitlement.CreditGrant{ID: id.NewGrantID(), CustomerID: "cus_1"}

	err := s.UpdateGrants(ctx, []*entitlement.CreditGrant{changed, missing})
	if !errors.Is(err, billing.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}

	got, _ := s.GetGrant(ctx, g.ID)
	if !got.Remaining.Equal(decimal.NewFromInt(200)) {
		t.Errorf("remaining changed to %s after failed update", got.Remaining)
	}
}

func TestListGrantsActiveAt(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	expiry := t0.AddDate(0, 1, 0)
	grants := []*entitlement.CreditGrant{
		{ID: id.NewGrantID(), CustomerID: "cus_1", AssetCode: "CREDITS", EffectiveAt: t0},
		{ID: id.NewGrantID(), CustomerID: "cus_1", AssetCode: "CREDITS", EffectiveAt: t0, ExpiresAt: &expiry},
		{ID: id.NewGrantID(), CustomerID: "cus_1", AssetCode: "CREDITS", EffectiveAt: t0.AddDate(0, 2, 0)},
		{ID: id.NewGrantID(), CustomerID: "cus_2", AssetCode: "CREDITS", EffectiveAt: t0},
	}
	for _, g := range grants {
		if err := s.CreateGrant(ctx, g); err != nil {
			t.Fatalf("CreateGrant: %v", err)
		}
	}

	tests := []struct {
		name string
		at   time.Time
		want int
	}{
		{"any time", time.Time{}, 3},
		{"before expiry", t0.AddDate(0, 0, 10), 2},
		{"at expiry", expiry, 1},
		{"after later grant starts", t0.AddDate(0, 3, 0), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListGrants(ctx, "cus_1", entitlement.ListOpts{ActiveAt: tt.at})
			if err != nil {
				t.Fatalf("ListGrants: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d grants, want %d", len(got), tt.want)
			}
		})
	}
}

func TestSettlementsByEvent(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	for i, ev := range []string{"evt_b", "evt_a", "evt_c"} {
		rec := &settlement.Record{
			ID:         id.NewSettlementID(),
			EventID:    ev,
			CustomerID: "cus_1",
			Status:     settlement.StatusCharged,
			OccurredAt: t0.Add(time.Duration(i/2) * time.Hour),
		}
		if err := s.CreateSettlement(ctx, rec); err != nil {
			t.Fatalf("CreateSettlement: %v", err)
		}
	}

	dup := &settlement.Record{ID: id.NewSettlementID(), EventID: "evt_a", CustomerID: "cus_1"}
	if err := s.CreateSettlement(ctx, dup); !errors.Is(err, billing.ErrAlreadyExists) {
		t.Errorf("duplicate event: got %v, want ErrAlreadyExists", err)
	}

	list, err := s.ListSettlements(ctx, "cus_1", settlement.ListOpts{})
	if err != nil {
		t.Fatalf("ListSettlements: %v", err)
	}
	var order []string
	for _, r := range list {
		order = append(order, r.EventID)
	}
	if want := []string{"evt_a", "evt_b", "evt_c"}; len(order) != 3 || order[0] != want[0] || order[1] != want[1] || order[2] != want[2] {
		t.Errorf("order: got %v, want %v", order, want)
	}

	rec, err := s.GetSettlementByEvent(ctx, "evt_c")
	if err != nil {
		t.Fatalf("GetSettlementByEvent: %v", err)
	}
	if err := s.DeleteSettlement(ctx, rec.ID); err != nil {
		t.Fatalf("DeleteSettlement: %v", err)
	}
	if _, err := s.GetSettlementByEvent(ctx, "evt_c"); !errors.Is(err, billing.ErrNotFound) {
		t.Errorf("after delete: got %v, want ErrNotFound", err)
	}
}
