package billing_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/credyt/billing"
	"github.com/credyt/billing/asset"
	"github.com/credyt/billing/meter"
	"github.com/credyt/billing/product"
	"github.com/credyt/billing/store/memory"
	"github.com/credyt/billing/wallet"
)

// TestDocumentationExamples walks through the package documentation flow.
func TestDocumentationExamples(t *testing.T) {
	t.Run("QuickStartExample", func(t *testing.T) {
		ctx := context.Background()

		engine := billing.New(memory.New(),
			billing.WithLogger(slog.Default()),
			billing.WithWallet(wallet.NewMemory(true)),
			billing.WithCanonicalAsset("USD"),
			billing.WithIngestConfig(100, 5*time.Second),
		)
		if err := engine.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer engine.Stop()

		if err := engine.RegisterAsset(ctx, &asset.Asset{Code: "USD", Kind: asset.KindFiat, Scale: 2, Symbol: "$"}); err != nil {
			t.Fatal(err)
		}

		p := &product.Product{
			Code: "llm",
			Name: "LLM API",
			Prices: []product.Price{{
				Type:             product.PriceUsage,
				EventType:        "completion",
				AssetCode:        "USD",
				UsageCalculation: product.CalcVolume,
				VolumeField:      "total_tokens",
				UnitPrice:        decimal.RequireFromString("0.00003"),
				Entitlements: []product.Entitlement{{
					AssetCode:       "USD",
					Amount:          decimal.RequireFromString("5"),
					RefreshStrategy: product.RefreshReset,
					RefreshInterval: product.IntervalMonthly,
				}},
			}},
		}
		if err := engine.CreateProduct(ctx, p); err != nil {
			t.Fatal(err)
		}
		if _, err := engine.ActivateProduct(ctx, p.ID); err != nil {
			t.Fatal(err)
		}

		start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		if _, err := engine.Subscribe(ctx, "cus_42", p.ID, start); err != nil {
			t.Fatal(err)
		}

		res, err := engine.BillEvent(ctx, &meter.UsageEvent{
			ID:         "evt_1",
			EventType:  "completion",
			CustomerID: "cus_42",
			Timestamp:  start.Add(time.Hour),
			Properties: map[string]any{"total_tokens": 1520},
		})
		if err != nil {
			t.Fatal(err)
		}
		if got := res.Record.Fee.Amount.String(); got != "0.0456 USD" {
			t.Errorf("fee: got %s", got)
		}
		if res.Record.Fee.CanonicalAmount != nil {
			t.Error("fee already in the canonical asset gained a conversion")
		}
	})
}
