package wallet_test

import (
	"context"
	"errors"
	"testing"

	"github.com/credyt/billing/types"
	"github.com/credyt/billing/wallet"
)

func TestMemoryDebitCredit(t *testing.T) {
	ctx := context.Background()
	w := wallet.NewMemory(false)

	if err := w.Debit(ctx, "cus_1", types.MustParse("1", "USD"), "evt_1"); !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := w.Credit(ctx, "cus_1", types.MustParse("50", "USD"), "topup"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if err := w.Debit(ctx, "cus_1", types.MustParse("35.20", "USD"), "evt_1"); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if got := w.Balance("cus_1", "usd"); !got.Equal(types.MustParse("14.80", "USD")) {
		t.Errorf("balance: got %s", got)
	}
	if got := w.Balance("cus_2", "USD"); !got.IsZero() {
		t.Errorf("unknown customer: got %s", got)
	}
}

func TestMemoryOverdraft(t *testing.T) {
	w := wallet.NewMemory(true)
	if err := w.Debit(context.Background(), "cus_1", types.MustParse("0.0456", "USD"), "evt_1"); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if got := w.Balance("cus_1", "USD"); !got.Equal(types.MustParse("-0.0456", "USD")) {
		t.Errorf("balance: got %s", got)
	}
}
