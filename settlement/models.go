// Package settlement records the outcome of billing each event. The record
// store doubles as the event ledger that makes billing idempotent.
package settlement

import (
	"errors"
	"sort"
	"time"

	"github.com/credyt/billing/entitlement"
	"github.com/credyt/billing/id"
	"github.com/credyt/billing/meter"
	"github.com/credyt/billing/types"
)

var (
	ErrDoubleBilling    = errors.New("billing: event already billed")
	ErrEventQuarantined = errors.New("billing: event is quarantined")
)

type Status string

const (
	// StatusCharged means a fee was computed and settled.
	StatusCharged Status = "charged"
	// StatusSkipped means no usage price matched the event.
	StatusSkipped Status = "skipped"
	// StatusFailed means the event is quarantined for manual review.
	StatusFailed Status = "failed"
)

// Record is the durable outcome of billing one event.
type Record struct {
	types.Entity
	ID          id.SettlementID         `json:"id"`
	EventID     string                  `json:"event_id"`
	EventType   string                  `json:"event_type"`
	CustomerID  string                  `json:"customer_id"`
	ProductID   id.ProductID            `json:"product_id,omitzero"`
	ProductCode string                  `json:"product_code,omitempty"`
	Status      Status                  `json:"status"`
	Fee         *meter.Fee              `json:"fee,omitempty"`
	Split       *entitlement.Settlement `json:"split,omitempty"`
	Costs       []meter.Cost            `json:"costs,omitempty"`
	Reason      string                  `json:"reason,omitempty"`
	Warnings    []string                `json:"warnings,omitempty"`
	OccurredAt  time.Time               `json:"occurred_at"`
}

// Quarantined reports whether the record holds the event for review.
func (r *Record) Quarantined() bool { return r.Status == StatusFailed }

// Summary totals charged records in one asset.
type Summary struct {
	Asset           string      `json:"asset"`
	Events          int         `json:"events"`
	Charged         types.Money `json:"charged"`
	FromEntitlement types.Money `json:"from_entitlement"`
	FromWallet      types.Money `json:"from_wallet"`
}

// Summarize totals charged records per fee asset, sorted by asset code.
// Skipped and failed records are ignored.
func Summarize(records []*Record) []Summary {
	byAsset := make(map[string]*Summary)
	for _, r := range records {
		if r.Status != StatusCharged || r.Fee == nil {
			continue
		}
		code := r.Fee.Amount.Asset
		s, ok := byAsset[code]
		if !ok {
			s = &Summary{
				Asset:           code,
				Charged:         types.Zero(code),
				FromEntitlement: types.Zero(code),
				FromWallet:      types.Zero(code),
			}
			byAsset[code] = s
		}
		s.Events++
		s.Charged = s.Charged.Add(r.Fee.Amount)
		if r.Split != nil {
			s.FromEntitlement = s.FromEntitlement.Add(r.Split.FromEntitlement)
			s.FromWallet = s.FromWallet.Add(r.Split.FromWallet)
		} else {
			s.FromWallet = s.FromWallet.Add(r.Fee.Amount)
		}
	}

	out := make([]Summary, 0, len(byAsset))
	for _, s := range byAsset {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}
