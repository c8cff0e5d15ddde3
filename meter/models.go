// Package meter defines usage events and the fees and costs they produce.
package meter

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/credyt/billing/id"
	"github.com/credyt/billing/types"
)

// ErrInvalidEvent is returned for events missing identifying fields.
var ErrInvalidEvent = errors.New("billing: invalid usage event")

// UsageEvent is an immutable fact reported by an event source. ID is
// assigned by the source and is the idempotency key for billing.
type UsageEvent struct {
	ID         string         `json:"id"`
	EventType  string         `json:"event_type"`
	CustomerID string         `json:"customer_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Properties map[string]any `json:"properties,omitempty"`
	Fees       []Fee          `json:"fees,omitempty"`
	Costs      []Cost         `json:"costs,omitempty"`
}

// Validate checks the identifying fields of the event.
func (e *UsageEvent) Validate() error {
	switch {
	case e == nil:
		return ErrInvalidEvent
	case e.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidEvent)
	case e.EventType == "":
		return fmt.Errorf("%w: event_type is required", ErrInvalidEvent)
	case e.CustomerID == "":
		return fmt.Errorf("%w: customer_id is required", ErrInvalidEvent)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEvent)
	}
	return nil
}

// Fee is the charge produced by billing an event against one price.
// Amount is unrounded.
type Fee struct {
	ID              id.FeeID          `json:"id"`
	EventID         string            `json:"event_id"`
	ProductID       id.ProductID      `json:"product_id"`
	ProductCode     string            `json:"product_code"`
	PriceID         id.PriceID        `json:"price_id"`
	Amount          types.Money       `json:"amount"`
	CanonicalAmount *types.Money      `json:"canonical_amount,omitempty"`
	Volume          *decimal.Decimal  `json:"volume,omitempty"`
	Dimensions      map[string]string `json:"dimensions,omitempty"`
}

// Cost is a vendor cost incurred while serving an event.
type Cost struct {
	Vendor      string      `json:"vendor"`
	Amount      types.Money `json:"amount"`
	Description string      `json:"description,omitempty"`
}

// Number returns the property as a decimal. Only JSON numbers and Go
// numeric types qualify; numeric strings do not.
func (e *UsageEvent) Number(key string) (decimal.Decimal, bool) {
	v, ok := e.Properties[key]
	if !ok {
		return decimal.Zero, false
	}

	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case *decimal.Decimal:
		if n == nil {
			return decimal.Zero, false
		}
		return *n, true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(n), true
	case float32:
		f := float64(n)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int8:
		return decimal.NewFromInt(int64(n)), true
	case int16:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(n)), 0), true
	case uint8:
		return decimal.NewFromInt(int64(n)), true
	case uint16:
		return decimal.NewFromInt(int64(n)), true
	case uint32:
		return decimal.NewFromInt(int64(n)), true
	case uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(n), 0), true
	}
	return decimal.Zero, false
}

// Text returns the property if it is present and a string.
func (e *UsageEvent) Text(key string) (string, bool) {
	s, ok := e.Properties[key].(string)
	return s, ok
}
