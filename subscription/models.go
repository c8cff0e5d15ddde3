// Package subscription links customers to the products they are billed under.
package subscription

import (
	"errors"
	"time"

	"github.com/credyt/billing/id"
	"github.com/credyt/billing/types"
)

var (
	ErrProductNotActive     = errors.New("billing: product is not active")
	ErrSubscriptionCanceled = errors.New("billing: subscription is canceled")
	ErrNoActiveSubscription = errors.New("billing: no active subscription")
)

type Status string

const (
	StatusActive   Status = "active"
	StatusCanceled Status = "canceled"
)

type Subscription struct {
	types.Entity
	ID             id.SubscriptionID `json:"id"`
	CustomerID     string            `json:"customer_id"`
	ProductID      id.ProductID      `json:"product_id"`
	ProductCode    string            `json:"product_code"`
	ProductVersion int               `json:"product_version"`
	Status         Status            `json:"status"`
	StartedAt      time.Time         `json:"started_at"`
	CanceledAt     *time.Time        `json:"canceled_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ActiveAt reports whether the subscription covers t.
func (s *Subscription) ActiveAt(t time.Time) bool {
	if t.Before(s.StartedAt) {
		return false
	}
	if s.CanceledAt != nil {
		return t.Before(*s.CanceledAt)
	}
	return s.Status == StatusActive
}
