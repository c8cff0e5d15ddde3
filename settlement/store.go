package settlement

import (
	"context"
	"time"

	"github.com/credyt/billing/id"
)

type Store interface {
	// CreateSettlement fails with ErrAlreadyExists when the event already
	// has a record.
	CreateSettlement(ctx context.Context, r *Record) error
	GetSettlement(ctx context.Context, settlementID id.SettlementID) (*Record, error)
	GetSettlementByEvent(ctx context.Context, eventID string) (*Record, error)
	ListSettlements(ctx context.Context, customerID string, opts ListOpts) ([]*Record, error)
	DeleteSettlement(ctx context.Context, settlementID id.SettlementID) error
}

type ListOpts struct {
	Status Status
	Start  time.Time
	End    time.Time
	Limit  int
	Offset int
}
