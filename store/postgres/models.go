package postgres

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xraph/grove"

	"github.com/credyt/billing/asset"
	"github.com/credyt/billing/entitlement"
	"github.com/credyt/billing/id"
	"github.com/credyt/billing/meter"
	"github.com/credyt/billing/product"
	"github.com/credyt/billing/settlement"
	"github.com/credyt/billing/subscription"
	"github.com/credyt/billing/types"
)

// ==================== Asset models ====================

type assetModel struct {
	grove.BaseModel `grove:"table:billing_assets"`

	Code      string    `grove:"code,pk"`
	Name      string    `grove:"name"`
	Kind      string    `grove:"kind"`
	Scale     int32     `grove:"scale"`
	Symbol    string    `grove:"symbol"`
	CreatedAt time.Time `grove:"created_at"`
	UpdatedAt time.Time `grove:"updated_at"`
}

func toAssetModel(a *asset.Asset) *assetModel {
	return &assetModel{
		Code:      a.Code,
		Name:      a.Name,
		Kind:      string(a.Kind),
		Scale:     a.Scale,
		Symbol:    a.Symbol,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func fromAssetModel(m *assetModel) *asset.Asset {
	return &asset.Asset{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		Code:   m.Code,
		Name:   m.Name,
		Kind:   asset.Kind(m.Kind),
		Scale:  m.Scale,
		Symbol: m.Symbol,
	}
}

type rateModel struct {
	grove.BaseModel `grove:"table:billing_rates"`

	ID          string    `grove:"id,pk"`
	FromAsset   string    `grove:"from_asset"`
	ToAsset     string    `grove:"to_asset"`
	Rate        string    `grove:"rate"`
	EffectiveAt time.Time `grove:"effective_at"`
	CreatedAt   time.Time `grove:"created_at"`
	UpdatedAt   time.Time `grove:"updated_at"`
}

func toRateModel(r *asset.ExchangeRate) *rateModel {
	return &rateModel{
		ID:          r.ID.String(),
		FromAsset:   r.From,
		ToAsset:     r.To,
		Rate:        r.Rate.String(),
		EffectiveAt: r.EffectiveAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func fromRateModel(m *rateModel) (*asset.ExchangeRate, error) {
	rateID, err := id.ParseRateID(m.ID)
	if err != nil {
		return nil, err
	}
	rate, err := decimal.NewFromString(m.Rate)
	if err != nil {
		return nil, err
	}
	return &asset.ExchangeRate{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          rateID,
		From:        m.FromAsset,
		To:          m.ToAsset,
		Rate:        rate,
		EffectiveAt: m.EffectiveAt,
	}, nil
}

// ==================== Product models ====================

type productModel struct {
	grove.BaseModel `grove:"table:billing_products"`

	ID          string            `grove:"id,pk"`
	Code        string            `grove:"code"`
	Name        string            `grove:"name"`
	Description string            `grove:"description"`
	Status      string            `grove:"status"`
	Prices      json.RawMessage   `grove:"prices,type:jsonb"`
	Version     int               `grove:"version"`
	Revisions   json.RawMessage   `grove:"revisions,type:jsonb"`
	Metadata    map[string]string `grove:"metadata,type:jsonb"`
	CreatedAt   time.Time         `grove:"created_at"`
	UpdatedAt   time.Time         `grove:"updated_at"`
}

func toProductModel(p *product.Product) *productModel {
	prices, _ := json.Marshal(p.Prices)       //nolint:errcheck // best-effort
	revisions, _ := json.Marshal(p.Revisions) //nolint:errcheck // best-effort

	return &productModel{
		ID:          p.ID.String(),
		Code:        p.Code,
		Name:        p.Name,
		Description: p.Description,
		Status:      string(p.Status),
		Prices:      prices,
		Version:     p.Version,
		Revisions:   revisions,
		Metadata:    p.Metadata,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func fromProductModel(m *productModel) (*product.Product, error) {
	productID, err := id.ParseProductID(m.ID)
	if err != nil {
		return nil, err
	}

	var prices []product.Price
	if len(m.Prices) > 0 {
		if err := json.Unmarshal(m.Prices, &prices); err != nil {
			return nil, err
		}
	}

	var revisions []product.Revision
	if len(m.Revisions) > 0 && string(m.Revisions) != "null" {
		_ = json.Unmarshal(m.Revisions, &revisions) //nolint:errcheck // best-effort
	}

	return &product.Product{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          productID,
		Code:        m.Code,
		Name:        m.Name,
		Description: m.Description,
		Status:      product.Status(m.Status),
		Prices:      prices,
		Version:     m.Version,
		Revisions:   revisions,
		Metadata:    m.Metadata,
	}, nil
}

// ==================== Grant models ====================

type grantModel struct {
	grove.BaseModel `grove:"table:billing_grants"`

	ID              string            `grove:"id,pk"`
	CustomerID      string            `grove:"customer_id"`
	AssetCode       string            `grove:"asset_code"`
	Amount          string            `grove:"amount"`
	Remaining       string            `grove:"remaining"`
	Purpose         string            `grove:"purpose"`
	EffectiveAt     time.Time         `grove:"effective_at"`
	ExpiresAt       *time.Time        `grove:"expires_at"`
	RefreshStrategy string            `grove:"refresh_strategy"`
	RefreshInterval string            `grove:"refresh_interval"`
	LastRefreshedAt *time.Time        `grove:"last_refreshed_at"`
	SourcePriceID   string            `grove:"source_price_id"`
	SubscriptionID  string            `grove:"subscription_id"`
	Metadata        map[string]string `grove:"metadata,type:jsonb"`
	CreatedAt       time.Time         `grove:"created_at"`
	UpdatedAt       time.Time         `grove:"updated_at"`
}

func toGrantModel(g *entitlement.CreditGrant) *grantModel {
	return &grantModel{
		ID:              g.ID.String(),
		CustomerID:      g.CustomerID,
		AssetCode:       g.AssetCode,
		Amount:          g.Amount.String(),
		Remaining:       g.Remaining.String(),
		Purpose:         string(g.Purpose),
		EffectiveAt:     g.EffectiveAt,
		ExpiresAt:       g.ExpiresAt,
		RefreshStrategy: string(g.RefreshStrategy),
		RefreshInterval: string(g.RefreshInterval),
		LastRefreshedAt: g.LastRefreshedAt,
		SourcePriceID:   g.SourcePriceID.String(),
		SubscriptionID:  g.SubscriptionID.String(),
		Metadata:        g.Metadata,
		CreatedAt:       g.CreatedAt,
		UpdatedAt:       g.UpdatedAt,
	}
}

func fromGrantModel(m *grantModel) (*entitlement.CreditGrant, error) {
	grantID, err := id.ParseGrantID(m.ID)
	if err != nil {
		return nil, err
	}
	priceID, err := parseOptional(m.SourcePriceID, id.ParsePriceID)
	if err != nil {
		return nil, err
	}
	subID, err := parseOptional(m.SubscriptionID, id.ParseSubscriptionID)
	if err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(m.Amount)
	if err != nil {
		return nil, err
	}
	remaining, err := decimal.NewFromString(m.Remaining)
	if err != nil {
		return nil, err
	}

	return &entitlement.CreditGrant{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:              grantID,
		CustomerID:      m.CustomerID,
		AssetCode:       m.AssetCode,
		Amount:          amount,
		Remaining:       remaining,
		Purpose:         product.Purpose(m.Purpose),
		EffectiveAt:     m.EffectiveAt,
		ExpiresAt:       m.ExpiresAt,
		RefreshStrategy: product.RefreshStrategy(m.RefreshStrategy),
		RefreshInterval: product.Interval(m.RefreshInterval),
		LastRefreshedAt: m.LastRefreshedAt,
		SourcePriceID:   priceID,
		SubscriptionID:  subID,
		Metadata:        m.Metadata,
	}, nil
}

// ==================== Settlement models ====================

type settlementModel struct {
	grove.BaseModel `grove:"table:billing_settlements"`

	ID          string          `grove:"id,pk"`
	EventID     string          `grove:"event_id"`
	EventType   string          `grove:"event_type"`
	CustomerID  string          `grove:"customer_id"`
	ProductID   string          `grove:"product_id"`
	ProductCode string          `grove:"product_code"`
	Status      string          `grove:"status"`
	Fee         json.RawMessage `grove:"fee,type:jsonb"`
	Split       json.RawMessage `grove:"split,type:jsonb"`
	Costs       json.RawMessage `grove:"costs,type:jsonb"`
	Reason      string          `grove:"reason"`
	Warnings    json.RawMessage `grove:"warnings,type:jsonb"`
	OccurredAt  time.Time       `grove:"occurred_at"`
	CreatedAt   time.Time       `grove:"created_at"`
	UpdatedAt   time.Time       `grove:"updated_at"`
}

func toSettlementModel(r *settlement.Record) *settlementModel {
	fee, _ := json.Marshal(r.Fee)           //nolint:errcheck // best-effort
	split, _ := json.Marshal(r.Split)       //nolint:errcheck // best-effort
	costs, _ := json.Marshal(r.Costs)       //nolint:errcheck // best-effort
	warnings, _ := json.Marshal(r.Warnings) //nolint:errcheck // best-effort

	return &settlementModel{
		ID:          r.ID.String(),
		EventID:     r.EventID,
		EventType:   r.EventType,
		CustomerID:  r.CustomerID,
		ProductID:   r.ProductID.String(),
		ProductCode: r.ProductCode,
		Status:      string(r.Status),
		Fee:         fee,
		Split:       split,
		Costs:       costs,
		Reason:      r.Reason,
		Warnings:    warnings,
		OccurredAt:  r.OccurredAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func fromSettlementModel(m *settlementModel) (*settlement.Record, error) {
	settlementID, err := id.ParseSettlementID(m.ID)
	if err != nil {
		return nil, err
	}
	productID, err := parseOptional(m.ProductID, id.ParseProductID)
	if err != nil {
		return nil, err
	}

	r := &settlement.Record{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          settlementID,
		EventID:     m.EventID,
		EventType:   m.EventType,
		CustomerID:  m.CustomerID,
		ProductID:   productID,
		ProductCode: m.ProductCode,
		Status:      settlement.Status(m.Status),
		Reason:      m.Reason,
		OccurredAt:  m.OccurredAt,
	}

	if present(m.Fee) {
		r.Fee = new(meter.Fee)
		if err := json.Unmarshal(m.Fee, r.Fee); err != nil {
			return nil, err
		}
	}
	if present(m.Split) {
		r.Split = new(entitlement.Settlement)
		if err := json.Unmarshal(m.Split, r.Split); err != nil {
			return nil, err
		}
	}
	if present(m.Costs) {
		_ = json.Unmarshal(m.Costs, &r.Costs) //nolint:errcheck // best-effort
	}
	if present(m.Warnings) {
		_ = json.Unmarshal(m.Warnings, &r.Warnings) //nolint:errcheck // best-effort
	}
	return r, nil
}

// ==================== Subscription models ====================

type subscriptionModel struct {
	grove.BaseModel `grove:"table:billing_subscriptions"`

	ID             string            `grove:"id,pk"`
	CustomerID     string            `grove:"customer_id"`
	ProductID      string            `grove:"product_id"`
	ProductCode    string            `grove:"product_code"`
	ProductVersion int               `grove:"product_version"`
	Status         string            `grove:"status"`
	StartedAt      time.Time         `grove:"started_at"`
	CanceledAt     *time.Time        `grove:"canceled_at"`
	Metadata       map[string]string `grove:"metadata,type:jsonb"`
	CreatedAt      time.Time         `grove:"created_at"`
	UpdatedAt      time.Time         `grove:"updated_at"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	return &subscriptionModel{
		ID:             s.ID.String(),
		CustomerID:     s.CustomerID,
		ProductID:      s.ProductID.String(),
		ProductCode:    s.ProductCode,
		ProductVersion: s.ProductVersion,
		Status:         string(s.Status),
		StartedAt:      s.StartedAt,
		CanceledAt:     s.CanceledAt,
		Metadata:       s.Metadata,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, err
	}
	productID, err := id.ParseProductID(m.ProductID)
	if err != nil {
		return nil, err
	}

	return &subscription.Subscription{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             subID,
		CustomerID:     m.CustomerID,
		ProductID:      productID,
		ProductCode:    m.ProductCode,
		ProductVersion: m.ProductVersion,
		Status:         subscription.Status(m.Status),
		StartedAt:      m.StartedAt,
		CanceledAt:     m.CanceledAt,
		Metadata:       m.Metadata,
	}, nil
}

// parseOptional parses an ID column that may be empty.
func parseOptional(s string, parse func(string) (id.ID, error)) (id.ID, error) {
	if s == "" {
		return id.ID{}, nil
	}
	return parse(s)
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
