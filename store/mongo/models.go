package mongo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xraph/grove"
	"go.mongodb.org/mongo-driver/v2/bson"

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

	Code      string    `grove:"code,pk"    bson:"_id"`
	Name      string    `grove:"name"       bson:"name"`
	Kind      string    `grove:"kind"       bson:"kind"`
	Scale     int32     `grove:"scale"      bson:"scale"`
	Symbol    string    `grove:"symbol"     bson:"symbol,omitempty"`
	CreatedAt time.Time `grove:"created_at" bson:"created_at"`
	UpdatedAt time.Time `grove:"updated_at" bson:"updated_at"`
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

	ID          string          `grove:"id,pk"        bson:"_id"`
	FromAsset   string          `grove:"from_asset"   bson:"from_asset"`
	ToAsset     string          `grove:"to_asset"     bson:"to_asset"`
	Rate        bson.Decimal128 `grove:"rate"         bson:"rate"`
	EffectiveAt time.Time       `grove:"effective_at" bson:"effective_at"`
	CreatedAt   time.Time       `grove:"created_at"   bson:"created_at"`
	UpdatedAt   time.Time       `grove:"updated_at"   bson:"updated_at"`
}

func toRateModel(r *asset.ExchangeRate) (*rateModel, error) {
	rate, err := toDecimal128(r.Rate)
	if err != nil {
		return nil, err
	}
	return &rateModel{
		ID:          r.ID.String(),
		FromAsset:   r.From,
		ToAsset:     r.To,
		Rate:        rate,
		EffectiveAt: r.EffectiveAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

func fromRateModel(m *rateModel) (*asset.ExchangeRate, error) {
	rateID, err := id.ParseRateID(m.ID)
	if err != nil {
		return nil, err
	}
	rate, err := fromDecimal128(m.Rate)
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

	ID          string            `grove:"id,pk"       bson:"_id"`
	Code        string            `grove:"code"        bson:"code"`
	Name        string            `grove:"name"        bson:"name"`
	Description string            `grove:"description" bson:"description,omitempty"`
	Status      string            `grove:"status"      bson:"status"`
	Prices      bson.A            `grove:"prices"      bson:"prices"`
	Version     int               `grove:"version"     bson:"version"`
	Revisions   bson.A            `grove:"revisions"   bson:"revisions,omitempty"`
	Metadata    map[string]string `grove:"metadata"    bson:"metadata,omitempty"`
	CreatedAt   time.Time         `grove:"created_at"  bson:"created_at"`
	UpdatedAt   time.Time         `grove:"updated_at"  bson:"updated_at"`
}

func toProductModel(p *product.Product) (*productModel, error) {
	prices, err := toArray(p.Prices)
	if err != nil {
		return nil, fmt.Errorf("encode prices: %w", err)
	}
	revisions, err := toArray(p.Revisions)
	if err != nil {
		return nil, fmt.Errorf("encode revisions: %w", err)
	}

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
	}, nil
}

func fromProductModel(m *productModel) (*product.Product, error) {
	productID, err := id.ParseProductID(m.ID)
	if err != nil {
		return nil, err
	}

	p := &product.Product{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          productID,
		Code:        m.Code,
		Name:        m.Name,
		Description: m.Description,
		Status:      product.Status(m.Status),
		Version:     m.Version,
		Metadata:    m.Metadata,
	}
	if err := fromDocument(m.Prices, &p.Prices); err != nil {
		return nil, fmt.Errorf("decode prices: %w", err)
	}
	if len(m.Revisions) > 0 {
		if err := fromDocument(m.Revisions, &p.Revisions); err != nil {
			return nil, fmt.Errorf("decode revisions: %w", err)
		}
	}
	return p, nil
}

// ==================== Grant models ====================

type grantModel struct {
	grove.BaseModel `grove:"table:billing_grants"`

	ID              string            `grove:"id,pk"             bson:"_id"`
	CustomerID      string            `grove:"customer_id"       bson:"customer_id"`
	AssetCode       string            `grove:"asset_code"        bson:"asset_code"`
	Amount          bson.Decimal128   `grove:"amount"            bson:"amount"`
	Remaining       bson.Decimal128   `grove:"remaining"         bson:"remaining"`
	Purpose         string            `grove:"purpose"           bson:"purpose"`
	EffectiveAt     time.Time         `grove:"effective_at"      bson:"effective_at"`
	ExpiresAt       *time.Time        `grove:"expires_at"        bson:"expires_at,omitempty"`
	RefreshStrategy string            `grove:"refresh_strategy"  bson:"refresh_strategy"`
	RefreshInterval string            `grove:"refresh_interval"  bson:"refresh_interval,omitempty"`
	LastRefreshedAt *time.Time        `grove:"last_refreshed_at" bson:"last_refreshed_at,omitempty"`
	SourcePriceID   string            `grove:"source_price_id"   bson:"source_price_id,omitempty"`
	SubscriptionID  string            `grove:"subscription_id"   bson:"subscription_id,omitempty"`
	Metadata        map[string]string `grove:"metadata"          bson:"metadata,omitempty"`
	CreatedAt       time.Time         `grove:"created_at"        bson:"created_at"`
	UpdatedAt       time.Time         `grove:"updated_at"        bson:"updated_at"`
}

func toGrantModel(g *entitlement.CreditGrant) (*grantModel, error) {
	amount, err := toDecimal128(g.Amount)
	if err != nil {
		return nil, err
	}
	remaining, err := toDecimal128(g.Remaining)
	if err != nil {
		return nil, err
	}
	return &grantModel{
		ID:              g.ID.String(),
		CustomerID:      g.CustomerID,
		AssetCode:       g.AssetCode,
		Amount:          amount,
		Remaining:       remaining,
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
	}, nil
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
	amount, err := fromDecimal128(m.Amount)
	if err != nil {
		return nil, err
	}
	remaining, err := fromDecimal128(m.Remaining)
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

	ID          string    `grove:"id,pk"        bson:"_id"`
	EventID     string    `grove:"event_id"     bson:"event_id"`
	EventType   string    `grove:"event_type"   bson:"event_type"`
	CustomerID  string    `grove:"customer_id"  bson:"customer_id"`
	ProductID   string    `grove:"product_id"   bson:"product_id,omitempty"`
	ProductCode string    `grove:"product_code" bson:"product_code,omitempty"`
	Status      string    `grove:"status"       bson:"status"`
	Fee         bson.M    `grove:"fee"          bson:"fee,omitempty"`
	Split       bson.M    `grove:"split"        bson:"split,omitempty"`
	Costs       bson.A    `grove:"costs"        bson:"costs,omitempty"`
	Reason      string    `grove:"reason"       bson:"reason,omitempty"`
	Warnings    []string  `grove:"warnings"     bson:"warnings,omitempty"`
	OccurredAt  time.Time `grove:"occurred_at"  bson:"occurred_at"`
	CreatedAt   time.Time `grove:"created_at"   bson:"created_at"`
	UpdatedAt   time.Time `grove:"updated_at"   bson:"updated_at"`
}

func toSettlementModel(r *settlement.Record) (*settlementModel, error) {
	m := &settlementModel{
		ID:          r.ID.String(),
		EventID:     r.EventID,
		EventType:   r.EventType,
		CustomerID:  r.CustomerID,
		ProductID:   r.ProductID.String(),
		ProductCode: r.ProductCode,
		Status:      string(r.Status),
		Reason:      r.Reason,
		Warnings:    r.Warnings,
		OccurredAt:  r.OccurredAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}

	var err error
	if r.Fee != nil {
		if m.Fee, err = toMap(r.Fee); err != nil {
			return nil, fmt.Errorf("encode fee: %w", err)
		}
	}
	if r.Split != nil {
		if m.Split, err = toMap(r.Split); err != nil {
			return nil, fmt.Errorf("encode split: %w", err)
		}
	}
	if len(r.Costs) > 0 {
		if m.Costs, err = toArray(r.Costs); err != nil {
			return nil, fmt.Errorf("encode costs: %w", err)
		}
	}
	return m, nil
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
		Warnings:    m.Warnings,
		OccurredAt:  m.OccurredAt,
	}
	if m.Fee != nil {
		r.Fee = new(meter.Fee)
		if err := fromDocument(m.Fee, r.Fee); err != nil {
			return nil, fmt.Errorf("decode fee: %w", err)
		}
	}
	if m.Split != nil {
		r.Split = new(entitlement.Settlement)
		if err := fromDocument(m.Split, r.Split); err != nil {
			return nil, fmt.Errorf("decode split: %w", err)
		}
	}
	if len(m.Costs) > 0 {
		if err := fromDocument(m.Costs, &r.Costs); err != nil {
			return nil, fmt.Errorf("decode costs: %w", err)
		}
	}
	return r, nil
}

// ==================== Subscription models ====================

type subscriptionModel struct {
	grove.BaseModel `grove:"table:billing_subscriptions"`

	ID             string            `grove:"id,pk"           bson:"_id"`
	CustomerID     string            `grove:"customer_id"     bson:"customer_id"`
	ProductID      string            `grove:"product_id"      bson:"product_id"`
	ProductCode    string            `grove:"product_code"    bson:"product_code"`
	ProductVersion int               `grove:"product_version" bson:"product_version"`
	Status         string            `grove:"status"          bson:"status"`
	StartedAt      time.Time         `grove:"started_at"      bson:"started_at"`
	CanceledAt     *time.Time        `grove:"canceled_at"     bson:"canceled_at,omitempty"`
	Metadata       map[string]string `grove:"metadata"        bson:"metadata,omitempty"`
	CreatedAt      time.Time         `grove:"created_at"      bson:"created_at"`
	UpdatedAt      time.Time         `grove:"updated_at"      bson:"updated_at"`
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

// ==================== Conversion helpers ====================

func toDecimal128(d decimal.Decimal) (bson.Decimal128, error) {
	v, err := bson.ParseDecimal128(d.String())
	if err != nil {
		return bson.Decimal128{}, fmt.Errorf("decimal %s: %w", d, err)
	}
	return v, nil
}

func fromDecimal128(v bson.Decimal128) (decimal.Decimal, error) {
	return decimal.NewFromString(v.String())
}

// toMap converts a domain value into a document via its JSON encoding.
func toMap(v any) (bson.M, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc bson.M
	if err := bson.UnmarshalExtJSON(raw, false, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func toArray(v any) (bson.A, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	var wrapped struct {
		Items bson.A `bson:"items"`
	}
	if err := bson.UnmarshalExtJSON([]byte(`{"items":`+string(raw)+`}`), false, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Items, nil
}

func fromDocument(doc, v any) error {
	raw, err := bson.MarshalExtJSON(bson.M{"v": doc}, false, false)
	if err != nil {
		return err
	}
	var wrapped struct {
		V json.RawMessage `json:"v"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return err
	}
	return json.Unmarshal(wrapped.V, v)
}

// parseOptional parses an ID field that may be empty.
func parseOptional(s string, parse func(string) (id.ID, error)) (id.ID, error) {
	if s == "" {
		return id.ID{}, nil
	}
	return parse(s)
}
