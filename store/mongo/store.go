package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	billing "github.com/credyt/billing"
	"github.com/credyt/billing/asset"
	"github.com/credyt/billing/entitlement"
	"github.com/credyt/billing/id"
	"github.com/credyt/billing/product"
	"github.com/credyt/billing/settlement"
	billingstore "github.com/credyt/billing/store"
	"github.com/credyt/billing/subscription"
)

// Collection name constants.
const (
	colAssets        = "billing_assets"
	colRates         = "billing_rates"
	colProducts      = "billing_products"
	colGrants        = "billing_grants"
	colSettlements   = "billing_settlements"
	colSubscriptions = "billing_subscriptions"
)

// compile-time interface check
var _ billingstore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all billing collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("billing/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Asset Store ====================

func (s *Store) CreateAsset(ctx context.Context, a *asset.Asset) error {
	m := toAssetModel(a)
	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: asset %s", billing.ErrAlreadyExists, a.Code)
		}
		return fmt.Errorf("billing/mongo: create asset: %w", err)
	}
	return nil
}

func (s *Store) GetAsset(ctx context.Context, code string) (*asset.Asset, error) {
	var m assetModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": code}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("%w: %s", asset.ErrUnknownAsset, code)
		}
		return nil, fmt.Errorf("billing/mongo: get asset: %w", err)
	}
	return fromAssetModel(&m), nil
}

func (s *Store) ListAssets(ctx context.Context) ([]*asset.Asset, error) {
	var models []assetModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{}).
		Sort(bson.D{{Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("billing/mongo: list assets: %w", err)
	}

	result := make([]*asset.Asset, len(models))
	for i := range models {
		result[i] = fromAssetModel(&models[i])
	}
	return result, nil
}

func (s *Store) CreateRate(ctx context.Context, r *asset.ExchangeRate) error {
	m, err := toRateModel(r)
	if err != nil {
		return fmt.Errorf("billing/mongo: create rate: %w", err)
	}
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		return fmt.Errorf("billing/mongo: create rate: %w", err)
	}
	return nil
}

func (s *Store) GetRateAt(ctx context.Context, from, to string, at time.Time) (*asset.ExchangeRate, error) {
	var m rateModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{
			"from_asset":   from,
			"to_asset":     to,
			"effective_at": bson.M{"$lte": at},
		}).
		Sort(bson.D{{Key: "effective_at", Value: -1}}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("%w: %s->%s at %s", asset.ErrNoRateAvailable, from, to, at.Format(time.RFC3339))
		}
		return nil, fmt.Errorf("billing/mongo: get rate: %w", err)
	}
	return fromRateModel(&m)
}

func (s *Store) ListRates(ctx context.Context, from, to string) ([]*asset.ExchangeRate, error) {
	var models []rateModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"from_asset": from, "to_asset": to}).
		Sort(bson.D{{Key: "effective_at", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("billing/mongo: list rates: %w", err)
	}

	result := make([]*asset.ExchangeRate, len(models))
	for i := range models {
		r, err := fromRateModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = r
	}
	return result, nil
}

// ==================== Product Store ====================

func (s *Store) CreateProduct(ctx context.Context, p *product.Product) error {
	m, err := toProductModel(p)
	if err != nil {
		return fmt.Errorf("billing/mongo: create product: %w", err)
	}
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: product %s", billing.ErrAlreadyExists, p.Code)
		}
		return fmt.Errorf("billing/mongo: create product: %w", err)
	}
	return nil
}

func (s *Store) GetProduct(ctx context.Context, productID id.ProductID) (*product.Product, error) {
	var m productModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": productID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("%w: product %s", billing.ErrNotFound, productID)
		}
		return nil, fmt.Errorf("billing/mongo: get product: %w", err)
	}
	return fromProductModel(&m)
}

func (s *Store) GetProductByCode(ctx context.Context, code string) (*product.Product, error) {
	var m productModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"code": code}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("%w: product %s", billing.ErrNotFound, code)
		}
		return nil, fmt.Errorf("billing/mongo: get product by code: %w", err)
	}
	return fromProductModel(&m)
}

func (s *Store) ListProducts(ctx context.Context, opts product.ListOpts) ([]*product.Product, error) {
	var models []productModel

	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "code", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("billing/mongo: list products: %w", err)
	}

	result := make([]*product.Product, len(models))
	for i := range models {
		p, err := fromProductModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = p
	}
	return result, nil
}

func (s *Store) UpdateProduct(ctx context.Context, p *product.Product) error {
	m, err := toProductModel(p)
	if err != nil {
		return fmt.Errorf("billing/mongo: update product: %w", err)
	}

	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID, "code": m.Code}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("billing/mongo: update product: %w", err)
	}
	if res.MatchedCount() == 0 {
		existing, err := s.GetProduct(ctx, p.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %q -> %q", product.ErrImmutableCode, existing.Code, p.Code)
	}
	return nil
}

// ==================== Entitlement Store ====================

func (s *Store) CreateGrant(ctx context.Context, g *entitlement.CreditGrant) error {
	m, err := toGrantModel(g)
	if err != nil {
		return fmt.Errorf("billing/mongo: create grant: %w", err)
	}
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: grant %s", billing.ErrAlreadyExists, g.ID)
		}
		return fmt.Errorf("billing/mongo: create grant: %w", err)
	}
	return nil
}

func (s *Store) GetGrant(ctx context.Context, grantID id.GrantID) (*entitlement.CreditGrant, error) {
	var m grantModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": grantID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("%w: grant %s", billing.ErrNotFound, grantID)
		}
		return nil, fmt.Errorf("billing/mongo: get grant: %w", err)
	}
	return fromGrantModel(&m)
}

func (s *Store) ListGrants(ctx context.Context, customerID string, opts entitlement.ListOpts) ([]*entitlement.CreditGrant, error) {
	var models []grantModel

	filter := bson.M{"customer_id": customerID}
	if opts.AssetCode != "" {
		filter["asset_code"] = opts.AssetCode
	}
	if !opts.SubscriptionID.IsNil() {
		filter["subscription_id"] = opts.SubscriptionID.String()
	}
	if !opts.ActiveAt.IsZero() {
		filter["effective_at"] = bson.M{"$lte": opts.ActiveAt}
		filter["$or"] = bson.A{
			bson.M{"expires_at": bson.M{"$exists": false}},
			bson.M{"expires_at": nil},
			bson.M{"expires_at": bson.M{"$gt": opts.ActiveAt}},
		}
	}

	err := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("billing/mongo: list grants: %w", err)
	}

	result := make([]*entitlement.CreditGrant, len(models))
	for i := range models {
		g, err := fromGrantModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = g
	}
	return result, nil
}

// UpdateGrants replaces the balance fields of every grant inside one
// multi-document transaction. Transactions need a replica set or sharded
// cluster.
func (s *Store) UpdateGrants(ctx context.Context, grants []*entitlement.CreditGrant) error {
	if len(grants) == 0 {
		return nil
	}

	writes := make([]mongo.WriteModel, 0, len(grants))
	ids := make([]string, 0, len(grants))
	seen := make(map[string]struct{}, len(grants))
	t := now()
	for _, g := range grants {
		m, err := toGrantModel(g)
		if err != nil {
			return fmt.Errorf("billing/mongo: update grants: %w", err)
		}
		set := bson.M{"remaining": m.Remaining, "updated_at": t}
		unset := bson.M{}
		if m.ExpiresAt != nil {
			set["expires_at"] = *m.ExpiresAt
		} else {
			unset["expires_at"] = ""
		}
		if m.LastRefreshedAt != nil {
			set["last_refreshed_at"] = *m.LastRefreshedAt
		} else {
			unset["last_refreshed_at"] = ""
		}
		update := bson.M{"$set": set}
		if len(unset) > 0 {
			update["$unset"] = unset
		}
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": m.ID}).
			SetUpdate(update))

		if _, ok := seen[m.ID]; !ok {
			seen[m.ID] = struct{}{}
			ids = append(ids, m.ID)
		}
	}

	coll := s.mdb.Collection(colGrants)
	session, err := coll.Database().Client().StartSession()
	if err != nil {
		return fmt.Errorf("billing/mongo: start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		n, err := coll.CountDocuments(ctx, bson.M{"_id": bson.M{"$in": ids}})
		if err != nil {
			return nil, err
		}
		if n != int64(len(ids)) {
			return nil, fmt.Errorf("%w: one of %d grants", billing.ErrNotFound, len(ids))
		}
		return coll.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(true))
	})
	if err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			return err
		}
		return fmt.Errorf("billing/mongo: update grants: %w", err)
	}
	return nil
}

// ==================== Settlement Store ====================

func (s *Store) CreateSettlement(ctx context.Context, r *settlement.Record) error {
	m, err := toSettlementModel(r)
	if err != nil {
		return fmt.Errorf("billing/mongo: create settlement: %w", err)
	}
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: settlement for event %s", billing.ErrAlreadyExists, r.EventID)
		}
		return fmt.Errorf("billing/mongo: create settlement: %w", err)
	}
	return nil
}

func (s *Store) GetSettlement(ctx context.Context, settlementID id.SettlementID) (*settlement.Record, error) {
	var m settlementModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": settlementID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("%w: settlement %s", billing.ErrNotFound, settlementID)
		}
		return nil, fmt.Errorf("billing/mongo: get settlement: %w", err)
	}
	return fromSettlementModel(&m)
}

func (s *Store) GetSettlementByEvent(ctx context.Context, eventID string) (*settlement.Record, error) {
	var m settlementModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"event_id": eventID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("%w: settlement for event %s", billing.ErrNotFound, eventID)
		}
		return nil, fmt.Errorf("billing/mongo: get settlement by event: %w", err)
	}
	return fromSettlementModel(&m)
}

func (s *Store) ListSettlements(ctx context.Context, customerID string, opts settlement.ListOpts) ([]*settlement.Record, error) {
	var models []settlementModel

	filter := bson.M{"customer_id": customerID}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	occurred := bson.M{}
	if !opts.Start.IsZero() {
		occurred["$gte"] = opts.Start
	}
	if !opts.End.IsZero() {
		occurred["$lt"] = opts.End
	}
	if len(occurred) > 0 {
		filter["occurred_at"] = occurred
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "occurred_at", Value: 1}, {Key: "event_id", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("billing/mongo: list settlements: %w", err)
	}

	result := make([]*settlement.Record, len(models))
	for i := range models {
		r, err := fromSettlementModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = r
	}
	return result, nil
}

func (s *Store) DeleteSettlement(ctx context.Context, settlementID id.SettlementID) error {
	res, err := s.mdb.NewDelete((*settlementModel)(nil)).
		Filter(bson.M{"_id": settlementID.String()}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("billing/mongo: delete settlement: %w", err)
	}
	if res.DeletedCount() == 0 {
		return fmt.Errorf("%w: settlement %s", billing.ErrNotFound, settlementID)
	}
	return nil
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: subscription %s", billing.ErrAlreadyExists, sub.ID)
		}
		return fmt.Errorf("billing/mongo: create subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	var m subscriptionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": subID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("%w: subscription %s", billing.ErrNotFound, subID)
		}
		return nil, fmt.Errorf("billing/mongo: get subscription: %w", err)
	}
	return fromSubscriptionModel(&m)
}

func (s *Store) ListSubscriptions(ctx context.Context, customerID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel

	filter := bson.M{"customer_id": customerID}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "started_at", Value: 1}, {Key: "_id", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("billing/mongo: list subscriptions: %w", err)
	}

	result := make([]*subscription.Subscription, len(models))
	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = sub
	}
	return result, nil
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	m.UpdatedAt = now()

	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("billing/mongo: update subscription: %w", err)
	}
	if res.MatchedCount() == 0 {
		return fmt.Errorf("%w: subscription %s", billing.ErrNotFound, sub.ID)
	}
	return nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all billing collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colAssets: {},
		colRates: {
			{Keys: bson.D{{Key: "from_asset", Value: 1}, {Key: "to_asset", Value: 1}, {Key: "effective_at", Value: -1}}},
		},
		colProducts: {
			{
				Keys:    bson.D{{Key: "code", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "status", Value: 1}}},
		},
		colGrants: {
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "asset_code", Value: 1}}},
			{
				Keys:    bson.D{{Key: "subscription_id", Value: 1}},
				Options: options.Index().SetSparse(true),
			},
		},
		colSettlements: {
			{
				Keys:    bson.D{{Key: "event_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "occurred_at", Value: 1}}},
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "status", Value: 1}}},
		},
		colSubscriptions: {
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "started_at", Value: 1}}},
		},
	}
}
