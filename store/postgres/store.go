package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/migrate"

	billing "github.com/credyt/billing"
	"github.com/credyt/billing/asset"
	"github.com/credyt/billing/entitlement"
	"github.com/credyt/billing/id"
	"github.com/credyt/billing/product"
	"github.com/credyt/billing/settlement"
	billingstore "github.com/credyt/billing/store"
	"github.com/credyt/billing/subscription"
)

// compile-time interface check
var _ billingstore.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("billing/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("billing/postgres: migration failed: %w", err)
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
	_, err := s.pg.NewInsert(m).Exec(ctx)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: asset %s", billing.ErrAlreadyExists, a.Code)
	}
	return err
}

func (s *Store) GetAsset(ctx context.Context, code string) (*asset.Asset, error) {
	m := new(assetModel)
	err := s.pg.NewSelect(m).
		Where("code = $1", code).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", asset.ErrUnknownAsset, code)
		}
		return nil, err
	}
	return fromAssetModel(m), nil
}

func (s *Store) ListAssets(ctx context.Context) ([]*asset.Asset, error) {
	var models []assetModel
	if err := s.pg.NewSelect(&models).OrderExpr("code ASC").Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*asset.Asset, len(models))
	for i := range models {
		result[i] = fromAssetModel(&models[i])
	}
	return result, nil
}

func (s *Store) CreateRate(ctx context.Context, r *asset.ExchangeRate) error {
	m := toRateModel(r)
	_, err := s.pg.NewInsert(m).Exec(ctx)
	return err
}

func (s *Store) GetRateAt(ctx context.Context, from, to string, at time.Time) (*asset.ExchangeRate, error) {
	m := new(rateModel)
	err := s.pg.NewSelect(m).
		Where("from_asset = $1", from).
		Where("to_asset = $2", to).
		Where("effective_at <= $3", at).
		OrderExpr("effective_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s->%s at %s", asset.ErrNoRateAvailable, from, to, at.Format(time.RFC3339))
		}
		return nil, err
	}
	return fromRateModel(m)
}

func (s *Store) ListRates(ctx context.Context, from, to string) ([]*asset.ExchangeRate, error) {
	var models []rateModel
	err := s.pg.NewSelect(&models).
		Where("from_asset = $1", from).
		Where("to_asset = $2", to).
		OrderExpr("effective_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
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
	m := toProductModel(p)
	_, err := s.pg.NewInsert(m).Exec(ctx)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: product %s", billing.ErrAlreadyExists, p.Code)
	}
	return err
}

func (s *Store) GetProduct(ctx context.Context, productID id.ProductID) (*product.Product, error) {
	m := new(productModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", productID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: product %s", billing.ErrNotFound, productID)
		}
		return nil, err
	}
	return fromProductModel(m)
}

func (s *Store) GetProductByCode(ctx context.Context, code string) (*product.Product, error) {
	m := new(productModel)
	err := s.pg.NewSelect(m).
		Where("code = $1", code).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: product %s", billing.ErrNotFound, code)
		}
		return nil, err
	}
	return fromProductModel(m)
}

func (s *Store) ListProducts(ctx context.Context, opts product.ListOpts) ([]*product.Product, error) {
	var models []productModel
	q := s.pg.NewSelect(&models)

	if opts.Status != "" {
		q = q.Where("status = $1", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("code ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
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
	existing, err := s.GetProduct(ctx, p.ID)
	if err != nil {
		return err
	}
	if existing.Code != p.Code {
		return fmt.Errorf("%w: %q -> %q", product.ErrImmutableCode, existing.Code, p.Code)
	}

	m := toProductModel(p)
	res, err := s.pg.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: product %s", billing.ErrNotFound, p.ID)
	}
	return nil
}

// ==================== Entitlement Store ====================

func (s *Store) CreateGrant(ctx context.Context, g *entitlement.CreditGrant) error {
	m := toGrantModel(g)
	_, err := s.pg.NewInsert(m).Exec(ctx)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: grant %s", billing.ErrAlreadyExists, g.ID)
	}
	return err
}

func (s *Store) GetGrant(ctx context.Context, grantID id.GrantID) (*entitlement.CreditGrant, error) {
	m := new(grantModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", grantID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: grant %s", billing.ErrNotFound, grantID)
		}
		return nil, err
	}
	return fromGrantModel(m)
}

func (s *Store) ListGrants(ctx context.Context, customerID string, opts entitlement.ListOpts) ([]*entitlement.CreditGrant, error) {
	var models []grantModel
	q := s.pg.NewSelect(&models).Where("customer_id = $1", customerID)

	argIdx := 1
	if opts.AssetCode != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("asset_code = $%d", argIdx), opts.AssetCode)
	}
	if !opts.SubscriptionID.IsNil() {
		argIdx++
		q = q.Where(fmt.Sprintf("subscription_id = $%d", argIdx), opts.SubscriptionID.String())
	}
	if !opts.ActiveAt.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("effective_at <= $%d", argIdx), opts.ActiveAt)
		argIdx++
		q = q.Where(fmt.Sprintf("(expires_at IS NULL OR expires_at > $%d)", argIdx), opts.ActiveAt)
	}
	q = q.OrderExpr("id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
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

// UpdateGrants writes the mutable balance columns of every grant in a single
// statement. The statement is guarded on all grants existing, so a missing
// grant leaves every row untouched.
func (s *Store) UpdateGrants(ctx context.Context, grants []*entitlement.CreditGrant) error {
	if len(grants) == 0 {
		return nil
	}

	argIdx := 0
	next := func() string {
		argIdx++
		return fmt.Sprintf("$%d", argIdx)
	}
	setCase := func(col, cast string, value func(*entitlement.CreditGrant) any) (string, []any) {
		var b strings.Builder
		args := make([]any, 0, 2*len(grants))
		fmt.Fprintf(&b, "%s = CASE id", col)
		for _, g := range grants {
			fmt.Fprintf(&b, " WHEN %s THEN %s%s", next(), next(), cast)
			args = append(args, g.ID.String(), value(g))
		}
		b.WriteString(" END")
		return b.String(), args
	}

	q := s.pg.NewUpdate((*grantModel)(nil))
	expr, args := setCase("remaining", "", func(g *entitlement.CreditGrant) any { return g.Remaining.String() })
	q = q.Set(expr, args...)
	expr, args = setCase("expires_at", "::timestamptz", func(g *entitlement.CreditGrant) any { return g.ExpiresAt })
	q = q.Set(expr, args...)
	expr, args = setCase("last_refreshed_at", "::timestamptz", func(g *entitlement.CreditGrant) any { return g.LastRefreshedAt })
	q = q.Set(expr, args...)
	q = q.Set(fmt.Sprintf("updated_at = %s", next()), now())

	ids := distinctGrantIDs(grants)
	placeholders := make([]string, len(ids))
	for i := range ids {
		placeholders[i] = next()
	}
	in := strings.Join(placeholders, ", ")
	q = q.Where(fmt.Sprintf("id IN (%s)", in), ids...)
	q = q.Where(fmt.Sprintf("(SELECT COUNT(*) FROM billing_grants WHERE id IN (%s)) = %d", in, len(ids)))

	res, err := q.Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: one of %d grants", billing.ErrNotFound, len(ids))
	}
	return nil
}

// ==================== Settlement Store ====================

func (s *Store) CreateSettlement(ctx context.Context, r *settlement.Record) error {
	m := toSettlementModel(r)
	_, err := s.pg.NewInsert(m).Exec(ctx)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: settlement for event %s", billing.ErrAlreadyExists, r.EventID)
	}
	return err
}

func (s *Store) GetSettlement(ctx context.Context, settlementID id.SettlementID) (*settlement.Record, error) {
	m := new(settlementModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", settlementID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: settlement %s", billing.ErrNotFound, settlementID)
		}
		return nil, err
	}
	return fromSettlementModel(m)
}

func (s *Store) GetSettlementByEvent(ctx context.Context, eventID string) (*settlement.Record, error) {
	m := new(settlementModel)
	err := s.pg.NewSelect(m).
		Where("event_id = $1", eventID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: settlement for event %s", billing.ErrNotFound, eventID)
		}
		return nil, err
	}
	return fromSettlementModel(m)
}

func (s *Store) ListSettlements(ctx context.Context, customerID string, opts settlement.ListOpts) ([]*settlement.Record, error) {
	var models []settlementModel
	q := s.pg.NewSelect(&models).Where("customer_id = $1", customerID)

	argIdx := 1
	if opts.Status != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("status = $%d", argIdx), string(opts.Status))
	}
	if !opts.Start.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("occurred_at >= $%d", argIdx), opts.Start)
	}
	if !opts.End.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("occurred_at < $%d", argIdx), opts.End)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("occurred_at ASC, event_id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
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
	res, err := s.pg.NewDelete((*settlementModel)(nil)).
		Where("id = $1", settlementID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: settlement %s", billing.ErrNotFound, settlementID)
	}
	return nil
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	_, err := s.pg.NewInsert(m).Exec(ctx)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: subscription %s", billing.ErrAlreadyExists, sub.ID)
	}
	return err
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", subID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: subscription %s", billing.ErrNotFound, subID)
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) ListSubscriptions(ctx context.Context, customerID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	q := s.pg.NewSelect(&models).Where("customer_id = $1", customerID)

	if opts.Status != "" {
		q = q.Where("status = $2", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("started_at ASC, id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
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
	res, err := s.pg.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: subscription %s", billing.ErrNotFound, sub.ID)
	}
	return nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

func distinctGrantIDs(grants []*entitlement.CreditGrant) []any {
	seen := make(map[string]struct{}, len(grants))
	ids := make([]any, 0, len(grants))
	for _, g := range grants {
		k := g.ID.String()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		ids = append(ids, k)
	}
	return ids
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isUniqueViolation reports a unique_violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "SQLSTATE 23505")
}
