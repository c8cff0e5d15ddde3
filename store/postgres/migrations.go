package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the billing store.
var Migrations = migrate.NewGroup("billing")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_billing_assets",
			Version: "20250101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS billing_assets (
    code        TEXT PRIMARY KEY,
    name        TEXT NOT NULL DEFAULT '',
    kind        TEXT NOT NULL,
    scale       INTEGER NOT NULL DEFAULT 0,
    symbol      TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS billing_rates (
    id            TEXT PRIMARY KEY,
    from_asset    TEXT NOT NULL REFERENCES billing_assets(code),
    to_asset      TEXT NOT NULL REFERENCES billing_assets(code),
    rate          TEXT NOT NULL,
    effective_at  TIMESTAMPTZ NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_billing_rates_pair ON billing_rates (from_asset, to_asset, effective_at DESC);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS billing_rates; DROP TABLE IF EXISTS billing_assets`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_billing_products",
			Version: "20250101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS billing_products (
    id           TEXT PRIMARY KEY,
    code         TEXT NOT NULL,
    name         TEXT NOT NULL DEFAULT '',
    description  TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL DEFAULT 'draft',
    prices       JSONB NOT NULL DEFAULT '[]',
    version      INTEGER NOT NULL DEFAULT 1,
    revisions    JSONB NOT NULL DEFAULT '[]',
    metadata     JSONB NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_products_code ON billing_products (code);
CREATE INDEX IF NOT EXISTS idx_billing_products_status ON billing_products (status);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS billing_products`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_billing_subscriptions",
			Version: "20250101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS billing_subscriptions (
    id               TEXT PRIMARY KEY,
    customer_id      TEXT NOT NULL,
    product_id       TEXT NOT NULL REFERENCES billing_products(id),
    product_code     TEXT NOT NULL DEFAULT '',
    product_version  INTEGER NOT NULL DEFAULT 1,
    status           TEXT NOT NULL DEFAULT 'active',
    started_at       TIMESTAMPTZ NOT NULL,
    canceled_at      TIMESTAMPTZ,
    metadata         JSONB NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_billing_subscriptions_customer ON billing_subscriptions (customer_id, status);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS billing_subscriptions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_billing_grants",
			Version: "20250101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS billing_grants (
    id                 TEXT PRIMARY KEY,
    customer_id        TEXT NOT NULL,
    asset_code         TEXT NOT NULL REFERENCES billing_assets(code),
    amount             TEXT NOT NULL,
    remaining          TEXT NOT NULL,
    purpose            TEXT NOT NULL DEFAULT 'paid',
    effective_at       TIMESTAMPTZ NOT NULL,
    expires_at         TIMESTAMPTZ,
    refresh_strategy   TEXT NOT NULL DEFAULT 'none',
    refresh_interval   TEXT NOT NULL DEFAULT '',
    last_refreshed_at  TIMESTAMPTZ,
    source_price_id    TEXT NOT NULL DEFAULT '',
    subscription_id    TEXT NOT NULL DEFAULT '',
    metadata           JSONB NOT NULL DEFAULT '{}',
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_billing_grants_customer ON billing_grants (customer_id, asset_code);
CREATE INDEX IF NOT EXISTS idx_billing_grants_subscription ON billing_grants (subscription_id) WHERE subscription_id != '';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS billing_grants`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_billing_settlements",
			Version: "20250101000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS billing_settlements (
    id            TEXT PRIMARY KEY,
    event_id      TEXT NOT NULL,
    event_type    TEXT NOT NULL DEFAULT '',
    customer_id   TEXT NOT NULL,
    product_id    TEXT NOT NULL DEFAULT '',
    product_code  TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    fee           JSONB,
    split         JSONB,
    costs         JSONB,
    reason        TEXT NOT NULL DEFAULT '',
    warnings      JSONB,
    occurred_at   TIMESTAMPTZ NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_settlements_event ON billing_settlements (event_id);
CREATE INDEX IF NOT EXISTS idx_billing_settlements_customer ON billing_settlements (customer_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_billing_settlements_status ON billing_settlements (customer_id, status);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS billing_settlements`)
				return err
			},
		},
	)
}
