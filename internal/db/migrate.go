package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema holds the DDL for the delivery ledger and subscription registry.
// Statements are idempotent so startup can apply them unconditionally.
var schema = []string{
	`CREATE SCHEMA IF NOT EXISTS hookd`,

	`CREATE TABLE IF NOT EXISTS hookd.subscriptions (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		endpoint_url VARCHAR(2048) NOT NULL,
		events JSONB NOT NULL,
		secret VARCHAR(255) NOT NULL,
		active BOOLEAN DEFAULT true,
		timeout_seconds INTEGER DEFAULT 30,
		max_attempts INTEGER DEFAULT 3,
		total_calls INTEGER DEFAULT 0,
		failed_calls INTEGER DEFAULT 0,
		last_triggered_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ DEFAULT now(),
		updated_at TIMESTAMPTZ DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS hookd.deliveries (
		id UUID PRIMARY KEY,
		subscription_id UUID NOT NULL REFERENCES hookd.subscriptions(id) ON DELETE CASCADE,
		event_id VARCHAR(255) NOT NULL,
		event_name VARCHAR(100) NOT NULL,
		payload BYTEA NOT NULL,
		attempts INTEGER DEFAULT 0,
		max_attempts INTEGER DEFAULT 3,
		state VARCHAR(20) DEFAULT 'pending',
		last_error TEXT,
		last_response_status INTEGER,
		last_response_body TEXT,
		last_response_time_ms INTEGER,
		next_retry_at TIMESTAMPTZ,
		delivered_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ DEFAULT now(),
		updated_at TIMESTAMPTZ DEFAULT now(),
		CONSTRAINT uq_deliveries_event_subscription UNIQUE (event_id, subscription_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_subscriptions_active ON hookd.subscriptions(active)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_events ON hookd.subscriptions USING GIN(events)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_subscription ON hookd.deliveries(subscription_id)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_state ON hookd.deliveries(state)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_next_retry ON hookd.deliveries(next_retry_at)`,
}

// Migrate applies the hookd schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
