// Package stats maintains per-subscription delivery counters. Counters are
// cumulative over terminal attempt outcomes: every attempt bumps total_calls,
// failed attempts additionally bump failed_calls, and last_triggered_at
// records the most recent attempt regardless of outcome.
package stats

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Snapshot is the counter state for one subscription.
type Snapshot struct {
	TotalCalls      int
	FailedCalls     int
	LastTriggeredAt *time.Time
}

// Recorder records attempt outcomes against subscription counters.
type Recorder interface {
	// RecordSuccess bumps total_calls and refreshes last_triggered_at.
	RecordSuccess(ctx context.Context, subscriptionID string) error

	// RecordFailure bumps total_calls and failed_calls and refreshes
	// last_triggered_at.
	RecordFailure(ctx context.Context, subscriptionID string) error
}

// Postgres stores counters on the subscription row itself, so the operator
// API can return them without a join.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) RecordSuccess(ctx context.Context, subscriptionID string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE hookd.subscriptions
		SET total_calls = total_calls + 1,
			last_triggered_at = now(),
			updated_at = now()
		WHERE id = $1`, subscriptionID)
	return err
}

func (p *Postgres) RecordFailure(ctx context.Context, subscriptionID string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE hookd.subscriptions
		SET total_calls = total_calls + 1,
			failed_calls = failed_calls + 1,
			last_triggered_at = now(),
			updated_at = now()
		WHERE id = $1`, subscriptionID)
	return err
}

// Snapshot reads the current counters for one subscription.
func (p *Postgres) Snapshot(ctx context.Context, subscriptionID string) (Snapshot, error) {
	var s Snapshot
	err := p.pool.QueryRow(ctx, `
		SELECT total_calls, failed_calls, last_triggered_at
		FROM hookd.subscriptions
		WHERE id = $1`, subscriptionID).Scan(&s.TotalCalls, &s.FailedCalls, &s.LastTriggeredAt)
	return s, err
}
