package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const deliveryColumns = `id, subscription_id, event_id, event_name, payload, attempts,
	max_attempts, state, COALESCE(last_error, ''), COALESCE(last_response_status, 0),
	COALESCE(last_response_body, ''), COALESCE(last_response_time_ms, 0),
	next_retry_at, delivered_at, created_at`

// Postgres is the pgx-backed Store. All state transitions are single guarded
// UPDATE statements, so concurrent workers cannot resurrect a terminal
// delivery or exceed the attempt budget.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) CreateOrGet(ctx context.Context, d Delivery) (Delivery, bool, error) {
	if d.ID == "" {
		d.ID = DeliveryID(d.EventID, d.SubscriptionID)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO hookd.deliveries (id, subscription_id, event_id, event_name, payload, max_attempts, state)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		ON CONFLICT ON CONSTRAINT uq_deliveries_event_subscription DO NOTHING`,
		d.ID, d.SubscriptionID, d.EventID, d.EventName, d.Payload, d.MaxAttempts)
	if err != nil {
		return Delivery{}, false, err
	}
	created := tag.RowsAffected() == 1

	// Re-read so callers always see the durable record, including the
	// pre-existing one on conflict.
	got, err := s.Load(ctx, d.ID)
	if err != nil {
		return Delivery{}, false, err
	}
	return got, created, nil
}

func (s *Postgres) Load(ctx context.Context, id string) (Delivery, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+deliveryColumns+`
		FROM hookd.deliveries
		WHERE id = $1`, id)
	d, err := scanDelivery(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return Delivery{}, ErrNotFound
	}
	return d, err
}

func (s *Postgres) RecordAttempt(ctx context.Context, id string, out AttemptOutcome) (Delivery, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE hookd.deliveries
		SET attempts = attempts + 1,
			state = CASE WHEN $2 THEN 'delivered' ELSE state END,
			delivered_at = CASE WHEN $2 THEN now() ELSE delivered_at END,
			next_retry_at = CASE WHEN $2 THEN NULL ELSE next_retry_at END,
			last_error = NULLIF($3, ''),
			last_response_status = NULLIF($4, 0),
			last_response_body = NULLIF($5, ''),
			last_response_time_ms = $6,
			updated_at = now()
		WHERE id = $1
		AND state IN ('pending', 'retrying')
		AND attempts < max_attempts
		RETURNING `+deliveryColumns,
		id, out.Success, out.Error, out.Status, out.Body, out.Duration.Milliseconds())

	d, err := scanDelivery(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.explainGuardMiss(ctx, id)
	}
	return d, err
}

func (s *Postgres) ScheduleRetry(ctx context.Context, id string, at time.Time) (Delivery, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE hookd.deliveries
		SET state = 'retrying',
			next_retry_at = $2,
			updated_at = now()
		WHERE id = $1
		AND state IN ('pending', 'retrying')
		AND attempts < max_attempts
		RETURNING `+deliveryColumns, id, at)

	d, err := scanDelivery(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.explainGuardMiss(ctx, id)
	}
	return d, err
}

func (s *Postgres) MarkFailed(ctx context.Context, id string) (Delivery, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE hookd.deliveries
		SET state = 'failed',
			next_retry_at = NULL,
			updated_at = now()
		WHERE id = $1
		AND state IN ('pending', 'retrying')
		RETURNING `+deliveryColumns, id)

	d, err := scanDelivery(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.explainGuardMiss(ctx, id)
	}
	return d, err
}

func (s *Postgres) Due(ctx context.Context, now time.Time, limit int) ([]Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM hookd.deliveries
		WHERE state = 'retrying'
		AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

func (s *Postgres) ListBySubscription(ctx context.Context, subscriptionID, state string, limit int) ([]Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM hookd.deliveries
		WHERE subscription_id = $1
		AND ($2 = '' OR state = $2)
		ORDER BY created_at DESC
		LIMIT $3`, subscriptionID, state, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

func (s *Postgres) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM hookd.deliveries
		WHERE state IN ('delivered', 'failed')
		AND created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// explainGuardMiss distinguishes "record gone" from "record terminal" after a
// guarded UPDATE matched nothing.
func (s *Postgres) explainGuardMiss(ctx context.Context, id string) (Delivery, error) {
	d, err := s.Load(ctx, id)
	if err != nil {
		return Delivery{}, err
	}
	return d, ErrTerminal
}

func collectDeliveries(rows pgx.Rows) ([]Delivery, error) {
	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDelivery(scan func(dest ...any) error) (Delivery, error) {
	var (
		d      Delivery
		timeMS int
	)
	if err := scan(&d.ID, &d.SubscriptionID, &d.EventID, &d.EventName, &d.Payload,
		&d.Attempts, &d.MaxAttempts, &d.State, &d.LastError, &d.LastStatus,
		&d.LastBody, &timeMS, &d.NextRetryAt, &d.DeliveredAt, &d.CreatedAt); err != nil {
		return Delivery{}, err
	}
	d.LastTimeMS = timeMS
	return d, nil
}
