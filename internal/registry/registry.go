// Package registry reads active webhook subscriptions. The registry is
// owned by the configuration surface of the platform; this service only
// ever reads it.
package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Subscription is one registered webhook endpoint and its delivery policy.
type Subscription struct {
	ID             string
	EndpointURL    string
	Events         []string
	Secret         []byte
	Active         bool
	TimeoutSeconds int
	MaxAttempts    int
}

// WantsEvent reports whether the subscription asked for the given event name.
func (s Subscription) WantsEvent(eventName string) bool {
	for _, e := range s.Events {
		if e == eventName {
			return true
		}
	}
	return false
}

// Timeout returns the per-attempt HTTP timeout.
func (s Subscription) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Registry resolves active subscriptions for an event name.
type Registry interface {
	// ListActiveForEvent returns all active subscriptions whose event set
	// contains eventName. Inactive subscriptions are never returned.
	ListActiveForEvent(ctx context.Context, eventName string) ([]Subscription, error)

	// Get returns one subscription by id, active or not.
	Get(ctx context.Context, id string) (Subscription, error)
}

// Postgres is the pgx-backed registry implementation.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (r *Postgres) ListActiveForEvent(ctx context.Context, eventName string) ([]Subscription, error) {
	names, err := json.Marshal([]string{eventName})
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, endpoint_url, events, secret, active, timeout_seconds, max_attempts
		FROM hookd.subscriptions
		WHERE active = true
		AND events @> $1::jsonb`, string(names))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// List returns every subscription, active or not. Serves the operator API,
// not the dispatch path.
func (r *Postgres) List(ctx context.Context) ([]Subscription, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, endpoint_url, events, secret, active, timeout_seconds, max_attempts
		FROM hookd.subscriptions
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (r *Postgres) Get(ctx context.Context, id string) (Subscription, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, endpoint_url, events, secret, active, timeout_seconds, max_attempts
		FROM hookd.subscriptions
		WHERE id = $1`, id)
	return scanSubscription(row.Scan)
}

func scanSubscription(scan func(dest ...any) error) (Subscription, error) {
	var (
		sub        Subscription
		eventsJSON []byte
		secret     string
	)
	if err := scan(&sub.ID, &sub.EndpointURL, &eventsJSON, &secret, &sub.Active,
		&sub.TimeoutSeconds, &sub.MaxAttempts); err != nil {
		return Subscription{}, err
	}
	if err := json.Unmarshal(eventsJSON, &sub.Events); err != nil {
		return Subscription{}, err
	}
	sub.Secret = []byte(secret)
	return sub, nil
}
