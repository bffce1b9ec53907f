// Package store is the durable ledger of delivery attempts. It is the single
// source of truth for delivery state: the dispatcher creates records here,
// and the executor and retry scheduler mutate them through guarded
// transitions that refuse to touch terminal records.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Delivery states. delivered and failed are terminal.
const (
	StatePending   = "pending"
	StateRetrying  = "retrying"
	StateDelivered = "delivered"
	StateFailed    = "failed"
)

// ErrTerminal is returned when a transition targets a delivery that already
// reached delivered or failed. Callers treat it as "someone else finished
// this", not as a fault.
var ErrTerminal = errors.New("store: delivery is in a terminal state")

// ErrNotFound is returned when a delivery id has no record.
var ErrNotFound = errors.New("store: delivery not found")

// deliveryNamespace seeds the deterministic delivery id derivation.
var deliveryNamespace = uuid.MustParse("c2aee93e-5fb8-44d7-a16f-6e24a01a2b90")

// DeliveryID derives the id for an (event, subscription) pair. The same pair
// always maps to the same id, which together with the unique index makes
// dispatch idempotent under concurrency.
func DeliveryID(eventID, subscriptionID string) string {
	return uuid.NewSHA1(deliveryNamespace, []byte(eventID+"\x00"+subscriptionID)).String()
}

// Delivery is the durable record of attempts to deliver one event to one
// subscription.
type Delivery struct {
	ID             string
	SubscriptionID string
	EventID        string
	EventName      string
	Payload        []byte // serialized envelope, exactly as signed and sent
	Attempts       int
	MaxAttempts    int
	State          string
	LastError      string
	LastStatus     int
	LastBody       string
	LastTimeMS     int
	NextRetryAt    *time.Time
	DeliveredAt    *time.Time
	CreatedAt      time.Time
}

// Terminal reports whether the delivery can transition no further.
func (d Delivery) Terminal() bool {
	return d.State == StateDelivered || d.State == StateFailed
}

// Eligible reports whether an attempt may run against this delivery.
func (d Delivery) Eligible() bool {
	return d.State == StatePending || d.State == StateRetrying
}

// AttemptOutcome captures the result of one delivery attempt.
type AttemptOutcome struct {
	Success  bool
	Status   int           // HTTP status, 0 when the request never completed
	Body     string        // response body, truncated by the executor
	Error    string        // human-readable cause, empty on success
	Duration time.Duration // wall time of the attempt
}

// Store persists deliveries. Implementations must serialize writes per
// delivery id and refuse transitions out of terminal states.
type Store interface {
	// CreateOrGet inserts a pending delivery for (eventID, subscriptionID),
	// or returns the existing record for that pair. The boolean is true when
	// a new record was created.
	CreateOrGet(ctx context.Context, d Delivery) (Delivery, bool, error)

	// Load returns the current record for a delivery id.
	Load(ctx context.Context, id string) (Delivery, error)

	// RecordAttempt durably writes one attempt outcome: increments attempts,
	// stores the response diagnostics, and on success transitions to
	// delivered. Returns ErrTerminal if the delivery already finished.
	RecordAttempt(ctx context.Context, id string, out AttemptOutcome) (Delivery, error)

	// ScheduleRetry moves a non-terminal delivery to retrying with the given
	// next attempt time.
	ScheduleRetry(ctx context.Context, id string, at time.Time) (Delivery, error)

	// MarkFailed moves a non-terminal delivery to the terminal failed state
	// and clears any scheduled retry.
	MarkFailed(ctx context.Context, id string) (Delivery, error)

	// Due returns up to limit retrying deliveries whose next_retry_at is at
	// or before now. Used by the poller that survives process restarts.
	Due(ctx context.Context, now time.Time, limit int) ([]Delivery, error)

	// ListBySubscription returns recent deliveries for one subscription,
	// optionally filtered by state. Most recent first.
	ListBySubscription(ctx context.Context, subscriptionID, state string, limit int) ([]Delivery, error)

	// PurgeTerminal deletes delivered/failed records created before cutoff
	// and reports how many were removed.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error)
}
