// Package api serves the read-only operator surface: subscription listings
// with their delivery counters, delivery lookups, and test dispatches.
// Subscription management itself lives in the main platform; this service
// only reports on what it delivers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/gestagent/hookd/internal/dispatcher"
	"github.com/gestagent/hookd/internal/event"
	"github.com/gestagent/hookd/internal/logging"
	"github.com/gestagent/hookd/internal/registry"
	"github.com/gestagent/hookd/internal/stats"
	"github.com/gestagent/hookd/internal/store"
)

const defaultListLimit = 50

// SubscriptionSource reads subscriptions for reporting.
type SubscriptionSource interface {
	List(ctx context.Context) ([]registry.Subscription, error)
	Get(ctx context.Context, id string) (registry.Subscription, error)
}

// StatsSource reads per-subscription delivery counters.
type StatsSource interface {
	Snapshot(ctx context.Context, subscriptionID string) (stats.Snapshot, error)
}

// Dispatcher accepts test events aimed at one subscription.
type Dispatcher interface {
	DispatchTo(ctx context.Context, subscriptionID string, e event.Event) (store.Delivery, error)
}

// Server is the operator API handler set.
type Server struct {
	subs       SubscriptionSource
	stats      StatsSource
	store      store.Store
	dispatcher Dispatcher
	logger     *logging.Logger
}

func NewServer(subs SubscriptionSource, st StatsSource, ledger store.Store, disp Dispatcher, logger *logging.Logger) *Server {
	return &Server{
		subs:       subs,
		stats:      st,
		store:      ledger,
		dispatcher: disp,
		logger:     logger,
	}
}

// Routes registers the operator endpoints on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/subscriptions", s.handleListSubscriptions)
	mux.HandleFunc("GET /v1/subscriptions/{id}", s.handleGetSubscription)
	mux.HandleFunc("GET /v1/subscriptions/{id}/deliveries", s.handleListDeliveries)
	mux.HandleFunc("GET /v1/deliveries/{id}", s.handleGetDelivery)
	mux.HandleFunc("POST /v1/subscriptions/{id}/test", s.handleTestDelivery)
}

type subscriptionResponse struct {
	ID              string     `json:"id"`
	EndpointURL     string     `json:"endpoint_url"`
	Events          []string   `json:"events"`
	Active          bool       `json:"active"`
	TimeoutSeconds  int        `json:"timeout_seconds"`
	MaxAttempts     int        `json:"max_attempts"`
	TotalCalls      int        `json:"total_calls"`
	FailedCalls     int        `json:"failed_calls"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
}

type deliveryResponse struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscription_id"`
	EventID        string     `json:"event_id"`
	EventName      string     `json:"event_name"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	State          string     `json:"state"`
	LastError      string     `json:"last_error,omitempty"`
	LastStatus     int        `json:"last_response_status,omitempty"`
	LastTimeMS     int        `json:"last_response_time_ms,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subs, err := s.subs.List(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	out := make([]subscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		resp := toSubscriptionResponse(sub)
		if snap, err := s.stats.Snapshot(ctx, sub.ID); err == nil {
			resp.TotalCalls = snap.TotalCalls
			resp.FailedCalls = snap.FailedCalls
			resp.LastTriggeredAt = snap.LastTriggeredAt
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": out})
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sub, err := s.subs.Get(ctx, r.PathValue("id"))
	if err != nil {
		http.Error(w, "subscription not found", http.StatusNotFound)
		return
	}

	resp := toSubscriptionResponse(sub)
	if snap, err := s.stats.Snapshot(ctx, sub.ID); err == nil {
		resp.TotalCalls = snap.TotalCalls
		resp.FailedCalls = snap.FailedCalls
		resp.LastTriggeredAt = snap.LastTriggeredAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if _, err := s.subs.Get(ctx, id); err != nil {
		http.Error(w, "subscription not found", http.StatusNotFound)
		return
	}

	state := r.URL.Query().Get("state")
	switch state {
	case "", store.StatePending, store.StateRetrying, store.StateDelivered, store.StateFailed:
	default:
		http.Error(w, "unknown state filter", http.StatusBadRequest)
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	deliveries, err := s.store.ListBySubscription(ctx, id, state, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]deliveryResponse, 0, len(deliveries))
	for _, d := range deliveries {
		out = append(out, toDeliveryResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": out})
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.Load(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "delivery not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeliveryResponse(d))
}

// handleTestDelivery sends a synthetic webhook.test event directly to the
// target subscription so operators can verify an endpoint end to end,
// signature included. Event-name fan-out is bypassed: the target gets the
// test whether or not it subscribes to webhook.test, and nobody else does.
func (s *Server) handleTestDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	sub, err := s.subs.Get(ctx, id)
	if err != nil {
		http.Error(w, "subscription not found", http.StatusNotFound)
		return
	}
	if !sub.Active {
		http.Error(w, "subscription is not active", http.StatusConflict)
		return
	}

	e := event.Event{
		ID:         "evt_test_" + uuid.NewString(),
		Name:       event.WebhookTest,
		OccurredAt: time.Now().UTC(),
		Source:     "hookd",
		Payload: map[string]any{
			"message":         "test delivery",
			"subscription_id": sub.ID,
		},
	}
	rec, err := s.dispatcher.DispatchTo(ctx, sub.ID, e)
	if errors.Is(err, dispatcher.ErrSubscriptionInactive) {
		http.Error(w, "subscription is not active", http.StatusConflict)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"event_id":    e.ID,
		"delivery_id": rec.ID,
	})
}

func toSubscriptionResponse(sub registry.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:             sub.ID,
		EndpointURL:    sub.EndpointURL,
		Events:         sub.Events,
		Active:         sub.Active,
		TimeoutSeconds: sub.TimeoutSeconds,
		MaxAttempts:    sub.MaxAttempts,
	}
}

func toDeliveryResponse(d store.Delivery) deliveryResponse {
	return deliveryResponse{
		ID:             d.ID,
		SubscriptionID: d.SubscriptionID,
		EventID:        d.EventID,
		EventName:      d.EventName,
		Attempts:       d.Attempts,
		MaxAttempts:    d.MaxAttempts,
		State:          d.State,
		LastError:      d.LastError,
		LastStatus:     d.LastStatus,
		LastTimeMS:     d.LastTimeMS,
		NextRetryAt:    d.NextRetryAt,
		DeliveredAt:    d.DeliveredAt,
		CreatedAt:      d.CreatedAt,
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.WithContext(r.Context()).WithError(err).Error("api request failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
