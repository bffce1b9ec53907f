package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gestagent/hookd/internal/dispatcher"
	"github.com/gestagent/hookd/internal/event"
	"github.com/gestagent/hookd/internal/executor"
	"github.com/gestagent/hookd/internal/logging"
	"github.com/gestagent/hookd/internal/registry"
	"github.com/gestagent/hookd/internal/scheduler"
	"github.com/gestagent/hookd/internal/stats"
	"github.com/gestagent/hookd/internal/store"
)

type memStats struct{ inner *stats.Memory }

func (m memStats) Snapshot(_ context.Context, id string) (stats.Snapshot, error) {
	return m.inner.Snapshot(id), nil
}

type captureDispatcher struct {
	subIDs []string
	events []event.Event
}

func (c *captureDispatcher) DispatchTo(_ context.Context, subscriptionID string, e event.Event) (store.Delivery, error) {
	c.subIDs = append(c.subIDs, subscriptionID)
	c.events = append(c.events, e)
	return store.Delivery{ID: store.DeliveryID(e.ID, subscriptionID)}, nil
}

type testHarness struct {
	mux        *http.ServeMux
	store      *store.Memory
	stats      *stats.Memory
	dispatcher *captureDispatcher
}

func newHarness(subs ...registry.Subscription) *testHarness {
	st := store.NewMemory()
	rec := stats.NewMemory()
	disp := &captureDispatcher{}

	srv := NewServer(registry.NewMemory(subs...), memStats{rec}, st, disp, logging.New("api-test"))
	mux := http.NewServeMux()
	srv.Routes(mux)
	return &testHarness{mux: mux, store: st, stats: rec, dispatcher: disp}
}

func (h *testHarness) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	h.mux.ServeHTTP(rr, req)
	return rr
}

var testSub = registry.Subscription{
	ID:             "11111111-1111-1111-1111-111111111111",
	EndpointURL:    "https://example.com/hook",
	Events:         []string{"document.uploaded"},
	Secret:         []byte("whsec_test"),
	Active:         true,
	TimeoutSeconds: 30,
	MaxAttempts:    3,
}

func TestListSubscriptionsIncludesCounters(t *testing.T) {
	h := newHarness(testSub)
	ctx := context.Background()
	h.stats.RecordSuccess(ctx, testSub.ID)
	h.stats.RecordFailure(ctx, testSub.ID)

	rr := h.do(t, http.MethodGet, "/v1/subscriptions")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var body struct {
		Subscriptions []struct {
			ID          string `json:"id"`
			TotalCalls  int    `json:"total_calls"`
			FailedCalls int    `json:"failed_calls"`
		} `json:"subscriptions"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Subscriptions) != 1 {
		t.Fatalf("got %d subscriptions, want 1", len(body.Subscriptions))
	}
	got := body.Subscriptions[0]
	if got.ID != testSub.ID || got.TotalCalls != 2 || got.FailedCalls != 1 {
		t.Errorf("subscription = %+v, want counters 2/1", got)
	}
}

func TestGetDelivery(t *testing.T) {
	h := newHarness(testSub)
	d, _, _ := h.store.CreateOrGet(context.Background(), store.Delivery{
		SubscriptionID: testSub.ID,
		EventID:        "evt_1",
		EventName:      "document.uploaded",
		Payload:        []byte(`{}`),
		MaxAttempts:    3,
	})

	rr := h.do(t, http.MethodGet, "/v1/deliveries/"+d.ID)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var got struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != d.ID || got.State != store.StatePending {
		t.Errorf("delivery = %+v", got)
	}

	if rr := h.do(t, http.MethodGet, "/v1/deliveries/missing"); rr.Code != http.StatusNotFound {
		t.Errorf("missing delivery status = %d, want 404", rr.Code)
	}
}

func TestListDeliveriesFiltersByState(t *testing.T) {
	h := newHarness(testSub)
	ctx := context.Background()

	a, _, _ := h.store.CreateOrGet(ctx, store.Delivery{
		SubscriptionID: testSub.ID, EventID: "evt_a", EventName: "document.uploaded",
		Payload: []byte(`{}`), MaxAttempts: 3,
	})
	h.store.RecordAttempt(ctx, a.ID, store.AttemptOutcome{Success: true, Status: 200})
	h.store.CreateOrGet(ctx, store.Delivery{
		SubscriptionID: testSub.ID, EventID: "evt_b", EventName: "document.uploaded",
		Payload: []byte(`{}`), MaxAttempts: 3,
	})

	rr := h.do(t, http.MethodGet, "/v1/subscriptions/"+testSub.ID+"/deliveries?state=delivered")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body struct {
		Deliveries []struct {
			ID string `json:"id"`
		} `json:"deliveries"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Deliveries) != 1 || body.Deliveries[0].ID != a.ID {
		t.Errorf("filtered deliveries = %+v, want only %s", body.Deliveries, a.ID)
	}

	if rr := h.do(t, http.MethodGet, "/v1/subscriptions/"+testSub.ID+"/deliveries?state=bogus"); rr.Code != http.StatusBadRequest {
		t.Errorf("bogus state filter status = %d, want 400", rr.Code)
	}
	if rr := h.do(t, http.MethodGet, "/v1/subscriptions/nope/deliveries"); rr.Code != http.StatusNotFound {
		t.Errorf("unknown subscription status = %d, want 404", rr.Code)
	}
}

func TestTestDeliveryDispatchesSyntheticEvent(t *testing.T) {
	h := newHarness(testSub)

	rr := h.do(t, http.MethodPost, "/v1/subscriptions/"+testSub.ID+"/test")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}

	if len(h.dispatcher.events) != 1 {
		t.Fatalf("dispatched %d events, want 1", len(h.dispatcher.events))
	}
	e := h.dispatcher.events[0]
	if e.Name != event.WebhookTest {
		t.Errorf("event name = %q, want webhook.test", e.Name)
	}
	if e.ID == "" {
		t.Error("test event has no id")
	}
	if h.dispatcher.subIDs[0] != testSub.ID {
		t.Errorf("dispatched to %q, want the target subscription", h.dispatcher.subIDs[0])
	}

	var body struct {
		EventID    string `json:"event_id"`
		DeliveryID string `json:"delivery_id"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.DeliveryID != store.DeliveryID(e.ID, testSub.ID) {
		t.Errorf("delivery_id = %q does not match the dispatched event", body.DeliveryID)
	}
}

// TestTestDeliveryReachesUnsubscribedEndpoint runs the test dispatch through
// the real dispatcher against a subscription that does not subscribe to
// webhook.test. The endpoint must still receive the POST, and the returned
// delivery_id must name a real record.
func TestTestDeliveryReachesUnsubscribedEndpoint(t *testing.T) {
	var hits atomic.Int32
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer endpoint.Close()

	sub := testSub
	sub.EndpointURL = endpoint.URL
	sub.Events = []string{"document.uploaded"} // not webhook.test

	logger := logging.New("api-test")
	st := store.NewMemory()
	rec := stats.NewMemory()
	reg := registry.NewMemory(sub)
	exec := executor.New(&http.Client{}, st, rec, logger, "GestAgent-Webhooks/1.0", 4096)
	sched := scheduler.New(st, []time.Duration{5 * time.Millisecond}, 5*time.Millisecond, 100, logger)
	disp := dispatcher.New(reg, st, exec, sched, logger, 8)
	sched.Bind(disp)

	srv := NewServer(reg, memStats{rec}, st, disp, logger)
	mux := http.NewServeMux()
	srv.Routes(mux)

	req := httptest.NewRequest(http.MethodPost, "/v1/subscriptions/"+sub.ID+"/test", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}
	disp.Wait()

	var body struct {
		DeliveryID string `json:"delivery_id"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	d, err := st.Load(context.Background(), body.DeliveryID)
	if err != nil {
		t.Fatalf("returned delivery_id %q has no record: %v", body.DeliveryID, err)
	}
	if d.State != store.StateDelivered {
		t.Errorf("state = %q, want delivered", d.State)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("endpoint hit %d times, want 1", n)
	}
}

func TestTestDeliveryRejectsInactiveSubscription(t *testing.T) {
	inactive := testSub
	inactive.Active = false
	h := newHarness(inactive)

	if rr := h.do(t, http.MethodPost, "/v1/subscriptions/"+inactive.ID+"/test"); rr.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rr.Code)
	}
	if len(h.dispatcher.events) != 0 {
		t.Error("inactive subscription still received a test dispatch")
	}
}
