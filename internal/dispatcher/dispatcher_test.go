package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gestagent/hookd/internal/event"
	"github.com/gestagent/hookd/internal/executor"
	"github.com/gestagent/hookd/internal/logging"
	"github.com/gestagent/hookd/internal/registry"
	"github.com/gestagent/hookd/internal/scheduler"
	"github.com/gestagent/hookd/internal/stats"
	"github.com/gestagent/hookd/internal/store"
)

type fixture struct {
	dispatcher *Dispatcher
	store      *store.Memory
	stats      *stats.Memory
	registry   *registry.Memory
}

func newFixture(subs ...registry.Subscription) *fixture {
	logger := logging.New("dispatcher-test")
	st := store.NewMemory()
	rec := stats.NewMemory()
	reg := registry.NewMemory(subs...)

	exec := executor.New(&http.Client{}, st, rec, logger, "GestAgent-Webhooks/1.0", 4096)
	sched := scheduler.New(st, []time.Duration{5 * time.Millisecond}, 5*time.Millisecond, 100, logger)
	disp := New(reg, st, exec, sched, logger, 8)
	sched.Bind(disp)

	return &fixture{dispatcher: disp, store: st, stats: rec, registry: reg}
}

func testEvent(id string) event.Event {
	return event.Event{
		ID:         id,
		Name:       "document.uploaded",
		OccurredAt: time.Now().UTC(),
		Source:     "gestagent",
		Payload:    map[string]any{"document_id": "doc_1"},
	}
}

func waitForState(t *testing.T, st store.Store, id, want string) store.Delivery {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		d, err := st.Load(context.Background(), id)
		if err == nil && d.State == want {
			return d
		}
		time.Sleep(5 * time.Millisecond)
	}
	d, _ := st.Load(context.Background(), id)
	t.Fatalf("delivery %s stuck in state %q, want %q", id, d.State, want)
	return store.Delivery{}
}

func TestDispatchDeliversToSubscriber(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := registry.Subscription{
		ID: "sub_1", EndpointURL: srv.URL, Events: []string{"document.uploaded"},
		Secret: []byte("whsec_test"), Active: true, TimeoutSeconds: 5, MaxAttempts: 3,
	}
	f := newFixture(sub)

	e := testEvent("evt_1")
	if err := f.dispatcher.Dispatch(context.Background(), e); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	f.dispatcher.Wait()

	id := store.DeliveryID(e.ID, sub.ID)
	d := waitForState(t, f.store, id, store.StateDelivered)
	if d.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", d.Attempts)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("endpoint hit %d times, want 1", got)
	}
	if s := f.stats.Snapshot(sub.ID); s.TotalCalls != 1 || s.FailedCalls != 0 {
		t.Errorf("stats = %+v, want 1 total / 0 failed", s)
	}
}

func TestDispatchIsIdempotentPerEvent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := registry.Subscription{
		ID: "sub_1", EndpointURL: srv.URL, Events: []string{"document.uploaded"},
		Secret: []byte("whsec_test"), Active: true, TimeoutSeconds: 5, MaxAttempts: 3,
	}
	f := newFixture(sub)

	e := testEvent("evt_dup")
	for i := 0; i < 3; i++ {
		if err := f.dispatcher.Dispatch(context.Background(), e); err != nil {
			t.Fatalf("Dispatch() #%d error = %v", i+1, err)
		}
	}
	f.dispatcher.Wait()

	id := store.DeliveryID(e.ID, sub.ID)
	waitForState(t, f.store, id, store.StateDelivered)

	all, _ := f.store.ListBySubscription(context.Background(), sub.ID, "", 10)
	if len(all) != 1 {
		t.Errorf("duplicate dispatch created %d deliveries, want 1", len(all))
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("endpoint hit %d times across duplicate dispatches, want 1", got)
	}
}

func TestDispatchExhaustsRetriesThenFails(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sub := registry.Subscription{
		ID: "sub_1", EndpointURL: srv.URL, Events: []string{"document.uploaded"},
		Secret: []byte("whsec_test"), Active: true, TimeoutSeconds: 5, MaxAttempts: 3,
	}
	f := newFixture(sub)

	e := testEvent("evt_down")
	if err := f.dispatcher.Dispatch(context.Background(), e); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	id := store.DeliveryID(e.ID, sub.ID)
	d := waitForState(t, f.store, id, store.StateFailed)
	if d.Attempts != 3 {
		t.Errorf("attempts = %d, want exactly 3", d.Attempts)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("endpoint hit %d times, want 3", got)
	}
	if s := f.stats.Snapshot(sub.ID); s.TotalCalls != 3 || s.FailedCalls != 3 {
		t.Errorf("stats = %+v, want 3 total / 3 failed", s)
	}
}

func TestDispatchIsolatesSubscriptions(t *testing.T) {
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer badSrv.Close()

	okSub := registry.Subscription{
		ID: "sub_ok", EndpointURL: okSrv.URL, Events: []string{"document.uploaded"},
		Secret: []byte("whsec_a"), Active: true, TimeoutSeconds: 5, MaxAttempts: 3,
	}
	badSub := registry.Subscription{
		ID: "sub_bad", EndpointURL: badSrv.URL, Events: []string{"document.uploaded"},
		Secret: []byte("whsec_b"), Active: true, TimeoutSeconds: 5, MaxAttempts: 3,
	}
	f := newFixture(okSub, badSub)

	e := testEvent("evt_fan")
	if err := f.dispatcher.Dispatch(context.Background(), e); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	okDelivery := waitForState(t, f.store, store.DeliveryID(e.ID, okSub.ID), store.StateDelivered)
	badDelivery := waitForState(t, f.store, store.DeliveryID(e.ID, badSub.ID), store.StateFailed)

	if okDelivery.Attempts != 1 {
		t.Errorf("healthy endpoint attempts = %d, want 1", okDelivery.Attempts)
	}
	if badDelivery.Attempts != 3 {
		t.Errorf("failing endpoint attempts = %d, want 3", badDelivery.Attempts)
	}
	if s := f.stats.Snapshot(okSub.ID); s.FailedCalls != 0 {
		t.Errorf("healthy subscription picked up %d failures from its neighbor", s.FailedCalls)
	}
}

func TestRedeliverAbandonsDeactivatedSubscription(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := registry.Subscription{
		ID: "sub_1", EndpointURL: srv.URL, Events: []string{"document.uploaded"},
		Secret: []byte("whsec_test"), Active: true, TimeoutSeconds: 5, MaxAttempts: 3,
	}
	f := newFixture(sub)
	ctx := context.Background()

	d, _, err := f.store.CreateOrGet(ctx, store.Delivery{
		SubscriptionID: sub.ID, EventID: "evt_gone", EventName: "document.uploaded",
		Payload: []byte(`{}`), MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("CreateOrGet() error = %v", err)
	}
	if _, err := f.store.RecordAttempt(ctx, d.ID, store.AttemptOutcome{Status: 500, Error: "http_5xx: status 500"}); err != nil {
		t.Fatalf("RecordAttempt() error = %v", err)
	}
	if _, err := f.store.ScheduleRetry(ctx, d.ID, time.Now()); err != nil {
		t.Fatalf("ScheduleRetry() error = %v", err)
	}

	sub.Active = false
	f.registry.Put(sub)

	f.dispatcher.Redeliver(ctx, d.ID)
	f.dispatcher.Wait()

	got, err := f.store.Load(ctx, d.ID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.State != store.StateFailed {
		t.Errorf("state = %q, want failed after deactivation", got.State)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no attempt after deactivation)", got.Attempts)
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("deactivated subscription endpoint was POSTed %d time(s)", n)
	}
}

func TestDispatchReclaimsOrphanedPendingDelivery(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := registry.Subscription{
		ID: "sub_1", EndpointURL: srv.URL, Events: []string{"document.uploaded"},
		Secret: []byte("whsec_test"), Active: true, TimeoutSeconds: 5, MaxAttempts: 3,
	}
	f := newFixture(sub)
	ctx := context.Background()

	// A record created but never attempted, as left behind by a crash
	// between creation and the first attempt.
	e := testEvent("evt_orphan")
	payload, err := event.NewEnvelope(e).Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	orphan, created, err := f.store.CreateOrGet(ctx, store.Delivery{
		SubscriptionID: sub.ID, EventID: e.ID, EventName: e.Name,
		Payload: payload, MaxAttempts: 3,
	})
	if err != nil || !created {
		t.Fatalf("CreateOrGet() = created %v, err %v", created, err)
	}

	if err := f.dispatcher.Dispatch(ctx, e); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	d := waitForState(t, f.store, orphan.ID, store.StateDelivered)
	if d.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", d.Attempts)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("endpoint hit %d times, want 1", n)
	}
}

func TestDispatchDoesNotBlockWhenPoolSaturated(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	subA := registry.Subscription{
		ID: "sub_a", EndpointURL: srv.URL, Events: []string{"document.uploaded"},
		Secret: []byte("whsec_a"), Active: true, TimeoutSeconds: 30, MaxAttempts: 3,
	}
	subB := registry.Subscription{
		ID: "sub_b", EndpointURL: srv.URL, Events: []string{"document.uploaded"},
		Secret: []byte("whsec_b"), Active: true, TimeoutSeconds: 30, MaxAttempts: 3,
	}

	logger := logging.New("dispatcher-test")
	st := store.NewMemory()
	rec := stats.NewMemory()
	reg := registry.NewMemory(subA, subB)
	exec := executor.New(&http.Client{}, st, rec, logger, "GestAgent-Webhooks/1.0", 4096)
	sched := scheduler.New(st, []time.Duration{5 * time.Millisecond}, 5*time.Millisecond, 100, logger)
	disp := New(reg, st, exec, sched, logger, 1)
	sched.Bind(disp)

	done := make(chan error, 1)
	go func() { done <- disp.Dispatch(context.Background(), testEvent("evt_sat")) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch blocked behind a saturated task pool")
	}

	close(release)
	disp.Wait()
}

func TestDispatchToBypassesEventFanOut(t *testing.T) {
	var targetHits, otherHits atomic.Int32
	targetSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		targetHits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer targetSrv.Close()
	otherSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		otherHits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer otherSrv.Close()

	// The target does not subscribe to webhook.test; another subscription does.
	target := registry.Subscription{
		ID: "sub_target", EndpointURL: targetSrv.URL, Events: []string{"document.uploaded"},
		Secret: []byte("whsec_a"), Active: true, TimeoutSeconds: 5, MaxAttempts: 3,
	}
	other := registry.Subscription{
		ID: "sub_other", EndpointURL: otherSrv.URL, Events: []string{event.WebhookTest},
		Secret: []byte("whsec_b"), Active: true, TimeoutSeconds: 5, MaxAttempts: 3,
	}
	f := newFixture(target, other)

	e := event.Event{
		ID:         "evt_test_1",
		Name:       event.WebhookTest,
		OccurredAt: time.Now().UTC(),
		Source:     "hookd",
		Payload:    map[string]any{"message": "test delivery"},
	}
	rec, err := f.dispatcher.DispatchTo(context.Background(), target.ID, e)
	if err != nil {
		t.Fatalf("DispatchTo() error = %v", err)
	}
	if rec.ID != store.DeliveryID(e.ID, target.ID) {
		t.Errorf("delivery id = %q, want deterministic id for the target pair", rec.ID)
	}

	waitForState(t, f.store, rec.ID, store.StateDelivered)
	if n := targetHits.Load(); n != 1 {
		t.Errorf("target endpoint hit %d times, want 1", n)
	}
	if n := otherHits.Load(); n != 0 {
		t.Errorf("webhook.test subscriber hit %d times by a targeted dispatch, want 0", n)
	}
	if all, _ := f.store.ListBySubscription(context.Background(), other.ID, "", 10); len(all) != 0 {
		t.Errorf("targeted dispatch created %d deliveries for other subscriptions", len(all))
	}
}

func TestDispatchToRejectsInactiveSubscription(t *testing.T) {
	sub := registry.Subscription{
		ID: "sub_off", EndpointURL: "http://127.0.0.1:1", Events: []string{"document.uploaded"},
		Secret: []byte("whsec_a"), Active: false, TimeoutSeconds: 5, MaxAttempts: 3,
	}
	f := newFixture(sub)

	e := testEvent("evt_off")
	if _, err := f.dispatcher.DispatchTo(context.Background(), sub.ID, e); !errors.Is(err, ErrSubscriptionInactive) {
		t.Errorf("DispatchTo() error = %v, want ErrSubscriptionInactive", err)
	}
	if all, _ := f.store.ListBySubscription(context.Background(), sub.ID, "", 10); len(all) != 0 {
		t.Errorf("inactive subscription got %d deliveries", len(all))
	}
}

func TestDispatchNoSubscribers(t *testing.T) {
	f := newFixture()

	e := testEvent("evt_lonely")
	if err := f.dispatcher.Dispatch(context.Background(), e); err != nil {
		t.Fatalf("Dispatch() with no subscribers error = %v", err)
	}
	f.dispatcher.Wait()

	all, _ := f.store.ListBySubscription(context.Background(), "sub_1", "", 10)
	if len(all) != 0 {
		t.Errorf("deliveries created with no subscribers: %v", all)
	}
}

func TestDispatchRejectsInvalidEvent(t *testing.T) {
	f := newFixture()
	if err := f.dispatcher.Dispatch(context.Background(), event.Event{Name: "document.uploaded"}); err == nil {
		t.Error("Dispatch() accepted an event without an id")
	}
}
