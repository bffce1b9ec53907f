// Package dispatcher fans incoming events out to subscribed endpoints. One
// event becomes at most one delivery per active subscription, and each
// delivery runs as its own task so one slow or failing endpoint never holds
// up the others.
package dispatcher

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gestagent/hookd/internal/event"
	"github.com/gestagent/hookd/internal/executor"
	"github.com/gestagent/hookd/internal/logging"
	"github.com/gestagent/hookd/internal/metrics"
	"github.com/gestagent/hookd/internal/registry"
	"github.com/gestagent/hookd/internal/scheduler"
	"github.com/gestagent/hookd/internal/store"
	"github.com/gestagent/hookd/internal/tracing"
)

// ErrSubscriptionInactive is returned when a direct dispatch targets a
// subscription that has been deactivated.
var ErrSubscriptionInactive = errors.New("dispatcher: subscription is not active")

// Dispatcher resolves subscriptions for an event and drives first attempts.
// It also serves as the scheduler's runner for retry attempts.
type Dispatcher struct {
	registry  registry.Registry
	store     store.Store
	executor  *executor.Executor
	scheduler *scheduler.Scheduler
	logger    *logging.Logger

	// sem bounds concurrently running delivery tasks across all events.
	sem chan struct{}
	wg  sync.WaitGroup
}

func New(reg registry.Registry, st store.Store, exec *executor.Executor, sched *scheduler.Scheduler, logger *logging.Logger, maxInFlight int) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = 64
	}
	return &Dispatcher{
		registry:  reg,
		store:     st,
		executor:  exec,
		scheduler: sched,
		logger:    logger,
		sem:       make(chan struct{}, maxInFlight),
	}
}

// Dispatch fans one event out to every active subscription that wants it.
// Creation of the delivery records is synchronous so a second dispatch of the
// same event finds them; the attempts themselves run in the background.
func (d *Dispatcher) Dispatch(ctx context.Context, e event.Event) error {
	ctx, span := tracing.StartSpan(ctx, "dispatcher.dispatch",
		attribute.String("event.id", e.ID),
		attribute.String("event.name", e.Name),
	)
	defer span.End()

	if err := e.Validate(); err != nil {
		return err
	}

	subs, err := d.registry.ListActiveForEvent(ctx, e.Name)
	if err != nil {
		return err
	}
	metrics.RecordDispatch(e.Name)
	span.SetAttributes(attribute.Int("dispatch.subscriptions", len(subs)))

	if len(subs) == 0 {
		d.logger.WithContext(ctx).WithEvent(e.ID).WithField("event_name", e.Name).
			Debug("no subscribers for event")
		return nil
	}

	payload, err := event.NewEnvelope(e).Encode()
	if err != nil {
		return err
	}

	for _, sub := range subs {
		rec, created, err := d.store.CreateOrGet(ctx, store.Delivery{
			SubscriptionID: sub.ID,
			EventID:        e.ID,
			EventName:      e.Name,
			Payload:        payload,
			MaxAttempts:    sub.MaxAttempts,
		})
		if err != nil {
			d.logger.WithContext(ctx).WithEvent(e.ID).WithSubscription(sub.ID).
				WithError(err).Error("create delivery failed")
			continue
		}
		if !created {
			// Duplicate dispatch of an already-known (event, subscription)
			// pair: the existing record owns the outcome, unless it never
			// got its first attempt (a crash between creation and spawn).
			// Redelivery of the event re-arms such orphans.
			if rec.State != store.StatePending || rec.Attempts != 0 {
				continue
			}
		}
		d.spawn(sub, rec)
	}
	return nil
}

// Redeliver runs a retry attempt for an existing delivery. Invoked by the
// scheduler once a backoff delay elapses.
func (d *Dispatcher) Redeliver(ctx context.Context, deliveryID string) {
	rec, err := d.store.Load(ctx, deliveryID)
	if err != nil {
		d.logger.WithContext(ctx).WithDelivery(deliveryID).WithError(err).Error("load for redelivery failed")
		return
	}
	if !rec.Eligible() {
		return
	}

	sub, err := d.registry.Get(ctx, rec.SubscriptionID)
	if err != nil {
		d.logger.WithContext(ctx).WithDelivery(deliveryID).WithError(err).Error("load subscription for redelivery failed")
		return
	}
	if !sub.Active {
		// Deactivation mid-flight: never POST to an inactive endpoint.
		// The remaining attempts are forfeit, not deferred.
		if _, err := d.store.MarkFailed(ctx, rec.ID); err != nil && !errors.Is(err, store.ErrTerminal) {
			d.logger.WithContext(ctx).WithDelivery(rec.ID).WithError(err).Error("finalize delivery for inactive subscription failed")
			return
		}
		metrics.RecordTerminalFailure()
		d.logger.WithContext(ctx).WithDelivery(rec.ID).WithSubscription(sub.ID).
			Warn("subscription deactivated, delivery abandoned")
		return
	}

	d.run(ctx, sub, rec)
}

// DispatchTo creates and runs a delivery of one event to one subscription,
// bypassing event-name fan-out. Serves operator test deliveries, so the
// target need not be subscribed to the event.
func (d *Dispatcher) DispatchTo(ctx context.Context, subscriptionID string, e event.Event) (store.Delivery, error) {
	if err := e.Validate(); err != nil {
		return store.Delivery{}, err
	}
	sub, err := d.registry.Get(ctx, subscriptionID)
	if err != nil {
		return store.Delivery{}, err
	}
	if !sub.Active {
		return store.Delivery{}, ErrSubscriptionInactive
	}

	payload, err := event.NewEnvelope(e).Encode()
	if err != nil {
		return store.Delivery{}, err
	}
	rec, created, err := d.store.CreateOrGet(ctx, store.Delivery{
		SubscriptionID: sub.ID,
		EventID:        e.ID,
		EventName:      e.Name,
		Payload:        payload,
		MaxAttempts:    sub.MaxAttempts,
	})
	if err != nil {
		return store.Delivery{}, err
	}
	if created {
		d.spawn(sub, rec)
	}
	return rec, nil
}

// spawn runs a first attempt as its own bounded background task. The
// semaphore is taken inside the goroutine so a full task pool delays the
// attempt, never the dispatching caller.
func (d *Dispatcher) spawn(sub registry.Subscription, rec store.Delivery) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sem <- struct{}{}
		defer func() { <-d.sem }()
		d.run(context.Background(), sub, rec)
	}()
}

// run performs one attempt and feeds the outcome to the scheduler.
func (d *Dispatcher) run(ctx context.Context, sub registry.Subscription, rec store.Delivery) {
	after, err := d.executor.Execute(ctx, sub, rec)
	if err != nil {
		if !errors.Is(err, store.ErrTerminal) {
			d.logger.WithContext(ctx).WithDelivery(rec.ID).WithError(err).Error("delivery attempt failed to record")
		}
		return
	}
	if err := d.scheduler.AfterAttempt(ctx, after); err != nil {
		d.logger.WithContext(ctx).WithDelivery(rec.ID).WithError(err).Error("schedule next attempt failed")
	}
}

// Wait blocks until all in-flight delivery tasks finish. Used on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
