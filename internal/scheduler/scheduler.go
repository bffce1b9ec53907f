// Package scheduler decides what happens to a delivery after a failed
// attempt: schedule a retry on the fixed backoff ladder, or declare the
// delivery terminally failed once the attempt budget is spent.
//
// Scheduled retries are armed as in-process timers for low latency, and
// additionally persisted as next_retry_at so a poller can pick up whatever
// the timers miss across restarts.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/gestagent/hookd/internal/logging"
	"github.com/gestagent/hookd/internal/metrics"
	"github.com/gestagent/hookd/internal/store"
)

// DefaultBackoff is the retry ladder: delay before attempt n+1, indexed by
// completed attempts. Past the end the last entry repeats. No jitter.
var DefaultBackoff = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}

// Delay returns the wait before the next attempt given how many attempts
// have completed. completed is 1-based (first failure = 1).
func Delay(schedule []time.Duration, completed int) time.Duration {
	idx := completed - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}

// Runner executes one retry attempt for a delivery id. The scheduler hands
// over only the id: the runner re-reads the record and the subscription so
// the attempt sees current state.
type Runner interface {
	Redeliver(ctx context.Context, deliveryID string)
}

// Scheduler owns retry timing for failed deliveries.
type Scheduler struct {
	store    store.Store
	schedule []time.Duration
	logger   *logging.Logger

	pollInterval time.Duration
	pollBatch    int

	mu       sync.Mutex
	runner   Runner
	inflight map[string]struct{}
	now      func() time.Time
}

func New(st store.Store, schedule []time.Duration, pollInterval time.Duration, pollBatch int, logger *logging.Logger) *Scheduler {
	if len(schedule) == 0 {
		schedule = DefaultBackoff
	}
	return &Scheduler{
		store:        st,
		schedule:     schedule,
		logger:       logger,
		pollInterval: pollInterval,
		pollBatch:    pollBatch,
		inflight:     make(map[string]struct{}),
		now:          time.Now,
	}
}

// Bind sets the runner that performs retry attempts. Must be called before
// Start; kept separate from New because the dispatcher and scheduler
// reference each other.
func (s *Scheduler) Bind(r Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runner = r
}

// AfterAttempt inspects a post-attempt delivery record and either schedules
// the next try or finalizes the record. Records already terminal, delivered
// or failed fast by the executor, need no action here.
func (s *Scheduler) AfterAttempt(ctx context.Context, d store.Delivery) error {
	if d.Terminal() {
		return nil
	}

	if d.Attempts >= d.MaxAttempts {
		if _, err := s.store.MarkFailed(ctx, d.ID); err != nil {
			return err
		}
		metrics.RecordTerminalFailure()
		s.logger.WithContext(ctx).WithDelivery(d.ID).WithField("attempts", d.Attempts).
			Warn("delivery failed permanently")
		return nil
	}

	delay := Delay(s.schedule, d.Attempts)
	at := s.now().Add(delay)
	if _, err := s.store.ScheduleRetry(ctx, d.ID, at); err != nil {
		return err
	}
	s.logger.WithContext(ctx).WithDelivery(d.ID).WithFields(map[string]any{
		"attempt": d.Attempts,
		"delay":   delay.String(),
	}).Info("retry scheduled")

	id := d.ID
	time.AfterFunc(delay, func() {
		s.fire(context.Background(), id)
	})
	return nil
}

// Start runs the due-retry poller until ctx is cancelled. The poller is the
// durable side of scheduling: timers armed before a restart are gone, rows
// with a ripe next_retry_at are not.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *Scheduler) pollOnce(ctx context.Context) {
	due, err := s.store.Due(ctx, s.now(), s.pollBatch)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("due query failed")
		return
	}
	for _, d := range due {
		s.fire(ctx, d.ID)
	}
}

// fire re-reads the delivery and, if it is still a ripe retry, hands it to
// the runner. The inflight set keeps the timer and poller paths from running
// the same delivery concurrently.
func (s *Scheduler) fire(ctx context.Context, id string) {
	s.mu.Lock()
	runner := s.runner
	if _, busy := s.inflight[id]; busy || runner == nil {
		s.mu.Unlock()
		return
	}
	s.inflight[id] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
	}()

	d, err := s.store.Load(ctx, id)
	if err != nil {
		s.logger.WithContext(ctx).WithDelivery(id).WithError(err).Error("reload before retry failed")
		return
	}
	if d.State != store.StateRetrying {
		return
	}
	if d.NextRetryAt != nil && d.NextRetryAt.After(s.now()) {
		return
	}

	runner.Redeliver(ctx, id)
}
