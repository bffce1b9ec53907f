package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-memory Store with the same transition guards as the
// Postgres implementation. Used by tests and the local dev loop.
type Memory struct {
	mu         sync.Mutex
	deliveries map[string]Delivery
	now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		deliveries: make(map[string]Delivery),
		now:        time.Now,
	}
}

func (m *Memory) CreateOrGet(_ context.Context, d Delivery) (Delivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.ID == "" {
		d.ID = DeliveryID(d.EventID, d.SubscriptionID)
	}
	if existing, ok := m.deliveries[d.ID]; ok {
		return existing, false, nil
	}
	d.State = StatePending
	d.Attempts = 0
	d.CreatedAt = m.now()
	m.deliveries[d.ID] = d
	return d, true, nil
}

func (m *Memory) Load(_ context.Context, id string) (Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return Delivery{}, ErrNotFound
	}
	return d, nil
}

func (m *Memory) RecordAttempt(_ context.Context, id string, out AttemptOutcome) (Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return Delivery{}, ErrNotFound
	}
	if !d.Eligible() || d.Attempts >= d.MaxAttempts {
		return d, ErrTerminal
	}

	d.Attempts++
	d.LastError = out.Error
	d.LastStatus = out.Status
	d.LastBody = out.Body
	d.LastTimeMS = int(out.Duration.Milliseconds())
	if out.Success {
		d.State = StateDelivered
		now := m.now()
		d.DeliveredAt = &now
		d.NextRetryAt = nil
	}
	m.deliveries[id] = d
	return d, nil
}

func (m *Memory) ScheduleRetry(_ context.Context, id string, at time.Time) (Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return Delivery{}, ErrNotFound
	}
	if !d.Eligible() || d.Attempts >= d.MaxAttempts {
		return d, ErrTerminal
	}

	d.State = StateRetrying
	d.NextRetryAt = &at
	m.deliveries[id] = d
	return d, nil
}

func (m *Memory) MarkFailed(_ context.Context, id string) (Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return Delivery{}, ErrNotFound
	}
	if !d.Eligible() {
		return d, ErrTerminal
	}

	d.State = StateFailed
	d.NextRetryAt = nil
	m.deliveries[id] = d
	return d, nil
}

func (m *Memory) Due(_ context.Context, now time.Time, limit int) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Delivery
	for _, d := range m.deliveries {
		if d.State == StateRetrying && d.NextRetryAt != nil && !d.NextRetryAt.After(now) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextRetryAt.Before(*out[j].NextRetryAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListBySubscription(_ context.Context, subscriptionID, state string, limit int) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Delivery
	for _, d := range m.deliveries {
		if d.SubscriptionID != subscriptionID {
			continue
		}
		if state != "" && d.State != state {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) PurgeTerminal(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for id, d := range m.deliveries {
		if d.Terminal() && d.CreatedAt.Before(cutoff) {
			delete(m.deliveries, id)
			purged++
		}
	}
	return purged, nil
}
