package stats

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-memory Recorder used by tests.
type Memory struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		snapshots: make(map[string]Snapshot),
		now:       time.Now,
	}
}

func (m *Memory) RecordSuccess(_ context.Context, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.snapshots[subscriptionID]
	s.TotalCalls++
	at := m.now()
	s.LastTriggeredAt = &at
	m.snapshots[subscriptionID] = s
	return nil
}

func (m *Memory) RecordFailure(_ context.Context, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.snapshots[subscriptionID]
	s.TotalCalls++
	s.FailedCalls++
	at := m.now()
	s.LastTriggeredAt = &at
	m.snapshots[subscriptionID] = s
	return nil
}

func (m *Memory) Snapshot(subscriptionID string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots[subscriptionID]
}
