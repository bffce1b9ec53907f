package registry

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-memory Registry used by tests and the local dev loop.
type Memory struct {
	mu   sync.RWMutex
	subs map[string]Subscription

	// ListCalls counts ListActiveForEvent invocations, for cache tests.
	ListCalls int
}

func NewMemory(subs ...Subscription) *Memory {
	m := &Memory{subs: make(map[string]Subscription)}
	for _, s := range subs {
		m.subs[s.ID] = s
	}
	return m
}

func (m *Memory) Put(sub Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
}

func (m *Memory) ListActiveForEvent(_ context.Context, eventName string) ([]Subscription, error) {
	m.mu.Lock()
	m.ListCalls++
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Subscription
	for _, s := range m.subs {
		if s.Active && s.WantsEvent(eventName) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) List(_ context.Context) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	return out, nil
}

func (m *Memory) Get(_ context.Context, id string) (Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[id]
	if !ok {
		return Subscription{}, fmt.Errorf("subscription %s not found", id)
	}
	return s, nil
}
