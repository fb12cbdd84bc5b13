// Package presence tracks which mechanics are online and available for
// broadcast offers. Membership expires unless refreshed by a heartbeat.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Registry is the available-mechanics pool.
type Registry interface {
	Heartbeat(ctx context.Context, mechanicID string) error
	Leave(ctx context.Context, mechanicID string) error
	IsPresent(ctx context.Context, mechanicID string) (bool, error)
	Members(ctx context.Context) ([]string, error)
}

// DefaultTTL is how long a mechanic stays present after the last heartbeat.
const DefaultTTL = 90 * time.Second

// Memory is a single-process registry.
type Memory struct {
	mu     sync.Mutex
	ttl    time.Duration
	expiry map[string]time.Time
	now    func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, expiry: map[string]time.Time{}, now: time.Now}
}

func (m *Memory) Heartbeat(_ context.Context, mechanicID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiry[mechanicID] = m.now().Add(m.ttl)
	return nil
}

func (m *Memory) Leave(_ context.Context, mechanicID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.expiry, mechanicID)
	return nil
}

func (m *Memory) IsPresent(_ context.Context, mechanicID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.expiry[mechanicID]
	if !ok {
		return false, nil
	}
	if !m.now().Before(exp) {
		delete(m.expiry, mechanicID)
		return false, nil
	}
	return true, nil
}

func (m *Memory) Members(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]string, 0, len(m.expiry))
	for id, exp := range m.expiry {
		if !now.Before(exp) {
			delete(m.expiry, id)
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
