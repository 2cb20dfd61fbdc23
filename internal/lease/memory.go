// Package lease provides short-lived exclusive leases keyed by string. The
// orchestrator holds one per conversation while a turn is in flight.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"metered-assistant/internal/domain"
)

type memoryLease struct {
	owner   string
	expires time.Time
}

// Memory is an in-process lease table for single-instance deployments.
type Memory struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		leases: make(map[string]memoryLease),
		now:    time.Now,
	}
}

// Acquire takes key for ttl or fails with domain.ErrLeaseHeld.
func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if key == "" {
		return nil, errors.New("lease: key is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lease: ttl must be positive, got %s", ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.leases[key]; ok && now.Before(cur.expires) {
		return nil, fmt.Errorf("lease: %q: %w", key, domain.ErrLeaseHeld)
	}
	owner := uuid.NewString()
	m.leases[key] = memoryLease{owner: owner, expires: now.Add(ttl)}

	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.leases[key]; ok && cur.owner == owner {
			delete(m.leases, key)
		}
		return nil
	}, nil
}
