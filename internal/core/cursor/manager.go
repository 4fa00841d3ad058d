package cursor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/dfesync/internal/infra/storage"
)

// ErrCursorRegression is returned when a commit would move LastNSU backwards.
var ErrCursorRegression = errors.New("cursor regression")

// Manager loads and persists tenant cursors and tracks sync state transitions.
type Manager struct {
	repo          storage.CursorRepository
	now           func() time.Time
	mu            sync.RWMutex
	stateCallback func(key string, t Transition)
	collectors    map[string]*MetricsCollector
}

// Load returns the cursor of a tenant, creating a zero cursor on first use.
func (m *Manager) Load(ctx context.Context, tenantID, cnpj string) (*Cursor, error) {
	c, err := m.repo.Get(ctx, tenantID, cnpj)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, storage.ErrCursorNotFound) {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	c = &Cursor{
		TenantID:  tenantID,
		CNPJ:      cnpj,
		UpdatedAt: m.now(),
	}
	if err := m.repo.Save(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create cursor: %w", err)
	}
	return c, nil
}

// Get returns the cursor of a tenant without creating it.
func (m *Manager) Get(ctx context.Context, tenantID, cnpj string) (*Cursor, error) {
	return m.repo.Get(ctx, tenantID, cnpj)
}

// List returns every known cursor.
func (m *Manager) List(ctx context.Context) ([]*Cursor, error) {
	return m.repo.List(ctx)
}

// Commit moves the cursor to lastNSU after the window was persisted. An equal NSU is
// accepted so a caught-up tenant still records the sync time and status.
func (m *Manager) Commit(
	ctx context.Context,
	c *Cursor,
	lastNSU, maxNSU uint64,
	statusCode string,
) error {
	if lastNSU < c.LastNSU {
		return fmt.Errorf("%w: at %d, got %d", ErrCursorRegression, c.LastNSU, lastNSU)
	}

	now := m.now()
	next := *c
	next.LastNSU = lastNSU
	if maxNSU > 0 {
		next.MaxNSU = maxNSU
	}
	next.LastStatusCode = statusCode
	next.LastSyncedAt = &now
	next.BlockedUntil = nil

	if err := m.repo.Save(ctx, &next); err != nil {
		return fmt.Errorf("failed to commit cursor: %w", err)
	}

	m.withCollector(c.Key(), func(mc *MetricsCollector) {
		mc.RecordCommit(lastNSU-c.LastNSU, now)
	})
	*c = next
	return nil
}

// Touch records a sync attempt without moving LastNSU.
func (m *Manager) Touch(ctx context.Context, c *Cursor, maxNSU uint64, statusCode string) error {
	return m.Commit(ctx, c, c.LastNSU, maxNSU, statusCode)
}

// Block stores the throttle window. LastNSU is left as is.
func (m *Manager) Block(ctx context.Context, c *Cursor, until time.Time, statusCode string) error {
	next := *c
	next.BlockedUntil = &until
	next.LastStatusCode = statusCode

	if err := m.repo.Save(ctx, &next); err != nil {
		return fmt.Errorf("failed to block cursor: %w", err)
	}
	*c = next
	return nil
}

// Reset rewinds or advances a cursor to nsu and clears any throttle window. It is the only
// way to move LastNSU backwards.
func (m *Manager) Reset(ctx context.Context, tenantID, cnpj string, nsu uint64) (*Cursor, error) {
	c, err := m.Load(ctx, tenantID, cnpj)
	if err != nil {
		return nil, err
	}
	c.LastNSU = nsu
	c.BlockedUntil = nil
	if err := m.repo.Save(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to reset cursor: %w", err)
	}

	m.mu.Lock()
	if mc, ok := m.collectors[c.Key()]; ok {
		mc.Reset()
	}
	m.mu.Unlock()
	return c, nil
}

// Transition validates and records a state change of a tenant's sync.
func (m *Manager) Transition(key string, from, to State, reason string) (Transition, error) {
	if !CanTransition(from, to) {
		return Transition{}, fmt.Errorf(
			"%w: cannot transition from %s to %s",
			ErrInvalidTransition,
			from,
			to,
		)
	}

	transition := NewTransition(from, to, reason)
	m.withCollector(key, func(mc *MetricsCollector) {
		mc.RecordTransition(transition)
	})

	m.mu.RLock()
	cb := m.stateCallback
	m.mu.RUnlock()
	if cb != nil {
		cb(key, transition)
	}
	return transition, nil
}

// GetMetrics returns progress metrics for a tenant key.
func (m *Manager) GetMetrics(key string) Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if collector, ok := m.collectors[key]; ok {
		return collector.GetMetrics()
	}

	return Metrics{}
}

// SetStateChangeCallback registers a callback for state changes.
func (m *Manager) SetStateChangeCallback(fn func(key string, t Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCallback = fn
}

func (m *Manager) withCollector(key string, fn func(*MetricsCollector)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.collectors[key]
	if !ok {
		mc = NewMetricsCollector(100)
		m.collectors[key] = mc
	}
	fn(mc)
}
