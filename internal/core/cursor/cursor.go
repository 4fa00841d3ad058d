// Package cursor tracks the distribution position (NSU) of each tenant.
//
// # Purpose
//
// The cursor is the bookmark the authority expects back on every distribution request:
//   - LastNSU: highest NSU whose batch was durably persisted
//   - MaxNSU: highest NSU the authority reported on the last reply
//   - BlockedUntil: end of the throttle window imposed after cStat 656
//
// # Key Features
//
// Lazy creation - Load creates a zero cursor the first time a tenant is synced.
//
// Monotonic commits - Commit refuses to move LastNSU backwards and returns
// ErrCursorRegression. Only Reset, an operator action, may rewind.
//
// State Machine - A sync moves through idle, polling and one terminal state
// before returning to idle. Only transitions listed in ValidTransitions are allowed:
//
//	IDLE → POLLING → SUCCESS → IDLE  (valid)
//	IDLE → SUCCESS                   (invalid, a sync must poll first)
//
// # Quick Start
//
//	manager := cursor.NewManager(cursorRepo)
//
//	c, _ := manager.Load(ctx, "acme", "12345678000199")
//	if c.IsBlocked(time.Now()) {
//	    return
//	}
//
//	// after the window was ingested
//	manager.Commit(ctx, c, ultNSU, maxNSU, "138")
//
//	// after cStat 656
//	manager.Block(ctx, c, time.Now().Add(time.Hour), "656")
//
// # Package Structure
//
//   - state.go   - State machine definitions and valid transitions
//   - manager.go - Manager with lazy creation, monotonic commit and throttle blocking
//   - metrics.go - Commit throughput and transition history per tenant
package cursor

import (
	"time"

	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/infra/storage"
)

// Cursor is the distribution position of one tenant.
type Cursor = domain.SyncCursor

// NewManager creates a new cursor manager with the given repository.
func NewManager(repo storage.CursorRepository) *Manager {
	return &Manager{
		repo:       repo,
		now:        time.Now,
		collectors: make(map[string]*MetricsCollector),
	}
}

// NewMetricsCollector creates a new metrics collector with the given window size.
func NewMetricsCollector(windowSize int) *MetricsCollector {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &MetricsCollector{
		windowSize:  windowSize,
		commits:     make([]commitRecord, 0, windowSize),
		transitions: make([]Transition, 0, 10),
	}
}
