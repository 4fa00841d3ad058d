package cursor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/infra/storage"
)

// =============================================================================
// Mock Repository
// =============================================================================

type mockCursorRepo struct {
	mu      sync.RWMutex
	cursors map[string]*domain.SyncCursor
	saves   int
	saveErr error
}

func newMockCursorRepo() *mockCursorRepo {
	return &mockCursorRepo{
		cursors: make(map[string]*domain.SyncCursor),
	}
}

func (r *mockCursorRepo) Get(ctx context.Context, tenantID, cnpj string) (*domain.SyncCursor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cursor, ok := r.cursors[domain.CursorKey(tenantID, cnpj)]
	if !ok {
		return nil, storage.ErrCursorNotFound
	}
	// Return a copy
	c := *cursor
	return &c, nil
}

func (r *mockCursorRepo) Save(ctx context.Context, cursor *domain.SyncCursor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.saveErr != nil {
		return r.saveErr
	}
	c := *cursor
	c.UpdatedAt = time.Now()
	r.cursors[cursor.Key()] = &c
	r.saves++
	return nil
}

func (r *mockCursorRepo) List(ctx context.Context) ([]*domain.SyncCursor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.SyncCursor, 0, len(r.cursors))
	for _, c := range r.cursors {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// =============================================================================
// State Transition Tests
// =============================================================================

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     State
		to       State
		expected bool
	}{
		{"idle to polling", StateIdle, StatePolling, true},
		{"idle to blocked", StateIdle, StateBlocked, true},
		{"idle to success", StateIdle, StateSuccess, false},
		{"polling to success", StatePolling, StateSuccess, true},
		{"polling to blocked", StatePolling, StateBlocked, true},
		{"polling to error", StatePolling, StateError, true},
		{"polling to idle", StatePolling, StateIdle, false},
		{"success to idle", StateSuccess, StateIdle, true},
		{"blocked to polling", StateBlocked, StatePolling, false},
		{"error to idle", StateError, StateIdle, true},
		{"unknown state", State("paused"), StateIdle, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CanTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestTransitionIsValid(t *testing.T) {
	valid := NewTransition(StatePolling, StateBlocked, "cStat 656")
	if !valid.IsValid() {
		t.Error("expected transition polling->blocked to be valid")
	}

	invalid := NewTransition(StateBlocked, StateSuccess, "unexpected")
	if invalid.IsValid() {
		t.Error("expected transition blocked->success to be invalid")
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateSuccess, StateBlocked, StateError} {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []State{StateIdle, StatePolling} {
		if s.Terminal() {
			t.Errorf("expected %s not to be terminal", s)
		}
	}
}

// =============================================================================
// Manager Tests
// =============================================================================

func TestManagerLoad_CreatesLazily(t *testing.T) {
	repo := newMockCursorRepo()
	manager := NewManager(repo)
	ctx := context.Background()

	c, err := manager.Load(ctx, "acme", "12345678000199")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.LastNSU != 0 || c.BlockedUntil != nil {
		t.Errorf("expected zero cursor, got %+v", c)
	}
	if repo.saves != 1 {
		t.Errorf("expected cursor to be persisted once, got %d saves", repo.saves)
	}

	// Second load reads the stored row
	if _, err := manager.Load(ctx, "acme", "12345678000199"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if repo.saves != 1 {
		t.Errorf("expected no extra save, got %d saves", repo.saves)
	}
}

func TestManagerLoad_SaveError(t *testing.T) {
	repo := newMockCursorRepo()
	repo.saveErr = errors.New("disk full")
	manager := NewManager(repo)

	if _, err := manager.Load(context.Background(), "acme", "1"); err == nil {
		t.Error("expected error when the cursor cannot be created")
	}
}

func TestManagerCommit(t *testing.T) {
	repo := newMockCursorRepo()
	manager := NewManager(repo)
	ctx := context.Background()

	c, _ := manager.Load(ctx, "acme", "12345678000199")
	if err := manager.Commit(ctx, c, 120, 150, "138"); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	stored, _ := manager.Get(ctx, "acme", "12345678000199")
	if stored.LastNSU != 120 {
		t.Errorf("expected NSU 120, got %d", stored.LastNSU)
	}
	if stored.MaxNSU != 150 {
		t.Errorf("expected max NSU 150, got %d", stored.MaxNSU)
	}
	if stored.LastStatusCode != "138" {
		t.Errorf("expected status 138, got %s", stored.LastStatusCode)
	}
	if stored.LastSyncedAt == nil {
		t.Error("expected LastSyncedAt to be set")
	}
	if c.LastNSU != 120 {
		t.Errorf("expected caller cursor to be updated, got %d", c.LastNSU)
	}
}

func TestManagerCommit_Regression(t *testing.T) {
	repo := newMockCursorRepo()
	manager := NewManager(repo)
	ctx := context.Background()

	c, _ := manager.Load(ctx, "acme", "1")
	_ = manager.Commit(ctx, c, 100, 100, "138")

	err := manager.Commit(ctx, c, 99, 100, "138")
	if !errors.Is(err, ErrCursorRegression) {
		t.Fatalf("expected ErrCursorRegression, got: %v", err)
	}

	stored, _ := manager.Get(ctx, "acme", "1")
	if stored.LastNSU != 100 {
		t.Errorf("expected NSU to stay at 100, got %d", stored.LastNSU)
	}

	// Equal NSU is not a regression
	if err := manager.Commit(ctx, c, 100, 100, "137"); err != nil {
		t.Errorf("expected equal NSU commit to succeed, got: %v", err)
	}
}

func TestManagerCommit_ClearsBlock(t *testing.T) {
	repo := newMockCursorRepo()
	manager := NewManager(repo)
	ctx := context.Background()

	c, _ := manager.Load(ctx, "acme", "1")
	_ = manager.Block(ctx, c, time.Now().Add(-time.Minute), "656")
	_ = manager.Commit(ctx, c, 5, 5, "137")

	stored, _ := manager.Get(ctx, "acme", "1")
	if stored.BlockedUntil != nil {
		t.Error("expected BlockedUntil to be cleared by a successful commit")
	}
}

func TestManagerBlock(t *testing.T) {
	repo := newMockCursorRepo()
	manager := NewManager(repo)
	ctx := context.Background()

	c, _ := manager.Load(ctx, "acme", "1")
	_ = manager.Commit(ctx, c, 40, 40, "138")

	until := time.Now().Add(time.Hour)
	if err := manager.Block(ctx, c, until, "656"); err != nil {
		t.Fatalf("Block failed: %v", err)
	}

	stored, _ := manager.Get(ctx, "acme", "1")
	if !stored.IsBlocked(time.Now()) {
		t.Error("expected cursor to be blocked")
	}
	if stored.LastNSU != 40 {
		t.Errorf("expected NSU to stay at 40, got %d", stored.LastNSU)
	}
	if stored.LastStatusCode != "656" {
		t.Errorf("expected status 656, got %s", stored.LastStatusCode)
	}
}

func TestManagerTouch(t *testing.T) {
	repo := newMockCursorRepo()
	manager := NewManager(repo)
	ctx := context.Background()

	c, _ := manager.Load(ctx, "acme", "1")
	_ = manager.Commit(ctx, c, 10, 10, "138")
	if err := manager.Touch(ctx, c, 30, "138"); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	stored, _ := manager.Get(ctx, "acme", "1")
	if stored.LastNSU != 10 || stored.MaxNSU != 30 {
		t.Errorf("expected NSU 10/30, got %d/%d", stored.LastNSU, stored.MaxNSU)
	}
}

func TestManagerReset(t *testing.T) {
	repo := newMockCursorRepo()
	manager := NewManager(repo)
	ctx := context.Background()

	c, _ := manager.Load(ctx, "acme", "1")
	_ = manager.Commit(ctx, c, 500, 500, "137")
	_ = manager.Block(ctx, c, time.Now().Add(time.Hour), "656")

	reset, err := manager.Reset(ctx, "acme", "1", 100)
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if reset.LastNSU != 100 || reset.BlockedUntil != nil {
		t.Errorf("expected NSU 100 and no block, got %+v", reset)
	}
}

func TestManagerTransition(t *testing.T) {
	manager := NewManager(newMockCursorRepo())

	var transitions []Transition
	manager.SetStateChangeCallback(func(key string, t Transition) {
		transitions = append(transitions, t)
	})

	if _, err := manager.Transition("acme:1", StateIdle, StatePolling, "sync"); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if _, err := manager.Transition("acme:1", StatePolling, StateBlocked, "656"); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	_, err := manager.Transition("acme:1", StateBlocked, StateSuccess, "bogus")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got: %v", err)
	}

	if len(transitions) != 2 {
		t.Fatalf("expected 2 recorded transitions, got %d", len(transitions))
	}

	metrics := manager.GetMetrics("acme:1")
	if len(metrics.StateHistory) != 2 {
		t.Errorf("expected 2 transitions in history, got %d", len(metrics.StateHistory))
	}
	if metrics.LastBlockedAt == nil {
		t.Error("expected LastBlockedAt to be set")
	}
}

// =============================================================================
// Metrics Tests
// =============================================================================

func TestMetricsCollector(t *testing.T) {
	mc := NewMetricsCollector(10)

	now := time.Now()
	for i := 0; i < 5; i++ {
		mc.RecordCommit(50, now.Add(time.Duration(i)*time.Minute))
	}

	metrics := mc.GetMetrics()

	if metrics.NSUPerMinute < 49 || metrics.NSUPerMinute > 51 {
		t.Errorf("expected ~50 NSU/min, got %f", metrics.NSUPerMinute)
	}
	if metrics.LastCommitAt == nil || !metrics.LastCommitAt.Equal(now.Add(4*time.Minute)) {
		t.Errorf("unexpected LastCommitAt: %v", metrics.LastCommitAt)
	}
}

func TestMetricsCollector_WindowAndReset(t *testing.T) {
	mc := NewMetricsCollector(3)

	now := time.Now()
	for i := 0; i < 6; i++ {
		mc.RecordCommit(1, now.Add(time.Duration(i)*time.Second))
	}
	if len(mc.commits) != 3 {
		t.Errorf("expected window of 3, got %d", len(mc.commits))
	}

	mc.RecordTransition(NewTransition(StatePolling, StateBlocked, "656"))
	mc.Reset()

	metrics := mc.GetMetrics()
	if metrics.LastCommitAt != nil || metrics.LastBlockedAt != nil || len(metrics.StateHistory) != 0 {
		t.Errorf("expected empty metrics after reset, got %+v", metrics)
	}
}
