package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/infra/storage/memory"
)

func TestReaper_ClosesOnlyStaleJobs(t *testing.T) {
	ctx := context.Background()
	jobs := memory.NewJobRepo(memory.NewMemoryStorage())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, jobs.Create(ctx, &domain.SyncJob{
		ID: "old", TenantID: "t1", CNPJ: "12345678000195", StartedAt: now.Add(-time.Hour),
	}))
	require.NoError(t, jobs.Create(ctx, &domain.SyncJob{
		ID: "fresh", TenantID: "t1", CNPJ: "12345678000195", StartedAt: now.Add(-time.Minute),
	}))

	r := NewReaper(jobs, 10*time.Minute)
	r.now = func() time.Time { return now }

	assert.Equal(t, 1, r.Reap(ctx))

	all := jobs.All()
	require.Len(t, all, 2)
	assert.False(t, all[0].Open())
	assert.Equal(t, domain.JobOutcomeError, all[0].Outcome)
	assert.Equal(t, StaleJobMessage, all[0].Message)
	assert.True(t, all[1].Open())

	// Second pass finds nothing left to close
	assert.Equal(t, 0, r.Reap(ctx))
}

func TestReaper_Interval(t *testing.T) {
	jobs := memory.NewJobRepo(memory.NewMemoryStorage())

	assert.Equal(t, time.Minute, NewReaper(jobs, 2*time.Minute).interval)
	assert.Equal(t, 3*time.Minute, NewReaper(jobs, 30*time.Minute).interval)
	assert.Equal(t, time.Hour, NewReaper(jobs, 48*time.Hour).interval)
}

func TestReaper_DisabledReturnsImmediately(t *testing.T) {
	r := NewReaper(memory.NewJobRepo(memory.NewMemoryStorage()), 0)

	done := make(chan struct{})
	go func() {
		r.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper with zero stale window should not loop")
	}
}
