//go:build integration

package redis_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/infra/redis"
)

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := redis.NewClient(ctx, redis.Config{URL: url})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestFailedDocumentRepo(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	repo := redis.NewFailedDocumentRepo(newClient(t))

	for _, nsu := range []uint64{30, 10, 20} {
		require.NoError(t, repo.Add(ctx, &domain.FailedDocument{
			TenantID: "t1",
			CNPJ:     "12345678000199",
			NSU:      nsu,
			Schema:   "resNFe_v1.01",
			Reason:   "missing chNFe",
			Payload:  "<resNFe/>",
		}))
	}
	require.NoError(t, repo.Add(ctx, &domain.FailedDocument{TenantID: "t2", CNPJ: "1", NSU: 1}))

	count, err := repo.Count(ctx, "t1", "12345678000199")
	require.NoError(t, err)
	require.Equal(t, 3, count)

	all, err := repo.GetAll(ctx, "t1", "12345678000199")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, uint64(10), all[0].NSU)
	require.Equal(t, uint64(30), all[2].NSU)
	require.NotEmpty(t, all[0].ID)

	require.NoError(t, repo.MarkResolved(ctx, "t1", "12345678000199", all[0].ID))
	count, err = repo.Count(ctx, "t1", "12345678000199")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestFailedDocumentRepo_AddMergesSameID(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	repo := redis.NewFailedDocumentRepo(newClient(t))

	entry := func(reason string, attempts int) *domain.FailedDocument {
		return &domain.FailedDocument{
			ID:       domain.FailedDocumentID(6, ""),
			TenantID: "t1",
			CNPJ:     "12345678000199",
			NSU:      6,
			Reason:   reason,
			Attempts: attempts,
		}
	}
	require.NoError(t, repo.Add(ctx, entry("first", 2)))
	require.NoError(t, repo.Add(ctx, entry("refetched", 0)))

	all, err := repo.GetAll(ctx, "t1", "12345678000199")
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "refetched", all[0].Reason)
	require.Equal(t, 2, all[0].Attempts)
}
