package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/dfesync/internal/core/domain"
)

// FailedDocumentTTL bounds how long a dead-lettered payload is kept.
const FailedDocumentTTL = 7 * 24 * time.Hour

// FailedDocumentRepo implements storage.FailedDocumentRepository using Redis.
// Entries live in a sorted set per tenant scored by NSU, with the payload in a plain key.
type FailedDocumentRepo struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFailedDocumentRepo creates a new Redis-backed dead-letter queue.
func NewFailedDocumentRepo(client *Client) *FailedDocumentRepo {
	return &FailedDocumentRepo{
		rdb: client.rdb,
		ttl: FailedDocumentTTL,
	}
}

func queueKey(tenantID, cnpj string) string {
	return fmt.Sprintf("dfe:failed:%s", domain.CursorKey(tenantID, cnpj))
}

func documentKey(tenantID, cnpj, id string) string {
	return fmt.Sprintf("dfe:failed_doc:%s:%s", domain.CursorKey(tenantID, cnpj), id)
}

// Add stores a failed payload. An empty ID is assigned a new UUID; an entry with the
// same ID is merged under WATCH so concurrent replays do not lose attempts.
func (r *FailedDocumentRepo) Add(ctx context.Context, fd *domain.FailedDocument) error {
	if fd.ID == "" {
		fd.ID = uuid.NewString()
	}
	if fd.CreatedAt.IsZero() {
		fd.CreatedAt = time.Now()
	}
	key := documentKey(fd.TenantID, fd.CNPJ, fd.ID)

	txf := func(tx *redis.Tx) error {
		var existing *domain.FailedDocument
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var stored domain.FailedDocument
			if json.Unmarshal(data, &stored) == nil {
				existing = &stored
			}
		}

		merged, err := json.Marshal(domain.MergeFailedDocument(existing, fd))
		if err != nil {
			return fmt.Errorf("failed to marshal failed document: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, merged, r.ttl)
			pipe.ZAdd(ctx, queueKey(fd.TenantID, fd.CNPJ), redis.Z{
				Score:  float64(fd.NSU),
				Member: fd.ID,
			})
			return nil
		})
		return err
	}

	for range 3 {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to add failed document: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to add failed document: %w", redis.TxFailedErr)
}

// GetAll returns the queued payloads ordered by NSU.
func (r *FailedDocumentRepo) GetAll(
	ctx context.Context,
	tenantID, cnpj string,
) ([]*domain.FailedDocument, error) {
	ids, err := r.rdb.ZRange(ctx, queueKey(tenantID, cnpj), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	docs := make([]*domain.FailedDocument, 0, len(ids))
	for _, id := range ids {
		data, err := r.rdb.Get(ctx, documentKey(tenantID, cnpj, id)).Bytes()
		if errors.Is(err, redis.Nil) {
			// Payload expired but ID still queued
			r.rdb.ZRem(ctx, queueKey(tenantID, cnpj), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get failed document: %w", err)
		}

		var fd domain.FailedDocument
		if err := json.Unmarshal(data, &fd); err != nil {
			continue
		}
		docs = append(docs, &fd)
	}
	return docs, nil
}

// MarkResolved removes an entry from the queue.
func (r *FailedDocumentRepo) MarkResolved(ctx context.Context, tenantID, cnpj, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.ZRem(ctx, queueKey(tenantID, cnpj), id)
	pipe.Del(ctx, documentKey(tenantID, cnpj, id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to resolve failed document: %w", err)
	}
	return nil
}

// Count returns the number of queued payloads.
func (r *FailedDocumentRepo) Count(ctx context.Context, tenantID, cnpj string) (int, error) {
	count, err := r.rdb.ZCard(ctx, queueKey(tenantID, cnpj)).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(count), nil
}
