package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// FailedDocument is a distributed payload that could not be ingested.
type FailedDocument struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	CNPJ     string `json:"cnpj"`
	NSU      uint64 `json:"nsu"`
	Schema   string `json:"schema"`
	Reason   string `json:"reason"`
	Payload  string `json:"payload"`
	// Encoded marks a payload stored as the raw docZip content.
	Encoded   bool      `json:"encoded,omitempty"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
	// LastAttemptAt is set once a replay has been tried.
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

// LastTried returns the time of the last ingestion attempt.
func (d *FailedDocument) LastTried() time.Time {
	if d.LastAttemptAt != nil {
		return *d.LastAttemptAt
	}
	return d.CreatedAt
}

// FailedDocumentID derives the dead-letter ID of a payload. Entries are scoped per
// tenant, so the NSU alone identifies them; payloads without a usable NSU are keyed by
// content.
func FailedDocumentID(nsu uint64, payload string) string {
	if nsu > 0 {
		return strconv.FormatUint(nsu, 10)
	}
	sum := sha256.Sum256([]byte(payload))
	return "raw-" + hex.EncodeToString(sum[:8])
}

// MergeFailedDocument folds a new failure of the same payload into the stored entry.
// The first failure time is kept and replay progress never goes backwards.
func MergeFailedDocument(existing, incoming *FailedDocument) *FailedDocument {
	out := *incoming
	if existing == nil {
		return &out
	}
	if !existing.CreatedAt.IsZero() &&
		(out.CreatedAt.IsZero() || existing.CreatedAt.Before(out.CreatedAt)) {
		out.CreatedAt = existing.CreatedAt
	}
	if existing.Attempts > out.Attempts {
		out.Attempts = existing.Attempts
	}
	if existing.LastAttemptAt != nil &&
		(out.LastAttemptAt == nil || existing.LastAttemptAt.After(*out.LastAttemptAt)) {
		at := *existing.LastAttemptAt
		out.LastAttemptAt = &at
	}
	return &out
}
