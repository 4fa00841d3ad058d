package domain

import "time"

// SyncCursor is the distribution position of one tenant and tax id.
type SyncCursor struct {
	TenantID       string
	CNPJ           string
	LastNSU        uint64
	MaxNSU         uint64
	LastSyncedAt   *time.Time
	LastStatusCode string
	BlockedUntil   *time.Time
	UpdatedAt      time.Time
}

// IsBlocked reports whether the authority throttle window is still active at now.
func (c *SyncCursor) IsBlocked(now time.Time) bool {
	return c.BlockedUntil != nil && now.Before(*c.BlockedUntil)
}

// Key returns the identity used by repositories and metrics.
func (c *SyncCursor) Key() string {
	return CursorKey(c.TenantID, c.CNPJ)
}

// CursorKey joins tenant and tax id into a single key.
func CursorKey(tenantID, cnpj string) string {
	return tenantID + ":" + cnpj
}
