package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by repositories when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSyncRunning is returned when another sync holds the tenant soft lock.
	ErrSyncRunning = errors.New("sync already running")
)

// TransportError is a network, TLS or HTTP failure talking to the authority.
type TransportError struct {
	Op         string
	StatusCode int
	Attempts   int
	Retryable  bool
	Err        error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("transport %s failed after %d attempt(s)", e.Op, e.Attempts)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a non-success authority status other than the throttle code.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("authority returned cStat %s: %s", e.Code, e.Message)
}

// ThrottledError is returned when the authority reports excessive consumption (cStat 656).
type ThrottledError struct {
	Until   time.Time
	Message string
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled by authority, retry after %s", e.Until.Format(time.RFC3339))
}

// ConfigurationError is a fatal problem with certificate material or settings.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// IngestionError is a per-document parse or persistence failure.
type IngestionError struct {
	NSU    uint64
	Schema string
	Err    error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingest nsu %d (%s): %v", e.NSU, e.Schema, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }
