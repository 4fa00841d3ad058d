// Package syncer drives the distribution loop of one tenant: it pages through the
// authority's NSU windows, ingests what was returned and commits the cursor.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/dfesync/internal/core/cursor"
	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/indexing/ingest"
	"github.com/vietddude/dfesync/internal/indexing/metrics"
	"github.com/vietddude/dfesync/internal/infra/soap"
	"github.com/vietddude/dfesync/internal/infra/transport"
)

// Config holds the loop limits.
type Config struct {
	Environment   soap.Environment
	Endpoint      string
	MaxIterations int
	BlockDuration time.Duration
}

// DefaultConfig returns the authority's documented limits.
func DefaultConfig() Config {
	return Config{
		Environment:   soap.Production,
		MaxIterations: 20,
		BlockDuration: time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if !c.Environment.Valid() {
		c.Environment = d.Environment
	}
	if c.Endpoint == "" {
		c.Endpoint = c.Environment.DistributionURL()
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = d.BlockDuration
	}
	return c
}

// Target identifies the tenant to synchronize.
type Target struct {
	TenantID string
	CNPJ     string
	UFCode   string
}

func (t Target) key() string {
	return domain.CursorKey(t.TenantID, t.CNPJ)
}

// Result summarizes one run. State is the terminal state reached.
type Result struct {
	State         cursor.State
	StatusCode    string
	StatusMessage string
	NSUStart      uint64
	NSUEnd        uint64
	MaxNSU        uint64
	Imported      int
	Skipped       int
	Failed        int
	Keys          []string
	Iterations    int
	CaughtUp      bool
	SafetyStop    bool
	Committed     bool
	BlockedUntil  *time.Time
	Transitions   []cursor.Transition
}

// Machine runs the distribution state machine for tenants sharing one certificate.
type Machine struct {
	cfg      Config
	doer     transport.Doer
	cursors  *cursor.Manager
	ingestor *ingest.Ingestor
	now      func() time.Time
	logger   *slog.Logger
}

// NewMachine creates a machine sending requests through doer.
func NewMachine(
	cfg Config,
	doer transport.Doer,
	cursors *cursor.Manager,
	ingestor *ingest.Ingestor,
) *Machine {
	return &Machine{
		cfg:      cfg.withDefaults(),
		doer:     doer,
		cursors:  cursors,
		ingestor: ingestor,
		now:      time.Now,
		logger:   slog.Default().With("component", "syncer"),
	}
}

// run carries the mutable state of one Run call.
type run struct {
	target Target
	state  cursor.State
	res    *Result
}

// enter moves the run to a new state. Terminal states are copied into the result.
func (m *Machine) enter(r *run, to cursor.State, reason string) {
	t, err := m.cursors.Transition(r.target.key(), r.state, to, reason)
	if err != nil {
		m.logger.Error("Rejected sync transition",
			"tenant", r.target.TenantID,
			"from", r.state,
			"to", to,
			"error", err,
		)
		return
	}
	r.state = to
	r.res.Transitions = append(r.res.Transitions, t)
	if to.Terminal() {
		r.res.State = to
	}
}

// Run pages through the authority's windows starting after the committed NSU.
//
// Documents are held in memory until the loop ends. A throttle or a failure on any
// iteration discards them and leaves the cursor untouched.
func (m *Machine) Run(ctx context.Context, target Target) (*Result, error) {
	r := &run{target: target, state: cursor.StateIdle, res: &Result{}}
	defer func() {
		if r.state.Terminal() {
			m.enter(r, cursor.StateIdle, "sync finished")
		}
	}()

	c, err := m.cursors.Load(ctx, target.TenantID, target.CNPJ)
	if err != nil {
		r.res.State = cursor.StateError
		return r.res, fmt.Errorf("load cursor: %w", err)
	}
	r.res.NSUStart = c.LastNSU
	r.res.NSUEnd = c.LastNSU
	r.res.MaxNSU = c.MaxNSU

	if c.IsBlocked(m.now()) {
		until := *c.BlockedUntil
		r.res.BlockedUntil = &until
		m.enter(r, cursor.StateBlocked, "throttle window active")
		return r.res, &domain.ThrottledError{Until: until, Message: "tenant still blocked"}
	}

	m.enter(r, cursor.StatePolling, "sync started")

	var (
		docs     []soap.Document
		failures []soap.DocumentFailure
		next     = c.LastNSU
		maxNSU   = c.MaxNSU
		last     *soap.DistributionResponse
	)

loop:
	for {
		if r.res.Iterations >= m.cfg.MaxIterations {
			r.res.SafetyStop = true
			m.logger.Warn("Safety stop reached",
				"tenant", target.TenantID,
				"iterations", r.res.Iterations,
				"nsu", next,
				"max_nsu", maxNSU,
			)
			break
		}

		resp, err := m.fetch(ctx, target, next)
		r.res.Iterations++
		if err != nil {
			m.enter(r, cursor.StateError, err.Error())
			return r.res, err
		}
		last = resp
		r.res.StatusCode = resp.StatusCode
		r.res.StatusMessage = resp.StatusMessage
		metrics.AuthorityStatus.WithLabelValues(target.TenantID, resp.StatusCode).Inc()

		switch resp.StatusCode {
		case soap.StatusNoDocuments:
			next = advance(next, resp.LastNSU)
			maxNSU = resp.MaxNSU
			r.res.CaughtUp = true
			break loop

		case soap.StatusDocumentsFound:
			docs = append(docs, resp.Documents...)
			failures = append(failures, resp.Failures...)
			next = advance(next, resp.LastNSU)
			maxNSU = resp.MaxNSU
			if resp.CaughtUp() {
				r.res.CaughtUp = true
				break loop
			}

		case soap.StatusThrottled:
			return m.block(ctx, r, c, resp, len(docs)+len(failures))

		default:
			err := &domain.ProtocolError{Code: resp.StatusCode, Message: resp.StatusMessage}
			m.enter(r, cursor.StateError, err.Error())
			return r.res, err
		}
	}

	r.res.MaxNSU = maxNSU
	if err := m.persist(ctx, r, c, docs, failures, next, maxNSU, last.StatusCode); err != nil {
		m.enter(r, cursor.StateError, err.Error())
		return r.res, err
	}

	m.enter(r, cursor.StateSuccess, fmt.Sprintf("nsu %d..%d", r.res.NSUStart, r.res.NSUEnd))
	metrics.CursorNSU.WithLabelValues(target.TenantID).Set(float64(c.LastNSU))
	metrics.AuthorityMaxNSU.WithLabelValues(target.TenantID).Set(float64(maxNSU))
	metrics.TenantBlocked.WithLabelValues(target.TenantID).Set(0)

	m.logger.Info("Sync window processed",
		"tenant", target.TenantID,
		"cstat", r.res.StatusCode,
		"iterations", r.res.Iterations,
		"nsu_start", r.res.NSUStart,
		"nsu_end", r.res.NSUEnd,
		"max_nsu", maxNSU,
		"imported", r.res.Imported,
		"skipped", r.res.Skipped,
		"failed", r.res.Failed,
		"committed", r.res.Committed,
	)
	return r.res, nil
}

// persist ingests the accumulated window and commits the cursor.
//
// The cursor moves when something was imported or the window was empty. A window that
// mixes imported and failed documents still commits, so failed entries, undecoded ones
// included, are only recoverable from the dead-letter queue.
func (m *Machine) persist(
	ctx context.Context,
	r *run,
	c *cursor.Cursor,
	docs []soap.Document,
	failures []soap.DocumentFailure,
	next, maxNSU uint64,
	statusCode string,
) error {
	scope := ingest.Scope{TenantID: r.target.TenantID, CNPJ: r.target.CNPJ}
	res := m.ingestor.Ingest(ctx, scope, docs)
	r.res.Imported = res.Imported
	r.res.Skipped = res.Skipped
	r.res.Failed = res.Failed + len(failures)
	r.res.Keys = res.Keys

	m.ingestor.DeadLetterUndecoded(ctx, scope, failures)

	returned := len(docs) + len(failures)
	if res.Imported > 0 || returned == 0 {
		if err := m.cursors.Commit(ctx, c, next, maxNSU, statusCode); err != nil {
			return fmt.Errorf("commit cursor: %w", err)
		}
		r.res.Committed = true
		r.res.NSUEnd = next
		return nil
	}

	m.logger.Warn("Window not committed, nothing imported",
		"tenant", r.target.TenantID,
		"nsu", c.LastNSU,
		"returned", returned,
		"skipped", r.res.Skipped,
		"failed", r.res.Failed,
	)
	if err := m.cursors.Touch(ctx, c, maxNSU, statusCode); err != nil {
		return fmt.Errorf("record sync status: %w", err)
	}
	return nil
}

// block stores the throttle window and drops the accumulated documents.
func (m *Machine) block(
	ctx context.Context,
	r *run,
	c *cursor.Cursor,
	resp *soap.DistributionResponse,
	dropped int,
) (*Result, error) {
	until := m.now().Add(m.cfg.BlockDuration)
	r.res.BlockedUntil = &until

	if err := m.cursors.Block(ctx, c, until, resp.StatusCode); err != nil {
		m.enter(r, cursor.StateError, err.Error())
		return r.res, fmt.Errorf("store throttle window: %w", err)
	}
	m.enter(r, cursor.StateBlocked, resp.StatusMessage)
	metrics.TenantBlocked.WithLabelValues(r.target.TenantID).Set(1)

	m.logger.Warn("Throttled by authority",
		"tenant", r.target.TenantID,
		"until", until.Format(time.RFC3339),
		"iteration", r.res.Iterations,
		"dropped", dropped,
	)
	return r.res, &domain.ThrottledError{Until: until, Message: resp.StatusMessage}
}

func (m *Machine) fetch(ctx context.Context, target Target, lastNSU uint64) (*soap.DistributionResponse, error) {
	body, err := soap.BuildDistributionRequest(soap.DistributionRequest{
		Environment: m.cfg.Environment,
		UFCode:      target.UFCode,
		TaxID:       target.CNPJ,
		LastNSU:     lastNSU,
	})
	if err != nil {
		return nil, &domain.ConfigurationError{Reason: "build distribution request", Err: err}
	}
	return m.exchange(ctx, body)
}

func (m *Machine) exchange(ctx context.Context, body string) (*soap.DistributionResponse, error) {
	resp, err := m.doer.Do(ctx, transport.Request{
		Endpoint:   m.cfg.Endpoint,
		SOAPAction: soap.ActionDistribution,
		Body:       body,
	})
	if err != nil {
		return nil, err
	}
	parsed, err := soap.ParseDistributionResponse(resp.Body)
	if err != nil {
		return nil, &domain.ProtocolError{Code: "malformed", Message: err.Error()}
	}
	return parsed, nil
}

// advance never moves the cursor target backwards.
func advance(current, returned uint64) uint64 {
	if returned > current {
		return returned
	}
	return current
}

// IsThrottled reports whether err carries an authority throttle window.
func IsThrottled(err error) (time.Time, bool) {
	var terr *domain.ThrottledError
	if errors.As(err, &terr) {
		return terr.Until, true
	}
	return time.Time{}, false
}
