package signing

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/beevik/etree"

	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/indexing/metrics"
	"github.com/vietddude/dfesync/internal/infra/soap"
	"github.com/vietddude/dfesync/internal/infra/transport"
)

// ManifesterConfig binds a manifester to one tenant.
type ManifesterConfig struct {
	TaxID       string
	Environment soap.Environment
	Endpoint    string
}

// ManifestRequest asks for one manifestation event.
type ManifestRequest struct {
	AccessKey     string
	Type          domain.ManifestationType
	Justification string
	Sequence      int
}

// ManifestResult is the authority verdict for one event.
type ManifestResult struct {
	EventID       string
	AccessKey     string
	Type          domain.ManifestationType
	StatusCode    string
	StatusMessage string
	Protocol      string
	Accepted      bool
	Duplicate     bool
	RegisteredAt  time.Time
}

// Manifester builds, signs and submits manifestation events.
type Manifester struct {
	cfg    ManifesterConfig
	signer *Signer
	doer   transport.Doer
	now    func() time.Time
	logger *slog.Logger
	seq    atomic.Uint32
}

// NewManifester creates a manifester submitting through doer.
func NewManifester(cfg ManifesterConfig, signer *Signer, doer transport.Doer) *Manifester {
	if cfg.Endpoint == "" {
		cfg.Endpoint = cfg.Environment.EventsURL()
	}
	return &Manifester{
		cfg:    cfg,
		signer: signer,
		doer:   doer,
		now:    time.Now,
		logger: slog.Default().With("component", "manifester"),
	}
}

// Manifest submits a single event. A rejection other than a duplicate is returned as
// *domain.ProtocolError together with the result.
func (m *Manifester) Manifest(ctx context.Context, req ManifestRequest) (*ManifestResult, error) {
	results, err := m.ManifestBatch(ctx, []ManifestRequest{req})
	if len(results) == 0 {
		return nil, err
	}
	r := results[0]
	if err == nil && !r.Accepted && !r.Duplicate {
		err = &domain.ProtocolError{Code: r.StatusCode, Message: r.StatusMessage}
	}
	return r, err
}

// ManifestBatch submits up to soap.MaxEventsPerBatch events in one envEvento. Results are
// returned in request order.
func (m *Manifester) ManifestBatch(
	ctx context.Context,
	reqs []ManifestRequest,
) ([]*ManifestResult, error) {
	if m.signer == nil {
		return nil, &domain.ConfigurationError{Reason: "signing credentials missing"}
	}
	if len(reqs) == 0 {
		return nil, nil
	}
	if len(reqs) > soap.MaxEventsPerBatch {
		return nil, fmt.Errorf("at most %d events per batch", soap.MaxEventsPerBatch)
	}

	now := m.now()
	events := make([]*etree.Element, 0, len(reqs))
	results := make([]*ManifestResult, 0, len(reqs))
	for _, req := range reqs {
		inf, id, err := BuildEvent(EventRequest{
			TaxID:         m.cfg.TaxID,
			AccessKey:     req.AccessKey,
			Type:          req.Type,
			Sequence:      req.Sequence,
			Environment:   m.cfg.Environment,
			Justification: req.Justification,
			IssuedAt:      now,
		})
		if err != nil {
			return nil, fmt.Errorf("build event for %s: %w", req.AccessKey, err)
		}
		signed, err := m.signer.Sign(inf)
		if err != nil {
			return nil, err
		}
		doc := etree.NewDocument()
		if err := doc.ReadFromString(signed.XML); err != nil {
			return nil, fmt.Errorf("reparse signed event: %w", err)
		}
		events = append(events, doc.Root())
		results = append(results, &ManifestResult{EventID: id, AccessKey: req.AccessKey, Type: req.Type})
	}

	body, err := soap.BuildEventEnvelope(m.batchID(now), events...)
	if err != nil {
		return nil, err
	}
	resp, err := m.doer.Do(ctx, transport.Request{
		Endpoint:   m.cfg.Endpoint,
		SOAPAction: soap.ActionEvents,
		Body:       body,
	})
	if err != nil {
		return nil, err
	}
	parsed, err := soap.ParseEventResponse(resp.Body)
	if err != nil {
		return nil, err
	}
	if parsed.StatusCode != soap.StatusBatchProcessed {
		return nil, &domain.ProtocolError{Code: parsed.StatusCode, Message: parsed.StatusMessage}
	}

	for i, r := range results {
		ev, ok := findEvent(parsed.Events, r.AccessKey, string(r.Type), i)
		if !ok {
			r.StatusMessage = "no result returned for event"
			metrics.Manifestations.WithLabelValues(string(r.Type), "missing").Inc()
			continue
		}
		r.StatusCode = ev.StatusCode
		r.StatusMessage = ev.StatusMessage
		r.Protocol = ev.Protocol
		r.RegisteredAt = ev.RegisteredAt
		r.Accepted = ev.Accepted()
		r.Duplicate = ev.Duplicate()

		result := "rejected"
		switch {
		case r.Accepted:
			result = "accepted"
		case r.Duplicate:
			result = "duplicate"
		}
		metrics.Manifestations.WithLabelValues(string(r.Type), result).Inc()
		m.logger.Info("Manifestation submitted",
			"key", r.AccessKey,
			"type", r.Type,
			"cstat", r.StatusCode,
			"motivo", r.StatusMessage,
		)
	}
	return results, nil
}

// findEvent matches a result by access key and type, falling back to position.
func findEvent(events []soap.EventResult, key, eventType string, pos int) (soap.EventResult, bool) {
	for _, ev := range events {
		if ev.AccessKey == key && (ev.EventType == "" || ev.EventType == eventType) {
			return ev, true
		}
	}
	if pos < len(events) && events[pos].AccessKey == "" {
		return events[pos], true
	}
	return soap.EventResult{}, false
}

func (m *Manifester) batchID(now time.Time) string {
	n := m.seq.Add(1) % 100
	return strconv.FormatInt(now.UnixMilli(), 10) + fmt.Sprintf("%02d", n)
}
