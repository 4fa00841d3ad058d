package soap

import (
	"fmt"
	"time"

	"github.com/beevik/etree"
)

// MaxEventsPerBatch is the envEvento limit.
const MaxEventsPerBatch = 20

// EventResult is one retEvento entry.
type EventResult struct {
	StatusCode    string
	StatusMessage string
	AccessKey     string
	EventType     string
	Sequence      string
	Protocol      string
	RegisteredAt  time.Time
}

// Accepted reports whether the authority registered the event.
func (r EventResult) Accepted() bool {
	return r.StatusCode == StatusEventRegistered || r.StatusCode == StatusEventRegisteredNoLink
}

// Duplicate reports whether the event had already been registered.
func (r EventResult) Duplicate() bool {
	return r.StatusCode == StatusDuplicateEvent
}

// EventResponse is the parsed retEnvEvento.
type EventResponse struct {
	StatusCode    string
	StatusMessage string
	Events        []EventResult
}

// BuildEventEnvelope wraps signed evento elements into an envEvento batch.
func BuildEventEnvelope(batchID string, signedEvents ...*etree.Element) (string, error) {
	if len(batchID) == 0 || len(batchID) > 15 || !isDigits(batchID) {
		return "", fmt.Errorf("invalid batch id %q", batchID)
	}
	if len(signedEvents) == 0 || len(signedEvents) > MaxEventsPerBatch {
		return "", fmt.Errorf("batch must carry 1 to %d events, got %d",
			MaxEventsPerBatch, len(signedEvents))
	}

	doc, body := newEnvelope()
	msg := body.CreateElement("nfeDadosMsg")
	msg.CreateAttr("xmlns", NamespaceEvents)
	env := msg.CreateElement("envEvento")
	env.CreateAttr("xmlns", NamespaceNFe)
	env.CreateAttr("versao", EventVersion)
	env.CreateElement("idLote").SetText(batchID)
	for _, ev := range signedEvents {
		if ev == nil || ev.Tag != "evento" {
			return "", fmt.Errorf("expected evento element")
		}
		env.AddChild(ev.Copy())
	}

	return render(doc)
}

// ParseEventResponse parses an event reception reply.
func ParseEventResponse(body string) (*EventResponse, error) {
	doc, err := readBody(body)
	if err != nil {
		return nil, err
	}

	ret := doc.FindElement(".//retEnvEvento")
	if ret == nil {
		if reason, ok := faultReason(doc); ok {
			return nil, fmt.Errorf("%w: soap fault: %s", ErrMalformedResponse, reason)
		}
		return nil, fmt.Errorf("%w: retEnvEvento not found", ErrMalformedResponse)
	}

	resp := &EventResponse{
		StatusCode:    childText(ret, "cStat"),
		StatusMessage: childText(ret, "xMotivo"),
	}
	if resp.StatusCode == "" {
		return nil, fmt.Errorf("%w: missing cStat", ErrMalformedResponse)
	}

	for _, inf := range ret.FindElements("./retEvento/infEvento") {
		r := EventResult{
			StatusCode:    childText(inf, "cStat"),
			StatusMessage: childText(inf, "xMotivo"),
			AccessKey:     childText(inf, "chNFe"),
			EventType:     childText(inf, "tpEvento"),
			Sequence:      childText(inf, "nSeqEvento"),
			Protocol:      childText(inf, "nProt"),
		}
		if dh := childText(inf, "dhRegEvento"); dh != "" {
			if t, err := time.Parse(time.RFC3339, dh); err == nil {
				r.RegisteredAt = t
			}
		}
		resp.Events = append(resp.Events, r)
	}
	return resp, nil
}
