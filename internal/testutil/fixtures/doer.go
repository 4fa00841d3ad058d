package fixtures

import (
	"context"
	"fmt"
	"sync"

	"github.com/beevik/etree"

	"github.com/vietddude/dfesync/internal/infra/soap"
	"github.com/vietddude/dfesync/internal/infra/transport"
)

// Reply is one scripted transport outcome.
type Reply struct {
	Body string
	Err  error
}

// Doer replays scripted replies in order and records every request.
type Doer struct {
	mu       sync.Mutex
	replies  []Reply
	Requests []transport.Request
}

// NewDoer returns a doer answering with replies in order.
func NewDoer(replies ...Reply) *Doer {
	return &Doer{replies: replies}
}

func (d *Doer) Do(ctx context.Context, req transport.Request) (*transport.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Requests = append(d.Requests, req)
	if len(d.replies) == 0 {
		return nil, fmt.Errorf("unexpected request #%d to %s", len(d.Requests), req.Endpoint)
	}
	r := d.replies[0]
	d.replies = d.replies[1:]
	if r.Err != nil {
		return nil, r.Err
	}
	return &transport.Response{StatusCode: 200, Body: r.Body, Attempts: 1}, nil
}

// Calls returns the number of requests received.
func (d *Doer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Requests)
}

// RequestedNSU extracts ultNSU (or NSU for point lookups) from the i-th request body.
func (d *Doer) RequestedNSU(i int) uint64 {
	d.mu.Lock()
	body := d.Requests[i].Body
	d.mu.Unlock()

	doc := etree.NewDocument()
	if err := doc.ReadFromString(body); err != nil {
		panic(err)
	}
	el := doc.FindElement(".//ultNSU")
	if el == nil {
		el = doc.FindElement(".//NSU")
	}
	if el == nil {
		return 0
	}
	nsu, err := soap.ParseNSU(el.Text())
	if err != nil {
		panic(err)
	}
	return nsu
}
