// Package transport posts SOAP envelopes to the authority over mutual TLS.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/indexing/metrics"
	"github.com/vietddude/dfesync/internal/infra/certstore"
)

// Config controls timeouts and retries.
type Config struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	CAFile      string        `yaml:"ca_file"`

	// RootCAs overrides the system and CAFile pools when set.
	RootCAs *x509.CertPool `yaml:"-"`
}

// DefaultConfig returns the authority defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:     30 * time.Second,
		MaxAttempts: 3,
		BaseDelay:   time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	return c
}

// Request is one SOAP call.
type Request struct {
	Endpoint   string
	SOAPAction string
	Body       string
}

// Response is the raw HTTP reply of the successful attempt.
type Response struct {
	StatusCode int
	Body       string
	Attempts   int
}

// Doer is what protocol layers depend on.
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Client is an mTLS HTTP client bound to one tenant certificate.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient builds the TLS configuration and HTTP transport for the given credentials.
func NewClient(cfg Config, creds *certstore.Credentials) (*Client, error) {
	cfg = cfg.withDefaults()
	tlsConfig, err := newTLSConfig(cfg, creds)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				TLSClientConfig:     tlsConfig,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: slog.Default().With("component", "transport"),
	}, nil
}

func newTLSConfig(cfg Config, creds *certstore.Credentials) (*tls.Config, error) {
	if creds == nil || creds.Certificate == nil || creds.PrivateKey == nil {
		return nil, &domain.ConfigurationError{Reason: "client certificate is required"}
	}

	tc := &tls.Config{
		MinVersion:    tls.VersionTLS12,
		Certificates:  []tls.Certificate{creds.TLSCertificate()},
		Renegotiation: tls.RenegotiateOnceAsClient,
	}

	switch {
	case cfg.RootCAs != nil:
		tc.RootCAs = cfg.RootCAs
	case cfg.CAFile != "":
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, &domain.ConfigurationError{Reason: "cannot read CA bundle", Err: err}
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, &domain.ConfigurationError{Reason: "CA bundle has no PEM certificates"}
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// Do posts the envelope, retrying connection failures, timeouts and 5xx replies with a
// linear backoff. A 200 reply carrying a business error is returned as is.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	op := operationName(req.SOAPAction)
	start := time.Now()
	defer func() {
		metrics.TransportLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var (
		resp     *Response
		attempts int
		lastCode int
	)
	err := retry.Do(ctx, linearBackoff(c.cfg.BaseDelay, c.cfg.MaxAttempts), func(ctx context.Context) error {
		attempts++
		code, body, err := c.attempt(ctx, req)
		lastCode = code

		switch classify(ctx, code, err) {
		case actionDone:
			metrics.TransportAttempts.WithLabelValues(op, "ok").Inc()
			resp = &Response{StatusCode: code, Body: body, Attempts: attempts}
			return nil
		case actionRetry:
			metrics.TransportAttempts.WithLabelValues(op, "retry").Inc()
			if err == nil {
				err = fmt.Errorf("http %d: %s", code, truncate(body, 256))
			}
			c.logger.Warn("Authority call failed, retrying",
				"operation", op,
				"attempt", attempts,
				"status", code,
				"error", err,
			)
			return retry.RetryableError(err)
		default:
			metrics.TransportAttempts.WithLabelValues(op, "fatal").Inc()
			if err == nil {
				err = fmt.Errorf("http %d: %s", code, truncate(body, 256))
			}
			return err
		}
	})
	if err == nil {
		return resp, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, &domain.TransportError{Op: op, Attempts: attempts, Err: ctxErr}
	}
	return nil, &domain.TransportError{
		Op:         op,
		StatusCode: lastCode,
		Attempts:   attempts,
		Retryable:  lastCode == 0 || lastCode >= 500,
		Err:        err,
	}
}

func (c *Client) attempt(ctx context.Context, req Request) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, strings.NewReader(req.Body))
	if err != nil {
		return 0, "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type",
		fmt.Sprintf(`application/soap+xml; charset=utf-8; action="%s"`, req.SOAPAction))

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, "", err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return 0, "", fmt.Errorf("read response: %w", err)
	}
	return httpResp.StatusCode, string(body), nil
}

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

func linearBackoff(base time.Duration, maxAttempts int) retry.Backoff {
	var n int64
	next := retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return time.Duration(n) * base, false
	})
	return retry.WithMaxRetries(uint64(maxAttempts-1), next)
}

func operationName(action string) string {
	if i := strings.LastIndex(action, "/"); i >= 0 && i < len(action)-1 {
		return action[i+1:]
	}
	if action == "" {
		return "unknown"
	}
	return action
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
