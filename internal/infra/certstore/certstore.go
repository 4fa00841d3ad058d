// Package certstore decodes the per-tenant PKCS#12 bundles used for mutual TLS and
// event signing.
package certstore

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"strings"
	"time"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/vietddude/dfesync/internal/core/domain"
)

// Bundle is the raw certificate material of a tenant.
type Bundle struct {
	PFX        []byte
	Passphrase string
}

// Store resolves the certificate bundle of a tenant.
type Store interface {
	Bundle(ctx context.Context, tenantID string) (Bundle, error)
}

// Credentials is a decoded bundle.
type Credentials struct {
	Certificate *x509.Certificate
	PrivateKey  *rsa.PrivateKey
	Chain       []*x509.Certificate
}

// Decode parses a PKCS#12 bundle. Every failure is a *domain.ConfigurationError.
func Decode(b Bundle) (*Credentials, error) {
	if len(b.PFX) == 0 {
		return nil, &domain.ConfigurationError{Reason: "certificate bundle is empty"}
	}

	key, cert, chain, err := pkcs12.DecodeChain(b.PFX, b.Passphrase)
	if err != nil {
		return nil, &domain.ConfigurationError{Reason: "cannot decode certificate bundle", Err: err}
	}
	if cert == nil {
		return nil, &domain.ConfigurationError{Reason: "certificate bundle has no leaf certificate"}
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, &domain.ConfigurationError{Reason: "certificate private key is not RSA"}
	}

	return &Credentials{Certificate: cert, PrivateKey: rsaKey, Chain: chain}, nil
}

// Load fetches and decodes the bundle of a tenant.
func Load(ctx context.Context, store Store, tenantID string) (*Credentials, error) {
	b, err := store.Bundle(ctx, tenantID)
	if err != nil {
		var cfgErr *domain.ConfigurationError
		if errors.As(err, &cfgErr) {
			return nil, err
		}
		return nil, &domain.ConfigurationError{Reason: "cannot load certificate for tenant " + tenantID, Err: err}
	}
	return Decode(b)
}

// TLSCertificate returns the client certificate for the TLS handshake, leaf first.
func (c *Credentials) TLSCertificate() tls.Certificate {
	raw := make([][]byte, 0, 1+len(c.Chain))
	raw = append(raw, c.Certificate.Raw)
	for _, ca := range c.Chain {
		raw = append(raw, ca.Raw)
	}
	return tls.Certificate{
		Certificate: raw,
		PrivateKey:  c.PrivateKey,
		Leaf:        c.Certificate,
	}
}

// GetKeyPair returns the signing key and the DER leaf certificate.
func (c *Credentials) GetKeyPair() (*rsa.PrivateKey, []byte, error) {
	if c == nil || c.PrivateKey == nil || c.Certificate == nil {
		return nil, nil, &domain.ConfigurationError{Reason: "signing credentials missing"}
	}
	return c.PrivateKey, c.Certificate.Raw, nil
}

// TaxID returns the CNPJ or CPF embedded in the subject common name ("NAME:TAXID").
func (c *Credentials) TaxID() string {
	cn := c.Certificate.Subject.CommonName
	i := strings.LastIndex(cn, ":")
	if i < 0 {
		return ""
	}
	id := cn[i+1:]
	if len(id) != 11 && len(id) != 14 {
		return ""
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return id
}

// Expired reports whether the leaf certificate is outside its validity window at now.
func (c *Credentials) Expired(now time.Time) bool {
	return now.Before(c.Certificate.NotBefore) || now.After(c.Certificate.NotAfter)
}
