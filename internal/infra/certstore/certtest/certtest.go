// Package certtest builds throwaway certificates and PKCS#12 bundles for tests.
package certtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// DefaultCommonName follows the ICP-Brasil e-CNPJ layout.
const DefaultCommonName = "EMPRESA EXEMPLO LTDA:12345678000199"

// Pair is a generated key and self-signed certificate.
type Pair struct {
	Key  *rsa.PrivateKey
	Cert *x509.Certificate
}

// NewPair generates a self-signed RSA certificate with the given common name.
func NewPair(t testing.TB, commonName string) Pair {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: commonName, Organization: []string{"ICP-Brasil"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return Pair{Key: key, Cert: cert}
}

// PFX encodes the pair as a PKCS#12 bundle protected by passphrase.
func (p Pair) PFX(t testing.TB, passphrase string) []byte {
	t.Helper()
	pfx, err := pkcs12.Modern.Encode(p.Key, p.Cert, nil, passphrase)
	if err != nil {
		t.Fatalf("encode pfx: %v", err)
	}
	return pfx
}
