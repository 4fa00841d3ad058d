package signing

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/infra/certstore"
	"github.com/vietddude/dfesync/internal/infra/certstore/certtest"
	"github.com/vietddude/dfesync/internal/infra/soap"
)

func newCredentials(t *testing.T) *certstore.Credentials {
	t.Helper()
	pair := certtest.NewPair(t, certtest.DefaultCommonName)
	return &certstore.Credentials{Certificate: pair.Cert, PrivateKey: pair.Key}
}

func buildTestEvent(t *testing.T) *etree.Element {
	t.Helper()
	inf, _, err := BuildEvent(EventRequest{
		TaxID:       testCNPJ,
		AccessKey:   testKey,
		Type:        domain.ManifestationAcknowledgment,
		Environment: soap.Production,
		IssuedAt:    time.Date(2024, 1, 15, 10, 30, 0, 0, brt),
	})
	require.NoError(t, err)
	return inf
}

// verifySignedEvent checks digest and signature value of a serialized evento.
func verifySignedEvent(t *testing.T, signedXML string, cert *x509.Certificate) {
	t.Helper()

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(signedXML))
	evento := doc.Root()
	require.NotNil(t, evento)

	inf := evento.SelectElement("infEvento")
	sig := evento.SelectElement("Signature")
	require.NotNil(t, inf)
	require.NotNil(t, sig)

	c14n := dsig.MakeC14N10RecCanonicalizer()

	canonical, err := c14n.Canonicalize(inf.Copy())
	require.NoError(t, err)
	digest := sha1.Sum(canonical)
	assert.Equal(t,
		base64.StdEncoding.EncodeToString(digest[:]),
		strings.TrimSpace(sig.FindElement("./SignedInfo/Reference/DigestValue").Text()))

	signedInfo := sig.SelectElement("SignedInfo").Copy()
	signedInfo.CreateAttr("xmlns", dsig.Namespace)
	canonicalSI, err := c14n.Canonicalize(signedInfo)
	require.NoError(t, err)

	value, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sig.SelectElement("SignatureValue").Text()))
	require.NoError(t, err)
	hashed := sha1.Sum(canonicalSI)
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	require.True(t, ok)
	require.NoError(t, rsa.VerifyPKCS1v15(pub, crypto.SHA1, hashed[:], value))
}

func TestSigner_Sign(t *testing.T) {
	creds := newCredentials(t)
	signed, err := NewSigner(creds).Sign(buildTestEvent(t))
	require.NoError(t, err)

	assert.Equal(t, "ID210210"+testKey+"01", signed.EventID)
	assert.Equal(t, domain.ManifestationAcknowledgment, signed.EventType)
	assert.Equal(t, testKey, signed.AccessKey)
	assert.Equal(t, 1, signed.Sequence)
	assert.Equal(t, 2024, signed.IssuedAt.Year())
	assert.NotEmpty(t, signed.Signature)
	assert.True(t, strings.HasPrefix(signed.CanonicalXML, `<infEvento xmlns="`+soap.NamespaceNFe+`" Id="`))

	verifySignedEvent(t, signed.XML, creds.Certificate)
}

func TestSigner_Layout(t *testing.T) {
	creds := newCredentials(t)
	signed, err := NewSigner(creds).Sign(buildTestEvent(t))
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(signed.XML))
	evento := doc.Root()

	assert.Equal(t, "evento", evento.Tag)
	assert.Equal(t, "1.00", evento.SelectAttrValue("versao", ""))
	assert.Equal(t, soap.NamespaceNFe, evento.SelectAttrValue("xmlns", ""))

	children := evento.ChildElements()
	require.Len(t, children, 2)
	assert.Equal(t, "infEvento", children[0].Tag)
	assert.Equal(t, "Signature", children[1].Tag)
	assert.Empty(t, children[1].Space, "signature must not be prefixed")
	assert.Nil(t, children[0].SelectElement("Signature"))

	sig := children[1]
	assert.Equal(t, dsig.Namespace, sig.SelectAttrValue("xmlns", ""))
	assert.Equal(t, "#ID210210"+testKey+"01",
		sig.FindElement("./SignedInfo/Reference").SelectAttrValue("URI", ""))
	assert.Equal(t, "http://www.w3.org/TR/2001/REC-xml-c14n-20010315",
		sig.FindElement("./SignedInfo/CanonicalizationMethod").SelectAttrValue("Algorithm", ""))
	assert.Equal(t, "http://www.w3.org/2000/09/xmldsig#rsa-sha1",
		sig.FindElement("./SignedInfo/SignatureMethod").SelectAttrValue("Algorithm", ""))
	assert.Equal(t, "http://www.w3.org/2000/09/xmldsig#sha1",
		sig.FindElement("./SignedInfo/Reference/DigestMethod").SelectAttrValue("Algorithm", ""))

	var transforms []string
	for _, tr := range sig.FindElements("./SignedInfo/Reference/Transforms/Transform") {
		transforms = append(transforms, tr.SelectAttrValue("Algorithm", ""))
	}
	assert.Equal(t, []string{
		"http://www.w3.org/2000/09/xmldsig#enveloped-signature",
		"http://www.w3.org/TR/2001/REC-xml-c14n-20010315",
	}, transforms)

	certText := strings.TrimSpace(sig.FindElement("./KeyInfo/X509Data/X509Certificate").Text())
	assert.Equal(t, base64.StdEncoding.EncodeToString(creds.Certificate.Raw), certText)
}

func TestSigner_MissingCredentials(t *testing.T) {
	_, err := NewSigner(&certstore.Credentials{}).Sign(buildTestEvent(t))
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	_, err = NewSigner(nil).Sign(buildTestEvent(t))
	require.ErrorAs(t, err, &cfgErr)
}

func TestSigner_RejectsOtherElements(t *testing.T) {
	_, err := NewSigner(newCredentials(t)).Sign(etree.NewElement("evento"))
	assert.Error(t, err)
}

func mustParseCert(t *testing.T, der []byte) *x509.Certificate {
	t.Helper()
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}
