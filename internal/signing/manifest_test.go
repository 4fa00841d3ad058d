package signing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/infra/soap"
	"github.com/vietddude/dfesync/internal/infra/transport"
)

type fakeDoer struct {
	requests []transport.Request
	body     string
	err      error
}

func (f *fakeDoer) Do(ctx context.Context, req transport.Request) (*transport.Response, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &transport.Response{StatusCode: 200, Body: f.body, Attempts: 1}, nil
}

func eventReply(batchStat string, events ...string) string {
	inner := ""
	for _, e := range events {
		inner += e
	}
	return fmt.Sprintf(`<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"><soap:Body>
<nfeRecepcaoEventoNFResult xmlns="http://www.portalfiscal.inf.br/nfe/wsdl/NFeRecepcaoEvento4">
<retEnvEvento versao="1.00" xmlns="http://www.portalfiscal.inf.br/nfe">
<idLote>1</idLote><tpAmb>1</tpAmb><cStat>%s</cStat><xMotivo>motivo</xMotivo>%s
</retEnvEvento></nfeRecepcaoEventoNFResult></soap:Body></soap:Envelope>`, batchStat, inner)
}

func retEvento(cStat, key, tpEvento string) string {
	return fmt.Sprintf(`<retEvento versao="1.00"><infEvento>
<cStat>%s</cStat><xMotivo>motivo %s</xMotivo><chNFe>%s</chNFe><tpEvento>%s</tpEvento>
<nProt>891240000012345</nProt><dhRegEvento>2024-01-15T10:31:00-03:00</dhRegEvento>
</infEvento></retEvento>`, cStat, cStat, key, tpEvento)
}

func newTestManifester(t *testing.T, doer transport.Doer) *Manifester {
	t.Helper()
	m := NewManifester(ManifesterConfig{
		TaxID:       testCNPJ,
		Environment: soap.Production,
	}, NewSigner(newCredentials(t)), doer)
	m.now = func() time.Time { return time.Date(2024, 1, 15, 10, 30, 0, 0, brt) }
	return m
}

func TestManifester_Accepted(t *testing.T) {
	doer := &fakeDoer{body: eventReply("128", retEvento("135", testKey, "210210"))}
	m := newTestManifester(t, doer)

	res, err := m.Manifest(context.Background(), ManifestRequest{
		AccessKey: testKey,
		Type:      domain.ManifestationAcknowledgment,
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "135", res.StatusCode)
	assert.Equal(t, "891240000012345", res.Protocol)
	assert.Equal(t, "ID210210"+testKey+"01", res.EventID)

	require.Len(t, doer.requests, 1)
	req := doer.requests[0]
	assert.Equal(t, soap.ActionEvents, req.SOAPAction)
	assert.Equal(t, soap.Production.EventsURL(), req.Endpoint)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(req.Body))
	env := doc.FindElement(".//envEvento")
	require.NotNil(t, env)
	assert.Len(t, env.SelectElement("idLote").Text(), 15)
	evento := env.SelectElement("evento")
	require.NotNil(t, evento)

	// The event must still verify once embedded in the envelope.
	edoc := etree.NewDocument()
	edoc.SetRoot(evento.Copy())
	xml, err := edoc.WriteToString()
	require.NoError(t, err)
	creds := m.signer.keyStore
	_, der, err := creds.GetKeyPair()
	require.NoError(t, err)
	cert := mustParseCert(t, der)
	verifySignedEvent(t, xml, cert)
}

func TestManifester_Duplicate(t *testing.T) {
	doer := &fakeDoer{body: eventReply("128", retEvento("573", testKey, "210210"))}
	res, err := newTestManifester(t, doer).Manifest(context.Background(), ManifestRequest{
		AccessKey: testKey,
		Type:      domain.ManifestationAcknowledgment,
	})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.True(t, res.Duplicate)
}

func TestManifester_Rejected(t *testing.T) {
	doer := &fakeDoer{body: eventReply("128", retEvento("596", testKey, "210210"))}
	res, err := newTestManifester(t, doer).Manifest(context.Background(), ManifestRequest{
		AccessKey: testKey,
		Type:      domain.ManifestationAcknowledgment,
	})
	var pe *domain.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "596", pe.Code)
	require.NotNil(t, res)
	assert.Equal(t, "596", res.StatusCode)
	assert.False(t, res.Accepted)
}

func TestManifester_BatchRejected(t *testing.T) {
	doer := &fakeDoer{body: eventReply("491")}
	_, err := newTestManifester(t, doer).Manifest(context.Background(), ManifestRequest{
		AccessKey: testKey,
		Type:      domain.ManifestationAcknowledgment,
	})
	var pe *domain.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "491", pe.Code)
}

func TestManifester_TransportError(t *testing.T) {
	doer := &fakeDoer{err: &domain.TransportError{Op: "nfeRecepcaoEvento", Attempts: 3, Err: errors.New("reset")}}
	_, err := newTestManifester(t, doer).Manifest(context.Background(), ManifestRequest{
		AccessKey: testKey,
		Type:      domain.ManifestationAcknowledgment,
	})
	var te *domain.TransportError
	require.ErrorAs(t, err, &te)
}

func TestManifester_InvalidRequestSendsNothing(t *testing.T) {
	doer := &fakeDoer{}
	_, err := newTestManifester(t, doer).Manifest(context.Background(), ManifestRequest{
		AccessKey: testKey,
		Type:      domain.ManifestationNotPerformed,
	})
	require.ErrorIs(t, err, ErrInvalidJustification)
	assert.Empty(t, doer.requests)
}

func TestManifester_Batch(t *testing.T) {
	otherKey := "35240112345678000199550010000012351000012346"
	doer := &fakeDoer{body: eventReply("128",
		retEvento("573", otherKey, "210210"),
		retEvento("135", testKey, "210210"),
	)}
	results, err := newTestManifester(t, doer).ManifestBatch(context.Background(), []ManifestRequest{
		{AccessKey: testKey, Type: domain.ManifestationAcknowledgment},
		{AccessKey: otherKey, Type: domain.ManifestationAcknowledgment},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Accepted)
	assert.True(t, results[1].Duplicate)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(doer.requests[0].Body))
	assert.Len(t, doc.FindElements(".//envEvento/evento"), 2)
}

func TestManifester_MissingSigner(t *testing.T) {
	m := NewManifester(ManifesterConfig{TaxID: testCNPJ, Environment: soap.Production}, nil, &fakeDoer{})
	_, err := m.Manifest(context.Background(), ManifestRequest{AccessKey: testKey, Type: domain.ManifestationAcknowledgment})
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}
