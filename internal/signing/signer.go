package signing

import (
	"fmt"
	"strconv"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/infra/soap"
)

// Signer produces XML-DSig signatures in the layout the authority validates:
// C14N 1.0, enveloped-signature transform, RSA-SHA1, unprefixed Signature element
// placed as a sibling of infEvento.
type Signer struct {
	keyStore dsig.X509KeyStore
}

// NewSigner creates a signer over the given key pair source.
func NewSigner(ks dsig.X509KeyStore) *Signer {
	return &Signer{keyStore: ks}
}

func (s *Signer) context() (*dsig.SigningContext, error) {
	if s.keyStore == nil {
		return nil, &domain.ConfigurationError{Reason: "signing credentials missing"}
	}
	if _, _, err := s.keyStore.GetKeyPair(); err != nil {
		return nil, &domain.ConfigurationError{Reason: "signing credentials unavailable", Err: err}
	}

	ctx := dsig.NewDefaultSigningContext(s.keyStore)
	ctx.IdAttribute = "Id"
	ctx.Prefix = ""
	ctx.Canonicalizer = dsig.MakeC14N10RecCanonicalizer()
	if err := ctx.SetSignatureMethod(dsig.RSASHA1SignatureMethod); err != nil {
		return nil, fmt.Errorf("set signature method: %w", err)
	}
	return ctx, nil
}

// Sign signs an infEvento built by BuildEvent and wraps it in evento.
func (s *Signer) Sign(inf *etree.Element) (*domain.SignedEvent, error) {
	if inf == nil || inf.Tag != "infEvento" {
		return nil, fmt.Errorf("expected infEvento element")
	}
	id := inf.SelectAttrValue("Id", "")
	if id == "" {
		return nil, fmt.Errorf("infEvento has no Id")
	}

	ctx, err := s.context()
	if err != nil {
		return nil, err
	}

	signature, err := ctx.ConstructSignature(inf, true)
	if err != nil {
		return nil, fmt.Errorf("construct signature: %w", err)
	}
	canonical, err := ctx.Canonicalizer.Canonicalize(inf)
	if err != nil {
		return nil, fmt.Errorf("canonicalize infEvento: %w", err)
	}

	evento := etree.NewElement("evento")
	evento.CreateAttr("xmlns", soap.NamespaceNFe)
	evento.CreateAttr("versao", soap.EventVersion)
	evento.AddChild(inf.Copy())
	evento.AddChild(signature)

	doc := etree.NewDocument()
	doc.SetRoot(evento)
	out, err := doc.WriteToString()
	if err != nil {
		return nil, fmt.Errorf("serialize evento: %w", err)
	}

	ev := &domain.SignedEvent{
		EventID:      id,
		EventType:    domain.ManifestationType(childText(inf, "tpEvento")),
		AccessKey:    childText(inf, "chNFe"),
		CanonicalXML: string(canonical),
		XML:          out,
	}
	if sv := signature.FindElement(".//SignatureValue"); sv != nil {
		ev.Signature = sv.Text()
	}
	if seq, err := strconv.Atoi(childText(inf, "nSeqEvento")); err == nil {
		ev.Sequence = seq
	}
	if t, err := time.Parse(eventTimeLayout, childText(inf, "dhEvento")); err == nil {
		ev.IssuedAt = t
	}
	return ev, nil
}

func childText(e *etree.Element, tag string) string {
	if c := e.SelectElement(tag); c != nil {
		return c.Text()
	}
	return ""
}
