// Package signing builds, signs and submits recipient manifestation events.
package signing

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/beevik/etree"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/infra/soap"
)

const (
	// OrgNational is the cOrgao of the national environment (Ambiente Nacional).
	OrgNational = "91"

	minJustification = 15
	maxJustification = 255

	eventTimeLayout = "2006-01-02T15:04:05-07:00"
)

var (
	ErrInvalidAccessKey     = errors.New("access key must have 44 digits")
	ErrInvalidTaxID         = errors.New("tax id must be a CPF or CNPJ")
	ErrInvalidEventType     = errors.New("unsupported manifestation type")
	ErrInvalidSequence      = errors.New("event sequence must be between 1 and 20")
	ErrInvalidJustification = errors.New("justification must have 15 to 255 characters")
)

// EventRequest describes one manifestation event.
type EventRequest struct {
	TaxID         string
	AccessKey     string
	Type          domain.ManifestationType
	Sequence      int
	Environment   soap.Environment
	Justification string
	IssuedAt      time.Time
}

// EventID returns "ID" + tpEvento + chNFe + two digit sequence.
func EventID(t domain.ManifestationType, accessKey string, seq int) string {
	return fmt.Sprintf("ID%s%s%02d", t, accessKey, seq)
}

// BuildEvent renders the unsigned infEvento and returns it with its Id.
func BuildEvent(req EventRequest) (*etree.Element, string, error) {
	if req.Sequence == 0 {
		req.Sequence = 1
	}
	if !soap.ValidAccessKey(req.AccessKey) {
		return nil, "", ErrInvalidAccessKey
	}
	if !soap.ValidTaxID(req.TaxID) {
		return nil, "", ErrInvalidTaxID
	}
	if !req.Type.Valid() {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidEventType, req.Type)
	}
	if req.Sequence < 1 || req.Sequence > 20 {
		return nil, "", ErrInvalidSequence
	}
	if !req.Environment.Valid() {
		return nil, "", fmt.Errorf("invalid environment %d", req.Environment)
	}

	var justification string
	if req.Type.RequiresJustification() {
		justification = NormalizeText(req.Justification)
		if n := len(justification); n < minJustification || n > maxJustification {
			return nil, "", ErrInvalidJustification
		}
	}

	issuedAt := req.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now()
	}

	id := EventID(req.Type, req.AccessKey, req.Sequence)

	inf := etree.NewElement("infEvento")
	inf.CreateAttr("xmlns", soap.NamespaceNFe)
	inf.CreateAttr("Id", id)
	inf.CreateElement("cOrgao").SetText(OrgNational)
	inf.CreateElement("tpAmb").SetText(req.Environment.String())
	inf.CreateElement(soap.TaxIDTag(req.TaxID)).SetText(req.TaxID)
	inf.CreateElement("chNFe").SetText(req.AccessKey)
	inf.CreateElement("dhEvento").SetText(issuedAt.Format(eventTimeLayout))
	inf.CreateElement("tpEvento").SetText(string(req.Type))
	inf.CreateElement("nSeqEvento").SetText(fmt.Sprintf("%d", req.Sequence))
	inf.CreateElement("verEvento").SetText(soap.EventVersion)

	det := inf.CreateElement("detEvento")
	det.CreateAttr("versao", soap.EventVersion)
	det.CreateElement("descEvento").SetText(req.Type.Description())
	if justification != "" {
		det.CreateElement("xJust").SetText(justification)
	}

	return inf, id, nil
}

// NormalizeText strips accents, drops anything outside printable ASCII and collapses
// whitespace.
func NormalizeText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return ' '
		}
		if r < 0x20 || r > 0x7e {
			return -1
		}
		return r
	}, out)
	return strings.Join(strings.Fields(out), " ")
}
