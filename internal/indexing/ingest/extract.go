package ingest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/infra/soap"
)

var (
	errMissingAccessKey = errors.New("missing or invalid access key")
	errUnrecognizedRoot = errors.New("unrecognized document root")
	errMissingEventType = errors.New("missing event type")
)

// summary is the projection of a resNFe payload.
type summary struct {
	AccessKey   string
	IssuerTaxID string
	IssuerName  string
	IssueDate   *time.Time
	Amount      string
	Status      domain.DocumentStatus
}

// fullDocument is the projection of an nfeProc/NFe payload.
type fullDocument struct {
	AccessKey      string
	IssuerTaxID    string
	IssuerName     string
	RecipientTaxID string
	RecipientName  string
	IssueDate      *time.Time
	Amount         string
}

// event is the projection of a resEvento/procEventoNFe payload.
type event struct {
	AccessKey string
	EventType string
}

func parseXML(s string) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(s); err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("parse xml: empty document")
	}
	return root, nil
}

func text(e *etree.Element, path string) string {
	if e == nil {
		return ""
	}
	c := e.FindElement(path)
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.Text())
}

func taxID(e *etree.Element) string {
	if v := text(e, "./CNPJ"); v != "" {
		return v
	}
	return text(e, "./CPF")
}

func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// amount keeps the authority's decimal text, dropping values that are not numbers.
func amount(s string) string {
	if s == "" {
		return ""
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return ""
	}
	return s
}

func situationStatus(code string) domain.DocumentStatus {
	switch code {
	case "2":
		return domain.DocumentStatusDenied
	case "3":
		return domain.DocumentStatusCanceled
	default:
		return domain.DocumentStatusAuthorized
	}
}

func extractSummary(root *etree.Element) (*summary, error) {
	if root.Tag != "resNFe" {
		return nil, errUnrecognizedRoot
	}
	key := text(root, "./chNFe")
	if !soap.ValidAccessKey(key) {
		return nil, errMissingAccessKey
	}
	return &summary{
		AccessKey:   key,
		IssuerTaxID: taxID(root),
		IssuerName:  text(root, "./xNome"),
		IssueDate:   parseDate(text(root, "./dhEmi")),
		Amount:      amount(text(root, "./vNF")),
		Status:      situationStatus(text(root, "./cSitNFe")),
	}, nil
}

// extractFull reads issuer and recipient fields only from their own blocks, since both
// carry CNPJ and xNome.
func extractFull(root *etree.Element) (*fullDocument, error) {
	if root.Tag != "nfeProc" && root.Tag != "NFe" {
		return nil, errUnrecognizedRoot
	}
	inf := root.FindElement(".//infNFe")
	if inf == nil {
		return nil, errUnrecognizedRoot
	}

	key := text(root, "./protNFe/infProt/chNFe")
	if key == "" {
		key = strings.TrimPrefix(inf.SelectAttrValue("Id", ""), "NFe")
	}
	if !soap.ValidAccessKey(key) {
		return nil, errMissingAccessKey
	}

	emit := inf.SelectElement("emit")
	dest := inf.SelectElement("dest")
	issued := text(inf, "./ide/dhEmi")
	if issued == "" {
		issued = text(inf, "./ide/dEmi")
	}

	return &fullDocument{
		AccessKey:      key,
		IssuerTaxID:    taxID(emit),
		IssuerName:     text(emit, "./xNome"),
		RecipientTaxID: taxID(dest),
		RecipientName:  text(dest, "./xNome"),
		IssueDate:      parseDate(issued),
		Amount:         amount(text(inf, "./total/ICMSTot/vNF")),
	}, nil
}

func extractEvent(root *etree.Element) (*event, error) {
	var scope *etree.Element
	switch root.Tag {
	case "resEvento":
		scope = root
	case "procEventoNFe":
		scope = root.FindElement("./evento/infEvento")
	}
	if scope == nil {
		return nil, errUnrecognizedRoot
	}
	ev := &event{
		AccessKey: text(scope, "./chNFe"),
		EventType: text(scope, "./tpEvento"),
	}
	if !soap.ValidAccessKey(ev.AccessKey) {
		return nil, errMissingAccessKey
	}
	if ev.EventType == "" {
		return nil, errMissingEventType
	}
	return ev, nil
}
