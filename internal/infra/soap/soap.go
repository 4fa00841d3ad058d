// Package soap renders and parses the SOAP 1.2 envelopes exchanged with the NF-e
// distribution and event reception web services.
package soap

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

const (
	NamespaceNFe          = "http://www.portalfiscal.inf.br/nfe"
	NamespaceSOAP12       = "http://www.w3.org/2003/05/soap-envelope"
	NamespaceDistribution = "http://www.portalfiscal.inf.br/nfe/wsdl/NFeDistribuicaoDFe"
	NamespaceEvents       = "http://www.portalfiscal.inf.br/nfe/wsdl/NFeRecepcaoEvento4"

	ActionDistribution = NamespaceDistribution + "/nfeDistDFeInteresse"
	ActionEvents       = NamespaceEvents + "/nfeRecepcaoEvento"

	DistributionVersion = "1.01"
	EventVersion        = "1.00"
)

// Authority status codes (cStat).
const (
	StatusNoDocuments           = "137"
	StatusDocumentsFound        = "138"
	StatusThrottled             = "656"
	StatusBatchProcessed        = "128"
	StatusEventRegistered       = "135"
	StatusEventRegisteredNoLink = "136"
	StatusDuplicateEvent        = "573"
)

// ErrMalformedResponse is returned when a body does not carry the expected result element.
var ErrMalformedResponse = errors.New("malformed authority response")

// Environment is the tpAmb value.
type Environment int

const (
	Production   Environment = 1
	Homologation Environment = 2
)

func (e Environment) Valid() bool {
	return e == Production || e == Homologation
}

func (e Environment) String() string {
	return strconv.Itoa(int(e))
}

// DistributionURL returns the national distribution endpoint for the environment.
func (e Environment) DistributionURL() string {
	if e == Homologation {
		return "https://hom1.nfe.fazenda.gov.br/NFeDistribuicaoDFe/NFeDistribuicaoDFe.asmx"
	}
	return "https://www1.nfe.fazenda.gov.br/NFeDistribuicaoDFe/NFeDistribuicaoDFe.asmx"
}

// EventsURL returns the national event reception endpoint for the environment.
func (e Environment) EventsURL() string {
	if e == Homologation {
		return "https://hom1.nfe.fazenda.gov.br/NFeRecepcaoEvento4/NFeRecepcaoEvento4.asmx"
	}
	return "https://www.nfe.fazenda.gov.br/NFeRecepcaoEvento4/NFeRecepcaoEvento4.asmx"
}

// FormatNSU zero pads an NSU to the 15 digits the service expects.
func FormatNSU(nsu uint64) string {
	return fmt.Sprintf("%015d", nsu)
}

// ParseNSU parses a possibly zero padded NSU. An empty value is zero.
func ParseNSU(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ValidAccessKey reports whether s is a 44 digit access key.
func ValidAccessKey(s string) bool {
	return len(s) == 44 && isDigits(s)
}

// ValidTaxID reports whether s is a CPF (11 digits) or CNPJ (14 digits).
func ValidTaxID(s string) bool {
	return (len(s) == 11 || len(s) == 14) && isDigits(s)
}

// TaxIDTag returns the element name carrying a tax id: CPF for 11 digits, CNPJ otherwise.
func TaxIDTag(taxID string) string {
	if len(taxID) == 11 {
		return "CPF"
	}
	return "CNPJ"
}

func newEnvelope() (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	env := doc.CreateElement("soap12:Envelope")
	env.CreateAttr("xmlns:xsi", "http://www.w3.org/2001/XMLSchema-instance")
	env.CreateAttr("xmlns:xsd", "http://www.w3.org/2001/XMLSchema")
	env.CreateAttr("xmlns:soap12", NamespaceSOAP12)
	return doc, env.CreateElement("soap12:Body")
}

func render(doc *etree.Document) (string, error) {
	s, err := doc.WriteToString()
	if err != nil {
		return "", fmt.Errorf("failed to render envelope: %w", err)
	}
	return s, nil
}

func readBody(body string) (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return doc, nil
}

// faultReason extracts the text of a SOAP fault, if the body carries one.
func faultReason(doc *etree.Document) (string, bool) {
	fault := doc.FindElement(".//Fault")
	if fault == nil {
		return "", false
	}
	if text := fault.FindElement(".//Text"); text != nil {
		return strings.TrimSpace(text.Text()), true
	}
	if text := fault.FindElement(".//faultstring"); text != nil {
		return strings.TrimSpace(text.Text()), true
	}
	return "unknown fault", true
}

func childText(e *etree.Element, tag string) string {
	c := e.SelectElement(tag)
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.Text())
}
