package soap

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/beevik/etree"
)

// DistributionRequest asks for the documents after LastNSU.
type DistributionRequest struct {
	Environment Environment
	UFCode      string
	TaxID       string
	LastNSU     uint64
}

// ConsultRequest fetches a single document, by access key when set, otherwise by NSU.
type ConsultRequest struct {
	Environment Environment
	UFCode      string
	TaxID       string
	AccessKey   string
	NSU         uint64
}

// Document is one decoded docZip entry.
type Document struct {
	NSU    uint64
	Schema string
	XML    string
}

// DocumentFailure is a docZip entry that could not be decoded. Raw keeps the encoded
// content as received.
type DocumentFailure struct {
	NSU    uint64
	Schema string
	Raw    string
	Err    error
}

// DistributionResponse is the parsed retDistDFeInt.
type DistributionResponse struct {
	StatusCode    string
	StatusMessage string
	LastNSU       uint64
	MaxNSU        uint64
	RespondedAt   time.Time
	Documents     []Document
	Failures      []DocumentFailure
}

// CaughtUp reports whether the authority has nothing after LastNSU.
func (r *DistributionResponse) CaughtUp() bool {
	return r.LastNSU >= r.MaxNSU
}

// BuildDistributionRequest renders a distNSU query.
func BuildDistributionRequest(req DistributionRequest) (string, error) {
	return buildDistribution(req.Environment, req.UFCode, req.TaxID, func(dist *etree.Element) {
		dist.CreateElement("distNSU").CreateElement("ultNSU").SetText(FormatNSU(req.LastNSU))
	})
}

// BuildConsultRequest renders a consChNFe or consNSU point lookup.
func BuildConsultRequest(req ConsultRequest) (string, error) {
	if req.AccessKey != "" {
		if !ValidAccessKey(req.AccessKey) {
			return "", fmt.Errorf("invalid access key %q", req.AccessKey)
		}
		return buildDistribution(req.Environment, req.UFCode, req.TaxID, func(dist *etree.Element) {
			dist.CreateElement("consChNFe").CreateElement("chNFe").SetText(req.AccessKey)
		})
	}
	return buildDistribution(req.Environment, req.UFCode, req.TaxID, func(dist *etree.Element) {
		dist.CreateElement("consNSU").CreateElement("NSU").SetText(FormatNSU(req.NSU))
	})
}

func buildDistribution(
	env Environment,
	ufCode, taxID string,
	selector func(dist *etree.Element),
) (string, error) {
	if !env.Valid() {
		return "", fmt.Errorf("invalid environment %d", env)
	}
	if len(ufCode) != 2 || !isDigits(ufCode) {
		return "", fmt.Errorf("invalid UF code %q", ufCode)
	}
	if !ValidTaxID(taxID) {
		return "", fmt.Errorf("invalid tax id %q", taxID)
	}

	doc, body := newEnvelope()
	op := body.CreateElement("nfeDistDFeInteresse")
	op.CreateAttr("xmlns", NamespaceDistribution)
	dist := op.CreateElement("nfeDadosMsg").CreateElement("distDFeInt")
	dist.CreateAttr("xmlns", NamespaceNFe)
	dist.CreateAttr("versao", DistributionVersion)
	dist.CreateElement("tpAmb").SetText(env.String())
	dist.CreateElement("cUFAutor").SetText(ufCode)
	dist.CreateElement(TaxIDTag(taxID)).SetText(taxID)
	selector(dist)

	return render(doc)
}

// ParseDistributionResponse parses a distribution reply. Entries that fail to decode are
// reported in Failures and do not abort the batch.
func ParseDistributionResponse(body string) (*DistributionResponse, error) {
	doc, err := readBody(body)
	if err != nil {
		return nil, err
	}

	ret := doc.FindElement(".//retDistDFeInt")
	if ret == nil {
		if reason, ok := faultReason(doc); ok {
			return nil, fmt.Errorf("%w: soap fault: %s", ErrMalformedResponse, reason)
		}
		return nil, fmt.Errorf("%w: retDistDFeInt not found", ErrMalformedResponse)
	}

	resp := &DistributionResponse{
		StatusCode:    childText(ret, "cStat"),
		StatusMessage: childText(ret, "xMotivo"),
	}
	if resp.StatusCode == "" {
		return nil, fmt.Errorf("%w: missing cStat", ErrMalformedResponse)
	}
	if resp.LastNSU, err = ParseNSU(childText(ret, "ultNSU")); err != nil {
		return nil, fmt.Errorf("%w: ultNSU: %v", ErrMalformedResponse, err)
	}
	if resp.MaxNSU, err = ParseNSU(childText(ret, "maxNSU")); err != nil {
		return nil, fmt.Errorf("%w: maxNSU: %v", ErrMalformedResponse, err)
	}
	if dh := childText(ret, "dhResp"); dh != "" {
		if t, err := time.Parse(time.RFC3339, dh); err == nil {
			resp.RespondedAt = t
		}
	}

	for _, dz := range ret.FindElements("./loteDistDFeInt/docZip") {
		schema := dz.SelectAttrValue("schema", "")
		nsu, err := ParseNSU(dz.SelectAttrValue("NSU", ""))
		if err != nil {
			resp.Failures = append(resp.Failures, DocumentFailure{
				Schema: schema,
				Raw:    dz.Text(),
				Err:    fmt.Errorf("invalid NSU attribute: %w", err),
			})
			continue
		}
		xml, err := DecodeDocZip(dz.Text())
		if err != nil {
			resp.Failures = append(resp.Failures, DocumentFailure{NSU: nsu, Schema: schema, Raw: dz.Text(), Err: err})
			continue
		}
		resp.Documents = append(resp.Documents, Document{NSU: nsu, Schema: schema, XML: xml})
	}

	return resp, nil
}

// DecodeDocZip decodes a base64 encoded gzip payload.
func DecodeDocZip(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(encoded), ""))
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("gzip header: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return "", fmt.Errorf("gzip body: %w", err)
	}
	return string(out), nil
}

// EncodeDocZip is the inverse of DecodeDocZip.
func EncodeDocZip(xml string) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(xml)); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
