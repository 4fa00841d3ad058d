// Package fixtures renders authority payloads for tests.
package fixtures

import (
	"fmt"
	"strings"

	"github.com/vietddude/dfesync/internal/infra/soap"
)

const (
	TenantCNPJ = "12345678000199"
	IssuerCNPJ = "11222333000181"

	SchemaSummary    = "resNFe_v1.01"
	SchemaFull       = "procNFe_v4.00"
	SchemaEvent      = "resEvento_v1.01"
	SchemaProcEvento = "procEventoNFe_v1.00"
	SchemaUnknown    = "resCTe_v1.00"
)

// AccessKey returns a well-formed 44 digit key that differs by n.
func AccessKey(n int) string {
	return fmt.Sprintf("352401%s55001%019d", IssuerCNPJ, n)
}

// Summary renders a resNFe. An empty key omits chNFe.
func Summary(key, cSitNFe string) string {
	var b strings.Builder
	b.WriteString(`<resNFe xmlns="http://www.portalfiscal.inf.br/nfe" versao="1.01">`)
	if key != "" {
		fmt.Fprintf(&b, "<chNFe>%s</chNFe>", key)
	}
	fmt.Fprintf(&b, "<CNPJ>%s</CNPJ><xNome>Fornecedor SA</xNome><IE>123456789</IE>", IssuerCNPJ)
	b.WriteString("<dhEmi>2024-01-10T09:00:00-03:00</dhEmi><tpNF>1</tpNF><vNF>1500.00</vNF>")
	b.WriteString("<digVal>abc=</digVal><dhRecbto>2024-01-10T09:01:00-03:00</dhRecbto>")
	fmt.Fprintf(&b, "<nProt>135240000000001</nProt><cSitNFe>%s</cSitNFe></resNFe>", cSitNFe)
	return b.String()
}

// Full renders an nfeProc with distinct issuer and recipient blocks.
func Full(key string) string {
	return fmt.Sprintf(`<nfeProc xmlns="http://www.portalfiscal.inf.br/nfe" versao="4.00">
<NFe><infNFe Id="NFe%s" versao="4.00">
<ide><cUF>35</cUF><natOp>VENDA</natOp><mod>55</mod><dhEmi>2024-01-10T09:00:00-03:00</dhEmi></ide>
<emit><CNPJ>%s</CNPJ><xNome>Fornecedor Industria SA</xNome><enderEmit><xMun>Sao Paulo</xMun></enderEmit></emit>
<dest><CNPJ>%s</CNPJ><xNome>Cliente Ltda</xNome></dest>
<det nItem="1"><prod><xProd>Item</xProd><vProd>1500.00</vProd></prod></det>
<total><ICMSTot><vProd>1500.00</vProd><vNF>1500.00</vNF></ICMSTot></total>
</infNFe></NFe>
<protNFe versao="4.00"><infProt><chNFe>%s</chNFe><cStat>100</cStat></infProt></protNFe>
</nfeProc>`, key, IssuerCNPJ, TenantCNPJ, key)
}

// Event renders a resEvento.
func Event(key, tpEvento string) string {
	return fmt.Sprintf(`<resEvento xmlns="http://www.portalfiscal.inf.br/nfe" versao="1.01">
<cOrgao>35</cOrgao><CNPJ>%s</CNPJ><chNFe>%s</chNFe><dhEvento>2024-01-11T09:00:00-03:00</dhEvento>
<tpEvento>%s</tpEvento><nSeqEvento>1</nSeqEvento><xEvento>Cancelamento</xEvento>
<dhRecbto>2024-01-11T09:01:00-03:00</dhRecbto><nProt>135240000000002</nProt></resEvento>`,
		IssuerCNPJ, key, tpEvento)
}

// ProcEvent renders a procEventoNFe.
func ProcEvent(key, tpEvento string) string {
	return fmt.Sprintf(`<procEventoNFe xmlns="http://www.portalfiscal.inf.br/nfe" versao="1.00">
<evento versao="1.00"><infEvento Id="ID%s%s01"><cOrgao>35</cOrgao><tpAmb>1</tpAmb>
<CNPJ>%s</CNPJ><chNFe>%s</chNFe><tpEvento>%s</tpEvento><nSeqEvento>1</nSeqEvento></infEvento></evento>
<retEvento versao="1.00"><infEvento><cStat>135</cStat><chNFe>%s</chNFe><tpEvento>%s</tpEvento></infEvento></retEvento>
</procEventoNFe>`, tpEvento, key, IssuerCNPJ, key, tpEvento, key, tpEvento)
}

// Doc is one docZip entry to embed in a distribution response.
type Doc struct {
	NSU    uint64
	Schema string
	XML    string
	// Encoded replaces the gzip+base64 rendering of XML when set.
	Encoded string
}

// DistributionResponse renders a full SOAP reply. Entries are gzip+base64 encoded.
func DistributionResponse(cStat string, ultNSU, maxNSU uint64, docs ...Doc) string {
	var lote strings.Builder
	if len(docs) > 0 {
		lote.WriteString("<loteDistDFeInt>")
		for _, d := range docs {
			zipped := d.Encoded
			if zipped == "" {
				var err error
				if zipped, err = soap.EncodeDocZip(d.XML); err != nil {
					panic(err)
				}
			}
			fmt.Fprintf(&lote, `<docZip NSU="%s" schema="%s">%s</docZip>`,
				soap.FormatNSU(d.NSU), d.Schema, zipped)
		}
		lote.WriteString("</loteDistDFeInt>")
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"><soap:Body>
<nfeDistDFeInteresseResponse xmlns="http://www.portalfiscal.inf.br/nfe/wsdl/NFeDistribuicaoDFe">
<nfeDistDFeInteresseResult><retDistDFeInt versao="1.01" xmlns="http://www.portalfiscal.inf.br/nfe">
<tpAmb>1</tpAmb><verAplic>1.7.6</verAplic><cStat>%s</cStat><xMotivo>%s</xMotivo>
<dhResp>2024-01-15T10:30:00-03:00</dhResp><ultNSU>%s</ultNSU><maxNSU>%s</maxNSU>%s
</retDistDFeInt></nfeDistDFeInteresseResult></nfeDistDFeInteresseResponse></soap:Body></soap:Envelope>`,
		cStat, motivo(cStat), soap.FormatNSU(ultNSU), soap.FormatNSU(maxNSU), lote.String())
}

// EventResponse renders an event reception reply with one retEvento per key.
func EventResponse(cStat string, keys ...string) string {
	var events strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&events, `<retEvento versao="1.00"><infEvento><tpAmb>1</tpAmb>
<cStat>%s</cStat><xMotivo>%s</xMotivo><chNFe>%s</chNFe><tpEvento>210210</tpEvento>
<nSeqEvento>1</nSeqEvento><dhRegEvento>2024-01-15T10:31:00-03:00</dhRegEvento>
<nProt>891240000012345</nProt></infEvento></retEvento>`, cStat, motivo(cStat), k)
	}
	return fmt.Sprintf(`<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"><soap:Body>
<nfeRecepcaoEventoNFResult xmlns="http://www.portalfiscal.inf.br/nfe/wsdl/NFeRecepcaoEvento4">
<retEnvEvento versao="1.00" xmlns="http://www.portalfiscal.inf.br/nfe"><idLote>1</idLote>
<tpAmb>1</tpAmb><cOrgao>91</cOrgao><cStat>128</cStat><xMotivo>Lote de evento processado</xMotivo>%s
</retEnvEvento></nfeRecepcaoEventoNFResult></soap:Body></soap:Envelope>`, events.String())
}

func motivo(cStat string) string {
	switch cStat {
	case soap.StatusNoDocuments:
		return "Nenhum documento localizado"
	case soap.StatusDocumentsFound:
		return "Documento(s) localizado(s)"
	case soap.StatusThrottled:
		return "Rejeicao: Consumo Indevido"
	case soap.StatusEventRegistered:
		return "Evento registrado e vinculado a NF-e"
	case soap.StatusDuplicateEvent:
		return "Rejeicao: Duplicidade de evento"
	default:
		return "Rejeicao: " + cStat
	}
}
