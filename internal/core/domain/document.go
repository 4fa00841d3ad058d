package domain

import "time"

// DocumentStatus is the lifecycle state of a fiscal document as seen by the recipient.
type DocumentStatus string

const (
	DocumentStatusReceived     DocumentStatus = "received"
	DocumentStatusAuthorized   DocumentStatus = "authorized"
	DocumentStatusCanceled     DocumentStatus = "canceled"
	DocumentStatusDenied       DocumentStatus = "denied"
	DocumentStatusXMLAvailable DocumentStatus = "xml_available"
)

// SchemaKind is the payload family a document row was last populated from.
type SchemaKind string

const (
	SchemaKindEvent   SchemaKind = "event"
	SchemaKindSummary SchemaKind = "summary"
	SchemaKindFull    SchemaKind = "full"
)

// Richness orders payload families: a richer payload may overwrite a poorer one.
func (k SchemaKind) Richness() int {
	switch k {
	case SchemaKindFull:
		return 2
	case SchemaKindSummary:
		return 1
	default:
		return 0
	}
}

// FiscalDocument is one NF-e addressed to (or issued by) a tenant, keyed by access key.
type FiscalDocument struct {
	AccessKey      string
	TenantID       string
	CNPJ           string
	NSU            uint64
	SchemaKind     SchemaKind
	IssuerName     string
	IssuerTaxID    string
	RecipientName  string
	RecipientTaxID string
	Amount         string
	IssueDate      *time.Time
	Status         DocumentStatus
	RawXML         *string
	StorageRef     *string

	ManifestationType    string
	ManifestationStatus  string
	ManifestationMessage string
	ManifestedAt         *time.Time

	UpdatedAt time.Time
}

// Manifested reports whether the authority has already acknowledged a manifestation.
func (d *FiscalDocument) Manifested() bool {
	return d.ManifestedAt != nil
}

// MergeDocument resolves an upsert conflict on AccessKey.
//
// A richer payload overwrites a poorer one regardless of arrival order. A poorer payload only
// fills empty fields and may move the status to a terminal authority state (canceled, denied).
// Once canceled, a document stays canceled. Manifestation columns are never touched here.
func MergeDocument(existing, incoming *FiscalDocument) *FiscalDocument {
	if existing == nil {
		out := *incoming
		return &out
	}

	merged := *existing
	if incoming.SchemaKind.Richness() >= existing.SchemaKind.Richness() {
		merged.SchemaKind = incoming.SchemaKind
		merged.Status = incoming.Status
		if incoming.NSU != 0 {
			merged.NSU = incoming.NSU
		}
		overwrite(&merged.IssuerName, incoming.IssuerName)
		overwrite(&merged.IssuerTaxID, incoming.IssuerTaxID)
		overwrite(&merged.RecipientName, incoming.RecipientName)
		overwrite(&merged.RecipientTaxID, incoming.RecipientTaxID)
		overwrite(&merged.Amount, incoming.Amount)
		if incoming.IssueDate != nil {
			merged.IssueDate = incoming.IssueDate
		}
		if incoming.RawXML != nil {
			merged.RawXML = incoming.RawXML
		}
		if incoming.StorageRef != nil {
			merged.StorageRef = incoming.StorageRef
		}
	} else {
		if incoming.Status == DocumentStatusCanceled || incoming.Status == DocumentStatusDenied {
			merged.Status = incoming.Status
		}
		fill(&merged.IssuerName, incoming.IssuerName)
		fill(&merged.IssuerTaxID, incoming.IssuerTaxID)
		fill(&merged.RecipientName, incoming.RecipientName)
		fill(&merged.RecipientTaxID, incoming.RecipientTaxID)
		fill(&merged.Amount, incoming.Amount)
		if merged.IssueDate == nil {
			merged.IssueDate = incoming.IssueDate
		}
		if merged.NSU == 0 {
			merged.NSU = incoming.NSU
		}
	}

	if existing.Status == DocumentStatusCanceled {
		merged.Status = DocumentStatusCanceled
	}
	if !incoming.UpdatedAt.IsZero() {
		merged.UpdatedAt = incoming.UpdatedAt
	}
	return &merged
}

func overwrite(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func fill(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}
