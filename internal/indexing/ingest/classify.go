package ingest

import "strings"

// Kind is the payload family of a distributed document.
type Kind int

const (
	KindUnknown Kind = iota
	KindSummary
	KindFull
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindSummary:
		return "summary"
	case KindFull:
		return "full"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Classify maps a docZip schema identifier (e.g. "resNFe_v1.01") to its payload family.
// Only the name before the version suffix is significant.
func Classify(schema string) Kind {
	name := schema
	if i := strings.Index(schema, "_v"); i >= 0 {
		name = schema[:i]
	}
	switch name {
	case "resNFe":
		return KindSummary
	case "procNFe":
		return KindFull
	case "resEvento", "procEventoNFe":
		return KindEvent
	default:
		return KindUnknown
	}
}
