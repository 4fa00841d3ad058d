package domain

import "time"

// ManifestationType is the recipient event code (tpEvento) sent to the authority.
type ManifestationType string

const (
	ManifestationConfirmation   ManifestationType = "210200"
	ManifestationAcknowledgment ManifestationType = "210210"
	ManifestationUnknown        ManifestationType = "210220"
	ManifestationNotPerformed   ManifestationType = "210240"
)

// Description returns the descEvento text mandated for each code (ASCII only).
func (t ManifestationType) Description() string {
	switch t {
	case ManifestationConfirmation:
		return "Confirmacao da Operacao"
	case ManifestationAcknowledgment:
		return "Ciencia da Operacao"
	case ManifestationUnknown:
		return "Desconhecimento da Operacao"
	case ManifestationNotPerformed:
		return "Operacao nao Realizada"
	default:
		return ""
	}
}

// Valid reports whether t is one of the recipient manifestation codes.
func (t ManifestationType) Valid() bool {
	return t.Description() != ""
}

// RequiresJustification reports whether the event must carry xJust.
func (t ManifestationType) RequiresJustification() bool {
	return t == ManifestationNotPerformed
}

// ParseManifestationType accepts either the numeric code or a short name.
func ParseManifestationType(s string) (ManifestationType, bool) {
	switch s {
	case "210200", "confirmation", "confirm":
		return ManifestationConfirmation, true
	case "210210", "acknowledgment", "ack", "ciencia":
		return ManifestationAcknowledgment, true
	case "210220", "unknown":
		return ManifestationUnknown, true
	case "210240", "not-performed":
		return ManifestationNotPerformed, true
	}
	return "", false
}

// Cancellation event codes projected onto document status.
const (
	EventTypeCancellation             = "110111"
	EventTypeCancellationSubstitution = "110112"
)

// IsCancellation reports whether an event code cancels the referenced document.
func IsCancellation(eventType string) bool {
	return eventType == EventTypeCancellation || eventType == EventTypeCancellationSubstitution
}

// SignedEvent is a manifestation event ready for transmission. It is never persisted.
type SignedEvent struct {
	EventID      string
	EventType    ManifestationType
	AccessKey    string
	Sequence     int
	IssuedAt     time.Time
	CanonicalXML string
	Signature    string
	XML          string
}
