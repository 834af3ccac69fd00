package models

// Confidence mirrors the degree of network acceptance of a transaction.
// Building is the only state that makes an output eligible for crediting.
type Confidence int

const (
	ConfidenceUnknown Confidence = iota
	ConfidencePending
	ConfidenceBuilding
	ConfidenceDead
	ConfidenceInConflict
)

func (c Confidence) String() string {
	switch c {
	case ConfidencePending:
		return "pending"
	case ConfidenceBuilding:
		return "building"
	case ConfidenceDead:
		return "dead"
	case ConfidenceInConflict:
		return "in-conflict"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further confidence changes are expected.
func (c Confidence) Terminal() bool {
	return c == ConfidenceDead || c == ConfidenceInConflict
}
