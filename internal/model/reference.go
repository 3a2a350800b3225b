package model

// Confidence is the AI matcher's self-reported certainty.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ParseConfidence normalizes a backend value. Anything unrecognized becomes
// medium.
func ParseConfidence(s string) Confidence {
	switch Confidence(s) {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return Confidence(s)
	default:
		return ConfidenceMedium
	}
}

// ReferenceCandidate is one code a portal accepts for a reference type.
type ReferenceCandidate struct {
	Country       string   `json:"country" yaml:"country"`
	ReferenceType string   `json:"reference_type" yaml:"reference_type"`
	Code          string   `json:"code" yaml:"code"`
	Label         string   `json:"label" yaml:"label"`
	LocalMatches  []string `json:"local_matches,omitempty" yaml:"local_matches,omitempty"`
	Position      int      `json:"position" yaml:"position"`
}

// MatchDecision records one accepted AI match.
type MatchDecision struct {
	Field         string     `json:"field"`
	ReferenceType string     `json:"reference_type"`
	InputValue    string     `json:"input_value"`
	MatchedCode   string     `json:"matched_code"`
	Confidence    Confidence `json:"confidence"`
	Reasoning     string     `json:"reasoning"`
}
