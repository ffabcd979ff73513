// Package domain contains core domain types for the VoiceDesk application.
package domain

import "strings"

// Stage is a named step in the fixed onboarding sequence.
type Stage string

const (
	StageGreeting             Stage = "greeting"
	StagePaymentSelection     Stage = "payment_selection"
	StageLoanProcessing       Stage = "loan_processing"
	StageDocumentVerification Stage = "document_verification"
)

// Stages is the fixed ordered onboarding sequence. Navigation is always
// bounds-checked against this list; there is no stage before the first or
// after the last.
var Stages = []Stage{
	StageGreeting,
	StagePaymentSelection,
	StageLoanProcessing,
	StageDocumentVerification,
}

// ParseStage maps a wire stage name to a known Stage.
// Returns false for names outside the fixed sequence.
func ParseStage(name string) (Stage, bool) {
	s := Stage(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Stages {
		if s == known {
			return known, true
		}
	}
	return "", false
}

// Index returns the position of the stage in the onboarding sequence,
// or -1 if the stage is unknown.
func (s Stage) Index() int {
	for i, known := range Stages {
		if s == known {
			return i
		}
	}
	return -1
}

// Label returns the human-readable stage name, e.g. "payment selection".
func (s Stage) Label() string {
	return strings.ReplaceAll(string(s), "_", " ")
}

// Next returns the following stage. The second result is false at the end
// of the sequence (or for an unknown stage), in which case the stage itself
// is returned unchanged.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i >= len(Stages)-1 {
		return s, false
	}
	return Stages[i+1], true
}

// Previous returns the preceding stage. The second result is false at the
// start of the sequence (or for an unknown stage).
func (s Stage) Previous() (Stage, bool) {
	i := s.Index()
	if i <= 0 {
		return s, false
	}
	return Stages[i-1], true
}
