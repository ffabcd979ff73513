package domain

import "testing"

func TestStageOrder(t *testing.T) {
	want := []Stage{StageGreeting, StagePaymentSelection, StageLoanProcessing, StageDocumentVerification}
	if len(Stages) != len(want) {
		t.Fatalf("Expected %d stages, got %d", len(want), len(Stages))
	}
	for i, s := range want {
		if Stages[i] != s {
			t.Errorf("Stage %d: expected %q, got %q", i, s, Stages[i])
		}
	}
}

func TestStageNextPreviousBounds(t *testing.T) {
	// Walking forward past the end must stay clamped at the last stage.
	s := StageGreeting
	for i := 0; i < 10; i++ {
		s, _ = s.Next()
	}
	if s != StageDocumentVerification {
		t.Errorf("Expected forward walk to clamp at %q, got %q", StageDocumentVerification, s)
	}

	// Walking backward past the start must stay clamped at the first stage.
	for i := 0; i < 10; i++ {
		s, _ = s.Previous()
	}
	if s != StageGreeting {
		t.Errorf("Expected backward walk to clamp at %q, got %q", StageGreeting, s)
	}

	if _, ok := StageDocumentVerification.Next(); ok {
		t.Error("Expected Next at last stage to report false")
	}
	if _, ok := StageGreeting.Previous(); ok {
		t.Error("Expected Previous at first stage to report false")
	}
}

func TestParseStage(t *testing.T) {
	tests := []struct {
		in   string
		want Stage
		ok   bool
	}{
		{"payment_selection", StagePaymentSelection, true},
		{"PAYMENT_SELECTION", StagePaymentSelection, true},
		{" greeting ", StageGreeting, true},
		{"underwriting", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseStage(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseStage(%q) = (%q, %v), expected (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestStageLabel(t *testing.T) {
	if got := StagePaymentSelection.Label(); got != "payment selection" {
		t.Errorf("Expected label %q, got %q", "payment selection", got)
	}
}

func TestPaymentLabel(t *testing.T) {
	if got := PaymentLabel("nbfc_loan"); got != "nbfc loan" {
		t.Errorf("Expected label %q, got %q", "nbfc loan", got)
	}
}
