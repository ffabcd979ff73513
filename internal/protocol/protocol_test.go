package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeMessageStateUpdate(t *testing.T) {
	raw := []byte(`{"type":"state_update","stage":"payment_selection"}`)

	msg, err := DecodeMessage(raw)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	if msg.Type != MessageStateUpdate {
		t.Errorf("Expected type %q, got %q", MessageStateUpdate, msg.Type)
	}
	if msg.Stage != "payment_selection" {
		t.Errorf("Expected stage payment_selection, got %q", msg.Stage)
	}
	if !msg.Known() {
		t.Error("Expected state_update to be a known type")
	}
}

func TestDecodeMessageTranscriptUpdate(t *testing.T) {
	raw := []byte(`{"type":"transcript_update","transcript":"hello there","data":{"isPartial":true,"isSpeaking":true}}`)

	msg, err := DecodeMessage(raw)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	if msg.Transcript != "hello there" {
		t.Errorf("Unexpected transcript: %q", msg.Transcript)
	}
	if !msg.Data.IsPartial || !msg.Data.IsSpeaking {
		t.Errorf("Expected partial and speaking flags set, got %+v", msg.Data)
	}
}

func TestDecodeMessageMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"empty payload", nil, ErrEmptyPayload},
		{"missing type", []byte(`{"stage":"greeting"}`), ErrMissingType},
		{"not json", []byte(`not json at all`), nil},
		{"truncated", []byte(`{"type":"state_up`), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage(tt.raw)
			if err == nil {
				t.Fatal("Expected decode error, got nil")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Expected error %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDecodeMessageUnknownKind(t *testing.T) {
	// Unknown kinds decode fine and are dropped by the router, not here.
	msg, err := DecodeMessage([]byte(`{"type":"telemetry","status":"x"}`))
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	if msg.Known() {
		t.Errorf("Expected %q to be unknown", msg.Type)
	}
}

func TestEncodeCommandPaymentChoice(t *testing.T) {
	data, err := EncodeCommand(PaymentChoiceCommand("nbfc_loan"))
	if err != nil {
		t.Fatalf("EncodeCommand failed: %v", err)
	}

	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Failed to decode command: %v", err)
	}
	if got["type"] != "payment_choice" {
		t.Errorf("Expected type payment_choice, got %q", got["type"])
	}
	if got["selection"] != "nbfc_loan" {
		t.Errorf("Expected selection nbfc_loan, got %q", got["selection"])
	}
	if _, ok := got["stage"]; ok {
		t.Error("Expected stage field to be omitted for payment_choice")
	}
}

func TestEncodeCommandManualStageChange(t *testing.T) {
	data, err := EncodeCommand(ManualStageChangeCommand("loan_processing"))
	if err != nil {
		t.Fatalf("EncodeCommand failed: %v", err)
	}

	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Failed to decode command: %v", err)
	}
	if got["type"] != "manual_stage_change" || got["stage"] != "loan_processing" {
		t.Errorf("Unexpected command payload: %v", got)
	}
}
