package stream

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewOutput("sess-1", map[string]interface{}{
		"type": "assistant",
		"message": map[string]interface{}{
			"content": "hello",
		},
	})
	if err != nil {
		t.Fatalf("NewOutput: %v", err)
	}

	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Type != TypeOutput {
		t.Errorf("Type = %q, want %q", decoded.Type, TypeOutput)
	}
	if decoded.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", decoded.SessionID)
	}
	if decoded.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}

	var data map[string]interface{}
	if err := decoded.ParseData(&data); err != nil {
		t.Fatalf("ParseData: %v", err)
	}
	if data["type"] != "assistant" {
		t.Errorf("data type = %v, want assistant", data["type"])
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"session_id":"x"}`)); err == nil {
		t.Error("expected error for envelope without type")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid json")
	}
}

func TestResultPayload(t *testing.T) {
	res := Result{
		Subtype:      "success",
		Result:       "done",
		TotalCostUSD: 0.0142,
		DurationMS:   5120,
	}
	env, err := NewResult("sess-2", res)
	if err != nil {
		t.Fatalf("NewResult: %v", err)
	}

	var got Result
	if err := env.ParseData(&got); err != nil {
		t.Fatalf("ParseData: %v", err)
	}
	if got.Subtype != "success" || got.TotalCostUSD != 0.0142 || got.DurationMS != 5120 {
		t.Errorf("result round trip mismatch: %+v", got)
	}
}

func TestChildResultCarriesBothIDs(t *testing.T) {
	payload, _ := json.Marshal(map[string]string{"result": "child finished"})
	env := NewChildResult("parent-1", "child-9", payload)

	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.SessionID != "parent-1" {
		t.Errorf("SessionID = %q, want parent-1", decoded.SessionID)
	}
	if decoded.ChildSessionID != "child-9" {
		t.Errorf("ChildSessionID = %q, want child-9", decoded.ChildSessionID)
	}
}

func TestDecodeInputAcceptsBareString(t *testing.T) {
	msg, err := DecodeInput([]byte(`"just a prompt"`))
	if err != nil {
		t.Fatalf("DecodeInput: %v", err)
	}
	if msg.Prompt != "just a prompt" {
		t.Errorf("Prompt = %q", msg.Prompt)
	}

	msg, err = DecodeInput([]byte(`{"prompt":"structured","message_id":"m1"}`))
	if err != nil {
		t.Fatalf("DecodeInput: %v", err)
	}
	if msg.Prompt != "structured" || msg.MessageID != "m1" {
		t.Errorf("unexpected input message: %+v", msg)
	}
}

func TestInterruptDefaults(t *testing.T) {
	i := NewInterrupt(InterruptRedirect, "look at the logs", "", "parent-1")
	if i.Priority != PriorityNormal {
		t.Errorf("Priority = %q, want normal", i.Priority)
	}

	raw, err := i.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := DecodeInterrupt(raw)
	if err != nil {
		t.Fatalf("DecodeInterrupt: %v", err)
	}
	if decoded.Type != InterruptRedirect || decoded.FromSessionID != "parent-1" {
		t.Errorf("unexpected interrupt: %+v", decoded)
	}

	if _, err := DecodeInterrupt([]byte(`{}`)); err == nil {
		t.Error("expected error for interrupt without type")
	}
}
