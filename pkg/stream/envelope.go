// Package stream defines the wire envelopes exchanged between the gateway,
// the in-container wrapper, and websocket clients. Every message published on
// a session output topic is an Envelope; input queues carry InputMessage and
// interrupt channels carry Interrupt.
package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope types
const (
	TypeOutput      = "output"
	TypeResult      = "result"
	TypeChildResult = "child_result"
	TypeError       = "error"
	TypeControl     = "control"
)

// Interrupt types
const (
	InterruptStop     = "stop"
	InterruptRedirect = "redirect"
	InterruptPause    = "pause"
)

// Interrupt priorities
const (
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Envelope is the unit published on session:{id}:output and
// session:{id}:children topics.
type Envelope struct {
	Type           string          `json:"type"`
	SessionID      string          `json:"session_id"`
	ChildSessionID string          `json:"child_session_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope creates an envelope of the given type, marshaling data.
func NewEnvelope(envType, sessionID string, data interface{}) (*Envelope, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:      envType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// NewOutput creates an output envelope carrying a normalized agent event.
func NewOutput(sessionID string, data interface{}) (*Envelope, error) {
	return NewEnvelope(TypeOutput, sessionID, data)
}

// NewResult creates a terminal result envelope.
func NewResult(sessionID string, data interface{}) (*Envelope, error) {
	return NewEnvelope(TypeResult, sessionID, data)
}

// NewError creates an error envelope with a plain message payload.
func NewError(sessionID, message string) *Envelope {
	raw, _ := json.Marshal(map[string]string{"error": message})
	return &Envelope{
		Type:      TypeError,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}
}

// NewChildResult creates the envelope a gateway publishes on the parent's
// children topic when a child session finishes a turn.
func NewChildResult(parentID, childID string, data json.RawMessage) *Envelope {
	return &Envelope{
		Type:           TypeChildResult,
		SessionID:      parentID,
		ChildSessionID: childID,
		Timestamp:      time.Now().UTC(),
		Data:           data,
	}
}

// Encode serializes the envelope for publishing.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// ParseData unmarshals the envelope data into the given value.
func (e *Envelope) ParseData(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("envelope has no data")
	}
	return json.Unmarshal(e.Data, v)
}

// ParseError extracts the message from a TypeError envelope. Returns
// the fallback when the payload is missing or malformed.
func ParseError(e *Envelope, fallback string) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(e.Data, &payload); err != nil || payload.Error == "" {
		return fallback
	}
	return payload.Error
}

// Decode parses a published envelope.
func Decode(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &e, nil
}

// Result is the payload of a TypeResult envelope.
type Result struct {
	Subtype      string          `json:"subtype"` // success or error
	Result       string          `json:"result,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	Usage        json.RawMessage `json:"usage,omitempty"`
	DurationMS   int64           `json:"duration_ms"`
	NumTurns     int             `json:"num_turns,omitempty"`
	AgentSession string          `json:"agent_session_id,omitempty"`
}

// InputMessage is the unit pushed on session:{id}:input queues.
type InputMessage struct {
	Prompt    string `json:"prompt"`
	MessageID string `json:"message_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// NewInput creates an input queue item for a prompt.
func NewInput(prompt, messageID string) *InputMessage {
	return &InputMessage{
		Prompt:    prompt,
		MessageID: messageID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Encode serializes the input message for queueing.
func (m *InputMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeInput parses a queued input item. Plain string payloads from older
// clients are accepted and treated as a bare prompt.
func DecodeInput(raw []byte) (*InputMessage, error) {
	var m InputMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		var s string
		if err2 := json.Unmarshal(raw, &s); err2 == nil {
			return &InputMessage{Prompt: s}, nil
		}
		return nil, fmt.Errorf("decoding input message: %w", err)
	}
	return &m, nil
}

// Interrupt is published on session:{id}:interrupt and queued on
// session:{id}:interrupt_queue. Delivery is at-least-once: the wrapper
// tolerates seeing the same interrupt on both paths.
type Interrupt struct {
	Type          string `json:"type"` // stop, redirect, pause
	Message       string `json:"message,omitempty"`
	Priority      string `json:"priority,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
	FromSessionID string `json:"from_session_id,omitempty"`
}

// NewInterrupt creates an interrupt message.
func NewInterrupt(interruptType, message, priority, from string) *Interrupt {
	if priority == "" {
		priority = PriorityNormal
	}
	return &Interrupt{
		Type:          interruptType,
		Message:       message,
		Priority:      priority,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		FromSessionID: from,
	}
}

// Encode serializes the interrupt for publishing and queueing.
func (i *Interrupt) Encode() ([]byte, error) {
	return json.Marshal(i)
}

// DecodeInterrupt parses an interrupt message.
func DecodeInterrupt(raw []byte) (*Interrupt, error) {
	var i Interrupt
	if err := json.Unmarshal(raw, &i); err != nil {
		return nil, fmt.Errorf("decoding interrupt: %w", err)
	}
	if i.Type == "" {
		return nil, fmt.Errorf("interrupt missing type")
	}
	return &i, nil
}

func marshalData(data interface{}) (json.RawMessage, error) {
	switch d := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	case []byte:
		return json.RawMessage(d), nil
	default:
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshaling envelope data: %w", err)
		}
		return raw, nil
	}
}
