package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is the single frame format on the agent channel: one JSON
// object per WebSocket text message, payload shape determined by Type.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a message struct into a typed envelope
func NewEnvelope(t MessageType, msg any) (*Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return &Envelope{Type: t, Payload: payload}, nil
}

// Encode serializes the envelope to a single JSON frame
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a raw frame into an envelope
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("envelope has no type")
	}
	return &e, nil
}

// DecodePayload parses the payload into the given message struct
func (e *Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}
