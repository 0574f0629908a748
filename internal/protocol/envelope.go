// Package protocol defines the JSON messages exchanged over a lobby WebSocket.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope wraps every frame in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals payload into an envelope of the given type and returns the frame bytes.
//
// Postcondition: Returns a JSON frame, or an error if payload cannot be marshalled.
func Encode(typ string, payload any) ([]byte, error) {
	env := Envelope{Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", typ, err)
		}
		env.Payload = data
	}
	return json.Marshal(env)
}

// Decode parses a frame into an envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decoding envelope: missing type")
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v. An absent payload
// leaves v at its zero value.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}
