package daemon

import (
	"encoding/json"
	"fmt"
)

// Message types for the ingest socket.
const (
	TypeRecord  = "RECORD"
	TypeFlush   = "FLUSH"
	TypeFlushed = "FLUSHED"
	TypeError   = "ERROR"
)

// Message is the envelope for all daemon messages. One message per line.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Record is the payload of TypeRecord.
type Record struct {
	Level   int    `json:"level"`
	Tag     string `json:"tag,omitempty"`
	Message string `json:"message"`
}

// Error is the payload of TypeError.
type Error struct {
	Message string `json:"message"`
}

// Encode creates a Message with the given type and payload.
func Encode(msgType string, payload any) ([]byte, error) {
	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
	}
	return json.Marshal(Message{Type: msgType, Payload: raw})
}

// Decode parses a raw message and returns the type and payload.
func Decode(data []byte) (msgType string, payload json.RawMessage, err error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return msg.Type, msg.Payload, nil
}

// DecodePayload unmarshals the payload into the given type.
func DecodePayload[T any](payload json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("unmarshal payload: %w", err)
	}
	return v, nil
}
