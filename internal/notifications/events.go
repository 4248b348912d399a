package notifications

import (
	"encoding/json"
	"fmt"
)

// Outbound message types.
const (
	EventFeedSnapshot    = "feed_snapshot"
	EventProfileSnapshot = "profile_snapshot"
	EventError           = "error"
)

// Message is the envelope for every frame in both directions.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps payload in a Message of the given type.
func Encode(eventType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return json.Marshal(Message{Type: eventType, Payload: raw})
}

// Decode parses an inbound frame. Frames without a type are rejected.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	return msg, nil
}

// ErrorPayload is sent with EventError.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
