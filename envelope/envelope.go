// Package envelope builds and parses the JSON message envelope exchanged
// between AACS components.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Version is the envelope header version written by Encode.
const Version = "4.0"

// MessageType discriminates originating messages from replies
type MessageType string

const (
	MessageTypePublish MessageType = "Publish"
	MessageTypeReply   MessageType = "Reply"
)

// Valid reports whether t is a known message type
func (t MessageType) Valid() bool {
	return t == MessageTypePublish || t == MessageTypeReply
}

// Envelope is a decoded AACS message.
// ReplyToID is set if and only if Type is MessageTypeReply.
type Envelope struct {
	Version   string
	Type      MessageType
	ID        string
	Topic     string
	Action    string
	ReplyToID string
	// Payload holds raw JSON. Nil encodes as null.
	Payload json.RawMessage
}

// NewPublish creates a Publish envelope with a fresh id
func NewPublish(topic, action string, payload json.RawMessage) Envelope {
	return Envelope{
		Version: Version,
		Type:    MessageTypePublish,
		ID:      uuid.NewString(),
		Topic:   topic,
		Action:  action,
		Payload: payload,
	}
}

// NewReply creates a Reply envelope answering the message with id replyToID
func NewReply(replyToID, topic, action string, payload json.RawMessage) Envelope {
	env := NewPublish(topic, action, payload)
	env.Type = MessageTypeReply
	env.ReplyToID = replyToID
	return env
}

// IsReply returns true for Reply envelopes
func (e Envelope) IsReply() bool {
	return e.Type == MessageTypeReply
}

// HasPayload returns true if the payload is present and not JSON null
func (e Envelope) HasPayload() bool {
	trimmed := bytes.TrimSpace(e.Payload)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// DecodePayload unmarshals the payload into v
func (e Envelope) DecodePayload(v interface{}) error {
	if !e.HasPayload() {
		return &DecodeError{Field: "payload", Message: "payload is null"}
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return &DecodeError{Field: "payload", Message: err.Error()}
	}
	return nil
}

// EncodingError is returned by Encode for envelopes that cannot be serialized
type EncodingError struct {
	Field   string
	Message string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("envelope encoding error: %s: %s", e.Field, e.Message)
}

// DecodeError is returned by Decode for malformed envelope text
type DecodeError struct {
	Field   string
	Message string
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("envelope decode error: %s", e.Message)
	}
	return fmt.Sprintf("envelope decode error: %s: %s", e.Field, e.Message)
}
