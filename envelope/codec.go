package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Wire layout. Field order here is the serialized order.
type wireDescription struct {
	Topic     string `json:"topic"`
	Action    string `json:"action"`
	ReplyToID string `json:"replyToId,omitempty"`
}

type wireHeader struct {
	Version            string          `json:"version"`
	MessageType        MessageType     `json:"messageType"`
	ID                 string          `json:"id"`
	MessageDescription wireDescription `json:"messageDescription"`
}

type wireEnvelope struct {
	Header  wireHeader      `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

// headerSchema describes the fields every envelope must carry.
// The Reply/replyToId dependency is checked in code so the error names the field.
const headerSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["header"],
  "properties": {
    "header": {
      "type": "object",
      "required": ["version", "messageType", "id", "messageDescription"],
      "properties": {
        "version": {"type": "string"},
        "messageType": {"type": "string", "enum": ["Publish", "Reply"]},
        "id": {"type": "string", "minLength": 1},
        "messageDescription": {
          "type": "object",
          "required": ["topic", "action"],
          "properties": {
            "topic": {"type": "string", "minLength": 1},
            "action": {"type": "string", "minLength": 1},
            "replyToId": {"type": "string"}
          }
        }
      }
    },
    "payload": {"type": ["object", "array", "string", "number", "boolean", "null"]}
  }
}`

var headerSchemaLoader = gojsonschema.NewStringLoader(headerSchema)

// Encode serializes env to its canonical JSON text
func Encode(env Envelope) (string, error) {
	if err := checkReplyInvariant(env.Type, env.ReplyToID); err != nil {
		return "", &EncodingError{Field: "replyToId", Message: err.Error()}
	}
	if !env.Type.Valid() {
		return "", &EncodingError{Field: "messageType", Message: fmt.Sprintf("unknown message type %q", env.Type)}
	}
	for _, f := range []struct{ name, value string }{
		{"id", env.ID},
		{"topic", env.Topic},
		{"action", env.Action},
	} {
		if f.value == "" {
			return "", &EncodingError{Field: f.name, Message: f.name + " is required"}
		}
	}

	payload := json.RawMessage("null")
	if len(bytes.TrimSpace(env.Payload)) > 0 {
		if !json.Valid(env.Payload) {
			return "", &EncodingError{Field: "payload", Message: "payload is not valid JSON"}
		}
		payload = env.Payload
	}

	version := env.Version
	if version == "" {
		version = Version
	}

	wire := wireEnvelope{
		Header: wireHeader{
			Version:     version,
			MessageType: env.Type,
			ID:          env.ID,
			MessageDescription: wireDescription{
				Topic:     env.Topic,
				Action:    env.Action,
				ReplyToID: env.ReplyToID,
			},
		},
		Payload: payload,
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return "", &EncodingError{Field: "payload", Message: err.Error()}
	}
	return string(data), nil
}

// Decode parses envelope text and validates the header
func Decode(text string) (Envelope, error) {
	if strings.TrimSpace(text) == "" {
		return Envelope{}, &DecodeError{Message: "empty message"}
	}
	if !json.Valid([]byte(text)) {
		return Envelope{}, &DecodeError{Message: "message is not valid JSON"}
	}

	result, err := gojsonschema.Validate(headerSchemaLoader, gojsonschema.NewStringLoader(text))
	if err != nil {
		return Envelope{}, &DecodeError{Message: err.Error()}
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return Envelope{}, &DecodeError{Field: first.Field(), Message: first.Description()}
	}

	var wire wireEnvelope
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		return Envelope{}, &DecodeError{Message: err.Error()}
	}

	h := wire.Header
	if err := checkReplyInvariant(h.MessageType, h.MessageDescription.ReplyToID); err != nil {
		return Envelope{}, &DecodeError{Field: "header.messageDescription.replyToId", Message: err.Error()}
	}

	env := Envelope{
		Version:   h.Version,
		Type:      h.MessageType,
		ID:        h.ID,
		Topic:     h.MessageDescription.Topic,
		Action:    h.MessageDescription.Action,
		ReplyToID: h.MessageDescription.ReplyToID,
	}
	if len(wire.Payload) > 0 && !bytes.Equal(bytes.TrimSpace(wire.Payload), []byte("null")) {
		env.Payload = wire.Payload
	}
	return env, nil
}

func checkReplyInvariant(t MessageType, replyToID string) error {
	switch {
	case t == MessageTypeReply && replyToID == "":
		return fmt.Errorf("Reply message requires replyToId")
	case t != MessageTypeReply && replyToID != "":
		return fmt.Errorf("replyToId is only allowed on Reply messages")
	}
	return nil
}
