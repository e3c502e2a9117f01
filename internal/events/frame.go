package events

import (
	"bytes"
	"encoding/json"
	"fmt"

	apperrors "github.com/spec-kit/support-chat/pkg/util/errorutil"
)

// Frame is the JSON text frame exchanged over the socket.
type Frame struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Validator is implemented by every typed payload.
type Validator interface {
	Validate() error
}

// EncodeFrame marshals a named frame.
func EncodeFrame(event EventType, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// DecodeFrame parses a text frame.
func DecodeFrame(b []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(b, &frame); err != nil {
		return Frame{}, apperrors.NewValidationError("malformed frame", map[string]any{"reason": err.Error()})
	}
	if frame.Event == "" {
		return Frame{}, apperrors.NewValidationError("frame event required", nil)
	}
	return frame, nil
}

// DecodePayload unmarshals raw into v and validates it.
func DecodePayload(raw json.RawMessage, v Validator) error {
	if len(raw) == 0 {
		return apperrors.NewValidationError("payload required", nil)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.NewValidationError("malformed payload", map[string]any{"reason": err.Error()})
	}
	return v.Validate()
}

// DecodeID reads an id sent either as a bare JSON string or as an object
// carrying the given field, e.g. "c1" or {"conversationId":"c1"}.
func DecodeID(raw json.RawMessage, field string) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", apperrors.NewValidationError(field+" required", nil)
	}
	var id string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", apperrors.NewValidationError("malformed "+field, nil)
		}
	} else {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", apperrors.NewValidationError("malformed "+field, nil)
		}
		if v, ok := obj[field]; ok {
			_ = json.Unmarshal(v, &id)
		}
	}
	if id == "" {
		return "", apperrors.NewValidationError(field+" required", nil)
	}
	return id, nil
}
