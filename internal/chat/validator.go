package chat

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxPayloadBytes bounds a single relayed payload. SDP offers are the
// largest legitimate frames.
const MaxPayloadBytes = 64 * 1024

var (
	ErrEmptyPayload   = errors.New("chat: payload is empty")
	ErrPayloadTooBig  = fmt.Errorf("chat: payload exceeds %d bytes", MaxPayloadBytes)
	ErrInvalidPayload = errors.New("chat: payload is not valid JSON")
)

// ValidatePayload checks only the envelope of a relayed payload: present,
// bounded, and well-formed JSON. The content is never inspected.
func ValidatePayload(payload json.RawMessage) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if len(payload) > MaxPayloadBytes {
		return ErrPayloadTooBig
	}
	if !json.Valid(payload) {
		return ErrInvalidPayload
	}
	return nil
}
