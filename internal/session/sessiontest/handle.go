// Package sessiontest provides an in-memory session.Handle for tests.
package sessiontest

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrClosed is returned by Send on a closed handle.
var ErrClosed = errors.New("sessiontest: handle closed")

// Handle records every frame sent to it.
type Handle struct {
	id string

	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

// NewHandle returns an open handle for participantID.
func NewHandle(participantID string) *Handle {
	return &Handle{id: participantID}
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Send(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	h.sent = append(h.sent, cp)
	return nil
}

func (h *Handle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}

// Close makes the handle unreachable.
func (h *Handle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

// Sent returns a copy of all frames sent so far.
func (h *Handle) Sent() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.sent))
	copy(out, h.sent)
	return out
}

// Types returns the "type" field of every frame sent so far.
func (h *Handle) Types() []string {
	var types []string
	for _, frame := range h.Sent() {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(frame, &env)
		types = append(types, env.Type)
	}
	return types
}

// Last decodes the most recent frame of msgType into v. It returns false if
// no such frame was sent.
func (h *Handle) Last(msgType string, v interface{}) bool {
	frames := h.Sent()
	for i := len(frames) - 1; i >= 0; i-- {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(frames[i], &env) == nil && env.Type == msgType {
			return json.Unmarshal(frames[i], v) == nil
		}
	}
	return false
}

// Count returns how many frames of msgType were sent.
func (h *Handle) Count(msgType string) int {
	n := 0
	for _, t := range h.Types() {
		if t == msgType {
			n++
		}
	}
	return n
}
