// Package chat keeps a short history of chat payloads per session so that an
// abuse report can attach the conversation that led to it. Payloads are
// stored as the raw JSON the relay forwarded; nothing here decodes them.
package chat

import (
	"encoding/json"
	"sync"
)

// HistorySize is the number of recent chat payloads retained per session.
const HistorySize = 5

// Line is one recorded chat payload.
type Line struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
	Ts      int64           `json:"ts"`
}

type ring struct {
	lines [HistorySize]Line
	next  int
	n     int
}

func (r *ring) push(l Line) {
	r.lines[r.next] = l
	r.next = (r.next + 1) % HistorySize
	if r.n < HistorySize {
		r.n++
	}
}

func (r *ring) ordered() []Line {
	out := make([]Line, r.n)
	first := (r.next - r.n + HistorySize) % HistorySize
	for i := range out {
		out[i] = r.lines[(first+i)%HistorySize]
	}
	return out
}

// History holds the last HistorySize chat payloads of every active session.
// It is safe for concurrent use.
type History struct {
	mu       sync.Mutex
	sessions map[string]*ring
}

// NewHistory returns an empty History.
func NewHistory() *History {
	return &History{sessions: make(map[string]*ring)}
}

// Record appends a payload to the session's history, evicting the oldest
// line once HistorySize is reached. The payload is copied.
func (h *History) Record(sessionID, from string, payload json.RawMessage, ts int64) {
	cp := make(json.RawMessage, len(payload))
	copy(cp, payload)

	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.sessions[sessionID]
	if !ok {
		r = &ring{}
		h.sessions[sessionID] = r
	}
	r.push(Line{From: from, Payload: cp, Ts: ts})
}

// Lines returns the session's history oldest first. It is empty, not nil,
// for unknown sessions.
func (h *History) Lines(sessionID string) []Line {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.sessions[sessionID]
	if !ok {
		return []Line{}
	}
	return r.ordered()
}

// Drop forgets the session's history.
func (h *History) Drop(sessionID string) {
	h.mu.Lock()
	delete(h.sessions, sessionID)
	h.mu.Unlock()
}

// Len returns the number of sessions with recorded history.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
