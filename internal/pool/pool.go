// Package pool implements the waiting pool: the participants currently
// seeking a partner. Pool has no locking of its own; the matcher owns the
// only write path and serializes access.
package pool

import (
	"sort"
	"time"

	"github.com/whisper/pairing/internal/session"
)

// Entry is one waiting participant.
type Entry struct {
	ParticipantID string
	Handle        session.Handle
	Identity      string // declared identity, display and scoring only
	Preference    string // desired partner identity or "everyone"
	Region        string
	Age           int // 0 when unknown
	JoinedAt      time.Time

	seq uint64
}

// Pool holds at most one Entry per participant.
type Pool struct {
	entries map[string]*Entry
	seq     uint64
}

// New returns an empty pool.
func New() *Pool {
	return &Pool{entries: make(map[string]*Entry)}
}

// Enqueue adds e, replacing any prior entry for the same participant.
func (p *Pool) Enqueue(e Entry) {
	p.seq++
	e.seq = p.seq
	p.entries[e.ParticipantID] = &e
}

// Dequeue removes and returns the participant's entry. ok is false when the
// participant was not waiting.
func (p *Pool) Dequeue(participantID string) (Entry, bool) {
	e, ok := p.entries[participantID]
	if !ok {
		return Entry{}, false
	}
	delete(p.entries, participantID)
	return *e, true
}

// Get returns a copy of the participant's entry.
func (p *Pool) Get(participantID string) (Entry, bool) {
	e, ok := p.entries[participantID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Contains reports whether the participant is waiting.
func (p *Pool) Contains(participantID string) bool {
	_, ok := p.entries[participantID]
	return ok
}

// Size returns the number of waiting participants.
func (p *Pool) Size() int {
	return len(p.entries)
}

// Snapshot returns a point-in-time copy of all entries, oldest first. The
// slice is owned by the caller; mutating it does not touch the pool.
func (p *Pool) Snapshot() []Entry {
	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
