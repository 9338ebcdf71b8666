package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/whisper/pairing/internal/metrics"
	"github.com/whisper/pairing/internal/protocol"
)

// Status of a session.
type Status string

const (
	StatusActive       Status = "active"
	StatusEnded        Status = "ended"
	StatusDisconnected Status = "disconnected"
)

var (
	// ErrNotFound is returned when a session id is unknown, no longer active,
	// or the caller is not one of its participants.
	ErrNotFound = errors.New("session: not found")

	// ErrParticipantBusy is returned by Create when either participant
	// already belongs to an active session.
	ErrParticipantBusy = errors.New("session: participant already in an active session")
)

// Session is a registered pairing of two participants.
type Session struct {
	ID           string
	ParticipantA string
	ParticipantB string
	HandleA      Handle
	HandleB      Handle
	StartedAt    time.Time
	Status       Status
	EndReason    string
}

// Has reports whether participantID is a member of the session.
func (s Session) Has(participantID string) bool {
	return participantID == s.ParticipantA || participantID == s.ParticipantB
}

// Partner returns the other participant's id and handle.
func (s Session) Partner(participantID string) (string, Handle) {
	switch participantID {
	case s.ParticipantA:
		return s.ParticipantB, s.HandleB
	case s.ParticipantB:
		return s.ParticipantA, s.HandleA
	}
	return "", nil
}

// EventSink receives session lifecycle events. Implementations must not
// block; they run on the caller's goroutine after the registry lock is
// released.
type EventSink interface {
	SessionCreated(s Session)
	SessionEnded(s Session)
}

// Registry maps active session ids to their two participants. It is the
// source of truth for who is paired with whom.
type Registry struct {
	mu            sync.RWMutex
	sessions      map[string]*Session
	byParticipant map[string]string // participant id -> session id
	sink          EventSink
	now           func() time.Time
}

// NewRegistry returns an empty registry. sink may be nil.
func NewRegistry(sink EventSink) *Registry {
	return &Registry{
		sessions:      make(map[string]*Session),
		byParticipant: make(map[string]string),
		sink:          sink,
		now:           time.Now,
	}
}

// Create registers a new active session between a and b.
func (r *Registry) Create(a, b Handle) (Session, error) {
	r.mu.Lock()
	if _, busy := r.byParticipant[a.ID()]; busy {
		r.mu.Unlock()
		return Session{}, ErrParticipantBusy
	}
	if _, busy := r.byParticipant[b.ID()]; busy {
		r.mu.Unlock()
		return Session{}, ErrParticipantBusy
	}

	s := &Session{
		ID:           uuid.NewString(),
		ParticipantA: a.ID(),
		ParticipantB: b.ID(),
		HandleA:      a,
		HandleB:      b,
		StartedAt:    r.now(),
		Status:       StatusActive,
	}
	r.sessions[s.ID] = s
	r.byParticipant[s.ParticipantA] = s.ID
	r.byParticipant[s.ParticipantB] = s.ID
	created := *s
	r.mu.Unlock()

	metrics.ActiveSessions.Inc()
	log.Info().Str("module", "session").Str("session", created.ID).
		Str("a", created.ParticipantA).Str("b", created.ParticipantB).Msg("session created")

	if r.sink != nil {
		r.sink.SessionCreated(created)
	}
	return created, nil
}

// Get returns the active session with the given id.
func (r *Registry) Get(sessionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// ActiveFor returns the participant's active session, if any.
func (r *Registry) ActiveFor(participantID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byParticipant[participantID]
	if !ok {
		return Session{}, false
	}
	return *r.sessions[sid], true
}

// LookupPartnerHandle returns the handle of self's partner in sessionID. It
// fails with ErrNotFound when the session is gone or self is not a member.
func (r *Registry) LookupPartnerHandle(sessionID, selfParticipantID string) (Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.Status != StatusActive || !s.Has(selfParticipantID) {
		return nil, ErrNotFound
	}
	_, h := s.Partner(selfParticipantID)
	return h, nil
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Ended is a session already removed from the registry whose members have
// not been told yet. Callers holding their own locks detach first and call
// Notify once those locks are released.
type Ended struct {
	Session Session
	endedBy string
	r       *Registry
}

// Notify sends session_ended to every member still connected except the one
// who caused the end, then runs the event sink. It may block on a slow
// member's socket up to that connection's write timeout.
func (e Ended) Notify() {
	ended := e.Session
	msg := protocol.MustServerMessage(protocol.TypeSessionEnded, protocol.SessionEndedMsg{
		SessionID: ended.ID,
		Reason:    ended.EndReason,
	})
	for _, member := range []struct {
		id string
		h  Handle
	}{{ended.ParticipantA, ended.HandleA}, {ended.ParticipantB, ended.HandleB}} {
		if member.id == e.endedBy || member.h == nil || !member.h.Alive() {
			continue
		}
		if err := member.h.Send(msg); err != nil {
			log.Debug().Str("module", "session").Str("session", ended.ID).
				Str("participant", member.id).Err(err).Msg("session_ended not delivered")
		}
	}

	log.Info().Str("module", "session").Str("session", ended.ID).Str("reason", ended.EndReason).
		Str("ended_by", e.endedBy).Dur("duration", e.r.now().Sub(ended.StartedAt)).Msg("session ended")

	if e.r.sink != nil {
		e.r.sink.SessionEnded(ended)
	}
}

// Detach removes sessionID from the registry without notifying anyone. Both
// members are free to join a new session as soon as it returns.
func (r *Registry) Detach(sessionID, reason, endedBy string) (Ended, bool) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return Ended{}, false
	}
	delete(r.sessions, sessionID)
	delete(r.byParticipant, s.ParticipantA)
	delete(r.byParticipant, s.ParticipantB)

	s.Status = StatusEnded
	if reason == protocol.ReasonDisconnected {
		s.Status = StatusDisconnected
	}
	s.EndReason = reason
	ended := *s
	r.mu.Unlock()

	metrics.ActiveSessions.Dec()
	metrics.SessionsEnded.WithLabelValues(reason).Inc()
	return Ended{Session: ended, endedBy: endedBy, r: r}, true
}

// DetachFor detaches participantID's active session on their behalf.
func (r *Registry) DetachFor(participantID, reason string) (Ended, bool) {
	r.mu.RLock()
	sid, ok := r.byParticipant[participantID]
	r.mu.RUnlock()
	if !ok {
		return Ended{}, false
	}
	return r.Detach(sid, reason, participantID)
}

// End terminates sessionID. endedBy is the participant who caused the end, or
// "" for server-side reasons; every other member still connected receives a
// single session_ended notification. Returns false if the session was already
// gone.
func (r *Registry) End(sessionID, reason, endedBy string) (Session, bool) {
	e, ok := r.Detach(sessionID, reason, endedBy)
	if !ok {
		return Session{}, false
	}
	e.Notify()
	return e.Session, true
}

// EndFor ends participantID's active session on their behalf.
func (r *Registry) EndFor(participantID, reason string) (Session, bool) {
	e, ok := r.DetachFor(participantID, reason)
	if !ok {
		return Session{}, false
	}
	e.Notify()
	return e.Session, true
}

// EndAll terminates every active session, notifying all connected members.
// Used on shutdown.
func (r *Registry) EndAll(reason string) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if _, ok := r.End(id, reason, ""); ok {
			n++
		}
	}
	return n
}

// Sinks fans lifecycle events out to several sinks in order.
type Sinks []EventSink

func (s Sinks) SessionCreated(sess Session) {
	for _, sink := range s {
		sink.SessionCreated(sess)
	}
}

func (s Sinks) SessionEnded(sess Session) {
	for _, sink := range s {
		sink.SessionEnded(sess)
	}
}
