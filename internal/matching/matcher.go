// Package matching pairs waiting participants. The Matcher owns the only
// write path to the waiting pool and serializes pool scan, removal and
// session registration under one lock, so two concurrent requests can never
// both claim the same candidate.
package matching

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whisper/pairing/internal/eligibility"
	"github.com/whisper/pairing/internal/metrics"
	"github.com/whisper/pairing/internal/pool"
	"github.com/whisper/pairing/internal/protocol"
	"github.com/whisper/pairing/internal/session"
)

// maxAttempts bounds scoring passes per request: the first pass plus one
// retry against a fresh snapshot when the selected candidate went stale.
const maxAttempts = 2

// Gate decides whether two participants may be paired.
type Gate interface {
	IsEligible(requester, candidate eligibility.Subject) bool
}

// Request describes a participant asking for a partner.
type Request struct {
	ParticipantID string
	Handle        session.Handle
	Identity      string
	Preference    string
	Region        string
	Age           int
}

// Result is a successful match. Initiator is the side that should create
// the peer-connection offer.
type Result struct {
	Session   session.Session
	Initiator pool.Entry
	Responder pool.Entry
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithRand sets the random source used for top-slice selection.
func WithRand(rng *rand.Rand) Option {
	return func(m *Matcher) { m.rng = rng }
}

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(m *Matcher) { m.policy = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Matcher) { m.now = now }
}

// Matcher orchestrates the waiting pool, the eligibility gate, the scorer and
// the session registry.
type Matcher struct {
	mu       sync.Mutex
	pool     *pool.Pool
	registry *session.Registry
	gate     Gate
	policy   Policy
	rng      *rand.Rand
	now      func() time.Time
}

// New creates a Matcher. gate may be nil, in which case every pairing is
// eligible.
func New(registry *session.Registry, gate Gate, opts ...Option) *Matcher {
	m := &Matcher{
		pool:     pool.New(),
		registry: registry,
		gate:     gate,
		policy:   DefaultPolicy(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return m
}

// RequestMatch ends any prior session or waiting entry of the requester, then
// tries to pair them with an eligible waiting participant. It returns nil
// when no candidate was found, in which case the requester is now waiting.
func (m *Matcher) RequestMatch(req Request) (*Result, error) {
	if req.ParticipantID == "" || req.Handle == nil {
		return nil, errors.New("matching: request needs a participant id and handle")
	}

	start := time.Now()
	m.mu.Lock()
	m.pool.Dequeue(req.ParticipantID)
	prior, hadPrior := m.registry.DetachFor(req.ParticipantID, protocol.ReasonRequeued)
	res, err := m.matchLocked(req)
	metrics.PoolSize.Set(float64(m.pool.Size()))
	m.mu.Unlock()
	metrics.MatchLatency.Observe(time.Since(start).Seconds())

	// The old partner's socket is written only after the lock is released.
	if hadPrior {
		log.Debug().Str("module", "matcher").Str("participant", req.ParticipantID).
			Str("session", prior.Session.ID).Msg("ended prior session before matching")
		prior.Notify()
	}
	return res, err
}

// matchLocked scores the pool for req and either registers a session or
// enqueues the requester. m.mu must be held.
func (m *Matcher) matchLocked(req Request) (*Result, error) {
	requester := pool.Entry{
		ParticipantID: req.ParticipantID,
		Handle:        req.Handle,
		Identity:      req.Identity,
		Preference:    req.Preference,
		Region:        req.Region,
		Age:           req.Age,
		JoinedAt:      m.now(),
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate, ok := m.pickLocked(requester)
		if !ok {
			break
		}

		// The candidate's connection may have dropped since the snapshot.
		if !m.pool.Contains(candidate.ParticipantID) || !candidate.Handle.Alive() {
			m.pool.Dequeue(candidate.ParticipantID)
			metrics.MatchesTotal.WithLabelValues("retried").Inc()
			continue
		}

		s, err := m.registry.Create(candidate.Handle, requester.Handle)
		if errors.Is(err, session.ErrParticipantBusy) {
			m.pool.Dequeue(candidate.ParticipantID)
			metrics.MatchesTotal.WithLabelValues("retried").Inc()
			log.Warn().Str("module", "matcher").Str("candidate", candidate.ParticipantID).Msg("candidate already in a session, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}
		m.pool.Dequeue(candidate.ParticipantID)

		metrics.MatchesTotal.WithLabelValues("matched").Inc()
		log.Info().Str("module", "matcher").Str("session", s.ID).
			Str("requester", requester.ParticipantID).Str("partner", candidate.ParticipantID).
			Dur("waited", m.now().Sub(candidate.JoinedAt)).Msg("matched")

		return &Result{Session: s, Initiator: requester, Responder: candidate}, nil
	}

	m.pool.Enqueue(requester)
	metrics.MatchesTotal.WithLabelValues("queued").Inc()
	log.Debug().Str("module", "matcher").Str("participant", requester.ParticipantID).
		Int("pool_size", m.pool.Size()).Msg("enqueued")
	return nil, nil
}

// pickLocked filters a fresh snapshot through the gate and selects one
// candidate from the top slice. Entries whose connection is gone are
// dropped from the pool on the way.
func (m *Matcher) pickLocked(requester pool.Entry) (pool.Entry, bool) {
	self := eligibility.Subject{ID: requester.ParticipantID, Age: requester.Age}

	var eligible []pool.Entry
	for _, e := range m.pool.Snapshot() {
		if e.ParticipantID == requester.ParticipantID {
			continue
		}
		if !e.Handle.Alive() {
			m.pool.Dequeue(e.ParticipantID)
			continue
		}
		if m.gate != nil && !m.gate.IsEligible(self, eligibility.Subject{ID: e.ParticipantID, Age: e.Age}) {
			continue
		}
		eligible = append(eligible, e)
	}

	ranked := m.policy.Rank(requester, eligible, m.now())
	c, ok := m.policy.SelectCandidate(ranked, m.rng)
	return c.Entry, ok
}

// Leave removes the participant from the waiting pool. It reports whether
// they were waiting.
func (m *Matcher) Leave(participantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pool.Dequeue(participantID)
	metrics.PoolSize.Set(float64(m.pool.Size()))
	return ok
}

// Waiting reports whether the participant is in the pool.
func (m *Matcher) Waiting(participantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.Contains(participantID)
}

// QueueSize returns the number of waiting participants.
func (m *Matcher) QueueSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.Size()
}

// RemoveStale drops every waiting entry whose connection is no longer alive
// and returns how many were removed.
func (m *Matcher) RemoveStale() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for _, e := range m.pool.Snapshot() {
		if !e.Handle.Alive() {
			m.pool.Dequeue(e.ParticipantID)
			removed++
		}
	}
	metrics.PoolSize.Set(float64(m.pool.Size()))
	return removed
}
