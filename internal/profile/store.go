// Package profile holds the per-participant safety data the eligibility gate
// consults: block lists and optional ages. Reads are local map lookups so
// that matching never waits on the network; RedisStore persists writes and
// refreshes its local copy in the background.
package profile

import (
	"context"
	"sync"
	"time"
)

// ReportsTTL is how long a participant's report counter lives. After 24h
// without new reports the counter resets to zero.
const ReportsTTL = 24 * time.Hour

// Directory is the read-only view used during matching.
type Directory interface {
	// Blocked reports whether either participant has blocked the other.
	Blocked(a, b string) bool
	// Age returns the participant's declared age, if known.
	Age(participantID string) (int, bool)
}

// Store is a Directory that also accepts writes from the gateway.
type Store interface {
	Directory
	Block(ctx context.Context, blocker, blocked string) error
	SetAge(ctx context.Context, participantID string, age int) error
	// Report increments the reported participant's counter and returns the
	// number of reports received within ReportsTTL.
	Report(ctx context.Context, reportedID string) (int, error)
	// Forget drops the participant's age; blocks remain until they expire.
	Forget(ctx context.Context, participantID string) error
}

type reportCounter struct {
	count     int
	expiresAt time.Time
}

// MemoryStore is a process-local Store. It also serves as the read cache of
// RedisStore.
type MemoryStore struct {
	mu      sync.RWMutex
	blocks  map[string]map[string]struct{}
	ages    map[string]int
	reports map[string]*reportCounter
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blocks:  make(map[string]map[string]struct{}),
		ages:    make(map[string]int),
		reports: make(map[string]*reportCounter),
		now:     time.Now,
	}
}

func (s *MemoryStore) Blocked(a, b string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.blocks[a][b]; ok {
		return true
	}
	_, ok := s.blocks[b][a]
	return ok
}

func (s *MemoryStore) Age(participantID string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	age, ok := s.ages[participantID]
	return age, ok
}

func (s *MemoryStore) Block(_ context.Context, blocker, blocked string) error {
	s.mu.Lock()
	s.addBlockLocked(blocker, blocked)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) addBlockLocked(blocker, blocked string) {
	set, ok := s.blocks[blocker]
	if !ok {
		set = make(map[string]struct{})
		s.blocks[blocker] = set
	}
	set[blocked] = struct{}{}
}

func (s *MemoryStore) SetAge(_ context.Context, participantID string, age int) error {
	s.mu.Lock()
	if age > 0 {
		s.ages[participantID] = age
	} else {
		delete(s.ages, participantID)
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Report(_ context.Context, reportedID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	c, ok := s.reports[reportedID]
	if !ok || !now.Before(c.expiresAt) {
		c = &reportCounter{expiresAt: now.Add(ReportsTTL)}
		s.reports[reportedID] = c
	}
	c.count++
	return c.count, nil
}

func (s *MemoryStore) Forget(_ context.Context, participantID string) error {
	s.mu.Lock()
	delete(s.ages, participantID)
	s.mu.Unlock()
	return nil
}

// replace swaps in freshly loaded blocks and ages.
func (s *MemoryStore) replace(blocks map[string]map[string]struct{}, ages map[string]int) {
	s.mu.Lock()
	s.blocks = blocks
	s.ages = ages
	s.mu.Unlock()
}
