package matching

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/whisper/pairing/internal/pool"
)

// Candidate is a scored pool member. It exists only within one matching
// attempt.
type Candidate struct {
	Entry pool.Entry
	Score int
}

// Rank scores every entry against requester and sorts the result by
// descending score. Ties keep the input order, which is oldest first for a
// pool snapshot.
func (p Policy) Rank(requester pool.Entry, entries []pool.Entry, now time.Time) []Candidate {
	ranked := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		ranked = append(ranked, Candidate{Entry: e, Score: p.Score(requester, e, now)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked
}

// TopSliceSize returns max(MinTopSlice, ceil(TopFraction*n)) capped at n.
func (p Policy) TopSliceSize(n int) int {
	size := int(math.Ceil(p.TopFraction * float64(n)))
	if size < p.MinTopSlice {
		size = p.MinTopSlice
	}
	if size > n {
		size = n
	}
	return size
}

// SelectCandidate picks uniformly at random among the top slice of ranked.
// ok is false when ranked is empty.
func (p Policy) SelectCandidate(ranked []Candidate, rng *rand.Rand) (Candidate, bool) {
	if len(ranked) == 0 {
		return Candidate{}, false
	}
	top := p.TopSliceSize(len(ranked))
	return ranked[rng.Intn(top)], true
}
