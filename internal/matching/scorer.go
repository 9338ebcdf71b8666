package matching

import (
	"time"

	"github.com/whisper/pairing/internal/config"
	"github.com/whisper/pairing/internal/pool"
)

// Policy holds the scoring constants and the top-slice selection bounds.
// The defaults are empirical; treat them as tunables, not invariants.
type Policy struct {
	ExactPreference    int // candidate identity satisfies the requester's preference
	EveryonePreference int // requester accepts everyone
	FallbackPreference int // anything else; preference never excludes on its own
	SameRegion         int
	WildcardRegion     int
	RecencyBonus       int
	RecencyWindow      time.Duration
	TopFraction        float64
	MinTopSlice        int

	Wildcard string // region matching any other region
	Everyone string // preference accepting any identity
}

// DefaultPolicy returns the stock scoring constants.
func DefaultPolicy() Policy {
	return Policy{
		ExactPreference:    10,
		EveryonePreference: 5,
		FallbackPreference: 2,
		SameRegion:         10,
		WildcardRegion:     5,
		RecencyBonus:       3,
		RecencyWindow:      5 * time.Minute,
		TopFraction:        0.30,
		MinTopSlice:        3,
		Wildcard:           "Global",
		Everyone:           "everyone",
	}
}

// PolicyFromConfig overlays the configured constants on DefaultPolicy.
func PolicyFromConfig(c config.MatchingConfig) Policy {
	p := DefaultPolicy()
	p.ExactPreference = c.ExactPreference
	p.EveryonePreference = c.EveryonePreference
	p.FallbackPreference = c.FallbackPreference
	p.SameRegion = c.SameRegion
	p.WildcardRegion = c.WildcardRegion
	p.RecencyBonus = c.RecencyBonus
	if c.RecencyWindow > 0 {
		p.RecencyWindow = c.RecencyWindow
	}
	if c.TopFraction > 0 {
		p.TopFraction = c.TopFraction
	}
	if c.MinTopSlice > 0 {
		p.MinTopSlice = c.MinTopSlice
	}
	return p
}

// Score rates how well candidate suits requester at time now. It is a pure
// function of its inputs.
func (p Policy) Score(requester, candidate pool.Entry, now time.Time) int {
	score := 0

	switch {
	case requester.Preference != "" && candidate.Identity == requester.Preference:
		score += p.ExactPreference
	case requester.Preference == p.Everyone:
		score += p.EveryonePreference
	default:
		score += p.FallbackPreference
	}

	switch {
	case requester.Region == p.Wildcard || candidate.Region == p.Wildcard:
		score += p.WildcardRegion
	// An empty region is "not stated", never a shared region.
	case requester.Region != "" && requester.Region == candidate.Region:
		score += p.SameRegion
	}

	if now.Sub(candidate.JoinedAt) < p.RecencyWindow {
		score += p.RecencyBonus
	}
	return score
}
