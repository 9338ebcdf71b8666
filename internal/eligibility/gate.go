// Package eligibility decides whether two participants may be paired. It
// combines the mutual block list with age-band rules for protected age
// groups. Every veto and every fail-open decision is logged for audit.
package eligibility

import (
	"github.com/rs/zerolog/log"

	"github.com/whisper/pairing/internal/metrics"
	"github.com/whisper/pairing/internal/profile"
)

// AdultAge is the first age treated as adult.
const AdultAge = 18

// Rules reported in Decision.Rule and the rejection metric.
const (
	RuleAllowed    = "allowed"
	RuleBlocked    = "blocked"
	RuleMinorAdult = "minor_adult"
	RuleAgeGap     = "age_gap"
	RuleUnderage   = "underage"
	RuleAgeUnknown = "age_unknown"
)

// AgeBand bounds the age gap allowed when the younger participant's age falls
// within [Min, Max].
type AgeBand struct {
	Min    int
	Max    int
	MaxGap int
}

// DefaultAgeBands cover the protected groups. Adults older than the last band
// have no gap rule.
var DefaultAgeBands = []AgeBand{
	{Min: 13, Max: 15, MaxGap: 2},
	{Min: 16, Max: 17, MaxGap: 2},
	{Min: 18, Max: 20, MaxGap: 4},
}

// Subject is one side of a pairing. Age zero means the caller does not know
// it and the gate consults the profile directory.
type Subject struct {
	ID  string
	Age int
}

// Decision is the outcome of Check.
type Decision struct {
	Eligible bool
	Rule     string
}

// Gate is the eligibility predicate consulted by the matcher. It performs
// only local lookups.
type Gate struct {
	dir   profile.Directory
	bands []AgeBand
}

// NewGate creates a Gate backed by dir. A nil bands slice uses
// DefaultAgeBands.
func NewGate(dir profile.Directory, bands []AgeBand) *Gate {
	if bands == nil {
		bands = DefaultAgeBands
	}
	return &Gate{dir: dir, bands: bands}
}

// IsEligible reports whether requester and candidate may be paired.
func (g *Gate) IsEligible(requester, candidate Subject) bool {
	return g.Check(requester, candidate).Eligible
}

// Check evaluates every rule and returns the first one that vetoes, or
// RuleAllowed / RuleAgeUnknown when the pairing may proceed.
func (g *Gate) Check(requester, candidate Subject) Decision {
	if g.dir != nil && g.dir.Blocked(requester.ID, candidate.ID) {
		return g.reject(requester, candidate, RuleBlocked)
	}

	ageA, okA := g.ageOf(requester)
	ageB, okB := g.ageOf(candidate)
	if !okA || !okB {
		// Missing age data never blocks a pairing. Both-unknown is the common
		// case, so it goes to debug.
		ev := log.Info()
		if !okA && !okB {
			ev = log.Debug()
		}
		ev.Str("module", "eligibility").Str("requester", requester.ID).
			Str("candidate", candidate.ID).Str("rule", RuleAgeUnknown).
			Bool("requester_age_known", okA).Bool("candidate_age_known", okB).
			Msg("age check skipped, failing open")
		return Decision{Eligible: true, Rule: RuleAgeUnknown}
	}

	if rule := g.ageRule(ageA, ageB); rule != "" {
		return g.reject(requester, candidate, rule)
	}
	return Decision{Eligible: true, Rule: RuleAllowed}
}

func (g *Gate) ageOf(s Subject) (int, bool) {
	if s.Age > 0 {
		return s.Age, true
	}
	if g.dir == nil {
		return 0, false
	}
	return g.dir.Age(s.ID)
}

// ageRule returns the violated rule for two known ages, or "".
func (g *Gate) ageRule(a, b int) string {
	younger, older := a, b
	if younger > older {
		younger, older = older, younger
	}
	if len(g.bands) > 0 && younger < g.bands[0].Min {
		return RuleUnderage
	}
	if (younger < AdultAge) != (older < AdultAge) {
		return RuleMinorAdult
	}
	for _, band := range g.bands {
		if younger >= band.Min && younger <= band.Max {
			if older-younger > band.MaxGap {
				return RuleAgeGap
			}
			return ""
		}
	}
	return ""
}

func (g *Gate) reject(requester, candidate Subject, rule string) Decision {
	metrics.EligibilityRejections.WithLabelValues(rule).Inc()
	log.Info().Str("module", "eligibility").Str("requester", requester.ID).
		Str("candidate", candidate.ID).Str("rule", rule).Msg("pairing vetoed")
	return Decision{Eligible: false, Rule: rule}
}
