package eligibility

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairing/internal/profile"
)

func TestBlockedEitherDirection(t *testing.T) {
	store := profile.NewMemoryStore()
	require.NoError(t, store.Block(context.Background(), "alice", "bob"))
	g := NewGate(store, nil)

	alice, bob := Subject{ID: "alice"}, Subject{ID: "bob"}
	assert.False(t, g.IsEligible(alice, bob))
	assert.False(t, g.IsEligible(bob, alice))
	assert.Equal(t, RuleBlocked, g.Check(bob, alice).Rule)

	// Blocks win even when ages would otherwise be fine.
	assert.False(t, g.IsEligible(Subject{ID: "alice", Age: 30}, Subject{ID: "bob", Age: 30}))
}

func TestAgeRules(t *testing.T) {
	g := NewGate(profile.NewMemoryStore(), nil)

	tests := []struct {
		name     string
		a, b     int
		eligible bool
		rule     string
	}{
		{"both unknown", 0, 0, true, RuleAgeUnknown},
		{"one unknown fails open", 14, 0, true, RuleAgeUnknown},
		{"young teens within gap", 13, 15, true, RuleAllowed},
		{"young teens beyond gap", 13, 16, false, RuleAgeGap},
		{"older teens within gap", 16, 17, true, RuleAllowed},
		{"minor and adult", 17, 18, false, RuleMinorAdult},
		{"minor and adult wide gap", 14, 40, false, RuleMinorAdult},
		{"young adults within gap", 18, 22, true, RuleAllowed},
		{"young adults beyond gap", 18, 23, false, RuleAgeGap},
		{"adults no gap rule", 21, 60, true, RuleAllowed},
		{"under minimum age", 12, 13, false, RuleUnderage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.Check(Subject{ID: "a", Age: tt.a}, Subject{ID: "b", Age: tt.b})
			assert.Equal(t, tt.eligible, d.Eligible)
			assert.Equal(t, tt.rule, d.Rule)

			// Symmetric.
			d = g.Check(Subject{ID: "b", Age: tt.b}, Subject{ID: "a", Age: tt.a})
			assert.Equal(t, tt.eligible, d.Eligible)
		})
	}
}

func TestAgeFromDirectory(t *testing.T) {
	store := profile.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.SetAge(ctx, "teen", 15))
	require.NoError(t, store.SetAge(ctx, "adult", 35))
	g := NewGate(store, nil)

	assert.False(t, g.IsEligible(Subject{ID: "teen"}, Subject{ID: "adult"}))
	assert.True(t, g.IsEligible(Subject{ID: "teen"}, Subject{ID: "someone"}))
}

func TestNilDirectory(t *testing.T) {
	g := NewGate(nil, nil)
	assert.True(t, g.IsEligible(Subject{ID: "a"}, Subject{ID: "b"}))
	assert.False(t, g.IsEligible(Subject{ID: "a", Age: 15}, Subject{ID: "b", Age: 25}))
}

func TestAgeUnknownIsAudited(t *testing.T) {
	var buf bytes.Buffer
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	log.Logger = zerolog.New(&buf)
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	g := NewGate(nil, nil)

	d := g.Check(Subject{ID: "a"}, Subject{ID: "b"})
	assert.True(t, d.Eligible)
	assert.Equal(t, RuleAgeUnknown, d.Rule)

	d = g.Check(Subject{ID: "c", Age: 30}, Subject{ID: "d"})
	assert.True(t, d.Eligible)
	assert.Equal(t, RuleAgeUnknown, d.Rule)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"level":"debug"`)
	assert.Contains(t, lines[0], `"requester":"a"`)
	assert.Contains(t, lines[0], `"rule":"age_unknown"`)
	assert.Contains(t, lines[1], `"level":"info"`)
	assert.Contains(t, lines[1], `"candidate_age_known":false`)
}
