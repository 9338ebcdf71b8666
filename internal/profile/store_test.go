package profile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_BlockIsMutual(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	assert.False(t, s.Blocked("alice", "bob"))
	require.NoError(t, s.Block(ctx, "alice", "bob"))

	assert.True(t, s.Blocked("alice", "bob"))
	assert.True(t, s.Blocked("bob", "alice"), "a one-way block applies in both directions")
	assert.False(t, s.Blocked("alice", "carol"))
}

func TestMemoryStore_Age(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, ok := s.Age("alice")
	assert.False(t, ok)

	require.NoError(t, s.SetAge(ctx, "alice", 16))
	age, ok := s.Age("alice")
	assert.True(t, ok)
	assert.Equal(t, 16, age)

	require.NoError(t, s.SetAge(ctx, "alice", 0))
	_, ok = s.Age("alice")
	assert.False(t, ok, "zero clears the age")

	require.NoError(t, s.SetAge(ctx, "bob", 30))
	require.NoError(t, s.Forget(ctx, "bob"))
	_, ok = s.Age("bob")
	assert.False(t, ok)
}

func TestMemoryStore_ReportCounterExpires(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		n, err := s.Report(ctx, "mallory")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	now = now.Add(ReportsTTL)
	n, err := s.Report(ctx, "mallory")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "counter resets after 24h")
}
