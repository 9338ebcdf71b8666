package profile

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedisStore requires a running Redis on localhost:6379 and removes
// all test_* profile keys before and after the test.
func newTestRedisStore(t *testing.T) (*RedisStore, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		for _, prefix := range []string{BlockPrefix, AgePrefix, ReportsPrefix} {
			iter := client.Scan(ctx, 0, prefix+"test_*", 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewRedisStore(client), client
}

func TestRedisStore_WritesAreVisibleLocally(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Block(ctx, "test_alice", "test_bob"))
	require.NoError(t, s.SetAge(ctx, "test_alice", 15))

	assert.True(t, s.Blocked("test_bob", "test_alice"))
	age, ok := s.Age("test_alice")
	assert.True(t, ok)
	assert.Equal(t, 15, age)
}

func TestRedisStore_SyncPicksUpOtherInstances(t *testing.T) {
	s, client := newTestRedisStore(t)
	other := NewRedisStore(client)
	ctx := context.Background()

	require.NoError(t, other.Block(ctx, "test_carol", "test_dave"))
	require.NoError(t, other.SetAge(ctx, "test_dave", 17))
	assert.False(t, s.Blocked("test_carol", "test_dave"), "not visible before sync")

	require.NoError(t, s.Sync(ctx))
	assert.True(t, s.Blocked("test_dave", "test_carol"))
	age, ok := s.Age("test_dave")
	assert.True(t, ok)
	assert.Equal(t, 17, age)
}

func TestRedisStore_ReportCounter(t *testing.T) {
	s, client := newTestRedisStore(t)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		n, err := s.Report(ctx, "test_mallory")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	n, err := s.ReportCount(ctx, "test_mallory")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ttl, err := client.TTL(ctx, ReportsPrefix+"test_mallory").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl.Seconds(), 0.0)
	assert.LessOrEqual(t, ttl, ReportsTTL)
}

func TestRedisStore_Forget(t *testing.T) {
	s, client := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetAge(ctx, "test_erin", 22))
	require.NoError(t, s.Forget(ctx, "test_erin"))

	_, ok := s.Age("test_erin")
	assert.False(t, ok)
	assert.Equal(t, int64(0), client.Exists(ctx, AgePrefix+"test_erin").Val())
}
