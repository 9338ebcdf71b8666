package profile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis key layout:
//
//	block:<participant>    set of participants they blocked
//	age:<participant>      declared age
//	reports:<participant>  report counter with a 24h TTL set on first INCR
const (
	BlockPrefix   = "block:"
	AgePrefix     = "age:"
	ReportsPrefix = "reports:"

	// ProfileTTL bounds how long block and age records outlive a
	// participant's connection.
	ProfileTTL = 24 * time.Hour
)

// RedisStore persists profile data in Redis and answers reads from a local
// MemoryStore. Writes go to Redis first and then to the cache; Sync reloads
// the cache so that blocks recorded by other instances become visible.
type RedisStore struct {
	client *redis.Client
	cache  *MemoryStore

	// Writes that land while Sync is loading are replayed onto the fresh
	// cache so they are not lost until the next sync.
	mu      sync.Mutex
	syncing bool
	pending []func(*MemoryStore)
}

// NewRedisStore creates a RedisStore using the provided client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, cache: NewMemoryStore()}
}

func (s *RedisStore) Blocked(a, b string) bool { return s.cache.Blocked(a, b) }

func (s *RedisStore) Age(participantID string) (int, bool) { return s.cache.Age(participantID) }

func (s *RedisStore) Block(ctx context.Context, blocker, blocked string) error {
	key := BlockPrefix + blocker
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, blocked)
	pipe.Expire(ctx, key, ProfileTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("profile: block: %w", err)
	}
	s.apply(func(c *MemoryStore) { _ = c.Block(ctx, blocker, blocked) })
	return nil
}

func (s *RedisStore) SetAge(ctx context.Context, participantID string, age int) error {
	key := AgePrefix + participantID
	var err error
	if age > 0 {
		err = s.client.Set(ctx, key, age, ProfileTTL).Err()
	} else {
		err = s.client.Del(ctx, key).Err()
	}
	if err != nil {
		return fmt.Errorf("profile: set age: %w", err)
	}
	s.apply(func(c *MemoryStore) { _ = c.SetAge(ctx, participantID, age) })
	return nil
}

func (s *RedisStore) Report(ctx context.Context, reportedID string) (int, error) {
	key := ReportsPrefix + reportedID

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("profile: report incr: %w", err)
	}
	// TTL only on first increment so the 24h window doesn't slide.
	if count == 1 {
		if err := s.client.Expire(ctx, key, ReportsTTL).Err(); err != nil {
			return 0, fmt.Errorf("profile: report expire: %w", err)
		}
	}
	return int(count), nil
}

// ReportCount returns the participant's current report counter.
func (s *RedisStore) ReportCount(ctx context.Context, participantID string) (int, error) {
	n, err := s.client.Get(ctx, ReportsPrefix+participantID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("profile: report count: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Forget(ctx context.Context, participantID string) error {
	if err := s.client.Del(ctx, AgePrefix+participantID).Err(); err != nil {
		return fmt.Errorf("profile: forget: %w", err)
	}
	s.apply(func(c *MemoryStore) { _ = c.Forget(ctx, participantID) })
	return nil
}

func (s *RedisStore) apply(write func(*MemoryStore)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	write(s.cache)
	if s.syncing {
		s.pending = append(s.pending, write)
	}
}

// Sync reloads every block list and age from Redis into the local cache.
func (s *RedisStore) Sync(ctx context.Context) error {
	s.mu.Lock()
	s.syncing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.pending = nil
		s.mu.Unlock()
	}()

	blocks := make(map[string]map[string]struct{})
	iter := s.client.Scan(ctx, 0, BlockPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		members, err := s.client.SMembers(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("profile: sync blocks: %w", err)
		}
		set := make(map[string]struct{}, len(members))
		for _, m := range members {
			set[m] = struct{}{}
		}
		blocks[strings.TrimPrefix(key, BlockPrefix)] = set
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("profile: sync blocks scan: %w", err)
	}

	ages := make(map[string]int)
	iter = s.client.Scan(ctx, 0, AgePrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("profile: sync ages: %w", err)
		}
		age, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		ages[strings.TrimPrefix(key, AgePrefix)] = age
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("profile: sync ages scan: %w", err)
	}

	s.mu.Lock()
	s.cache.replace(blocks, ages)
	for _, write := range s.pending {
		write(s.cache)
	}
	s.mu.Unlock()
	return nil
}

// Run calls Sync every interval until ctx is cancelled.
func (s *RedisStore) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.Sync(ctx); err != nil {
		log.Warn().Str("module", "profile").Err(err).Msg("initial sync failed")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Str("module", "profile").Err(err).Msg("sync failed")
			}
		}
	}
}
