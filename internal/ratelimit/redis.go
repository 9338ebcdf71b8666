package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisLimiter is a Limiter shared across server instances. The first INCR
// in a window sets the key's expiry, so the window resets when Redis drops the
// key. On Redis errors it fails open so that an outage does not silence chat.
type RedisLimiter struct {
	client *redis.Client
	rule   Rule
}

// NewRedisLimiter creates a RedisLimiter enforcing rule.
func NewRedisLimiter(client *redis.Client, rule Rule) *RedisLimiter {
	return &RedisLimiter{client: client, rule: rule}
}

func (l *RedisLimiter) TryConsume(ctx context.Context, participantID string) (bool, time.Duration) {
	key := l.rule.Key + participantID

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Warn().Str("module", "ratelimit").Str("key", key).Err(err).Msg("redis INCR failed, failing open")
		return true, 0
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, l.rule.Window).Err(); err != nil {
			log.Warn().Str("module", "ratelimit").Str("key", key).Err(err).Msg("redis EXPIRE failed, failing open")
			// A key without TTL would block the participant forever.
			l.client.Del(ctx, key)
			return true, 0
		}
	}

	if int(count) <= l.rule.Limit {
		return true, 0
	}

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = l.rule.Window
	}
	return false, ttl
}

func (l *RedisLimiter) Forget(ctx context.Context, participantID string) {
	if err := l.client.Del(ctx, l.rule.Key+participantID).Err(); err != nil {
		log.Debug().Str("module", "ratelimit").Str("participant", participantID).Err(err).Msg("redis DEL failed")
	}
}

// Remaining returns how many messages participantID may still send in the
// current window. On Redis errors it returns the full limit.
func (l *RedisLimiter) Remaining(ctx context.Context, participantID string) (int, error) {
	count, err := l.client.Get(ctx, l.rule.Key+participantID).Int()
	if err == redis.Nil {
		return l.rule.Limit, nil
	}
	if err != nil {
		return l.rule.Limit, err
	}
	if remaining := l.rule.Limit - count; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}
