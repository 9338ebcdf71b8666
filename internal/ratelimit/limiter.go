// Package ratelimit gates the chat relay path with a per-participant fixed
// window: at most Limit messages per Window, with the window opened by the
// first message and reset lazily on the first message after it expires.
//
// MemoryLimiter keeps windows in process. RedisLimiter keeps them in Redis
// with INCR + EXPIRE so that several server instances share one budget.
package ratelimit

import (
	"context"
	"time"
)

// Rule defines a rate limiting policy: the key prefix, the maximum number of
// messages allowed in the window, and the window duration.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

// RuleChat allows 10 chat messages per 10 seconds per participant.
var RuleChat = Rule{Key: "rl:chat:", Limit: 10, Window: 10 * time.Second}

// Limiter is consulted once per chat message.
type Limiter interface {
	// TryConsume spends one unit of participantID's budget. When the budget
	// is exhausted it returns false and the time until the window resets.
	TryConsume(ctx context.Context, participantID string) (allowed bool, retryAfter time.Duration)

	// Forget drops participantID's window, e.g. on disconnect.
	Forget(ctx context.Context, participantID string)
}
