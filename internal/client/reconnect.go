package client

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/whisper/pairing/internal/failure"
)

// ReconnectPolicy is an exponential schedule with base 2.
type ReconnectPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultReconnectPolicy waits 1s, 2s, 4s, 8s and 16s before its five
// attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Initial: time.Second, Max: 30 * time.Second, MaxAttempts: 5}
}

// Schedule returns the delays before each attempt, ending in backoff.Stop.
func (p ReconnectPolicy) Schedule() backoff.BackOff {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.Initial),
		backoff.WithMaxInterval(p.Max),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	), uint64(p.MaxAttempts))
	b.Reset()
	return b
}

// startReconnect sets the reconnecting overlay and retries the transport in
// the background until it connects, the schedule runs out, or Stop.
func (c *Controller) startReconnect() {
	if c.cancelReconnect != nil {
		c.cancelReconnect()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelReconnect = cancel
	c.status.Reconnecting = true
	c.emit(Notification{Type: NotifyReconnecting})

	go c.reconnect(ctx, c.cfg.Reconnect.Schedule())
}

func (c *Controller) reconnect(ctx context.Context, schedule backoff.BackOff) {
	for attempt := 1; ; attempt++ {
		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			c.post(func() { c.reconnectExhausted(ctx) })
			return
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		n := attempt
		c.post(func() {
			if ctx.Err() == nil {
				c.emit(Notification{Type: NotifyReconnecting, Attempt: n})
			}
		})

		err := c.deps.Transport.Connect(ctx)
		if err == nil {
			c.post(func() { c.reconnected(ctx) })
			return
		}
		log.Warn().Str("module", "client").Int("attempt", attempt).Err(err).Msg("reconnect failed")
	}
}

func (c *Controller) reconnected(ctx context.Context) {
	c.connected = true
	if ctx.Err() != nil {
		return
	}
	c.cancelReconnect()
	c.cancelReconnect = nil
	c.status.Reconnecting = false
	log.Info().Str("module", "client").Msg("reconnected")
	if c.status.State == StateSearching {
		c.emit(Notification{Type: NotifyState})
		c.sendFindMatch()
	}
}

func (c *Controller) reconnectExhausted(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	c.toIdle(failure.New(failure.ReconnectExhausted, "reconnect", nil))
}
