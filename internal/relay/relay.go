// Package relay forwards signaling and chat payloads between the two members
// of an active session. The sender's membership is checked against the
// session registry on every message; routing fields embedded in the payload
// are never trusted or read.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whisper/pairing/internal/chat"
	"github.com/whisper/pairing/internal/failure"
	"github.com/whisper/pairing/internal/metrics"
	"github.com/whisper/pairing/internal/protocol"
	"github.com/whisper/pairing/internal/ratelimit"
	"github.com/whisper/pairing/internal/session"
)

// Outcome of one relay call.
type Outcome string

const (
	Delivered Outcome = "delivered"

	// Dropped is undeliverable signaling. Nothing is surfaced to the sender.
	Dropped Outcome = "dropped"

	// DeliveryFailed is undeliverable chat, surfaced to the sender.
	DeliveryFailed Outcome = "failed"

	// RateLimited is chat denied by the limiter.
	RateLimited Outcome = "rate_limited"

	// Rejected is a malformed or unsupported message.
	Rejected Outcome = "rejected"
)

// ErrUnsupportedType is returned for message types the relay does not carry.
var ErrUnsupportedType = errors.New("relay: unsupported message type")

// Result is the typed outcome returned to the caller instead of an error
// crossing the relay boundary.
type Result struct {
	Outcome    Outcome
	Err        error
	RetryAfter time.Duration
}

// Kind returns the failure kind of the result, or "" when delivered.
func (r Result) Kind() failure.Kind {
	return failure.KindOf(r.Err)
}

// Relay routes payloads through the session registry.
type Relay struct {
	registry *session.Registry
	limiter  ratelimit.Limiter
	history  *chat.History
	now      func() time.Time
}

// New creates a Relay. limiter and history may be nil.
func New(registry *session.Registry, limiter ratelimit.Limiter, history *chat.History) *Relay {
	return &Relay{
		registry: registry,
		limiter:  limiter,
		history:  history,
		now:      time.Now,
	}
}

// Relay forwards payload of msgType from participant from to their partner
// in sessionID.
func (r *Relay) Relay(ctx context.Context, sessionID, from, msgType string, payload json.RawMessage) Result {
	res := r.relay(ctx, sessionID, from, msgType, payload)
	metrics.RelayMessages.WithLabelValues(msgType, string(res.Outcome)).Inc()
	if res.Outcome != Delivered {
		log.Debug().Str("module", "relay").Str("session", sessionID).Str("from", from).
			Str("type", msgType).Str("outcome", string(res.Outcome)).Err(res.Err).Msg("not delivered")
	}
	return res
}

func (r *Relay) relay(ctx context.Context, sessionID, from, msgType string, payload json.RawMessage) Result {
	if !protocol.IsRelayed(msgType) {
		return Result{Outcome: Rejected, Err: ErrUnsupportedType}
	}
	isChat := msgType == protocol.TypeChat
	if len(payload) > 0 || isChat {
		if err := chat.ValidatePayload(payload); err != nil {
			return Result{Outcome: Rejected, Err: err}
		}
	}

	if isChat && r.limiter != nil {
		if ok, retryAfter := r.limiter.TryConsume(ctx, from); !ok {
			return Result{
				Outcome:    RateLimited,
				Err:        failure.New(failure.CapacityExhausted, "relay", nil),
				RetryAfter: retryAfter,
			}
		}
	}

	partner, err := r.registry.LookupPartnerHandle(sessionID, from)
	if err != nil {
		return r.undeliverable(isChat, failure.New(failure.StaleSession, "relay", err))
	}
	if !partner.Alive() {
		return r.undeliverable(isChat, failure.New(failure.TransientNetwork, "relay", errors.New("partner unreachable")))
	}

	ts := r.now().UnixMilli()
	frame, err := protocol.NewServerMessage(msgType, protocol.RelayedMsg{
		SessionID: sessionID,
		Payload:   payload,
		Ts:        ts,
	})
	if err != nil {
		return Result{Outcome: Rejected, Err: err}
	}
	if err := partner.Send(frame); err != nil {
		return r.undeliverable(isChat, failure.New(failure.TransientNetwork, "relay", err))
	}

	if isChat && r.history != nil {
		r.history.Record(sessionID, from, payload, ts)
	}
	return Result{Outcome: Delivered}
}

func (r *Relay) undeliverable(isChat bool, err *failure.Error) Result {
	if isChat {
		return Result{Outcome: DeliveryFailed, Err: err}
	}
	return Result{Outcome: Dropped, Err: err}
}
