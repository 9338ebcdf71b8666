// Package gateway connects the WebSocket layer to the pairing engine. It
// turns parsed client messages into matcher, registry and relay calls and
// turns their typed results into protocol messages. Nothing here panics or
// returns an error across the relay boundary; every failure becomes a reply.
package gateway

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whisper/pairing/internal/chat"
	"github.com/whisper/pairing/internal/matching"
	"github.com/whisper/pairing/internal/profile"
	"github.com/whisper/pairing/internal/protocol"
	"github.com/whisper/pairing/internal/ratelimit"
	"github.com/whisper/pairing/internal/relay"
	"github.com/whisper/pairing/internal/report"
	"github.com/whisper/pairing/internal/session"
	"github.com/whisper/pairing/internal/ws"
)

// RepeatReportThreshold is the number of reports within 24h after which a
// reported participant is flagged in the logs.
const RepeatReportThreshold = 3

// Defaults applied to find_match fields the client leaves empty.
const (
	DefaultPreference = "everyone"
	DefaultRegion     = "Global"
)

// ReportStore persists abuse reports.
type ReportStore interface {
	Create(ctx context.Context, r report.Report) error
}

// Deps are the collaborators a Gateway drives. Reports may be nil.
type Deps struct {
	Matcher  *matching.Matcher
	Registry *session.Registry
	Relay    *relay.Relay
	Profiles profile.Store
	Limiter  ratelimit.Limiter
	History  *chat.History
	Reports  ReportStore
}

// Gateway handles participant messages.
type Gateway struct {
	Deps
	ctx       context.Context
	opTimeout time.Duration
}

// New creates a Gateway. ctx bounds store calls made on behalf of clients.
func New(ctx context.Context, deps Deps) *Gateway {
	return &Gateway{Deps: deps, ctx: ctx, opTimeout: 3 * time.Second}
}

// Register installs the gateway's handlers on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeFindMatch, func(h session.Handle, _ string, msg interface{}) {
		g.FindMatch(h, msg.(protocol.FindMatchMsg))
	})
	d.Register(protocol.TypeCancelMatch, func(h session.Handle, _ string, _ interface{}) {
		g.CancelMatch(h)
	})
	for _, t := range []string{protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate, protocol.TypeChat, protocol.TypeTyping} {
		d.Register(t, func(h session.Handle, msgType string, msg interface{}) {
			g.Signal(h, msgType, msg.(protocol.SignalMsg))
		})
	}
	d.Register(protocol.TypeEndSession, func(h session.Handle, _ string, msg interface{}) {
		g.EndSession(h, msg.(protocol.EndSessionMsg))
	})
	d.Register(protocol.TypeReport, func(h session.Handle, _ string, msg interface{}) {
		g.Report(h, msg.(protocol.ReportMsg))
	})
}

// Welcome tells a new connection its participant id.
func (g *Gateway) Welcome(h session.Handle) {
	send(h, protocol.TypeWelcome, protocol.WelcomeMsg{ParticipantID: h.ID()})
}

// FindMatch enters the participant into matching. The participant receives
// match_found if paired immediately and matching_started otherwise; a waiting
// partner receives match_found as a push.
func (g *Gateway) FindMatch(h session.Handle, msg protocol.FindMatchMsg) {
	if msg.Preference == "" {
		msg.Preference = DefaultPreference
	}
	if msg.Region == "" {
		msg.Region = DefaultRegion
	}
	if msg.Age > 0 {
		ctx, cancel := g.opContext()
		if err := g.Profiles.SetAge(ctx, h.ID(), msg.Age); err != nil {
			log.Warn().Str("module", "gateway").Str("participant", h.ID()).Err(err).Msg("store age failed")
		}
		cancel()
	}

	res, err := g.Matcher.RequestMatch(matching.Request{
		ParticipantID: h.ID(),
		Handle:        h,
		Identity:      msg.Identity,
		Preference:    msg.Preference,
		Region:        msg.Region,
		Age:           msg.Age,
	})
	if err != nil {
		log.Error().Str("module", "gateway").Str("participant", h.ID()).Err(err).Msg("match request failed")
		ws.SendError(h, "match_failed", "could not start matching")
		return
	}
	if res == nil {
		send(h, protocol.TypeMatchingStarted, protocol.MatchingStartedMsg{})
		return
	}

	send(res.Initiator.Handle, protocol.TypeMatchFound, protocol.MatchFoundMsg{
		SessionID:       res.Session.ID,
		PartnerID:       res.Responder.ParticipantID,
		PartnerIdentity: res.Responder.Identity,
		Initiator:       true,
	})
	send(res.Responder.Handle, protocol.TypeMatchFound, protocol.MatchFoundMsg{
		SessionID:       res.Session.ID,
		PartnerID:       res.Initiator.ParticipantID,
		PartnerIdentity: res.Initiator.Identity,
		Initiator:       false,
	})
}

// CancelMatch removes the participant from the waiting pool.
func (g *Gateway) CancelMatch(h session.Handle) {
	if g.Matcher.Leave(h.ID()) {
		log.Debug().Str("module", "gateway").Str("participant", h.ID()).Msg("left pool")
	}
}

// Signal relays an offer, answer, ICE candidate, chat or typing payload and
// reports chat failures back to the sender.
func (g *Gateway) Signal(h session.Handle, msgType string, msg protocol.SignalMsg) {
	ctx, cancel := g.opContext()
	defer cancel()

	res := g.Relay.Relay(ctx, msg.SessionID, h.ID(), msgType, msg.Payload)
	switch res.Outcome {
	case relay.RateLimited:
		send(h, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			ClientMsgID: msg.ClientMsgID,
			RetryAfter:  int(math.Ceil(res.RetryAfter.Seconds())),
		})
	case relay.DeliveryFailed:
		send(h, protocol.TypeDeliveryFailed, protocol.DeliveryFailedMsg{
			SessionID:   msg.SessionID,
			ClientMsgID: msg.ClientMsgID,
			Code:        string(res.Kind()),
		})
	case relay.Rejected:
		ws.SendError(h, "invalid_message", "message rejected")
	}
}

// EndSession ends the participant's session. Ending a session that is
// already over, or one the participant is not in, is a no-op.
func (g *Gateway) EndSession(h session.Handle, msg protocol.EndSessionMsg) {
	s, ok := g.Registry.Get(msg.SessionID)
	if !ok || !s.Has(h.ID()) {
		return
	}
	g.Registry.End(s.ID, protocol.ReasonEnded, h.ID())
}

// Report ends the session as reported, blocks the pair from meeting again
// and stores the report with the recent chat history.
func (g *Gateway) Report(h session.Handle, msg protocol.ReportMsg) {
	s, ok := g.Registry.Get(msg.SessionID)
	if !ok || !s.Has(h.ID()) {
		return
	}
	reportedID, _ := s.Partner(h.ID())

	var lines []chat.Line
	if g.History != nil {
		lines = g.History.Lines(s.ID)
	}
	g.Registry.End(s.ID, protocol.ReasonReported, h.ID())

	ctx, cancel := g.opContext()
	defer cancel()

	if err := g.Profiles.Block(ctx, h.ID(), reportedID); err != nil {
		log.Warn().Str("module", "gateway").Str("participant", h.ID()).Err(err).Msg("block failed")
	}
	count, err := g.Profiles.Report(ctx, reportedID)
	if err != nil {
		log.Warn().Str("module", "gateway").Str("participant", reportedID).Err(err).Msg("report counter failed")
	}
	if count >= RepeatReportThreshold {
		log.Warn().Str("module", "gateway").Str("participant", reportedID).Int("reports_24h", count).Msg("participant reported repeatedly")
	}

	if g.Reports != nil {
		err := g.Reports.Create(ctx, report.Report{
			ReporterID: h.ID(),
			ReportedID: reportedID,
			SessionID:  s.ID,
			Reason:     report.NormalizeReason(msg.Reason),
			Lines:      lines,
		})
		if err != nil {
			log.Error().Str("module", "gateway").Str("session", s.ID).Err(err).Msg("persist report failed")
		}
	}
	log.Info().Str("module", "gateway").Str("session", s.ID).Str("reporter", h.ID()).
		Str("reported", reportedID).Str("reason", msg.Reason).Msg("report filed")
}

// Disconnect releases everything the participant held: their pool entry,
// their session (the partner is told it ended) and their rate window.
func (g *Gateway) Disconnect(h session.Handle) {
	g.Matcher.Leave(h.ID())
	g.Registry.EndFor(h.ID(), protocol.ReasonDisconnected)

	ctx, cancel := g.opContext()
	defer cancel()
	if g.Limiter != nil {
		g.Limiter.Forget(ctx, h.ID())
	}
	if err := g.Profiles.Forget(ctx, h.ID()); err != nil {
		log.Debug().Str("module", "gateway").Str("participant", h.ID()).Err(err).Msg("forget profile failed")
	}
}

// HistorySink is a session.EventSink that discards a session's chat history
// once it ends. The registry needs its sinks at construction, before a
// Gateway exists, so this is a separate type.
type HistorySink struct {
	History *chat.History
}

func (HistorySink) SessionCreated(session.Session) {}

func (s HistorySink) SessionEnded(sess session.Session) {
	s.History.Drop(sess.ID)
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Waiting        int `json:"waiting"`
	ActiveSessions int `json:"active_sessions"`
}

// Stats returns current pool and session counts.
func (g *Gateway) Stats() Stats {
	return Stats{Waiting: g.Matcher.QueueSize(), ActiveSessions: g.Registry.Count()}
}

func (g *Gateway) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(g.ctx, g.opTimeout)
}

func send(h session.Handle, msgType string, payload interface{}) {
	if err := h.Send(protocol.MustServerMessage(msgType, payload)); err != nil {
		log.Debug().Str("module", "gateway").Str("participant", h.ID()).Str("type", msgType).Err(err).Msg("send failed")
	}
}
