package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whisper/pairing/internal/session"
)

// Lifecycle subjects.
const (
	SubjectSessionCreated = "session.created"
	SubjectSessionEnded   = "session.ended"
	SubjectSessionAll     = "session.>"
)

// Event is the JSON payload of a lifecycle message.
type Event struct {
	Type         string `json:"type"` // "created" or "ended"
	SessionID    string `json:"session_id"`
	ParticipantA string `json:"participant_a"`
	ParticipantB string `json:"participant_b"`
	StartedAt    int64  `json:"started_at"`
	EndedAt      int64  `json:"ended_at,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Server       string `json:"server,omitempty"`
}

// Duration returns how long an ended session lasted.
func (e Event) Duration() time.Duration {
	if e.EndedAt == 0 {
		return 0
	}
	return time.Duration(e.EndedAt-e.StartedAt) * time.Millisecond
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// Publisher is a session.EventSink that forwards lifecycle events to NATS.
// Publish failures are logged and never block the registry.
type Publisher struct {
	pub    publisher
	server string
	now    func() time.Time
}

// NewPublisher creates a Publisher tagging events with server.
func NewPublisher(pub publisher, server string) *Publisher {
	return &Publisher{pub: pub, server: server, now: time.Now}
}

func (p *Publisher) SessionCreated(s session.Session) {
	p.publish(SubjectSessionCreated, Event{
		Type:         "created",
		SessionID:    s.ID,
		ParticipantA: s.ParticipantA,
		ParticipantB: s.ParticipantB,
		StartedAt:    s.StartedAt.UnixMilli(),
		Server:       p.server,
	})
}

func (p *Publisher) SessionEnded(s session.Session) {
	p.publish(SubjectSessionEnded, Event{
		Type:         "ended",
		SessionID:    s.ID,
		ParticipantA: s.ParticipantA,
		ParticipantB: s.ParticipantB,
		StartedAt:    s.StartedAt.UnixMilli(),
		EndedAt:      p.now().UnixMilli(),
		Reason:       s.EndReason,
		Server:       p.server,
	})
}

func (p *Publisher) publish(subject string, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Error().Str("module", "events").Err(err).Msg("marshal event")
		return
	}
	if err := p.pub.Publish(subject, data); err != nil {
		log.Warn().Str("module", "events").Str("subject", subject).Str("session", e.SessionID).Err(err).Msg("publish failed")
	}
}

// SubscribeLifecycle delivers every lifecycle event to handler.
func SubscribeLifecycle(c *Client, handler func(Event)) error {
	return c.Subscribe(SubjectSessionAll, func(subject string, data []byte) {
		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			log.Warn().Str("module", "events").Str("subject", subject).Err(err).Msg("undecodable event")
			return
		}
		handler(e)
	})
}

// DecodeEvent parses a lifecycle payload.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("events: decode: %w", err)
	}
	return e, nil
}
