package ws

import (
	"github.com/rs/zerolog/log"

	"github.com/whisper/pairing/internal/protocol"
	"github.com/whisper/pairing/internal/session"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(h session.Handle, msgType string, msg interface{})

// MessageDispatcher routes inbound frames to handlers by message type. Ping
// is answered internally; malformed and unregistered messages get an error
// reply.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register associates handler with msgType, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses data and invokes the registered handler.
func (d *MessageDispatcher) Dispatch(h session.Handle, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Debug().Str("module", "ws").Str("participant", h.ID()).Err(err).Msg("parse error")
		SendError(h, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		if t, ok := h.(interface{ Touch() }); ok {
			t.Touch()
		}
		if err := h.Send(protocol.MustServerMessage(protocol.TypePong, protocol.PongMsg{})); err != nil {
			log.Debug().Str("module", "ws").Str("participant", h.ID()).Err(err).Msg("pong failed")
		}
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		SendError(h, "unsupported_type", "unsupported message type")
		return
	}
	handler(h, msgType, msg)
}

// SendError sends an error message to the participant. Failures are logged.
func SendError(h session.Handle, code, message string) {
	data := protocol.MustServerMessage(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
	if err := h.Send(data); err != nil {
		log.Debug().Str("module", "ws").Str("participant", h.ID()).Err(err).Msg("error reply failed")
	}
}
