package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/whisper/pairing/internal/failure"
	"github.com/whisper/pairing/internal/protocol"
)

// Everyone is the preference that accepts any partner and skips
// verification.
const Everyone = "everyone"

// DefaultMismatchDelay is the pause before searching again after a failed
// verification.
const DefaultMismatchDelay = 1500 * time.Millisecond

// Config tunes a Controller.
type Config struct {
	DeviceClass    DeviceClass
	VerifyInterval time.Duration
	VerifyTimeout  time.Duration
	MismatchDelay  time.Duration
	Reconnect      ReconnectPolicy
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		DeviceClass:    DeviceDesktop,
		VerifyInterval: DefaultVerifyInterval,
		VerifyTimeout:  DefaultVerifyTimeout,
		MismatchDelay:  DefaultMismatchDelay,
		Reconnect:      DefaultReconnectPolicy(),
	}
}

// Deps are the controller's collaborators. Detector may be nil, in which
// case verification always ends by timeout. Notify is called on the
// controller's goroutine and must not call back into the Controller.
type Deps struct {
	Transport Transport
	Media     MediaSource
	NewPeer   PeerFactory
	Detector  Detector
	Notify    func(Notification)
}

// Controller drives one participant through the session lifecycle. Every
// state mutation happens on a single goroutine; public methods and transport
// events are posted to it.
type Controller struct {
	cfg  Config
	deps Deps

	events    chan func()
	done      chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	// Owned by the event loop.
	status          Status
	prefs           Preferences
	stream          MediaStream
	peer            Peer
	connected       bool
	epoch           uint64
	stateCtx        context.Context
	cancelState     context.CancelFunc
	cancelReconnect context.CancelFunc
}

// NewController creates a Controller and starts its event loop.
func NewController(cfg Config, deps Deps) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:    cfg,
		deps:   deps,
		events: make(chan func()),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		status: Status{State: StateIdle},
	}
	c.stateCtx, c.cancelState = context.WithCancel(ctx)

	handlers := map[string]func(json.RawMessage){
		protocol.TypeWelcome:        c.onWelcome,
		protocol.TypeMatchFound:     c.onMatchFound,
		protocol.TypeOffer:          c.onOffer,
		protocol.TypeAnswer:         c.onAnswer,
		protocol.TypeICECandidate:   c.onICECandidate,
		protocol.TypeChat:           c.onChat,
		protocol.TypeSessionEnded:   c.onSessionEnded,
		protocol.TypeDeliveryFailed: c.onDeliveryFailed,
		protocol.TypeRateLimited:    c.onRateLimited,
		protocol.TypeError:          c.onServerError,
	}
	for event, fn := range handlers {
		fn := fn
		deps.Transport.On(event, func(msg json.RawMessage) {
			c.post(func() { fn(msg) })
		})
	}
	deps.Transport.OnDisconnect(func(err error) {
		c.post(func() { c.onDisconnect(err) })
	})

	go c.loop()
	return c
}

func (c *Controller) loop() {
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.done:
			return
		}
	}
}

func (c *Controller) post(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

// call runs fn on the event loop and waits for its result.
func (c *Controller) call(fn func() error) error {
	errc := make(chan error, 1)
	if !c.post(func() { errc <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// Start acquires media and joins the waiting pool.
func (c *Controller) Start(prefs Preferences) error {
	return c.call(func() error {
		if c.status.State != StateIdle {
			return ErrNotIdle
		}
		if prefs.Preference == "" {
			prefs.Preference = Everyone
		}
		if prefs.Region == "" {
			prefs.Region = "Global"
		}
		c.prefs = prefs
		c.setState(StateRequestingPermissions)

		ctx, epoch := c.stateCtx, c.epoch
		needConnect := !c.connected
		go func() {
			stream, err := AcquireMedia(ctx, c.deps.Media, c.cfg.DeviceClass)
			var connErr error
			if err == nil && needConnect {
				connErr = c.deps.Transport.Connect(ctx)
			}
			c.post(func() { c.mediaReady(epoch, needConnect, stream, err, connErr) })
		}()
		return nil
	})
}

func (c *Controller) mediaReady(epoch uint64, needConnect bool, stream MediaStream, err, connErr error) {
	if needConnect && err == nil && connErr == nil {
		c.connected = true
	}
	if c.epoch != epoch {
		if stream != nil {
			stream.Stop()
		}
		return
	}
	if err != nil {
		c.toIdle(err)
		return
	}

	c.stream = stream
	c.setState(StateSearching)
	if connErr != nil {
		log.Warn().Str("module", "client").Err(connErr).Msg("connect failed")
		c.startReconnect()
		return
	}
	c.sendFindMatch()
}

// Next ends the current session, if any, and searches for a new partner
// with the same media.
func (c *Controller) Next() error {
	return c.call(func() error {
		switch {
		case c.status.State == StateSearching:
			return nil
		case c.status.State.inSession():
			c.sendEndSession()
		case c.status.State != StateMismatch:
			return ErrNoSession
		}
		c.teardownSession()
		c.setState(StateSearching)
		c.sendFindMatch()
		return nil
	})
}

// Stop ends everything and returns to idle, releasing media.
func (c *Controller) Stop() error {
	return c.call(func() error {
		switch {
		case c.status.State == StateSearching && !c.status.Reconnecting:
			c.send(protocol.TypeCancelMatch, protocol.CancelMatchMsg{})
		case c.status.State.inSession():
			c.sendEndSession()
		}
		c.toIdle(nil)
		return nil
	})
}

// SendChat sends text to the partner and returns the client message id that
// later delivery_failed or rate_limited notifications refer to.
func (c *Controller) SendChat(text string) (string, error) {
	var id string
	err := c.call(func() error {
		if !c.status.State.inSession() {
			return ErrNoSession
		}
		payload, err := json.Marshal(struct {
			Text string `json:"text"`
		}{text})
		if err != nil {
			return err
		}
		id = uuid.NewString()
		err = c.deps.Transport.Send(protocol.TypeChat, protocol.SignalMsg{
			SessionID:   c.status.SessionID,
			Payload:     payload,
			ClientMsgID: id,
		})
		if err != nil {
			return failure.New(failure.TransientNetwork, "send chat", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	var s Status
	if err := c.call(func() error { s = c.status; return nil }); err != nil {
		return Status{State: StateIdle}
	}
	return s
}

// State returns the current state.
func (c *Controller) State() State { return c.Status().State }

// Close stops the controller and its transport.
func (c *Controller) Close() error {
	_ = c.Stop()
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
	return c.deps.Transport.Close()
}

// setState moves to s. Timers and loops bound to the previous state are
// cancelled in the same step and their late results are discarded by epoch.
func (c *Controller) setState(s State) {
	c.cancelState()
	c.epoch++
	c.stateCtx, c.cancelState = context.WithCancel(c.ctx)
	c.status.State = s
	c.emit(Notification{Type: NotifyState})
}

func (c *Controller) toIdle(err error) {
	if c.cancelReconnect != nil {
		c.cancelReconnect()
		c.cancelReconnect = nil
	}
	c.status.Reconnecting = false
	wasInSession := c.status.State.inSession()
	c.teardownSession()
	if wasInSession {
		c.setState(StateEnded)
	}
	if c.stream != nil {
		c.stream.Stop()
		c.stream = nil
	}
	if c.status.State != StateIdle {
		c.setState(StateIdle)
	}
	if err != nil {
		log.Warn().Str("module", "client").Err(err).Msg("session stopped")
		c.emit(Notification{Type: NotifyError, Err: err, Message: UserMessage(err)})
	}
}

func (c *Controller) teardownSession() {
	if c.peer != nil {
		if err := c.peer.Close(); err != nil {
			log.Debug().Str("module", "client").Err(err).Msg("peer close failed")
		}
		c.peer = nil
	}
	c.status.SessionID = ""
	c.status.PartnerIdentity = ""
	c.status.Initiator = false
}

func (c *Controller) emit(n Notification) {
	n.Status = c.status
	if c.deps.Notify != nil {
		c.deps.Notify(n)
		return
	}
	log.Info().Str("module", "client").Str("type", string(n.Type)).Str("state", string(n.Status.State)).Msg(n.Message)
}

func (c *Controller) send(event string, payload interface{}) bool {
	if err := c.deps.Transport.Send(event, payload); err != nil {
		log.Debug().Str("module", "client").Str("type", event).Err(err).Msg("send failed")
		return false
	}
	return true
}

func (c *Controller) sendFindMatch() {
	ok := c.send(protocol.TypeFindMatch, protocol.FindMatchMsg{
		Identity:   c.prefs.Identity,
		Preference: c.prefs.Preference,
		Region:     c.prefs.Region,
		Age:        c.prefs.Age,
	})
	if !ok && !c.status.Reconnecting {
		c.startReconnect()
	}
}

func (c *Controller) sendEndSession() {
	c.send(protocol.TypeEndSession, protocol.EndSessionMsg{SessionID: c.status.SessionID})
}

// currentSession decodes a relayed message and reports whether it belongs to
// the active session.
func (c *Controller) currentSession(raw json.RawMessage) (protocol.RelayedMsg, bool) {
	var m protocol.RelayedMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, false
	}
	return m, c.peer != nil && c.status.State.inSession() && m.SessionID == c.status.SessionID
}

func (c *Controller) onWelcome(raw json.RawMessage) {
	var m protocol.WelcomeMsg
	if json.Unmarshal(raw, &m) == nil {
		c.status.ParticipantID = m.ParticipantID
	}
}

func (c *Controller) onMatchFound(raw json.RawMessage) {
	var m protocol.MatchFoundMsg
	if err := json.Unmarshal(raw, &m); err != nil || c.status.State != StateSearching || c.status.Reconnecting {
		return
	}

	peer, err := c.deps.NewPeer(c.stream)
	if err != nil {
		c.status.SessionID = m.SessionID
		c.sendEndSession()
		c.toIdle(failure.New(failure.TransientNetwork, "create peer", err))
		return
	}
	sessionID := m.SessionID
	peer.OnICECandidate(func(candidate json.RawMessage) {
		_ = c.deps.Transport.Send(protocol.TypeICECandidate, protocol.SignalMsg{SessionID: sessionID, Payload: candidate})
	})

	c.peer = peer
	c.status.SessionID = m.SessionID
	c.status.PartnerIdentity = m.PartnerIdentity
	c.status.Initiator = m.Initiator
	c.setState(StateConnected)
	c.emit(Notification{Type: NotifyMatchFound})

	if m.Initiator {
		offer, err := peer.CreateOffer()
		if err != nil {
			c.sendEndSession()
			c.toIdle(failure.New(failure.TransientNetwork, "create offer", err))
			return
		}
		c.send(protocol.TypeOffer, protocol.SignalMsg{SessionID: sessionID, Payload: offer})
	}

	if c.prefs.Preference != Everyone {
		c.startVerification()
	}
}

func (c *Controller) startVerification() {
	c.setState(StateVerifying)
	v := verifier{
		detector:   c.deps.Detector,
		ready:      c.peer.RemoteVideoReady,
		preference: c.prefs.Preference,
		interval:   c.cfg.VerifyInterval,
		timeout:    c.cfg.VerifyTimeout,
	}
	ctx, epoch := c.stateCtx, c.epoch
	go func() {
		verdict, ok := v.run(ctx)
		if !ok {
			return
		}
		c.post(func() {
			if c.epoch == epoch {
				c.onVerdict(verdict)
			}
		})
	}()
}

func (c *Controller) onVerdict(v Verdict) {
	log.Info().Str("module", "client").Str("session", c.status.SessionID).Str("verdict", string(v)).Msg("verification finished")
	if v != VerdictMismatch {
		c.setState(StateVerified)
		return
	}

	c.sendEndSession()
	c.teardownSession()
	c.setState(StateMismatch)

	ctx, epoch := c.stateCtx, c.epoch
	go func() {
		t := time.NewTimer(c.cfg.MismatchDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		c.post(func() {
			if c.epoch == epoch {
				c.setState(StateSearching)
				c.sendFindMatch()
			}
		})
	}()
}

func (c *Controller) onOffer(raw json.RawMessage) {
	m, ok := c.currentSession(raw)
	if !ok {
		return
	}
	answer, err := c.peer.HandleOffer(m.Payload)
	if err != nil {
		log.Warn().Str("module", "client").Str("session", m.SessionID).Err(err).Msg("offer rejected")
		return
	}
	c.send(protocol.TypeAnswer, protocol.SignalMsg{SessionID: m.SessionID, Payload: answer})
}

func (c *Controller) onAnswer(raw json.RawMessage) {
	m, ok := c.currentSession(raw)
	if !ok {
		return
	}
	if err := c.peer.HandleAnswer(m.Payload); err != nil {
		log.Warn().Str("module", "client").Str("session", m.SessionID).Err(err).Msg("answer rejected")
	}
}

func (c *Controller) onICECandidate(raw json.RawMessage) {
	m, ok := c.currentSession(raw)
	if !ok {
		return
	}
	if err := c.peer.AddICECandidate(m.Payload); err != nil {
		log.Debug().Str("module", "client").Str("session", m.SessionID).Err(err).Msg("candidate rejected")
	}
}

func (c *Controller) onChat(raw json.RawMessage) {
	m, ok := c.currentSession(raw)
	if !ok {
		return
	}
	c.emit(Notification{Type: NotifyChat, Payload: m.Payload})
}

func (c *Controller) onSessionEnded(raw json.RawMessage) {
	var m protocol.SessionEndedMsg
	if err := json.Unmarshal(raw, &m); err != nil || m.SessionID == "" || m.SessionID != c.status.SessionID {
		return
	}
	log.Info().Str("module", "client").Str("session", m.SessionID).Str("reason", m.Reason).Msg("partner ended session")
	c.toIdle(nil)
}

func (c *Controller) onDeliveryFailed(raw json.RawMessage) {
	var m protocol.DeliveryFailedMsg
	if json.Unmarshal(raw, &m) != nil {
		return
	}
	err := failure.New(failure.Kind(m.Code), "send chat", nil)
	c.emit(Notification{Type: NotifyChatFailed, ClientMsgID: m.ClientMsgID, Err: err, Message: UserMessage(err)})
}

func (c *Controller) onRateLimited(raw json.RawMessage) {
	var m protocol.RateLimitedMsg
	if json.Unmarshal(raw, &m) != nil {
		return
	}
	err := failure.New(failure.CapacityExhausted, "send chat", nil)
	c.emit(Notification{Type: NotifyRateLimited, ClientMsgID: m.ClientMsgID, Err: err, Message: UserMessage(err)})
}

func (c *Controller) onServerError(raw json.RawMessage) {
	var m protocol.ErrorMsg
	if json.Unmarshal(raw, &m) != nil {
		return
	}
	log.Warn().Str("module", "client").Str("code", m.Code).Msg(m.Message)
	c.emit(Notification{Type: NotifyError, Message: m.Message})
}

// onDisconnect handles transport loss. The server ends any session of a
// disconnected participant, so an active session is abandoned and the
// controller searches again once the transport is back.
func (c *Controller) onDisconnect(err error) {
	c.connected = false
	c.status.ParticipantID = ""
	state := c.status.State
	if state == StateIdle || state == StateRequestingPermissions || c.status.Reconnecting {
		return
	}
	log.Warn().Str("module", "client").Str("state", string(state)).Err(err).Msg("transport lost")
	c.teardownSession()
	if state != StateSearching {
		c.setState(StateSearching)
	}
	c.startReconnect()
}
