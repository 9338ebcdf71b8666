// Package client implements the participant side of a pairing session: media
// acquisition, the push-driven session state machine, partner verification
// and transport reconnection.
package client

import (
	"encoding/json"
	"errors"

	"github.com/whisper/pairing/internal/failure"
)

// State is the position of a Controller in the session lifecycle.
type State string

const (
	StateIdle                  State = "idle"
	StateRequestingPermissions State = "requesting_permissions"
	StateSearching             State = "searching"
	StateConnected             State = "connected"
	StateVerifying             State = "verifying"
	StateVerified              State = "verified"
	StateMismatch              State = "mismatch"
	StateEnded                 State = "ended" // transient, announced on the way from a session to idle
)

// inSession reports whether s has a partner.
func (s State) inSession() bool {
	switch s {
	case StateConnected, StateVerifying, StateVerified:
		return true
	}
	return false
}

// Status is a snapshot of the controller. Reconnecting is an overlay that
// may be set while searching.
type Status struct {
	State           State
	Reconnecting    bool
	ParticipantID   string
	SessionID       string
	PartnerIdentity string
	Initiator       bool
}

// Preferences describe the local participant to the matcher.
type Preferences struct {
	Identity   string
	Preference string
	Region     string
	Age        int
}

// NotificationType classifies a Notification.
type NotificationType string

const (
	NotifyState        NotificationType = "state"
	NotifyMatchFound   NotificationType = "match_found"
	NotifyChat         NotificationType = "chat"
	NotifyChatFailed   NotificationType = "chat_failed"
	NotifyRateLimited  NotificationType = "rate_limited"
	NotifyReconnecting NotificationType = "reconnecting"
	NotifyError        NotificationType = "error"
)

// Notification is delivered to the application for every user-visible
// change. Err carries a failure.Kind when the notification reports a failure;
// Message is the text to show.
type Notification struct {
	Type        NotificationType
	Status      Status
	ClientMsgID string
	Payload     json.RawMessage
	Attempt     int
	Err         error
	Message     string
}

// ErrNotIdle is returned by Start while a session is in progress.
var ErrNotIdle = errors.New("client: controller is not idle")

// ErrNoSession is returned by SendChat and Next outside a session.
var ErrNoSession = errors.New("client: no active session")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("client: controller closed")

// UserMessage returns the text shown to the user for err.
func UserMessage(err error) string {
	var me *MediaError
	if errors.As(err, &me) {
		return me.Message()
	}
	switch failure.KindOf(err) {
	case failure.CapacityExhausted:
		return "You're sending messages too quickly. Please wait a moment."
	case failure.TransientNetwork:
		return "Your message could not be delivered."
	case failure.StaleSession:
		return "Your partner has left the chat."
	case failure.DeviceUnavailable:
		return "Your camera or microphone is unavailable."
	case failure.ReconnectExhausted:
		return "Connection lost. Please restart to continue."
	}
	return "Something went wrong."
}
