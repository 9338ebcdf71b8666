// Package session holds the registry of active pairings: which two
// participants share a session and how to reach each of them.
package session

// Handle is a participant's connection as seen by the pairing core. The ws
// package's Connection satisfies it.
type Handle interface {
	// ID returns the participant id bound to this connection.
	ID() string
	// Send writes one protocol frame. It fails once the connection is gone.
	Send(data []byte) error
	// Alive reports whether the underlying connection is still open.
	Alive() bool
}
