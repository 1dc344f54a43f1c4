// Package client is the game-client side of the relay: pluggable session
// transports, a REST wrapper for login and lobby calls, and a Connection
// convenience layer over a transport.
package client

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Write and Ping before Connect has
// succeeded or after the session ended. Writes never buffer silently.
var ErrNotConnected = errors.New("client: transport not connected")

// CloseEvent describes why a session ended.
type CloseEvent struct {
	Code   int
	Reason string
}

// HandshakeRejectedError is returned by the length-prefixed transport when
// the server's first reply frame carries a non-zero type byte.
type HandshakeRejectedError struct {
	Code uint8
}

func (e *HandshakeRejectedError) Error() string {
	return fmt.Sprintf("client: handshake rejected with code %d", e.Code)
}

// Transport is one live session to a room, polymorphic over the websocket
// (native message framing) and TCP (length-prefixed framing) variants.
//
// onData receives every inbound application payload in arrival order.
// onClose fires once when the peer ends the session or the link fails; it
// is suppressed when the close was caller-initiated via Disconnect.
type Transport interface {
	// Connect performs the handshake for roomID. It returns once the
	// session is established; Write before that fails with ErrNotConnected.
	Connect(ctx context.Context, roomID, token string, onData func(data []byte), onClose func(ev CloseEvent)) error
	// Write sends one opaque payload.
	Write(data []byte) error
	// IsReady reports whether the session is established and usable.
	IsReady() bool
	// Ping sends a liveness probe.
	Ping() error
	// Disconnect ends the session intentionally, suppressing onClose.
	Disconnect() error
	// DisconnectWithCode ends the session with an explicit close code;
	// onClose still fires, distinguishing coded shutdown from the silent
	// variant.
	DisconnectWithCode(code int) error
}
