package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/halcyon-games/roomlink/wire"
)

// TCPTransport is the length-prefixed variant: it frames every payload with
// the 4-byte length prefix scheme, performs an explicit handshake (token,
// app id, numeric room id) and expects a single acknowledgment frame before
// treating inbound frames as application data. Liveness is a dedicated
// zero-length ping frame rather than a transport primitive.
type TCPTransport struct {
	appID string
	addr  string
	log   *zap.Logger

	mu            sync.Mutex
	conn          net.Conn
	ready         bool
	suppressClose bool
}

// NewTCPTransport creates a transport for appID dialing addr ("host:port").
// A nil logger defaults to no-op.
func NewTCPTransport(appID, addr string, logger *zap.Logger) *TCPTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TCPTransport{appID: appID, addr: addr, log: logger}
}

// Connect dials the endpoint, writes the handshake, and waits for the
// acknowledgment frame. Room ids on this transport are base-36 strings
// carrying a 64-bit value.
//
// Postcondition: on nil error the transport is ready; a rejection surfaces
// as *HandshakeRejectedError carrying the server's error code.
func (t *TCPTransport) Connect(ctx context.Context, roomID, token string, onData func([]byte), onClose func(CloseEvent)) error {
	roomValue, err := strconv.ParseUint(roomID, 36, 64)
	if err != nil {
		return fmt.Errorf("parsing room id %q: %w", roomID, err)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", t.addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	handshake := wire.NewWriter().String(token).String(t.appID).Uint64(roomValue).Body()
	if _, err := conn.Write(handshake); err != nil {
		_ = conn.Close()
		return fmt.Errorf("writing handshake: %w", err)
	}

	// Wait for the acknowledgment frame. Frames that arrived in the same
	// chunk as the ack are handed to the read loop.
	dec := &wire.Decoder{}
	var frames [][]byte
	buf := make([]byte, 4096)
	for len(frames) == 0 {
		n, rerr := conn.Read(buf)
		if n > 0 {
			fed, ferr := dec.Feed(buf[:n])
			if ferr != nil {
				_ = conn.Close()
				return fmt.Errorf("reading handshake reply: %w", ferr)
			}
			frames = fed
		}
		if rerr != nil && len(frames) == 0 {
			_ = conn.Close()
			return fmt.Errorf("reading handshake reply: %w", rerr)
		}
	}

	ack := frames[0]
	if len(ack) == 0 {
		_ = conn.Close()
		return fmt.Errorf("reading handshake reply: empty frame")
	}
	if ack[0] != wire.TypeClientData {
		_ = conn.Close()
		return &HandshakeRejectedError{Code: ack[0]}
	}

	_ = conn.SetDeadline(time.Time{})

	t.mu.Lock()
	t.conn = conn
	t.ready = true
	t.suppressClose = false
	t.mu.Unlock()

	go t.readLoop(conn, dec, frames[1:], onData, onClose)
	return nil
}

func (t *TCPTransport) readLoop(conn net.Conn, dec *wire.Decoder, pending [][]byte, onData func([]byte), onClose func(CloseEvent)) {
	deliver := func(frame []byte) {
		if len(frame) == 0 || frame[0] != wire.TypeClientData {
			return
		}
		onData(frame[1:])
	}
	for _, frame := range pending {
		deliver(frame)
	}

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, ferr := dec.Feed(buf[:n])
			for _, frame := range frames {
				deliver(frame)
			}
			if ferr != nil {
				t.log.Warn("dropping connection", zap.Error(ferr))
				err = ferr
			}
		}
		if err != nil {
			t.mu.Lock()
			t.ready = false
			suppress := t.suppressClose
			t.mu.Unlock()

			_ = conn.Close()
			if !suppress {
				onClose(CloseEvent{Reason: err.Error()})
			}
			return
		}
	}
}

// Write frames data as a client data frame and sends it. Fails fast when
// the session is not established.
func (t *TCPTransport) Write(data []byte) error {
	frame := wire.NewWriter().Uint8(wire.TypeClientData).Bytes(data).Frame()
	return t.write(frame)
}

// Ping sends the zero-length liveness frame.
func (t *TCPTransport) Ping() error {
	return t.write(wire.NewWriter().Uint8(wire.TypeClientPing).Frame())
}

func (t *TCPTransport) write(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.ready {
		return ErrNotConnected
	}
	if _, err := t.conn.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// IsReady reports whether the session is established.
func (t *TCPTransport) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// Disconnect closes the session intentionally; onClose is suppressed.
func (t *TCPTransport) Disconnect() error {
	return t.disconnect(true)
}

// DisconnectWithCode closes the session; the TCP framing has no close
// codes, so the code only controls whether onClose fires.
func (t *TCPTransport) DisconnectWithCode(int) error {
	return t.disconnect(false)
}

func (t *TCPTransport) disconnect(suppress bool) error {
	t.mu.Lock()
	conn := t.conn
	t.ready = false
	t.suppressClose = suppress
	t.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return conn.Close()
}
