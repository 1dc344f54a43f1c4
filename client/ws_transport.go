package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsWriteWait = 10 * time.Second

// ConnectionInfo locates a room's public endpoint.
type ConnectionInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	TLS  bool   `json:"tls"`
}

// URL builds the websocket URL for a room session.
func (ci ConnectionInfo) URL(roomID, token string) string {
	scheme := "ws"
	if ci.TLS {
		scheme = "wss"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     fmt.Sprintf("%s:%d", ci.Host, ci.Port),
		Path:     "/" + roomID,
		RawQuery: url.Values{"token": []string{token}}.Encode(),
	}
	return u.String()
}

// WebSocketTransport is the native-framed variant: message boundaries and
// liveness come from the websocket protocol itself, and the handshake is
// the upgrade request carrying room id and token.
type WebSocketTransport struct {
	info ConnectionInfo
	log  *zap.Logger

	mu            sync.Mutex
	ws            *websocket.Conn
	ready         bool
	suppressClose bool
}

// NewWebSocketTransport creates a transport dialing the given endpoint. A
// nil logger defaults to no-op.
func NewWebSocketTransport(info ConnectionInfo, logger *zap.Logger) *WebSocketTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketTransport{info: info, log: logger}
}

// Connect dials the room endpoint and starts the read loop.
//
// Postcondition: on nil error the transport is ready and onData/onClose are
// armed; on error the transport is unchanged.
func (t *WebSocketTransport) Connect(ctx context.Context, roomID, token string, onData func([]byte), onClose func(CloseEvent)) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, t.info.URL(roomID, token), nil)
	if err != nil {
		return fmt.Errorf("dialing room %s: %w", roomID, err)
	}

	t.mu.Lock()
	t.ws = ws
	t.ready = true
	t.suppressClose = false
	t.mu.Unlock()

	go t.readLoop(ws, onData, onClose)
	return nil
}

func (t *WebSocketTransport) readLoop(ws *websocket.Conn, onData func([]byte), onClose func(CloseEvent)) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.mu.Lock()
			t.ready = false
			suppress := t.suppressClose
			t.mu.Unlock()

			if !suppress {
				ev := CloseEvent{Code: websocket.CloseAbnormalClosure}
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					ev = CloseEvent{Code: closeErr.Code, Reason: closeErr.Text}
				}
				onClose(ev)
			}
			return
		}
		onData(data)
	}
}

// Write sends one binary message. Fails fast when the session is not
// established.
func (t *WebSocketTransport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.ready {
		return ErrNotConnected
	}
	_ = t.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return t.ws.WriteMessage(websocket.BinaryMessage, data)
}

// IsReady reports whether the session is established.
func (t *WebSocketTransport) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// Ping sends a transport-level ping control frame.
func (t *WebSocketTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.ready {
		return ErrNotConnected
	}
	return t.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// Disconnect closes the session intentionally; the onClose callback is
// suppressed.
func (t *WebSocketTransport) Disconnect() error {
	return t.disconnect(websocket.CloseNormalClosure, true)
}

// DisconnectWithCode closes the session with an explicit code; onClose
// fires as for a peer-initiated closure.
func (t *WebSocketTransport) DisconnectWithCode(code int) error {
	return t.disconnect(code, false)
}

func (t *WebSocketTransport) disconnect(code int, suppress bool) error {
	t.mu.Lock()
	ws := t.ws
	t.ready = false
	t.suppressClose = suppress
	t.mu.Unlock()

	if ws == nil {
		return ErrNotConnected
	}
	msg := websocket.FormatCloseMessage(code, "")
	if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait)); err != nil {
		t.log.Debug("writing close frame", zap.Error(err))
	}
	return ws.Close()
}
