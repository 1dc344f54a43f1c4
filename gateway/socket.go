package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// socket is one live client connection, addressed by (roomID, userID). The
// read pump delivers inbound payloads to the application strictly in
// arrival order; outbound writes go through the send channel so exactly one
// goroutine touches the websocket writer.
//
// A socket is registered before its upgrade completes, so ws may still be
// nil when a forced close arrives; the close is recorded and delivered by
// attach once the connection exists.
type socket struct {
	server *Server
	roomID RoomID
	userID UserID

	mu            sync.Mutex
	ws            *websocket.Conn
	pendingCode   int
	pendingReason string

	send chan []byte
	quit chan struct{}

	closeOnce sync.Once
}

func newSocket(server *Server, roomID RoomID, userID UserID) *socket {
	return &socket{
		server: server,
		roomID: roomID,
		userID: userID,
		send:   make(chan []byte, 256),
		quit:   make(chan struct{}),
	}
}

// enqueue hands data to the write pump. A client too slow to drain its
// buffer loses messages; delivery is best-effort.
func (c *socket) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.server.log.Warn("dropping message for slow client",
			zap.String("room_id", string(c.roomID)),
			zap.String("user_id", string(c.userID)),
		)
	}
}

// attach publishes the upgraded connection to the socket. When a forced
// close arrived while the upgrade was in flight, attach delivers that close
// frame instead and reports false; the caller must not start the pumps.
func (c *socket) attach(ws *websocket.Conn) bool {
	c.mu.Lock()
	c.ws = ws
	code, reason := c.pendingCode, c.pendingReason
	c.mu.Unlock()

	if code == 0 {
		return true
	}
	sendClose(ws, code, reason)
	return false
}

// close sends a close frame carrying code and reason, then tears the
// connection down. Safe to call from any goroutine, more than once. A close
// against a socket whose upgrade has not finished is held until attach.
func (c *socket) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.quit)

		c.mu.Lock()
		ws := c.ws
		if ws == nil {
			c.pendingCode = code
			c.pendingReason = reason
		}
		c.mu.Unlock()

		if ws != nil {
			sendClose(ws, code, reason)
		}
	})
}

func sendClose(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = ws.Close()
}

// readPump reads client payloads until the socket dies, then removes the
// registry entry and fires UnsubscribeUser exactly once.
func (c *socket) readPump() {
	defer c.server.wg.Done()
	defer func() {
		c.closeOnce.Do(func() {
			close(c.quit)
			_ = c.ws.Close()
		})
		if c.server.release(c) {
			c.server.app.UnsubscribeUser(c.roomID, c.userID)
		}
		c.server.log.Info("client disconnected",
			zap.String("room_id", string(c.roomID)),
			zap.String("user_id", string(c.userID)),
		)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.server.log.Debug("read error",
					zap.String("room_id", string(c.roomID)),
					zap.String("user_id", string(c.userID)),
					zap.Error(err),
				)
			}
			return
		}
		c.dispatch(data)
	}
}

// dispatch isolates one OnMessage call so an application failure cannot
// kill the socket.
func (c *socket) dispatch(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.server.log.Error("application handler panicked",
				zap.String("room_id", string(c.roomID)),
				zap.String("user_id", string(c.userID)),
				zap.Any("panic", r),
			)
		}
	}()
	if err := c.server.app.OnMessage(c.roomID, c.userID, data); err != nil {
		c.server.log.Error("application handler failed",
			zap.String("room_id", string(c.roomID)),
			zap.String("user_id", string(c.userID)),
			zap.Error(err),
		)
	}
}

// writePump serializes outbound writes and keeps the connection alive with
// transport-level pings.
func (c *socket) writePump() {
	defer c.server.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.quit:
			return
		}
	}
}
