package coordinator

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/halcyon-games/roomlink/wire"
)

// run supervises the link: it serves one connection at a time and replaces
// a failed connection through the reconnect loop until Close is called or
// the attempt budget is exhausted.
func (c *Client) run(conn net.Conn) {
	defer close(c.done)

	for {
		c.serve(conn)
		c.teardown()

		select {
		case <-c.closed:
			return
		default:
		}

		conn = c.reconnect()
		if conn == nil {
			return
		}
	}
}

// serve reads and dispatches frames on conn until it fails or is closed,
// keeping the keepalive ticker running for the connection's lifetime.
// Exactly one connection is current at a time.
func (c *Client) serve(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	connDone := make(chan struct{})
	defer close(connDone)

	go c.keepalive(conn, connDone)

	var dec wire.Decoder
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, ferr := dec.Feed(buf[:n])
			for _, frame := range frames {
				c.dispatch(frame)
			}
			if ferr != nil {
				c.log.Warn("dropping coordinator connection", zap.Error(ferr))
				break
			}
		}
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Warn("coordinator connection lost", zap.Error(err))
			}
			break
		}
	}

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	_ = conn.Close()
}

// keepalive writes a ping frame every PingInterval while conn is current.
func (c *Client) keepalive(conn net.Conn, connDone <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := conn.Write(wire.EncodePing()); err != nil {
				c.log.Debug("writing ping", zap.Error(err))
				return
			}
		case <-connDone:
			return
		case <-c.closed:
			return
		}
	}
}

// dispatch decodes one inbound frame, applies its directory effect, and
// invokes the store callback. Malformed or unrecognized frames are logged
// and dropped, never fatal.
func (c *Client) dispatch(frame []byte) {
	ev, err := wire.ParseEvent(frame)
	if err != nil {
		c.log.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	switch ev := ev.(type) {
	case wire.NewState:
		roomID, userID := RoomID(ev.RoomID), UserID(ev.UserID)
		c.mu.Lock()
		c.subs[roomID] = make(map[UserID]struct{})
		c.mu.Unlock()
		c.callStore("NewState", func() { c.cfg.Store.NewState(roomID, userID, ev.Data) })

	case wire.SubscribeUser:
		roomID, userID := RoomID(ev.RoomID), UserID(ev.UserID)
		c.mu.Lock()
		if c.subs[roomID] == nil {
			c.subs[roomID] = make(map[UserID]struct{})
		}
		c.subs[roomID][userID] = struct{}{}
		c.mu.Unlock()
		c.callStore("SubscribeUser", func() { c.cfg.Store.SubscribeUser(roomID, userID) })

	case wire.UnsubscribeUser:
		roomID, userID := RoomID(ev.RoomID), UserID(ev.UserID)
		removed := false
		c.mu.Lock()
		if users := c.subs[roomID]; users != nil {
			if _, ok := users[userID]; ok {
				removed = true
				delete(users, userID)
				if len(users) == 0 {
					delete(c.subs, roomID)
				}
			}
		}
		c.mu.Unlock()
		// The directory dedups redundant unsubscribes so the store sees at
		// most one UnsubscribeUser per subscription.
		if removed {
			c.callStore("UnsubscribeUser", func() { c.cfg.Store.UnsubscribeUser(roomID, userID) })
		}

	case wire.Message:
		roomID, userID := RoomID(ev.RoomID), UserID(ev.UserID)
		c.callStore("OnMessage", func() { c.cfg.Store.OnMessage(roomID, userID, ev.Data) })

	case wire.Unknown:
		c.log.Warn("ignoring unrecognized frame type", zap.Uint8("type", ev.Type))
	}
}

// callStore isolates a store callback so a panicking handler cannot tear
// down the link's event loop.
func (c *Client) callStore(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("store handler panicked",
				zap.String("handler", name),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}

// teardown treats the whole directory as gone: every known (room, user)
// pair receives exactly one UnsubscribeUser and the directory is cleared.
// Fresh events from the next connection repopulate it.
func (c *Client) teardown() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[RoomID]map[UserID]struct{})
	c.mu.Unlock()

	for roomID, users := range subs {
		for userID := range users {
			c.callStore("UnsubscribeUser", func() { c.cfg.Store.UnsubscribeUser(roomID, userID) })
		}
	}
}

// reconnect repeats the registration handshake after a randomized 1–2s
// delay until it succeeds, Close is called, or MaxReconnectAttempts
// consecutive failures have accumulated. Returns nil when giving up.
func (c *Client) reconnect() net.Conn {
	delay := backoff.NewExponentialBackOff()
	delay.InitialInterval = c.cfg.ReconnectDelay
	delay.RandomizationFactor = 1.0 / 3.0
	delay.Multiplier = 1.0
	delay.MaxElapsedTime = 0
	delay.Reset()

	attempts := 0
	for {
		if c.cfg.MaxReconnectAttempts > 0 && attempts >= c.cfg.MaxReconnectAttempts {
			c.log.Error("giving up on coordinator reconnect",
				zap.Int("attempts", attempts),
			)
			return nil
		}

		select {
		case <-c.closed:
			return nil
		case <-time.After(delay.NextBackOff()):
		}

		attempts++
		start := time.Now()
		conn, err := c.connect(context.Background())
		if err != nil {
			c.log.Warn("coordinator reconnect failed",
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
			continue
		}

		// Close may have raced the dial; do not resurrect a closed link.
		select {
		case <-c.closed:
			_ = conn.Close()
			return nil
		default:
		}

		c.log.Info("reconnected to coordinator",
			zap.Int("attempt", attempts),
			zap.Duration("elapsed", time.Since(start)),
		)
		return conn
	}
}
