// Package coordinator implements the store side of the coordinator-mediated
// topology: a persistent TCP link to the coordinator, the registration
// handshake, keepalive, reconnect-with-backoff, and dispatch of room
// lifecycle and message events to an application Store. The Client returned
// by Register is the outbound handle for pushing data back to room members.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyon-games/roomlink/auth"
	"github.com/halcyon-games/roomlink/wire"
)

// RoomID identifies one room. Identity is immutable once created.
type RoomID uint64

// UserID identifies one user session, unique within a room.
type UserID string

// Store receives room lifecycle and message events from the coordinator.
// Implementations must not block indefinitely; panics are caught at the
// dispatch boundary and logged, never fatal to the link.
type Store interface {
	// NewState announces room creation and ownership assignment.
	NewState(roomID RoomID, userID UserID, data []byte)
	// SubscribeUser announces that a user joined a room.
	SubscribeUser(roomID RoomID, userID UserID)
	// UnsubscribeUser announces that a user left a room. It is also invoked
	// for every known (room, user) pair when the link drops. The link dedups
	// redundant coordinator events, so each subscription produces at most
	// one UnsubscribeUser.
	UnsubscribeUser(roomID RoomID, userID UserID)
	// OnMessage delivers an opaque client payload.
	OnMessage(roomID RoomID, userID UserID, data []byte)
}

// DialFunc opens the reliable byte stream to the coordinator. Tests inject
// their own to run against an in-process double.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Config parameterizes Register.
type Config struct {
	// Addr is the coordinator "host:port" address. Required.
	Addr string
	// AppSecret is the application's shared secret. Required.
	AppSecret string
	// StoreID identifies this store across reconnects so it resumes into the
	// same logical store. Generated when empty.
	StoreID string
	// Auth is the application's login configuration, passed opaquely to the
	// coordinator during registration.
	Auth auth.Config
	// Store receives inbound events. Required.
	Store Store
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// PingInterval is the keepalive cadence. Defaults to 10s.
	PingInterval time.Duration
	// MaxReconnectAttempts bounds consecutive failed reconnect attempts
	// after a drop before the link gives up. 0 means retry forever.
	MaxReconnectAttempts int
	// ReconnectDelay is the base delay before a reconnect attempt, jittered
	// by one third in either direction. Defaults to 1.5s, giving the 1–2s
	// reconnect window.
	ReconnectDelay time.Duration
	// Dial defaults to a TCP dial with keepalive enabled.
	Dial DialFunc
}

const (
	defaultPingInterval   = 10 * time.Second
	defaultReconnectDelay = 1500 * time.Millisecond
)

// registration is the one-shot client-to-coordinator handshake payload,
// written as raw JSON immediately after connecting.
type registration struct {
	AppSecret string      `json:"appSecret"`
	StoreID   string      `json:"storeId"`
	AuthInfo  auth.Config `json:"authInfo"`
}

// Client is the outbound handle bound to one registered link. Sends are
// best-effort: calls made while the link is between connections are silently
// dropped, matching the at-most-once delivery contract of the wire.
type Client struct {
	cfg     Config
	log     *zap.Logger
	storeID string

	mu   sync.Mutex
	conn net.Conn // current registered connection, nil while down
	subs map[RoomID]map[UserID]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Register opens the coordinator link, performs the registration handshake,
// and starts the keepalive and dispatch loops. It is invoked once per
// process lifetime of a store.
//
// Only the initial connection attempt is surfaced here; once registration
// has succeeded, later failures are handled by the reconnect loop and never
// re-surfaced. Call Close to stop the link.
//
// Precondition: cfg.Addr, cfg.AppSecret, and cfg.Store must be set.
// Postcondition: Returns a registered Client, or a non-nil error.
func Register(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("coordinator: Addr is required")
	}
	if cfg.AppSecret == "" {
		return nil, errors.New("coordinator: AppSecret is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("coordinator: Store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.Dial == nil {
		dialer := &net.Dialer{KeepAlive: 30 * time.Second}
		cfg.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", addr)
		}
	}
	if cfg.StoreID == "" {
		cfg.StoreID = uuid.NewString()
	}

	c := &Client{
		cfg:     cfg,
		log:     cfg.Logger.With(zap.String("store_id", cfg.StoreID)),
		storeID: cfg.StoreID,
		subs:    make(map[RoomID]map[UserID]struct{}),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}

	start := time.Now()
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("registering with coordinator at %s: %w", cfg.Addr, err)
	}
	c.log.Info("registered with coordinator",
		zap.String("addr", cfg.Addr),
		zap.Duration("elapsed", time.Since(start)),
	)

	// Publish the connection before the link goroutine runs so sends and
	// Close issued right after Register land on the live conn.
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.run(conn)
	return c, nil
}

// StoreID returns the stable store identifier used during registration.
func (c *Client) StoreID() string {
	return c.storeID
}

// SendMessage frames and writes a directed send for one room member. No
// acknowledgment is awaited; delivery is best-effort and a send against a
// superseded connection is a silent no-op.
func (c *Client) SendMessage(roomID RoomID, userID UserID, data []byte) {
	c.writeFrame(wire.EncodeSendMessage(uint64(roomID), string(userID), data))
}

// BroadcastMessage sends data to every current subscriber of roomID. An
// unknown room results in zero sends, not an error.
func (c *Client) BroadcastMessage(roomID RoomID, data []byte) {
	for _, userID := range c.Subscribers(roomID) {
		c.SendMessage(roomID, userID, data)
	}
}

// CloseConnection directs the coordinator to drop one member's session.
// The reason is logged locally; the wire message identifies only the
// session being closed.
func (c *Client) CloseConnection(roomID RoomID, userID UserID, reason string) {
	c.log.Info("closing client connection",
		zap.Uint64("room_id", uint64(roomID)),
		zap.String("user_id", string(userID)),
		zap.String("reason", reason),
	)
	c.writeFrame(wire.EncodeCloseConnection(uint64(roomID), string(userID)))
}

// Subscribers returns a snapshot of the current subscriber set for roomID,
// empty when the room is unknown.
func (c *Client) Subscribers(roomID RoomID) []UserID {
	c.mu.Lock()
	defer c.mu.Unlock()

	users := make([]UserID, 0, len(c.subs[roomID]))
	for userID := range c.subs[roomID] {
		users = append(users, userID)
	}
	return users
}

// Close stops the reconnect loop, closes the current connection, and waits
// for in-flight store callbacks to finish. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
	})
	<-c.done
}

// connect dials the coordinator and writes the registration payload.
func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	conn, err := c.cfg.Dial(ctx, c.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dialing: %w", err)
	}

	payload, err := json.Marshal(registration{
		AppSecret: c.cfg.AppSecret,
		StoreID:   c.storeID,
		AuthInfo:  c.cfg.Auth,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("encoding registration: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("writing registration: %w", err)
	}
	return conn, nil
}

// writeFrame writes one framed message on the current connection, if any.
func (c *Client) writeFrame(frame []byte) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.log.Debug("dropping outbound frame, link is down")
		return
	}
	if _, err := conn.Write(frame); err != nil {
		c.log.Debug("writing outbound frame", zap.Error(err))
	}
}
