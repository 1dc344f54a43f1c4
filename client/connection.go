package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Connection is a convenience layer over one Transport: it fans inbound
// payloads and close events out to any number of listeners and offers
// string and JSON write helpers. Listeners may be added before or after
// Connect; additions during dispatch take effect from the next message.
type Connection struct {
	roomID    string
	transport Transport

	mu        sync.Mutex
	onMessage []func(data []byte)
	onClose   []func(ev CloseEvent)
}

// NewConnection wraps transport for roomID without connecting.
func NewConnection(roomID string, transport Transport) *Connection {
	return &Connection{roomID: roomID, transport: transport}
}

// RoomID returns the room this connection targets.
func (c *Connection) RoomID() string {
	return c.roomID
}

// OnMessage registers a listener for every inbound payload.
func (c *Connection) OnMessage(fn func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = append(c.onMessage, fn)
}

// OnMessageString registers a listener receiving payloads as strings.
func (c *Connection) OnMessageString(fn func(data string)) {
	c.OnMessage(func(data []byte) { fn(string(data)) })
}

// OnClose registers a listener for session end. It does not fire for a
// plain Disconnect.
func (c *Connection) OnClose(fn func(ev CloseEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// Connect establishes the session with the given token.
func (c *Connection) Connect(ctx context.Context, token string) error {
	return c.transport.Connect(ctx, c.roomID, token, c.dispatchMessage, c.dispatchClose)
}

// Write sends one opaque payload.
func (c *Connection) Write(data []byte) error {
	return c.transport.Write(data)
}

// WriteString sends data as UTF-8 bytes.
func (c *Connection) WriteString(data string) error {
	return c.transport.Write([]byte(data))
}

// WriteJSON sends v JSON-encoded.
func (c *Connection) WriteJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return c.transport.Write(payload)
}

// IsReady reports whether the session is established.
func (c *Connection) IsReady() bool {
	return c.transport.IsReady()
}

// Ping sends a liveness probe.
func (c *Connection) Ping() error {
	return c.transport.Ping()
}

// Disconnect ends the session without notifying close listeners.
func (c *Connection) Disconnect() error {
	return c.transport.Disconnect()
}

// DisconnectWithCode ends the session with a close code; close listeners
// fire.
func (c *Connection) DisconnectWithCode(code int) error {
	return c.transport.DisconnectWithCode(code)
}

func (c *Connection) dispatchMessage(data []byte) {
	c.mu.Lock()
	listeners := make([]func([]byte), len(c.onMessage))
	copy(listeners, c.onMessage)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(data)
	}
}

func (c *Connection) dispatchClose(ev CloseEvent) {
	c.mu.Lock()
	listeners := make([]func(CloseEvent), len(c.onClose))
	copy(listeners, c.onClose)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}
