// Package testutil provides in-process protocol doubles for integration
// testing, chiefly a fake coordinator that accepts store registrations and
// speaks the relay wire protocol.
package testutil

import (
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/halcyon-games/roomlink/wire"
)

// Registration is the decoded store registration handshake payload.
type Registration struct {
	AppSecret string          `json:"appSecret"`
	StoreID   string          `json:"storeId"`
	AuthInfo  json.RawMessage `json:"authInfo"`
}

// FakeCoordinator is a loopback TCP server standing in for the coordinator.
// Each accepted connection is surfaced as a StoreConn once its registration
// payload has been read.
type FakeCoordinator struct {
	t     *testing.T
	ln    net.Listener
	conns chan *StoreConn

	mu     sync.Mutex
	closed bool
	open   []net.Conn
}

// NewFakeCoordinator starts a fake coordinator on a loopback port. It is
// shut down automatically via t.Cleanup.
//
// Postcondition: Returns a listening FakeCoordinator or fails the test.
func NewFakeCoordinator(t *testing.T) *FakeCoordinator {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}

	f := &FakeCoordinator{
		t:     t,
		ln:    ln,
		conns: make(chan *StoreConn, 4),
	}
	go f.acceptLoop()
	t.Cleanup(f.Close)
	return f
}

// Addr returns the "host:port" address stores should register against.
func (f *FakeCoordinator) Addr() string {
	return f.ln.Addr().String()
}

// WaitConn returns the next registered store connection, failing the test
// after timeout.
func (f *FakeCoordinator) WaitConn(timeout time.Duration) *StoreConn {
	f.t.Helper()
	select {
	case conn := <-f.conns:
		return conn
	case <-time.After(timeout):
		f.t.Fatalf("no store registered within %s", timeout)
		return nil
	}
}

// Close stops accepting and drops every open connection.
func (f *FakeCoordinator) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	_ = f.ln.Close()
	for _, conn := range f.open {
		_ = conn.Close()
	}
}

func (f *FakeCoordinator) acceptLoop() {
	for {
		raw, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			_ = raw.Close()
			return
		}
		f.open = append(f.open, raw)
		f.mu.Unlock()
		go f.handle(raw)
	}
}

// handle reads the registration JSON then shifts to framed reading. The
// JSON decoder may buffer bytes past the registration value, so framed
// reads continue from its remainder.
func (f *FakeCoordinator) handle(raw net.Conn) {
	dec := json.NewDecoder(raw)
	var reg Registration
	if err := dec.Decode(&reg); err != nil {
		_ = raw.Close()
		return
	}

	conn := &StoreConn{
		t:            f.t,
		raw:          raw,
		Registration: reg,
		commands:     make(chan wire.Command, 64),
	}
	go conn.readLoop(io.MultiReader(dec.Buffered(), raw))

	select {
	case f.conns <- conn:
	default:
		f.t.Errorf("fake coordinator connection backlog full")
		_ = raw.Close()
	}
}

// StoreConn is the coordinator's view of one registered store connection.
type StoreConn struct {
	t            *testing.T
	raw          net.Conn
	Registration Registration
	commands     chan wire.Command
}

// SendNewState delivers a NEW_STATE event to the store.
func (c *StoreConn) SendNewState(roomID uint64, userID string, data []byte) {
	c.write(wire.EncodeNewState(roomID, userID, data))
}

// SendSubscribeUser delivers a SUBSCRIBE_USER event to the store.
func (c *StoreConn) SendSubscribeUser(roomID uint64, userID string) {
	c.write(wire.EncodeSubscribeUser(roomID, userID))
}

// SendUnsubscribeUser delivers an UNSUBSCRIBE_USER event to the store.
func (c *StoreConn) SendUnsubscribeUser(roomID uint64, userID string) {
	c.write(wire.EncodeUnsubscribeUser(roomID, userID))
}

// SendMessage delivers a MESSAGE event to the store.
func (c *StoreConn) SendMessage(roomID uint64, userID string, data []byte) {
	c.write(wire.EncodeMessage(roomID, userID, data))
}

// SendRaw writes arbitrary pre-framed bytes, for exercising unrecognized
// frame types and protocol violations.
func (c *StoreConn) SendRaw(frame []byte) {
	c.write(frame)
}

// NextCommand returns the next store-to-coordinator command, failing the
// test after timeout. Ping frames are delivered like any other command;
// use SkipPings to filter them.
func (c *StoreConn) NextCommand(timeout time.Duration) wire.Command {
	c.t.Helper()
	deadline := time.After(timeout)
	select {
	case cmd := <-c.commands:
		return cmd
	case <-deadline:
		c.t.Fatalf("no command received within %s", timeout)
		return nil
	}
}

// NextCommandSkipPings returns the next non-ping command.
func (c *StoreConn) NextCommandSkipPings(timeout time.Duration) wire.Command {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("no non-ping command received within %s", timeout)
			return nil
		}
		select {
		case cmd := <-c.commands:
			if _, isPing := cmd.(wire.Ping); isPing {
				continue
			}
			return cmd
		case <-time.After(remaining):
			c.t.Fatalf("no non-ping command received within %s", timeout)
			return nil
		}
	}
}

// ExpectNoCommand asserts that no command arrives within the window.
func (c *StoreConn) ExpectNoCommand(window time.Duration) {
	c.t.Helper()
	select {
	case cmd := <-c.commands:
		c.t.Fatalf("unexpected command %#v", cmd)
	case <-time.After(window):
	}
}

// Drop closes the connection from the coordinator side, simulating a link
// failure.
func (c *StoreConn) Drop() {
	_ = c.raw.Close()
}

func (c *StoreConn) write(frame []byte) {
	if _, err := c.raw.Write(frame); err != nil {
		c.t.Logf("fake coordinator write: %v", err)
	}
}

func (c *StoreConn) readLoop(r io.Reader) {
	var dec wire.Decoder
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			frames, ferr := dec.Feed(buf[:n])
			for _, frame := range frames {
				cmd, perr := wire.ParseCommand(frame)
				if perr != nil {
					continue
				}
				select {
				case c.commands <- cmd:
				default:
				}
			}
			if ferr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
