// Package gateway implements the direct topology: the server terminates
// client websocket connections itself, with no coordinator hop, and exposes
// the same send/broadcast/close contract as the coordinator client.
//
// Connections upgrade on "/{roomId}?token=...". The token is verified by the
// application at upgrade time; one live socket is allowed per (room, user)
// key.
package gateway

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// RoomID identifies one room; in the direct topology it is the opaque path
// segment the client connected with.
type RoomID string

// UserID identifies one user session, unique within a room.
type UserID string

// CloseCode is the application-level close code used for every
// server-forced closure. The reason travels as the close frame text.
const CloseCode = 4000

// Application is the collaborator receiving gateway events. VerifyToken is
// called during the connection upgrade, before any registry mutation; the
// remaining callbacks mirror the coordinator Store contract. OnMessage
// errors and panics are isolated and logged, never fatal to the socket.
type Application interface {
	VerifyToken(token string, roomID RoomID) (UserID, bool)
	SubscribeUser(roomID RoomID, userID UserID)
	UnsubscribeUser(roomID RoomID, userID UserID)
	OnMessage(roomID RoomID, userID UserID, data []byte) error
}

// Server terminates client connections and owns the socket registry. It
// implements http.Handler so tests can mount it on any mux; production use
// goes through ListenAndServe/Stop.
type Server struct {
	app      Application
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	rooms    map[RoomID]map[UserID]*socket
	stopping bool

	srvMu   sync.Mutex
	httpSrv *http.Server
	wg      sync.WaitGroup
}

// NewServer creates a gateway server dispatching to app.
//
// Precondition: app must be non-nil; a nil logger defaults to no-op.
func NewServer(app Application, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		app: app,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Game clients connect from arbitrary origins; access control is
			// the token check, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		rooms: make(map[RoomID]map[UserID]*socket),
	}
}

// ServeHTTP handles one connection upgrade. Rejections: 400 for a missing
// room id, 401 for a missing or unverifiable token, 409 when a live socket
// already holds the (room, user) key.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := RoomID(strings.Trim(r.URL.Path, "/"))
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	userID, ok := s.app.VerifyToken(token, roomID)
	if !ok || userID == "" {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	sock := newSocket(s, roomID, userID)
	if !s.reserve(sock) {
		http.Error(w, "session already active for this user", http.StatusConflict)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		s.release(sock)
		s.log.Debug("websocket upgrade failed",
			zap.String("room_id", string(roomID)),
			zap.String("user_id", string(userID)),
			zap.Error(err),
		)
		return
	}

	if !sock.attach(ws) {
		// A forced close raced the upgrade; attach already delivered it.
		s.release(sock)
		s.log.Debug("connection closed during upgrade",
			zap.String("room_id", string(roomID)),
			zap.String("user_id", string(userID)),
		)
		return
	}
	if !s.track(sock) {
		s.release(sock)
		sock.close(CloseCode, "gateway shutting down")
		return
	}

	s.log.Info("client connected",
		zap.String("room_id", string(roomID)),
		zap.String("user_id", string(userID)),
		zap.String("remote_addr", ws.RemoteAddr().String()),
	)

	go sock.writePump()
	s.app.SubscribeUser(roomID, userID)
	go sock.readPump()
}

// SendMessage writes data to the exact socket for (roomID, userID); a
// missing socket is a no-op.
func (s *Server) SendMessage(roomID RoomID, userID UserID, data []byte) {
	s.mu.Lock()
	sock := s.rooms[roomID][userID]
	s.mu.Unlock()

	if sock == nil {
		return
	}
	sock.enqueue(data)
}

// BroadcastMessage fans data out to every socket currently subscribed to
// roomID. An unknown room results in zero sends.
func (s *Server) BroadcastMessage(roomID RoomID, data []byte) {
	s.mu.Lock()
	targets := make([]*socket, 0, len(s.rooms[roomID]))
	for _, sock := range s.rooms[roomID] {
		targets = append(targets, sock)
	}
	s.mu.Unlock()

	for _, sock := range targets {
		sock.enqueue(data)
	}
}

// CloseConnection forcibly terminates the socket for (roomID, userID) with
// CloseCode and the given reason; a missing socket is a no-op.
func (s *Server) CloseConnection(roomID RoomID, userID UserID, reason string) {
	s.mu.Lock()
	sock := s.rooms[roomID][userID]
	s.mu.Unlock()

	if sock == nil {
		return
	}
	s.log.Info("closing client connection",
		zap.String("room_id", string(roomID)),
		zap.String("user_id", string(userID)),
		zap.String("reason", reason),
	)
	sock.close(CloseCode, reason)
}

// Subscribers returns a snapshot of the user ids with a live socket in
// roomID.
func (s *Server) Subscribers(roomID RoomID) []UserID {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]UserID, 0, len(s.rooms[roomID]))
	for userID := range s.rooms[roomID] {
		users = append(users, userID)
	}
	return users
}

// ListenAndServe starts an HTTP listener serving upgrades on addr and
// blocks until Stop is called.
//
// Postcondition: the listener is closed when this method returns.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: s}
	s.srvMu.Lock()
	s.httpSrv = srv
	s.srvMu.Unlock()

	s.log.Info("gateway listening", zap.String("addr", ln.Addr().String()))

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

// Stop closes the listener, force-closes every socket, and waits for all
// socket goroutines to finish.
func (s *Server) Stop() {
	s.srvMu.Lock()
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	s.srvMu.Unlock()

	// Collecting sockets and raising stopping under one lock means every
	// tracked socket is either in all or was refused by track.
	s.mu.Lock()
	s.stopping = true
	var all []*socket
	for _, room := range s.rooms {
		for _, sock := range room {
			all = append(all, sock)
		}
	}
	s.mu.Unlock()

	for _, sock := range all {
		sock.close(CloseCode, "gateway shutting down")
	}
	s.wg.Wait()
}

// reserve claims the (room, user) key for sock. It fails when another live
// socket already holds the key; the second session is rejected, never the
// first replaced.
func (s *Server) reserve(sock *socket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.rooms[sock.roomID]
	if room == nil {
		room = make(map[UserID]*socket)
		s.rooms[sock.roomID] = room
	}
	if _, taken := room[sock.userID]; taken {
		return false
	}
	room[sock.userID] = sock
	return true
}

// track accounts sock's pump goroutines in the shutdown wait group. It
// fails once Stop has begun, so Stop's final Wait cannot miss a socket
// whose upgrade completed mid-shutdown.
func (s *Server) track(sock *socket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return false
	}
	s.wg.Add(2)
	return true
}

// release removes sock from the registry if it still holds its key,
// dropping the room entry once empty. Reports whether sock was present.
func (s *Server) release(sock *socket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.rooms[sock.roomID]
	if room == nil || room[sock.userID] != sock {
		return false
	}
	delete(room, sock.userID)
	if len(room) == 0 {
		delete(s.rooms, sock.roomID)
	}
	return true
}
