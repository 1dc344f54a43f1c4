package coordinator

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halcyon-games/roomlink/auth"
	"github.com/halcyon-games/roomlink/internal/testutil"
	"github.com/halcyon-games/roomlink/wire"
)

const waitTimeout = 3 * time.Second

// storeEvent records one Store callback invocation.
type storeEvent struct {
	Kind   string
	RoomID RoomID
	UserID UserID
	Data   []byte
}

// recordingStore captures every callback on a channel, in invocation order.
type recordingStore struct {
	mu     sync.Mutex
	events chan storeEvent

	// panicOn makes the named handler panic once, for isolation tests.
	panicOn string
}

func newRecordingStore() *recordingStore {
	return &recordingStore{events: make(chan storeEvent, 256)}
}

func (s *recordingStore) record(kind string, roomID RoomID, userID UserID, data []byte) {
	s.events <- storeEvent{Kind: kind, RoomID: roomID, UserID: userID, Data: data}
	s.mu.Lock()
	shouldPanic := s.panicOn == kind
	s.panicOn = ""
	s.mu.Unlock()
	if shouldPanic {
		panic("handler failure")
	}
}

func (s *recordingStore) NewState(roomID RoomID, userID UserID, data []byte) {
	s.record("NewState", roomID, userID, data)
}

func (s *recordingStore) SubscribeUser(roomID RoomID, userID UserID) {
	s.record("SubscribeUser", roomID, userID, nil)
}

func (s *recordingStore) UnsubscribeUser(roomID RoomID, userID UserID) {
	s.record("UnsubscribeUser", roomID, userID, nil)
}

func (s *recordingStore) OnMessage(roomID RoomID, userID UserID, data []byte) {
	s.record("OnMessage", roomID, userID, data)
}

func (s *recordingStore) next(t *testing.T) storeEvent {
	t.Helper()
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(waitTimeout):
		t.Fatalf("no store callback within %s", waitTimeout)
		return storeEvent{}
	}
}

func (s *recordingStore) expectNone(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case ev := <-s.events:
		t.Fatalf("unexpected store callback %#v", ev)
	case <-time.After(window):
	}
}

// register wires a Client against a fake coordinator with test-friendly
// timing and returns both ends.
func register(t *testing.T, store Store, mutate func(*Config)) (*Client, *testutil.StoreConn) {
	t.Helper()

	fake := testutil.NewFakeCoordinator(t)
	cfg := Config{
		Addr:           fake.Addr(),
		AppSecret:      "s",
		StoreID:        "store-1",
		Auth:           auth.Config{Anonymous: &auth.AnonymousConfig{Separator: "-"}},
		Store:          store,
		Logger:         zap.NewNop(),
		PingInterval:   time.Minute,
		ReconnectDelay: 50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	client, err := Register(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return client, fake.WaitConn(waitTimeout)
}

func TestRegister_ValidatesConfig(t *testing.T) {
	_, err := Register(context.Background(), Config{AppSecret: "s", Store: newRecordingStore()})
	assert.Error(t, err)

	_, err = Register(context.Background(), Config{Addr: "x:1", Store: newRecordingStore()})
	assert.Error(t, err)

	_, err = Register(context.Background(), Config{Addr: "x:1", AppSecret: "s"})
	assert.Error(t, err)
}

func TestRegister_InitialFailureSurfaced(t *testing.T) {
	// Grab a port that is guaranteed closed.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Register(context.Background(), Config{
		Addr:      addr,
		AppSecret: "s",
		Store:     newRecordingStore(),
	})
	assert.Error(t, err)
}

func TestRegister_SendsRegistrationPayload(t *testing.T) {
	_, conn := register(t, newRecordingStore(), nil)

	assert.Equal(t, "s", conn.Registration.AppSecret)
	assert.Equal(t, "store-1", conn.Registration.StoreID)

	var authInfo auth.Config
	require.NoError(t, json.Unmarshal(conn.Registration.AuthInfo, &authInfo))
	require.NotNil(t, authInfo.Anonymous)
	assert.Equal(t, "-", authInfo.Anonymous.Separator)
}

func TestRegister_GeneratesStoreID(t *testing.T) {
	store := newRecordingStore()
	client, conn := register(t, store, func(cfg *Config) { cfg.StoreID = "" })

	assert.NotEmpty(t, client.StoreID())
	assert.Equal(t, client.StoreID(), conn.Registration.StoreID)
}

func TestLink_EndToEndScenario(t *testing.T) {
	store := newRecordingStore()
	client, conn := register(t, store, nil)

	conn.SendNewState(42, "p1", []byte{0x01, 0x02})
	ev := store.next(t)
	assert.Equal(t, storeEvent{Kind: "NewState", RoomID: 42, UserID: "p1", Data: []byte{0x01, 0x02}}, ev)

	conn.SendSubscribeUser(42, "p1")
	ev = store.next(t)
	assert.Equal(t, storeEvent{Kind: "SubscribeUser", RoomID: 42, UserID: "p1"}, ev)

	conn.SendMessage(42, "p1", []byte{0x09})
	ev = store.next(t)
	assert.Equal(t, storeEvent{Kind: "OnMessage", RoomID: 42, UserID: "p1", Data: []byte{0x09}}, ev)

	client.BroadcastMessage(42, []byte{0xFF})
	cmd := conn.NextCommandSkipPings(waitTimeout)
	assert.Equal(t, wire.SendMessage{RoomID: 42, UserID: "p1", Data: []byte{0xFF}}, cmd)
}

func TestLink_BroadcastFansOutToAllSubscribers(t *testing.T) {
	store := newRecordingStore()
	client, conn := register(t, store, nil)

	conn.SendSubscribeUser(7, "a")
	conn.SendSubscribeUser(7, "b")
	store.next(t)
	store.next(t)

	client.BroadcastMessage(7, []byte{0x01})

	got := map[string]int{}
	for i := 0; i < 2; i++ {
		cmd := conn.NextCommandSkipPings(waitTimeout)
		send, ok := cmd.(wire.SendMessage)
		require.True(t, ok, "expected SendMessage, got %#v", cmd)
		assert.Equal(t, uint64(7), send.RoomID)
		assert.Equal(t, []byte{0x01}, send.Data)
		got[send.UserID]++
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, got)
}

func TestLink_BroadcastUnknownRoomIsNoOp(t *testing.T) {
	store := newRecordingStore()
	client, conn := register(t, store, nil)

	client.BroadcastMessage(999, []byte{0x01})
	conn.ExpectNoCommand(100 * time.Millisecond)
}

func TestLink_UnsubscribeIdempotent(t *testing.T) {
	store := newRecordingStore()
	client, conn := register(t, store, nil)

	conn.SendSubscribeUser(1, "u1")
	store.next(t)

	conn.SendUnsubscribeUser(1, "u1")
	ev := store.next(t)
	assert.Equal(t, "UnsubscribeUser", ev.Kind)

	// Duplicate delivery: no second callback, directory unchanged.
	conn.SendUnsubscribeUser(1, "u1")
	store.expectNone(t, 100*time.Millisecond)
	assert.Empty(t, client.Subscribers(1))
}

func TestLink_NewStateResetsSubscribers(t *testing.T) {
	store := newRecordingStore()
	client, conn := register(t, store, nil)

	conn.SendSubscribeUser(5, "old")
	store.next(t)
	require.Len(t, client.Subscribers(5), 1)

	conn.SendNewState(5, "owner", nil)
	store.next(t)
	assert.Empty(t, client.Subscribers(5))
}

func TestLink_UnknownFrameTypeIgnored(t *testing.T) {
	store := newRecordingStore()
	_, conn := register(t, store, nil)

	conn.SendRaw(wire.NewWriter().Uint8(99).Bytes([]byte{1, 2, 3}).Frame())

	// The link keeps dispatching after the unrecognized frame.
	conn.SendMessage(3, "u", []byte{0x05})
	ev := store.next(t)
	assert.Equal(t, "OnMessage", ev.Kind)
}

func TestLink_StorePanicIsolated(t *testing.T) {
	store := newRecordingStore()
	store.panicOn = "OnMessage"
	_, conn := register(t, store, nil)

	conn.SendMessage(3, "u", []byte{0x05})
	store.next(t)

	conn.SendMessage(3, "u", []byte{0x06})
	ev := store.next(t)
	assert.Equal(t, []byte{0x06}, ev.Data)
}

func TestLink_ConnectionLossTearsDownDirectory(t *testing.T) {
	store := newRecordingStore()
	client, conn := register(t, store, func(cfg *Config) { cfg.MaxReconnectAttempts = 1 })

	conn.SendSubscribeUser(1, "a")
	conn.SendSubscribeUser(1, "b")
	conn.SendSubscribeUser(2, "c")
	for i := 0; i < 3; i++ {
		store.next(t)
	}

	conn.Drop()

	type pair struct {
		RoomID RoomID
		UserID UserID
	}
	unsubs := map[pair]int{}
	for i := 0; i < 3; i++ {
		ev := store.next(t)
		require.Equal(t, "UnsubscribeUser", ev.Kind)
		unsubs[pair{ev.RoomID, ev.UserID}]++
	}
	assert.Equal(t, map[pair]int{
		{1, "a"}: 1,
		{1, "b"}: 1,
		{2, "c"}: 1,
	}, unsubs)

	assert.Empty(t, client.Subscribers(1))
	assert.Empty(t, client.Subscribers(2))
}

func TestLink_ReconnectsAndReregisters(t *testing.T) {
	store := newRecordingStore()

	fake := testutil.NewFakeCoordinator(t)
	client, err := Register(context.Background(), Config{
		Addr:           fake.Addr(),
		AppSecret:      "s",
		StoreID:        "store-1",
		Store:          store,
		PingInterval:   time.Minute,
		ReconnectDelay: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	first := fake.WaitConn(waitTimeout)
	first.SendSubscribeUser(1, "a")
	store.next(t)

	first.Drop()
	store.next(t) // teardown unsubscribe for (1, "a")

	second := fake.WaitConn(waitTimeout)
	assert.Equal(t, "store-1", second.Registration.StoreID)

	// Directory rebuilds from events on the fresh connection.
	second.SendSubscribeUser(1, "a")
	store.next(t)
	assert.Equal(t, []UserID{"a"}, client.Subscribers(1))
}

func TestLink_BoundedReconnectAttempts(t *testing.T) {
	store := newRecordingStore()

	fake := testutil.NewFakeCoordinator(t)
	client, err := Register(context.Background(), Config{
		Addr:                 fake.Addr(),
		AppSecret:            "s",
		Store:                store,
		PingInterval:         time.Minute,
		ReconnectDelay:       20 * time.Millisecond,
		MaxReconnectAttempts: 2,
	})
	require.NoError(t, err)

	conn := fake.WaitConn(waitTimeout)
	fake.Close()
	conn.Drop()

	// With the coordinator gone the link exhausts its budget and stops;
	// Close must return promptly rather than wait on a retry loop.
	done := make(chan struct{})
	go func() {
		client.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("Close did not return after reconnect budget was exhausted")
	}
}

func TestClient_SendWhileLinkDownIsNoOp(t *testing.T) {
	store := newRecordingStore()
	client, conn := register(t, store, func(cfg *Config) { cfg.MaxReconnectAttempts = 1 })

	conn.SendSubscribeUser(1, "a")
	store.next(t)

	conn.Drop()
	store.next(t) // teardown unsubscribe

	// Best-effort contract: sends between connections are dropped silently.
	client.SendMessage(1, "a", []byte{0x01})
	client.BroadcastMessage(1, []byte{0x02})
}

func TestClient_SubscribersReturnsSnapshot(t *testing.T) {
	store := newRecordingStore()
	client, conn := register(t, store, nil)

	conn.SendSubscribeUser(1, "a")
	store.next(t)

	snapshot := client.Subscribers(1)
	require.Equal(t, []UserID{"a"}, snapshot)
	snapshot[0] = "mutated"

	assert.Equal(t, []UserID{"a"}, client.Subscribers(1))
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	store := newRecordingStore()
	client, _ := register(t, store, nil)

	client.Close()
	client.Close()
}

func TestLink_PingsOnInterval(t *testing.T) {
	store := newRecordingStore()
	_, conn := register(t, store, func(cfg *Config) { cfg.PingInterval = 30 * time.Millisecond })

	cmd := conn.NextCommand(waitTimeout)
	assert.Equal(t, wire.Ping{}, cmd)
}

func TestSendImmediatelyAfterRegister(t *testing.T) {
	store := newRecordingStore()
	client, conn := register(t, store, nil)

	// No events have arrived yet; the registered connection must already be
	// current for outbound traffic.
	client.SendMessage(42, "p1", []byte{0x2A})

	cmd := conn.NextCommandSkipPings(waitTimeout)
	assert.Equal(t, wire.SendMessage{RoomID: 42, UserID: "p1", Data: []byte{0x2A}}, cmd)
}

func TestCloseImmediatelyAfterRegister(t *testing.T) {
	store := newRecordingStore()
	client, _ := register(t, store, nil)

	done := make(chan struct{})
	go func() {
		client.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("Close did not return with a live connection")
	}
}
