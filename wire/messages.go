package wire

// Frame types sent from the coordinator to a store.
const (
	TypeNewState        uint8 = 0
	TypeSubscribeUser   uint8 = 1
	TypeUnsubscribeUser uint8 = 2
	TypeMessage         uint8 = 3
)

// Frame types sent from a store to the coordinator.
const (
	TypeSendMessage     uint8 = 0
	TypeCloseConnection uint8 = 1
	TypePing            uint8 = 2
)

// Frame types on the length-prefixed client transport. Type 0 doubles as
// the handshake-accepted marker in the first server frame; any other first
// type byte is a rejection carrying that value as an error code.
const (
	TypeClientData uint8 = 0
	TypeClientPing uint8 = 1
)

// Event is one decoded coordinator-to-store frame. The set of
// implementations is closed: NewState, SubscribeUser, UnsubscribeUser,
// Message, and Unknown for forward compatibility.
type Event interface {
	isEvent()
}

// NewState announces room creation and ownership assignment.
type NewState struct {
	RoomID uint64
	UserID string
	Data   []byte
}

// SubscribeUser announces that a user joined a room.
type SubscribeUser struct {
	RoomID uint64
	UserID string
}

// UnsubscribeUser announces that a user left a room.
type UnsubscribeUser struct {
	RoomID uint64
	UserID string
}

// Message carries an opaque client payload for a room member.
type Message struct {
	RoomID uint64
	UserID string
	Data   []byte
}

// Unknown wraps a frame with an unrecognized type byte. Receivers log and
// ignore it; it is never an error.
type Unknown struct {
	Type    uint8
	Payload []byte
}

func (NewState) isEvent()        {}
func (SubscribeUser) isEvent()   {}
func (UnsubscribeUser) isEvent() {}
func (Message) isEvent()         {}
func (Unknown) isEvent()         {}

// ParseEvent decodes one coordinator-to-store frame body (type byte plus
// payload) into its Event variant. Unrecognized type bytes decode to Unknown.
//
// Postcondition: returns a non-nil Event, or a non-nil error if the payload
// is truncated for its declared type.
func ParseEvent(body []byte) (Event, error) {
	r := NewReader(body)
	switch t := r.Uint8(); t {
	case TypeNewState:
		ev := NewState{RoomID: r.Uint64(), UserID: r.String(), Data: r.Rest()}
		return ev, r.Err()
	case TypeSubscribeUser:
		ev := SubscribeUser{RoomID: r.Uint64(), UserID: r.String()}
		return ev, r.Err()
	case TypeUnsubscribeUser:
		ev := UnsubscribeUser{RoomID: r.Uint64(), UserID: r.String()}
		return ev, r.Err()
	case TypeMessage:
		ev := Message{RoomID: r.Uint64(), UserID: r.String(), Data: r.Rest()}
		return ev, r.Err()
	default:
		return Unknown{Type: t, Payload: r.Rest()}, r.Err()
	}
}

// EncodeNewState frames a NEW_STATE event, length prefix included.
func EncodeNewState(roomID uint64, userID string, data []byte) []byte {
	return NewWriter().Uint8(TypeNewState).Uint64(roomID).String(userID).Bytes(data).Frame()
}

// EncodeSubscribeUser frames a SUBSCRIBE_USER event, length prefix included.
func EncodeSubscribeUser(roomID uint64, userID string) []byte {
	return NewWriter().Uint8(TypeSubscribeUser).Uint64(roomID).String(userID).Frame()
}

// EncodeUnsubscribeUser frames an UNSUBSCRIBE_USER event, length prefix included.
func EncodeUnsubscribeUser(roomID uint64, userID string) []byte {
	return NewWriter().Uint8(TypeUnsubscribeUser).Uint64(roomID).String(userID).Frame()
}

// EncodeMessage frames a MESSAGE event, length prefix included.
func EncodeMessage(roomID uint64, userID string, data []byte) []byte {
	return NewWriter().Uint8(TypeMessage).Uint64(roomID).String(userID).Bytes(data).Frame()
}

// EncodeSendMessage frames a store-to-coordinator directed send, length
// prefix included.
func EncodeSendMessage(roomID uint64, userID string, data []byte) []byte {
	return NewWriter().Uint8(TypeSendMessage).Uint64(roomID).String(userID).Bytes(data).Frame()
}

// EncodeCloseConnection frames a store-to-coordinator forced disconnect,
// length prefix included.
func EncodeCloseConnection(roomID uint64, userID string) []byte {
	return NewWriter().Uint8(TypeCloseConnection).Uint64(roomID).String(userID).Frame()
}

// EncodePing frames the liveness probe, length prefix included.
func EncodePing() []byte {
	return NewWriter().Uint8(TypePing).Frame()
}

// Command is one decoded store-to-coordinator frame. Used by in-process
// coordinator doubles; a production coordinator is a separate system.
type Command interface {
	isCommand()
}

// SendMessage directs the coordinator to deliver data to one room member.
type SendMessage struct {
	RoomID uint64
	UserID string
	Data   []byte
}

// CloseConnection directs the coordinator to drop one member's session.
type CloseConnection struct {
	RoomID uint64
	UserID string
}

// Ping is the periodic liveness probe.
type Ping struct{}

// UnknownCommand wraps a frame with an unrecognized type byte.
type UnknownCommand struct {
	Type    uint8
	Payload []byte
}

func (SendMessage) isCommand()     {}
func (CloseConnection) isCommand() {}
func (Ping) isCommand()            {}
func (UnknownCommand) isCommand()  {}

// ParseCommand decodes one store-to-coordinator frame body into its Command
// variant. Unrecognized type bytes decode to UnknownCommand.
func ParseCommand(body []byte) (Command, error) {
	r := NewReader(body)
	switch t := r.Uint8(); t {
	case TypeSendMessage:
		cmd := SendMessage{RoomID: r.Uint64(), UserID: r.String(), Data: r.Rest()}
		return cmd, r.Err()
	case TypeCloseConnection:
		cmd := CloseConnection{RoomID: r.Uint64(), UserID: r.String()}
		return cmd, r.Err()
	case TypePing:
		return Ping{}, r.Err()
	default:
		return UnknownCommand{Type: t, Payload: r.Rest()}, r.Err()
	}
}
