package server

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/npezzotti/lobbyd/internal/types"
	"github.com/teris-io/shortid"
)

// Inbound event names.
const (
	EventCreateRoom  = "create_room"
	EventJoinRoom    = "join_room"
	EventSendMessage = "send_message"
	EventGetMessages = "get_messages"
	EventGetRoomInfo = "get_room_info"
	EventStartGame   = "start_game"
	EventDeleteRoom  = "delete_room"
	EventLeaveRoom   = "leave_room"
	EventJoin        = "join"
	EventPing        = "ping"
)

// Outbound event names.
const (
	EventRoomCreated             = "room_created"
	EventRoomJoined              = "room_joined"
	EventRoomLeft                = "room_left"
	EventRoomUsersUpdated        = "room_users_updated"
	EventNewMessage              = "new_message"
	EventMessageHistory          = "message_history"
	EventRoomInfo                = "room_info"
	EventGameStarted             = "game_started"
	EventHostExplanationStarted  = "host_explanation_started"
	EventHostMessage             = "host_message"
	EventHostExplanationFinished = "host_explanation_finished"
	EventRoomDeleted             = "room_deleted"
	EventJoined                  = "joined"
	EventPong                    = "pong"
	EventError                   = "error"
)

// ClientMessage is an inbound frame. Data is decoded by the handler for
// the event.
type ClientMessage struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
	client *Client
}

func (m *ClientMessage) decode(v any) error {
	if len(m.Data) == 0 || string(m.Data) == "null" {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

type CreateRoom struct {
	RoomCode string `json:"roomCode"`
}

type JoinRoom struct {
	User     string `json:"user"`
	RoomCode string `json:"roomCode"`
}

type SendMessage struct {
	Content string `json:"content"`
}

type GetMessages struct {
	Limit int `json:"limit,omitempty"`
}

type DeleteRoom struct {
	RoomCode string `json:"roomCode"`
}

type Join struct {
	User string `json:"user"`
}

type ServerMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type RoomCreated struct {
	RoomCode  string `json:"roomCode"`
	Timestamp int64  `json:"timestamp"`
}

type RoomJoined struct {
	User         string          `json:"user"`
	ConnectionId string          `json:"connectionId"`
	RoomCode     string          `json:"roomCode"`
	Timestamp    int64           `json:"timestamp"`
	Messages     []types.Message `json:"messages"`
	Users        []types.User    `json:"users"`
}

type RoomLeft struct {
	RoomCode  string `json:"roomCode"`
	Timestamp int64  `json:"timestamp"`
}

type RoomUsersUpdated struct {
	RoomCode   string       `json:"roomCode"`
	Users      []types.User `json:"users"`
	TotalUsers int          `json:"totalUsers"`
	Timestamp  int64        `json:"timestamp"`
}

type MessageHistory struct {
	Messages []types.Message `json:"messages"`
	RoomCode string          `json:"roomCode"`
}

type CurrentUser struct {
	User         string `json:"user"`
	ConnectionId string `json:"connectionId"`
	RoomCode     string `json:"roomCode"`
}

type RoomInfo struct {
	RoomCode    string          `json:"roomCode"`
	Users       []types.User    `json:"users"`
	TotalUsers  int             `json:"totalUsers"`
	CurrentUser CurrentUser     `json:"currentUser"`
	RoomInfo    *types.RoomInfo `json:"roomInfo"`
	Messages    []types.Message `json:"messages"`
	Phase       types.Phase     `json:"phase"`
}

type GameStarted struct {
	RoomCode  string `json:"roomCode"`
	StartedBy string `json:"startedBy"`
	Timestamp int64  `json:"timestamp"`
}

type HostMessage struct {
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

type RoomDeleted struct {
	RoomCode  string `json:"roomCode"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type Joined struct {
	User         string `json:"user"`
	ConnectionId string `json:"connectionId"`
	Timestamp    int64  `json:"timestamp"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

type Error struct {
	Message string `json:"message"`
}

func NewServerMessage(event string, data any) *ServerMessage {
	if data == nil {
		data = struct{}{}
	}
	return &ServerMessage{Event: event, Data: data}
}

func ErrMessage(msg string) *ServerMessage {
	return NewServerMessage(EventError, Error{Message: msg})
}

func ErrServiceUnavailable() *ServerMessage {
	return ErrMessage("service unavailable")
}

func ErrInvalidMessage() *ServerMessage {
	return ErrMessage("invalid message format")
}

func ErrNotInRoom() *ServerMessage {
	return ErrMessage(types.ErrNotInRoom.Message)
}

// ErrFromError reports err to a client, hiding internal detail behind
// fallback.
func ErrFromError(err error, fallback string) *ServerMessage {
	return ErrMessage(types.ClientMessage(err, fallback))
}

// Now returns the current time in Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

var messageSeq atomic.Uint64

// newMessageId returns an id that sorts by timestamp and, within one
// millisecond, by creation order in this process.
func newMessageId(ts int64) string {
	seq := messageSeq.Add(1) % 1_000_000
	suffix, err := shortid.Generate()
	if err != nil {
		suffix = fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return fmt.Sprintf("msg_%013d_%06d_%s", ts, seq, suffix)
}
