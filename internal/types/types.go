package types

// User is a member of a room. A display name is unique within its room.
type User struct {
	DisplayName  string `json:"user"`
	ConnectionId string `json:"connectionId"`
	RoomCode     string `json:"roomCode"`
	JoinedAt     int64  `json:"joinedAt"`
}

// Message is an immutable chat line in a room's timeline.
type Message struct {
	MessageId string `json:"messageId"`
	Content   string `json:"content"`
	Author    string `json:"author"`
	RoomCode  string `json:"roomCode"`
	Timestamp int64  `json:"timestamp"`
}

// RoomInfo is recomputed from the membership set every time a room is touched.
type RoomInfo struct {
	RoomCode     string `json:"roomCode"`
	CreatedAt    int64  `json:"createdAt"`
	LastActivity int64  `json:"lastActivity"`
	UserCount    int    `json:"userCount"`
}

type Phase string

const (
	PhaseLobby  Phase = "lobby"
	PhaseActive Phase = "active"
)
