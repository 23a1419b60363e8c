package domain

type ClientID string
type RoomID string

// SessionState is the connection state of a room session.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

type Role string

const (
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
)

type User struct {
	ClientID ClientID `json:"client_id"`
	Name     string   `json:"name"`
	Role     Role     `json:"role"`
}

// RoomMeta is the room snapshot delivered on join and kept current by
// room management events.
type RoomMeta struct {
	ID        RoomID            `json:"id"`
	Name      string            `json:"name"`
	Mode      string            `json:"mode"`
	Locked    bool              `json:"locked"`
	Recording bool              `json:"recording"`
	Streaming bool              `json:"streaming"`
	Settings  map[string]string `json:"settings,omitempty"`
}

// ReconnectInfo lets the server resume the prior session context.
type ReconnectInfo struct {
	IsReconnecting bool     `json:"is_reconnecting"`
	Attempt        int      `json:"reconnect_attempt"`
	ClientID       ClientID `json:"client_id"`
	RoomID         RoomID   `json:"room_id"`
	Role           Role     `json:"role"`
	Name           string   `json:"name"`
}

type ClientInfo struct {
	Name        string   `json:"name"`
	Platform    string   `json:"platform"`
	SDKVersion  string   `json:"sdk_version"`
	VideoCodecs []string `json:"video_codecs,omitempty"`
}

// ConnectRequest is sent to join (or rejoin) a room.
type ConnectRequest struct {
	Token     string         `json:"token"`
	Client    ClientInfo     `json:"client"`
	Reconnect *ReconnectInfo `json:"reconnect,omitempty"`
}

// JoinResponse is the server's answer to a successful connect.
type JoinResponse struct {
	ClientID ClientID     `json:"client_id"`
	Role     Role         `json:"role"`
	Room     RoomMeta     `json:"room"`
	Streams  []StreamInfo `json:"streams"`
	Users    []User       `json:"users"`
}
