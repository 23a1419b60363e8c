package domain

import (
	"errors"
	"fmt"
)

var (
	ErrStreamNotFound     = errors.New("stream not found")
	ErrSessionNotFound    = errors.New("session not found")
	ErrNoResult           = errors.New("signaling returned no result")
	ErrConnectionLost     = errors.New("signaling connection lost")
	ErrGatewayClosed      = errors.New("signaling gateway closed")
	ErrNoTrackSource      = errors.New("no track source configured")
	ErrUnsupportedTrack   = errors.New("unsupported track implementation")
	ErrStreamNotPublished = errors.New("stream is not published")
)

// Server error codes carried on failed signaling responses.
const (
	ServerCodeRoomFull                      = "room_full"
	ServerCodeSingleParticipantReconnecting = "single_participant_reconnecting"
	ServerCodeModeratorAbsent               = "moderator_absent"
	ServerCodeInvalidToken                  = "invalid_token"
	ServerCodeRoomClosed                    = "room_closed"
)

// ServerError is a rejection reported by the signaling server.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server rejected request: %s: %s", e.Code, e.Message)
}

// Fatal reports whether the rejection makes the room unjoinable for
// automatic recovery.
func (e *ServerError) Fatal() bool {
	switch e.Code {
	case ServerCodeRoomFull, ServerCodeSingleParticipantReconnecting, ServerCodeRoomClosed, ServerCodeInvalidToken:
		return true
	default:
		return false
	}
}
