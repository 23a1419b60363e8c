package domain

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventRoomConnected           EventType = "room-connected"
	EventRoomDisconnected        EventType = "room-disconnected"
	EventRoomError               EventType = "room-error"
	EventStreamAdded             EventType = "stream-added"
	EventStreamRemoved           EventType = "stream-removed"
	EventStreamPublished         EventType = "stream-published"
	EventStreamSubscribed        EventType = "stream-subscribed"
	EventStreamFailed            EventType = "stream-failed"
	EventStreamPublishFailed     EventType = "stream-publish-failed"
	EventStreamSubscribeFailed   EventType = "stream-subscribe-failed"
	EventStreamReconnecting      EventType = "stream-reconnecting"
	EventStreamReconnected       EventType = "stream-reconnected"
	EventUserConnected           EventType = "user-connected"
	EventUserDisconnected        EventType = "user-disconnected"
	EventActiveTalkersUpdated    EventType = "active-talkers-updated"
	EventBandwidthAlert          EventType = "bandwidth-alert"
	EventNetworkDisconnected     EventType = "network-disconnected"
	EventNetworkReconnected      EventType = "network-reconnected"
	EventNetworkReconnectTimeout EventType = "network-reconnect-timeout"
	EventFloorRequested          EventType = "floor-requested"
	EventFloorCancelled          EventType = "floor-cancelled"
	EventFloorGranted            EventType = "floor-granted"
	EventFloorDenied             EventType = "floor-denied"
	EventFloorReleased           EventType = "floor-released"
	EventFloorInvited            EventType = "floor-invited"
	EventFloorInviteAccepted     EventType = "floor-invite-accepted"
	EventFloorInviteRejected     EventType = "floor-invite-rejected"
	EventHardMuted               EventType = "hard-muted"
	EventHardUnmuted             EventType = "hard-unmuted"
	EventRecordingChanged        EventType = "recording-changed"
	EventStreamingChanged        EventType = "streaming-changed"
	EventRoomLockChanged         EventType = "room-lock-changed"
	EventBreakoutInvite          EventType = "breakout-invite"
	EventBreakoutCreated         EventType = "breakout-created"
	EventMessageReceived         EventType = "message-received"
)

// Event is one variant of the room's notification union.
type Event interface {
	Type() EventType
}

type RoomEvent struct {
	Kind    EventType
	Room    RoomMeta
	Streams []*Stream
	Users   []User
	Reason  string
	Err     error
}

func (e RoomEvent) Type() EventType { return e.Kind }

type StreamEvent struct {
	Kind    EventType
	Stream  *Stream
	ID      StreamID
	Local   bool
	Attempt int
	Err     error
}

func (e StreamEvent) Type() EventType { return e.Kind }

type UserEvent struct {
	Kind EventType
	User User
}

func (e UserEvent) Type() EventType { return e.Kind }

type NetworkEvent struct {
	Kind    EventType
	Attempt int
	Elapsed time.Duration
	Err     error
}

func (e NetworkEvent) Type() EventType { return e.Kind }

type FloorEvent struct {
	Kind      EventType
	ClientID  ClientID
	Moderator ClientID
	Requests  []ClientID
	Approved  []ClientID
}

func (e FloorEvent) Type() EventType { return e.Kind }

type ModerationEvent struct {
	Kind      EventType
	Media     MediaKind
	Enabled   bool
	Moderator ClientID
	Detail    string
}

func (e ModerationEvent) Type() EventType { return e.Kind }

type TalkersEvent struct {
	Kind    EventType
	Talkers []ActiveTalker
}

func (e TalkersEvent) Type() EventType { return e.Kind }

type BandwidthEvent struct {
	Kind     EventType
	StreamID StreamID
	Level    string
}

func (e BandwidthEvent) Type() EventType { return e.Kind }

type BreakoutEvent struct {
	Kind    EventType
	RoomID  RoomID
	Payload json.RawMessage
}

func (e BreakoutEvent) Type() EventType { return e.Kind }

type MessageEvent struct {
	Kind    EventType
	From    ClientID
	Payload json.RawMessage
}

func (e MessageEvent) Type() EventType { return e.Kind }
