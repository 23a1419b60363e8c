package domain

// Inbound signaling events.
const (
	SignalStreamAdded      = "stream-added"
	SignalStreamRemoved    = "stream-removed"
	SignalUserConnected    = "user-connected"
	SignalUserDisconnected = "user-disconnected"
	SignalSignalingMessage = "signaling-message"
	SignalActiveTalkers    = "active-talkers"
	SignalBandwidthAlert   = "bandwidth-alert"
	SignalFloorRequested   = "floor-requested"
	SignalFloorCancelled   = "floor-cancelled"
	SignalFloorGranted     = "floor-granted"
	SignalFloorDenied      = "floor-denied"
	SignalFloorReleased    = "floor-released"
	SignalFloorInvited     = "floor-invited"
	SignalInviteAccepted   = "floor-invite-accepted"
	SignalInviteRejected   = "floor-invite-rejected"
	SignalHardMute         = "hard-mute"
	SignalRecordingChanged = "recording-changed"
	SignalStreamingChanged = "streaming-changed"
	SignalRoomLockChanged  = "room-lock-changed"
	SignalBreakoutInvite   = "breakout-invite"
	SignalBreakoutCreated  = "breakout-created"
	SignalCustomMessage    = "custom-message"
	SignalRoomClosed       = "room-closed"
	SignalUserRoleChanged  = "user-role-changed"
)

// Outbound request names.
const (
	RequestToken          = "token"
	RequestPublish        = "publish"
	RequestUnpublish      = "unpublish"
	RequestSubscribe      = "subscribe"
	RequestUnsubscribe    = "unsubscribe"
	RequestLeave          = "leave"
	RequestFloor          = "request-floor"
	RequestCancelFloor    = "cancel-floor"
	RequestGrantFloor     = "grant-floor"
	RequestDenyFloor      = "deny-floor"
	RequestReleaseFloor   = "release-floor"
	RequestInviteFloor    = "invite-floor"
	RequestAcceptInvite   = "accept-floor-invite"
	RequestRejectInvite   = "reject-floor-invite"
	RequestSelfMute       = "self-mute"
	RequestHardMute       = "hard-mute-room"
	RequestRecording      = "recording"
	RequestStreaming      = "streaming"
	RequestRoomLock       = "room-lock"
	RequestCreateBreakout = "create-breakout"
	RequestInviteBreakout = "invite-breakout"
	RequestCustomMessage  = "custom-message"
	RequestMediaMode      = "media-mode"
)

type PublishRequest struct {
	Kinds      StreamKind        `json:"kinds"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Options    PublishOptions    `json:"options"`
}

type SubscribeRequest struct {
	StreamID StreamID         `json:"stream_id"`
	Options  SubscribeOptions `json:"options"`
}

// SignalingEnvelope wraps a negotiation message for a stream.
type SignalingEnvelope struct {
	StreamID StreamID         `json:"stream_id"`
	Message  SignalingMessage `json:"message"`
}

type ActiveTalker struct {
	StreamID  StreamID `json:"stream_id"`
	ClientID  ClientID `json:"client_id"`
	MediaMode string   `json:"media_mode,omitempty"`
}

type BreakoutRequest struct {
	Name         string     `json:"name"`
	Participants int        `json:"participants"`
	Audio        bool       `json:"audio"`
	Video        bool       `json:"video"`
	Invitees     []ClientID `json:"invitees,omitempty"`
}
