package domain

// Entitlements lists which kinds of media a participant may publish.
type Entitlements struct {
	Audio  bool `json:"audio"`
	Video  bool `json:"video"`
	Screen bool `json:"screen"`
	Canvas bool `json:"canvas"`
	Data   bool `json:"data"`
}

// Allows reports whether every capability in kinds is entitled.
func (e Entitlements) Allows(kinds StreamKind) bool {
	checks := []struct {
		kind    StreamKind
		allowed bool
	}{
		{KindAudio, e.Audio},
		{KindVideo, e.Video},
		{KindScreen, e.Screen},
		{KindCanvas, e.Canvas},
		{KindData, e.Data},
	}
	for _, c := range checks {
		if kinds.Has(c.kind) && !c.allowed {
			return false
		}
	}
	return true
}

// RoomSettings are the session defaults carried in the join token.
type RoomSettings struct {
	RoomID        RoomID       `json:"room_id"`
	UserName      string       `json:"name"`
	Role          Role         `json:"role"`
	QualityTier   string       `json:"quality,omitempty"`
	Media         Entitlements `json:"media"`
	MinResolution Resolution   `json:"min_resolution"`
	MaxResolution Resolution   `json:"max_resolution"`
	MaxVideoBW    int          `json:"max_video_bw,omitempty"`
	MinVideoBW    int          `json:"min_video_bw,omitempty"`
	MaxVideoFPS   int          `json:"max_video_fps,omitempty"`
	WaitingRoom   bool         `json:"waiting_room"`
}

// JoinToken is an opaque credential plus the settings decoded from it.
type JoinToken struct {
	Raw      string
	Settings RoomSettings
}
