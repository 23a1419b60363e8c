package domain

import (
	"encoding/json"
	"strings"
	"sync"
)

// StreamID is assigned by the server on publish. The zero value means the
// stream is not published.
type StreamID string

// StreamKind is a set of media capabilities.
type StreamKind uint8

const (
	KindAudio StreamKind = 1 << iota
	KindVideo
	KindScreen
	KindCanvas
	KindData
)

var kindNames = []struct {
	kind StreamKind
	name string
}{
	{KindAudio, "audio"},
	{KindVideo, "video"},
	{KindScreen, "screen"},
	{KindCanvas, "canvas"},
	{KindData, "data"},
}

func (k StreamKind) Has(flag StreamKind) bool { return k&flag == flag }

func (k StreamKind) String() string {
	var parts []string
	for _, kn := range kindNames {
		if k.Has(kn.kind) {
			parts = append(parts, kn.name)
		}
	}
	return strings.Join(parts, "|")
}

func (k StreamKind) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, len(kindNames))
	for _, kn := range kindNames {
		if k.Has(kn.kind) {
			names = append(names, kn.name)
		}
	}
	return json.Marshal(names)
}

func (k *StreamKind) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*k = 0
	for _, name := range names {
		for _, kn := range kindNames {
			if kn.name == name {
				*k |= kn.kind
			}
		}
	}
	return nil
}

type ConnectionState int

const (
	ConnNone ConnectionState = iota
	ConnNegotiating
	ConnConnected
	ConnFailed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnNegotiating:
		return "negotiating"
	case ConnConnected:
		return "connected"
	case ConnFailed:
		return "failed"
	default:
		return "none"
	}
}

type ReconnectPhase int

const (
	PhaseStable ReconnectPhase = iota
	PhaseReconnecting
	PhaseFailed
)

func (p ReconnectPhase) String() string {
	switch p {
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseFailed:
		return "failed"
	default:
		return "stable"
	}
}

// ReconnectState is the per-stream recovery state. Attempt counts
// consecutive reconnections without reaching connected.
type ReconnectState struct {
	Phase   ReconnectPhase
	Attempt int
}

type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// StreamInfo describes a stream as advertised by the server.
type StreamInfo struct {
	ID         StreamID          `json:"id"`
	Owner      ClientID          `json:"client_id"`
	Kinds      StreamKind        `json:"kinds"`
	Attributes map[string]string `json:"attributes,omitempty"`
	VideoCodec string            `json:"video_codec,omitempty"`
	Resolution Resolution        `json:"resolution"`
}

type PublishOptions struct {
	MaxVideoBW  int        `json:"max_video_bw,omitempty"`
	MinVideoBW  int        `json:"min_video_bw,omitempty"`
	MaxVideoFPS int        `json:"max_video_fps,omitempty"`
	Resolution  Resolution `json:"resolution"`
	VideoCodec  string     `json:"video_codec,omitempty"`
}

type SubscribeOptions struct {
	Audio      bool   `json:"audio"`
	Video      bool   `json:"video"`
	Data       bool   `json:"data"`
	VideoCodec string `json:"video_codec,omitempty"`
	MaxVideoBW int    `json:"max_video_bw,omitempty"`
}

// Stream is a handle to one local or remote media stream. It is shared
// between the application and the room, so all state sits behind mu.
// Recovery state is only changed through the reconnect methods, which the
// room's coordinator owns.
type Stream struct {
	mu sync.RWMutex

	id     StreamID
	local  bool
	kinds  StreamKind
	info   StreamInfo
	tracks []Track

	conn       MediaConnection
	generation uint64
	connState  ConnectionState
	reconnect  ReconnectState

	selfMuted map[MediaKind]bool
	hardMuted map[MediaKind]bool

	attributes map[string]string
	publish    PublishOptions
	subscribe  SubscribeOptions
	heldMode   string
}

// NewLocalStream creates an unpublished local stream.
func NewLocalStream(kinds StreamKind, tracks []Track, attributes map[string]string) *Stream {
	return &Stream{
		local:      true,
		kinds:      kinds,
		tracks:     append([]Track(nil), tracks...),
		selfMuted:  make(map[MediaKind]bool),
		hardMuted:  make(map[MediaKind]bool),
		attributes: copyAttributes(attributes),
	}
}

// NewRemoteStream creates a handle for a stream advertised by the server.
func NewRemoteStream(info StreamInfo) *Stream {
	return &Stream{
		id:         info.ID,
		kinds:      info.Kinds,
		info:       info,
		selfMuted:  make(map[MediaKind]bool),
		hardMuted:  make(map[MediaKind]bool),
		attributes: copyAttributes(info.Attributes),
	}
}

func copyAttributes(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *Stream) ID() StreamID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

func (s *Stream) SetID(id StreamID) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

func (s *Stream) ClearID() { s.SetID("") }

func (s *Stream) IsLocal() bool { return s.local }

func (s *Stream) Kinds() StreamKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kinds
}

func (s *Stream) HasAudio() bool  { return s.Kinds().Has(KindAudio) }
func (s *Stream) HasVideo() bool  { return s.Kinds().Has(KindVideo) }
func (s *Stream) HasData() bool   { return s.Kinds().Has(KindData) }
func (s *Stream) HasScreen() bool { return s.Kinds().Has(KindScreen) }

// Info returns the server advertisement for remote streams.
func (s *Stream) Info() StreamInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := s.info
	info.Attributes = copyAttributes(s.attributes)
	return info
}

func (s *Stream) Owner() ClientID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info.Owner
}

func (s *Stream) Attributes() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyAttributes(s.attributes)
}

func (s *Stream) SetAttributes(attrs map[string]string) {
	s.mu.Lock()
	s.attributes = copyAttributes(attrs)
	s.mu.Unlock()
}

func (s *Stream) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Track(nil), s.tracks...)
}

func (s *Stream) SetTracks(tracks []Track) {
	s.mu.Lock()
	s.tracks = append([]Track(nil), tracks...)
	s.mu.Unlock()
}

func (s *Stream) AddTrack(track Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, track)
	s.mu.Unlock()
}

// StopTracks ends every track and forgets them.
func (s *Stream) StopTracks() {
	s.mu.Lock()
	tracks := s.tracks
	s.tracks = nil
	s.mu.Unlock()
	for _, t := range tracks {
		t.Stop()
	}
}

// TracksLive reports whether the stream has tracks and none of them ended.
func (s *Stream) TracksLive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.tracks) == 0 {
		return false
	}
	for _, t := range s.tracks {
		if t.ReadyState() != TrackLive {
			return false
		}
	}
	return true
}

// Healthy reports false when any enabled track is no longer live.
// Disabled (muted) tracks never count against health.
func (s *Stream) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tracks {
		if t.Enabled() && t.ReadyState() != TrackLive {
			return false
		}
	}
	return true
}

// AttachConnection installs conn and returns the negotiation generation
// that its events must carry to be accepted.
func (s *Stream) AttachConnection(conn MediaConnection) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.conn = conn
	s.connState = ConnNegotiating
	return s.generation
}

// DetachConnection removes and returns the current connection. Events from
// the detached connection are ignored afterwards.
func (s *Stream) DetachConnection() MediaConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.conn
	s.conn = nil
	s.generation++
	s.connState = ConnNone
	return conn
}

func (s *Stream) Connection() MediaConnection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

func (s *Stream) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// IsCurrent reports whether gen is the live negotiation generation.
func (s *Stream) IsCurrent(gen uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation == gen && s.conn != nil
}

// Invalidate retires generation gen so that later events from the same
// negotiation are dropped. It returns false if gen was already stale.
func (s *Stream) Invalidate(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return false
	}
	s.generation++
	s.connState = ConnFailed
	return true
}

func (s *Stream) ConnState() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connState
}

func (s *Stream) SetConnState(state ConnectionState) {
	s.mu.Lock()
	s.connState = state
	s.mu.Unlock()
}

func (s *Stream) ReconnectState() ReconnectState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconnect
}

// BeginReconnect moves the stream into Reconnecting and returns the new
// attempt number. A failed stream stays failed.
func (s *Stream) BeginReconnect() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconnect.Phase == PhaseFailed {
		return s.reconnect.Attempt, false
	}
	s.reconnect.Phase = PhaseReconnecting
	s.reconnect.Attempt++
	return s.reconnect.Attempt, true
}

// SettleReconnect leaves the reconnect flight after a failure without
// resetting the attempt count.
func (s *Stream) SettleReconnect() {
	s.mu.Lock()
	if s.reconnect.Phase == PhaseReconnecting {
		s.reconnect.Phase = PhaseStable
	}
	s.mu.Unlock()
}

// MarkConnected resets recovery state. It returns whether a reconnect was
// in flight and false without changes if the stream already failed.
func (s *Stream) MarkConnected() (wasReconnecting bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconnect.Phase == PhaseFailed {
		return false, false
	}
	wasReconnecting = s.reconnect.Phase == PhaseReconnecting || s.reconnect.Attempt > 0
	s.reconnect = ReconnectState{Phase: PhaseStable}
	s.connState = ConnConnected
	return wasReconnecting, true
}

func (s *Stream) MarkFailed() {
	s.mu.Lock()
	s.reconnect.Phase = PhaseFailed
	s.connState = ConnFailed
	s.mu.Unlock()
}

// ResetReconnect clears recovery state, used when the stream is replayed
// into a fresh session.
func (s *Stream) ResetReconnect() {
	s.mu.Lock()
	s.reconnect = ReconnectState{}
	s.mu.Unlock()
}

func (s *Stream) Reconnecting() bool {
	return s.ReconnectState().Phase == PhaseReconnecting
}

func (s *Stream) SelfMuted(kind MediaKind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selfMuted[kind]
}

func (s *Stream) HardMuted(kind MediaKind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hardMuted[kind]
}

func (s *Stream) SetSelfMuted(kind MediaKind, muted bool) {
	s.mu.Lock()
	s.selfMuted[kind] = muted
	s.mu.Unlock()
	s.applyEnabled(kind)
}

func (s *Stream) SetHardMuted(kind MediaKind, muted bool) {
	s.mu.Lock()
	s.hardMuted[kind] = muted
	s.mu.Unlock()
	s.applyEnabled(kind)
}

// applyEnabled enables tracks of kind only when neither mute flag is set.
func (s *Stream) applyEnabled(kind MediaKind) {
	s.mu.RLock()
	enabled := !s.selfMuted[kind] && !s.hardMuted[kind]
	tracks := append([]Track(nil), s.tracks...)
	s.mu.RUnlock()
	for _, t := range tracks {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}

func (s *Stream) PublishOptions() PublishOptions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publish
}

func (s *Stream) SetPublishOptions(opts PublishOptions) {
	s.mu.Lock()
	s.publish = opts
	s.mu.Unlock()
}

func (s *Stream) SubscribeOptions() SubscribeOptions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribe
}

func (s *Stream) SetSubscribeOptions(opts SubscribeOptions) {
	s.mu.Lock()
	s.subscribe = opts
	s.mu.Unlock()
}

// HoldMediaMode stores a media mode change that arrived while the stream
// was reconnecting.
func (s *Stream) HoldMediaMode(mode string) {
	s.mu.Lock()
	s.heldMode = mode
	s.mu.Unlock()
}

// TakeHeldMediaMode returns and clears the held media mode.
func (s *Stream) TakeHeldMediaMode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	mode := s.heldMode
	s.heldMode = ""
	return mode
}

// ReapplyMutes pushes the mute flags onto freshly attached tracks.
func (s *Stream) ReapplyMutes() {
	s.applyEnabled(MediaAudio)
	s.applyEnabled(MediaVideo)
}

// HasMedia reports whether the stream carries any audio or video capability.
func (s *Stream) HasMedia() bool {
	k := s.Kinds()
	return k.Has(KindAudio) || k.Has(KindVideo) || k.Has(KindScreen) || k.Has(KindCanvas)
}
