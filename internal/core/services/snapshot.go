package services

import "confroom/internal/core/domain"

type StreamSnapshot struct {
	ID        domain.StreamID `json:"id"`
	Local     bool            `json:"local"`
	Kinds     string          `json:"kinds"`
	ConnState string          `json:"conn_state"`
	Phase     string          `json:"reconnect_phase"`
	Attempt   int             `json:"reconnect_attempt"`
	Tracks    []TrackSnapshot `json:"tracks,omitempty"`
}

type TrackSnapshot struct {
	ID      string              `json:"id"`
	Kind    domain.MediaKind    `json:"kind"`
	Enabled bool                `json:"enabled"`
	Live    bool                `json:"live"`
	Sender  *domain.SenderStats `json:"sender,omitempty"`
}

// RoomSnapshot is a point-in-time view of the session for diagnostics.
type RoomSnapshot struct {
	State               string            `json:"state"`
	ClientID            domain.ClientID   `json:"client_id"`
	Role                domain.Role       `json:"role"`
	Room                domain.RoomMeta   `json:"room"`
	ReconnectionAllowed bool              `json:"reconnection_allowed"`
	Reconnecting        bool              `json:"reconnecting"`
	ConnectAttempt      int               `json:"connect_attempt"`
	ReconnectAttempt    int               `json:"reconnect_attempt"`
	HealthMonitorActive bool              `json:"health_monitor_active"`
	Users               []domain.User     `json:"users"`
	LocalStreams        []StreamSnapshot  `json:"local_streams"`
	RemoteStreams       []StreamSnapshot  `json:"remote_streams"`
	PendingStreams      []StreamSnapshot  `json:"pending_streams"`
	FloorRequests       []domain.ClientID `json:"floor_requests"`
	FloorApproved       []domain.ClientID `json:"floor_approved"`
}

func (r *Room) Snapshot() RoomSnapshot {
	r.mu.Lock()
	snap := RoomSnapshot{
		State:               r.state.String(),
		ClientID:            r.clientID,
		Role:                r.role,
		Room:                r.meta,
		ReconnectionAllowed: r.reconnectionAllowed,
		Reconnecting:        r.reconnecting,
		ConnectAttempt:      r.connectAttempt,
		ReconnectAttempt:    r.reconnectAttempt,
	}
	r.mu.Unlock()

	snap.HealthMonitorActive = r.health.Active()
	snap.Users = r.Users()
	snap.LocalStreams = snapshotStreams(r.local.Snapshot())
	snap.RemoteStreams = snapshotStreams(r.remote.Snapshot())
	snap.PendingStreams = snapshotStreams(r.pending.Snapshot())
	snap.FloorRequests = r.floor.Requests()
	snap.FloorApproved = r.floor.Approved()
	return snap
}

func snapshotStreams(streams []*domain.Stream) []StreamSnapshot {
	out := make([]StreamSnapshot, 0, len(streams))
	for _, s := range streams {
		rs := s.ReconnectState()
		out = append(out, StreamSnapshot{
			ID:        s.ID(),
			Local:     s.IsLocal(),
			Kinds:     s.Kinds().String(),
			ConnState: s.ConnState().String(),
			Phase:     rs.Phase.String(),
			Attempt:   rs.Attempt,
			Tracks:    snapshotTracks(s.Tracks()),
		})
	}
	return out
}

func snapshotTracks(tracks []domain.Track) []TrackSnapshot {
	if len(tracks) == 0 {
		return nil
	}
	out := make([]TrackSnapshot, 0, len(tracks))
	for _, t := range tracks {
		ts := TrackSnapshot{
			ID:      t.ID(),
			Kind:    t.Kind(),
			Enabled: t.Enabled(),
			Live:    t.ReadyState() == domain.TrackLive,
		}
		if st, ok := t.(domain.StatsTrack); ok {
			stats := st.Stats()
			ts.Sender = &stats
		}
		out = append(out, ts)
	}
	return out
}
