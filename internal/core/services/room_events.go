package services

import (
	"context"
	"encoding/json"
	"fmt"

	"confroom/internal/core/domain"
)

// registerSignalHandlers subscribes the room to inbound signaling events.
func (r *Room) registerSignalHandlers() {
	handlers := map[string]func(json.RawMessage) error{
		domain.SignalStreamAdded:      r.onStreamAdded,
		domain.SignalStreamRemoved:    r.onStreamRemoved,
		domain.SignalUserConnected:    r.onUserConnected,
		domain.SignalUserDisconnected: r.onUserDisconnected,
		domain.SignalUserRoleChanged:  r.onUserRoleChanged,
		domain.SignalSignalingMessage: r.onSignalingMessage,
		domain.SignalActiveTalkers:    r.onActiveTalkers,
		domain.SignalBandwidthAlert:   r.onBandwidthAlert,
		domain.SignalHardMute:         r.onHardMute,
		domain.SignalRecordingChanged: r.onRoomFlag(domain.EventRecordingChanged),
		domain.SignalStreamingChanged: r.onRoomFlag(domain.EventStreamingChanged),
		domain.SignalRoomLockChanged:  r.onRoomFlag(domain.EventRoomLockChanged),
		domain.SignalBreakoutInvite:   r.onBreakout(domain.EventBreakoutInvite),
		domain.SignalBreakoutCreated:  r.onBreakout(domain.EventBreakoutCreated),
		domain.SignalCustomMessage:    r.onCustomMessage,
		domain.SignalRoomClosed:       r.onRoomClosed,
		domain.SignalFloorRequested:   r.onFloor(domain.EventFloorRequested),
		domain.SignalFloorCancelled:   r.onFloor(domain.EventFloorCancelled),
		domain.SignalFloorGranted:     r.onFloor(domain.EventFloorGranted),
		domain.SignalFloorDenied:      r.onFloor(domain.EventFloorDenied),
		domain.SignalFloorReleased:    r.onFloor(domain.EventFloorReleased),
		domain.SignalFloorInvited:     r.onFloor(domain.EventFloorInvited),
		domain.SignalInviteAccepted:   r.onFloor(domain.EventFloorInviteAccepted),
		domain.SignalInviteRejected:   r.onFloor(domain.EventFloorInviteRejected),
	}

	for name, handle := range handlers {
		name, handle := name, handle
		r.gateway.On(name, func(payload json.RawMessage) {
			if err := handle(payload); err != nil {
				r.logger.Warnw("failed to handle signaling event", "event", name, "error", err)
			}
		})
	}
}

func (r *Room) onStreamAdded(raw json.RawMessage) error {
	var info domain.StreamInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return fmt.Errorf("decode stream: %w", err)
	}
	if info.ID == "" {
		return fmt.Errorf("stream without id")
	}
	if info.Owner == r.ClientID() || r.local.Has(info.ID) || r.remote.Has(info.ID) {
		return nil
	}

	s := domain.NewRemoteStream(info)
	r.remote.Add(info.ID, s)
	r.updateStreamMetrics()
	r.emit(domain.StreamEvent{Kind: domain.EventStreamAdded, Stream: s, ID: info.ID})
	return nil
}

func (r *Room) onStreamRemoved(raw json.RawMessage) error {
	var p struct {
		ID domain.StreamID `json:"id"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode stream removal: %w", err)
	}

	s, ok := r.remote.Remove(p.ID)
	if !ok {
		if staged, found := r.pending.Get(p.ID); found && !staged.IsLocal() {
			r.pending.Remove(p.ID)
			s, ok = staged, true
		}
	}
	if ok {
		r.closeConnection(s)
		s.StopTracks()
		r.updateStreamMetrics()
	}
	r.emit(domain.StreamEvent{Kind: domain.EventStreamRemoved, Stream: s, ID: p.ID})
	return nil
}

func (r *Room) onUserConnected(raw json.RawMessage) error {
	var u domain.User
	if err := json.Unmarshal(raw, &u); err != nil {
		return fmt.Errorf("decode user: %w", err)
	}
	r.mu.Lock()
	r.users[u.ClientID] = u
	r.mu.Unlock()
	r.emit(domain.UserEvent{Kind: domain.EventUserConnected, User: u})
	return nil
}

func (r *Room) onUserDisconnected(raw json.RawMessage) error {
	var u domain.User
	if err := json.Unmarshal(raw, &u); err != nil {
		return fmt.Errorf("decode user: %w", err)
	}
	r.mu.Lock()
	if known, ok := r.users[u.ClientID]; ok {
		u = known
	}
	delete(r.users, u.ClientID)
	r.mu.Unlock()

	r.floor.onUserLeft(u.ClientID)
	r.emit(domain.UserEvent{Kind: domain.EventUserDisconnected, User: u})
	return nil
}

func (r *Room) onUserRoleChanged(raw json.RawMessage) error {
	var u domain.User
	if err := json.Unmarshal(raw, &u); err != nil {
		return fmt.Errorf("decode role change: %w", err)
	}
	r.mu.Lock()
	if u.ClientID == r.clientID {
		r.role = u.Role
	}
	if known, ok := r.users[u.ClientID]; ok {
		known.Role = u.Role
		r.users[u.ClientID] = known
	}
	r.mu.Unlock()
	return nil
}

func (r *Room) onSignalingMessage(raw json.RawMessage) error {
	var env domain.SignalingEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode signaling message: %w", err)
	}

	s, ok := r.local.Get(env.StreamID)
	if !ok {
		s, ok = r.remote.Get(env.StreamID)
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrStreamNotFound, env.StreamID)
	}
	conn := s.Connection()
	if conn == nil {
		return nil
	}
	return conn.ProcessSignalingMessage(r.sessionContext(), env.Message)
}

// onActiveTalkers is the server's active signal. Media mode changes for
// streams that are reconnecting are held until they recover.
func (r *Room) onActiveTalkers(raw json.RawMessage) error {
	var p struct {
		Talkers []domain.ActiveTalker `json:"talkers"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode active talkers: %w", err)
	}

	for _, t := range p.Talkers {
		if t.MediaMode == "" {
			continue
		}
		if s, ok := r.remote.Get(t.StreamID); ok && s.Reconnecting() {
			s.HoldMediaMode(t.MediaMode)
		}
	}

	r.health.OnActiveSignal()
	r.emit(domain.TalkersEvent{Kind: domain.EventActiveTalkersUpdated, Talkers: p.Talkers})
	return nil
}

func (r *Room) onBandwidthAlert(raw json.RawMessage) error {
	var p struct {
		StreamID domain.StreamID `json:"stream_id"`
		Level    string          `json:"level"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode bandwidth alert: %w", err)
	}
	r.emit(domain.BandwidthEvent{Kind: domain.EventBandwidthAlert, StreamID: p.StreamID, Level: p.Level})
	return nil
}

func (r *Room) onHardMute(raw json.RawMessage) error {
	var p struct {
		Media     domain.MediaKind `json:"media"`
		Mute      bool             `json:"mute"`
		Moderator domain.ClientID  `json:"moderator"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode hard mute: %w", err)
	}
	if p.Media != domain.MediaAudio && p.Media != domain.MediaVideo {
		return fmt.Errorf("unknown media %q", p.Media)
	}

	if r.Role() != domain.RoleModerator {
		for _, s := range r.local.Snapshot() {
			s.SetHardMuted(p.Media, p.Mute)
		}
	}

	kind := domain.EventHardMuted
	if !p.Mute {
		kind = domain.EventHardUnmuted
	}
	r.emit(domain.ModerationEvent{Kind: kind, Media: p.Media, Enabled: p.Mute, Moderator: p.Moderator})
	return nil
}

func (r *Room) onRoomFlag(kind domain.EventType) func(json.RawMessage) error {
	return func(raw json.RawMessage) error {
		var p struct {
			Active    bool            `json:"active"`
			Moderator domain.ClientID `json:"moderator"`
			Detail    string          `json:"detail"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("decode %s: %w", kind, err)
		}

		r.mu.Lock()
		switch kind {
		case domain.EventRecordingChanged:
			r.meta.Recording = p.Active
		case domain.EventStreamingChanged:
			r.meta.Streaming = p.Active
		case domain.EventRoomLockChanged:
			r.meta.Locked = p.Active
		}
		r.mu.Unlock()

		r.emit(domain.ModerationEvent{Kind: kind, Enabled: p.Active, Moderator: p.Moderator, Detail: p.Detail})
		return nil
	}
}

func (r *Room) onBreakout(kind domain.EventType) func(json.RawMessage) error {
	return func(raw json.RawMessage) error {
		var p struct {
			RoomID domain.RoomID `json:"room_id"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("decode %s: %w", kind, err)
		}
		r.emit(domain.BreakoutEvent{Kind: kind, RoomID: p.RoomID, Payload: raw})
		return nil
	}
}

func (r *Room) onCustomMessage(raw json.RawMessage) error {
	var p struct {
		From    domain.ClientID `json:"from"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	r.emit(domain.MessageEvent{Kind: domain.EventMessageReceived, From: p.From, Payload: p.Payload})
	return nil
}

// onRoomClosed ends the session without recovery.
func (r *Room) onRoomClosed(json.RawMessage) error {
	r.mu.Lock()
	r.reconnectionAllowed = false
	r.mu.Unlock()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Disconnect(context.Background(), "room-closed"); err != nil {
			r.logger.Warnw("failed to leave closed room", "error", err)
		}
	}()
	return nil
}

func (r *Room) onFloor(kind domain.EventType) func(json.RawMessage) error {
	return func(raw json.RawMessage) error {
		return r.floor.handleEvent(kind, raw)
	}
}
