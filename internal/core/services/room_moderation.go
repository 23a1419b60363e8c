package services

import (
	"context"
	"encoding/json"
	"fmt"

	"confroom/internal/core/domain"
	apperrors "confroom/pkg/errors"
)

func (r *Room) MuteAudio(ctx context.Context, s *domain.Stream) error {
	return r.setSelfMute(ctx, s, domain.MediaAudio, true)
}

func (r *Room) UnmuteAudio(ctx context.Context, s *domain.Stream) error {
	return r.setSelfMute(ctx, s, domain.MediaAudio, false)
}

func (r *Room) MuteVideo(ctx context.Context, s *domain.Stream) error {
	return r.setSelfMute(ctx, s, domain.MediaVideo, true)
}

func (r *Room) UnmuteVideo(ctx context.Context, s *domain.Stream) error {
	return r.setSelfMute(ctx, s, domain.MediaVideo, false)
}

// setSelfMute toggles the local tracks first, then tells the room. A
// moderator hard mute cannot be lifted this way.
func (r *Room) setSelfMute(ctx context.Context, s *domain.Stream, kind domain.MediaKind, mute bool) error {
	if s == nil || !s.IsLocal() {
		return apperrors.NewInvalidInputError("mute applies to local streams")
	}
	if !mute && s.HardMuted(kind) {
		return apperrors.NewPermissionError(fmt.Sprintf("%s is hard muted by a moderator", kind))
	}
	s.SetSelfMuted(kind, mute)

	id := s.ID()
	if id == "" || r.State() != domain.StateConnected {
		return nil
	}
	payload := map[string]interface{}{"stream_id": id, "media": kind, "mute": mute}
	_, err := r.request(ctx, "selfMute", domain.RequestSelfMute, payload)
	return err
}

// HardMute mutes one media kind for every participant.
func (r *Room) HardMute(ctx context.Context, kind domain.MediaKind) error {
	return r.moderatorRequest(ctx, "hardMute", domain.RequestHardMute, map[string]interface{}{"media": kind, "mute": true})
}

func (r *Room) HardUnmute(ctx context.Context, kind domain.MediaKind) error {
	return r.moderatorRequest(ctx, "hardUnmute", domain.RequestHardMute, map[string]interface{}{"media": kind, "mute": false})
}

func (r *Room) StartRecording(ctx context.Context) error {
	return r.moderatorRequest(ctx, "startRecording", domain.RequestRecording, map[string]bool{"active": true})
}

func (r *Room) StopRecording(ctx context.Context) error {
	return r.moderatorRequest(ctx, "stopRecording", domain.RequestRecording, map[string]bool{"active": false})
}

// StartStreaming pushes the room to an external live-streaming target.
func (r *Room) StartStreaming(ctx context.Context, target string) error {
	if target == "" {
		return apperrors.NewInvalidInputError("streaming target is required")
	}
	return r.moderatorRequest(ctx, "startStreaming", domain.RequestStreaming, map[string]interface{}{"active": true, "target": target})
}

func (r *Room) StopStreaming(ctx context.Context) error {
	return r.moderatorRequest(ctx, "stopStreaming", domain.RequestStreaming, map[string]interface{}{"active": false})
}

func (r *Room) LockRoom(ctx context.Context) error {
	return r.moderatorRequest(ctx, "lockRoom", domain.RequestRoomLock, map[string]bool{"locked": true})
}

func (r *Room) UnlockRoom(ctx context.Context) error {
	return r.moderatorRequest(ctx, "unlockRoom", domain.RequestRoomLock, map[string]bool{"locked": false})
}

// CreateBreakoutRoom asks the server for a breakout room and returns its id.
func (r *Room) CreateBreakoutRoom(ctx context.Context, req domain.BreakoutRequest) (domain.RoomID, error) {
	if err := r.checkConnected("createBreakoutRoom"); err != nil {
		return "", err
	}
	if err := r.checkModerator("createBreakoutRoom"); err != nil {
		return "", err
	}
	if req.Name == "" || req.Participants <= 0 {
		return "", apperrors.NewInvalidInputError("breakout room needs a name and a participant limit")
	}

	raw, err := r.request(ctx, "createBreakoutRoom", domain.RequestCreateBreakout, req)
	if err != nil {
		return "", err
	}
	var resp struct {
		RoomID domain.RoomID `json:"room_id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.RoomID == "" {
		return "", apperrors.NewSignalingError("createBreakoutRoom", domain.ErrNoResult)
	}
	return resp.RoomID, nil
}

func (r *Room) InviteToBreakoutRoom(ctx context.Context, roomID domain.RoomID, invitees []domain.ClientID) error {
	if roomID == "" || len(invitees) == 0 {
		return apperrors.NewInvalidInputError("breakout invite needs a room and invitees")
	}
	payload := map[string]interface{}{"room_id": roomID, "invitees": invitees}
	return r.moderatorRequest(ctx, "inviteToBreakoutRoom", domain.RequestInviteBreakout, payload)
}

// SendData sends an application message to the given clients, or to
// everyone when recipients is empty.
func (r *Room) SendData(ctx context.Context, payload interface{}, recipients []domain.ClientID) error {
	if err := r.checkConnected("sendData"); err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, apperrors.KindValidation, "payload is not serializable")
	}
	msg := map[string]interface{}{"to": recipients, "payload": json.RawMessage(body)}
	if err := r.gateway.EmitEvent(ctx, domain.RequestCustomMessage, msg); err != nil {
		return apperrors.NewSignalingError("sendData", err)
	}
	return nil
}

func (r *Room) moderatorRequest(ctx context.Context, operation, name string, payload interface{}) error {
	if err := r.checkConnected(operation); err != nil {
		return err
	}
	if err := r.checkModerator(operation); err != nil {
		return err
	}
	_, err := r.request(ctx, operation, name, payload)
	return err
}
