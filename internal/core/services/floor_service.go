package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"confroom/internal/core/domain"
	apperrors "confroom/pkg/errors"
	"confroom/pkg/tracing"
)

// FloorController runs hand-raise moderation in lecture rooms. The request
// and approved lists only change on inbound events.
type FloorController struct {
	room *Room

	mu       sync.Mutex
	requests []domain.ClientID
	approved []domain.ClientID
}

type floorPayload struct {
	ClientID  domain.ClientID `json:"client_id"`
	Moderator domain.ClientID `json:"moderator,omitempty"`
}

func newFloorController(room *Room) *FloorController {
	return &FloorController{room: room}
}

// RequestFloor raises the participant's hand.
func (f *FloorController) RequestFloor(ctx context.Context) error {
	return f.participantRequest(ctx, "requestFloor", domain.RequestFloor)
}

func (f *FloorController) CancelFloor(ctx context.Context) error {
	return f.participantRequest(ctx, "cancelFloor", domain.RequestCancelFloor)
}

// AcceptInviteFloorRequest accepts a moderator's invitation to the floor.
func (f *FloorController) AcceptInviteFloorRequest(ctx context.Context) error {
	return f.participantRequest(ctx, "acceptInviteFloorRequest", domain.RequestAcceptInvite)
}

func (f *FloorController) RejectInviteFloor(ctx context.Context) error {
	return f.participantRequest(ctx, "rejectInviteFloor", domain.RequestRejectInvite)
}

func (f *FloorController) GrantFloor(ctx context.Context, clientID domain.ClientID) error {
	return f.moderatorRequest(ctx, "grantFloor", domain.RequestGrantFloor, clientID)
}

func (f *FloorController) DenyFloor(ctx context.Context, clientID domain.ClientID) error {
	return f.moderatorRequest(ctx, "denyFloor", domain.RequestDenyFloor, clientID)
}

func (f *FloorController) ReleaseFloor(ctx context.Context, clientID domain.ClientID) error {
	return f.moderatorRequest(ctx, "releaseFloor", domain.RequestReleaseFloor, clientID)
}

func (f *FloorController) InviteToFloor(ctx context.Context, clientID domain.ClientID) error {
	return f.moderatorRequest(ctx, "inviteToFloor", domain.RequestInviteFloor, clientID)
}

func (f *FloorController) participantRequest(ctx context.Context, operation, name string) error {
	if err := f.room.checkConnected(operation); err != nil {
		return err
	}
	if f.room.Role() != domain.RoleParticipant {
		return apperrors.NewPermissionError(fmt.Sprintf("%s is a participant operation", operation))
	}
	_, err := f.room.request(ctx, operation, name, floorPayload{ClientID: f.room.ClientID()})
	return err
}

func (f *FloorController) moderatorRequest(ctx context.Context, operation, name string, clientID domain.ClientID) error {
	if err := f.room.checkConnected(operation); err != nil {
		return err
	}
	if err := f.room.checkModerator(operation); err != nil {
		return err
	}
	if clientID == "" {
		return apperrors.NewInvalidInputError(fmt.Sprintf("%s requires a client id", operation))
	}
	_, err := f.room.request(ctx, operation, name, floorPayload{ClientID: clientID, Moderator: f.room.ClientID()})
	return err
}

// Requests returns the pending floor requests.
func (f *FloorController) Requests() []domain.ClientID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ClientID(nil), f.requests...)
}

// Approved returns the clients currently holding the floor.
func (f *FloorController) Approved() []domain.ClientID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ClientID(nil), f.approved...)
}

func (f *FloorController) Reset() {
	f.mu.Lock()
	f.requests = nil
	f.approved = nil
	f.mu.Unlock()
}

// handleEvent applies an inbound floor event and notifies listeners.
func (f *FloorController) handleEvent(kind domain.EventType, raw json.RawMessage) error {
	var p floorPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("decode floor event: %w", err)
		}
	}

	f.mu.Lock()
	switch kind {
	case domain.EventFloorRequested:
		f.requests = appendUnique(f.requests, p.ClientID)
	case domain.EventFloorCancelled, domain.EventFloorDenied:
		f.requests = without(f.requests, p.ClientID)
	case domain.EventFloorGranted, domain.EventFloorInviteAccepted:
		f.requests = without(f.requests, p.ClientID)
		f.approved = appendUnique(f.approved, p.ClientID)
	case domain.EventFloorReleased:
		f.approved = without(f.approved, p.ClientID)
	}
	event := domain.FloorEvent{
		Kind:      kind,
		ClientID:  p.ClientID,
		Moderator: p.Moderator,
		Requests:  append([]domain.ClientID(nil), f.requests...),
		Approved:  append([]domain.ClientID(nil), f.approved...),
	}
	f.mu.Unlock()

	f.room.emit(event)
	return nil
}

// onUserLeft drops a departed client from both lists.
func (f *FloorController) onUserLeft(clientID domain.ClientID) {
	f.mu.Lock()
	f.requests = without(f.requests, clientID)
	f.approved = without(f.approved, clientID)
	f.mu.Unlock()
}

func appendUnique(list []domain.ClientID, id domain.ClientID) []domain.ClientID {
	if id == "" {
		return list
	}
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}

func without(list []domain.ClientID, id domain.ClientID) []domain.ClientID {
	out := list[:0]
	for _, existing := range list {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

// request sends a room-management request and maps a failed or empty
// response to a signaling error.
func (r *Room) request(ctx context.Context, operation, name string, payload interface{}) (json.RawMessage, error) {
	ctx, span := tracing.TraceSignaling(ctx, operation, string(r.token.Settings.RoomID))
	result, err := r.gateway.SendMessage(ctx, name, payload)
	if err == nil && isEmptyResult(result) {
		err = domain.ErrNoResult
	}
	tracing.End(span, err)
	if err != nil {
		r.logger.Warnw("room request failed", "operation", operation, "error", err)
		return nil, apperrors.NewSignalingError(operation, err)
	}
	return result, nil
}

func isEmptyResult(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
