package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"confroom/internal/core/domain"
	apperrors "confroom/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestNewRoom_RequiresCollaborators(t *testing.T) {
	_, err := NewRoom(nil, DefaultRoomConfig(), RoomDeps{}, nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))

	_, err = NewRoom(testToken(), DefaultRoomConfig(), RoomDeps{Gateway: newFakeGateway()}, nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
}

func TestConnect_PopulatesSession(t *testing.T) {
	tr := newTestRoom(t)
	tr.connect(t)

	assert.Equal(t, domain.ClientID("me"), tr.ClientID())
	assert.Equal(t, domain.RoleParticipant, tr.Role())
	assert.Equal(t, domain.RoomID("room-1"), tr.Meta().ID)
	assert.Len(t, tr.Users(), 2)

	require.Len(t, tr.RemoteStreams(), 1)
	assert.Equal(t, domain.StreamID("r1"), tr.RemoteStreams()[0].ID())

	event, ok := tr.events.last(domain.EventRoomConnected).(domain.RoomEvent)
	require.True(t, ok)
	assert.Len(t, event.Streams, 1)
	assert.Len(t, event.Users, 2)

	req := tr.gateway.lastConnect()
	assert.Equal(t, "join-token", req.Token)
	assert.Nil(t, req.Reconnect)
	assert.Equal(t, "ada", req.Client.Name)

	info, err := tr.store.Load(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ClientID("me"), info.ClientID)
}

func TestConnect_SkipsOwnStreamsInSnapshot(t *testing.T) {
	tr := newTestRoom(t)
	tr.gateway.joinResp.Streams = append(tr.gateway.joinResp.Streams,
		domain.StreamInfo{ID: "mine", Owner: "me", Kinds: domain.KindAudio})
	tr.connect(t)

	_, ok := tr.RemoteStream("mine")
	assert.False(t, ok)
	assert.Len(t, tr.RemoteStreams(), 1)
}

func TestConnect_ReentrantCallFails(t *testing.T) {
	tr := newTestRoom(t)
	tr.connect(t)

	err := tr.Connect(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadyConnecting))
	assert.Equal(t, 1, tr.gateway.connectCount())
}

func TestConnect_FatalServerError(t *testing.T) {
	tr := newTestRoom(t)
	tr.gateway.connectErrs = []error{&domain.ServerError{Code: domain.ServerCodeRoomFull, Message: "room is full"}}

	err := tr.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRoomFull))
	assert.Equal(t, apperrors.KindFatal, apperrors.GetAppError(err).Kind)

	assert.Equal(t, domain.StateDisconnected, tr.State())
	assert.False(t, tr.ReconnectionAllowed())
	assert.Equal(t, 1, tr.events.count(domain.EventRoomError))
	assert.Zero(t, tr.events.count(domain.EventNetworkReconnectTimeout))

	// A manual connect after a fatal error starts over.
	tr.connect(t)
	assert.True(t, tr.ReconnectionAllowed())
}

func TestConnect_TransientFailuresExhaustAttempts(t *testing.T) {
	tr := newTestRoom(t)
	down := errors.New("dial tcp: connection refused")
	tr.gateway.connectErrs = []error{down, down, down}

	for i := 0; i < 3; i++ {
		err := tr.Connect(context.Background())
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSignalingFailed))
	}
	assert.Equal(t, 3, tr.events.count(domain.EventRoomError))

	connectAttempts, _ := tr.Attempts()
	assert.Equal(t, 3, connectAttempts)

	err := tr.Connect(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeReconnectRejected))
	assert.Equal(t, 3, tr.gateway.connectCount())
	assert.Equal(t, 1, tr.events.count(domain.EventNetworkReconnectTimeout))

	connectAttempts, reconnectAttempts := tr.Attempts()
	assert.Zero(t, connectAttempts)
	assert.Zero(t, reconnectAttempts)
}

func TestOperationsRequireConnectedSession(t *testing.T) {
	tr := newTestRoom(t)
	ctx := context.Background()

	local := domain.NewLocalStream(domain.KindAudio, []domain.Track{newFakeTrack("mic", domain.MediaAudio)}, nil)
	remote := domain.NewRemoteStream(domain.StreamInfo{ID: "r9", Owner: "other", Kinds: domain.KindAudio})

	_, err := tr.Publish(ctx, local, domain.PublishOptions{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotConnected))
	assert.True(t, apperrors.HasCode(tr.Subscribe(ctx, remote, domain.SubscribeOptions{}), apperrors.ErrCodeNotConnected))
	assert.True(t, apperrors.HasCode(tr.Floor().RequestFloor(ctx), apperrors.ErrCodeNotConnected))
	assert.True(t, apperrors.HasCode(tr.Floor().GrantFloor(ctx, "other"), apperrors.ErrCodeNotConnected))
	assert.True(t, apperrors.HasCode(tr.HardMute(ctx, domain.MediaAudio), apperrors.ErrCodeNotConnected))
	assert.True(t, apperrors.HasCode(tr.StartRecording(ctx), apperrors.ErrCodeNotConnected))

	assert.Empty(t, tr.LocalStreams())
	assert.Empty(t, tr.RemoteStreams())
	assert.Empty(t, tr.PendingStreams())
	assert.Zero(t, tr.gateway.publishCount())
	assert.Zero(t, tr.gateway.subscribeCount())
	assert.Empty(t, tr.gateway.messageNames())
	assert.Equal(t, domain.StreamID(""), local.ID())
}

func TestDisconnect_IsIdempotent(t *testing.T) {
	tr := newTestRoom(t)
	tr.connect(t)
	tr.publishAV(t)

	require.NoError(t, tr.Disconnect(context.Background(), ""))
	require.NoError(t, tr.Disconnect(context.Background(), ""))

	assert.Equal(t, domain.StateDisconnected, tr.State())
	assert.Equal(t, 1, tr.events.count(domain.EventRoomDisconnected))
	assert.Equal(t, []string{domain.RequestLeave}, tr.gateway.messageNames())
	assert.Empty(t, tr.LocalStreams())
	assert.Empty(t, tr.RemoteStreams())
	assert.Empty(t, tr.PendingStreams())

	event := tr.events.last(domain.EventRoomDisconnected).(domain.RoomEvent)
	assert.Equal(t, "client-initiated", event.Reason)

	_, err := tr.store.Load(context.Background(), "room-1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestDisconnect_OnIdleRoomIsNoop(t *testing.T) {
	tr := newTestRoom(t)
	require.NoError(t, tr.Disconnect(context.Background(), ""))
	assert.Zero(t, tr.events.count(domain.EventRoomDisconnected))
	assert.Empty(t, tr.gateway.messageNames())
}

func TestSocketDrop_ReconnectsAndReplaysLocalStreams(t *testing.T) {
	tr := newTestRoom(t)
	tr.prober.On("Probe", mock.Anything).Return(nil)
	tr.connect(t)
	local := tr.publishAV(t)
	require.Equal(t, domain.StreamID("pub-1"), local.ID())

	var (
		mu            sync.Mutex
		localAtDrop   = -1
		pendingAtDrop []*domain.Stream
		pendingIDs    []domain.StreamID
	)
	tr.AddEventListener(domain.EventNetworkDisconnected, func(domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		localAtDrop = len(tr.LocalStreams())
		pendingAtDrop = tr.PendingStreams()
		for _, s := range pendingAtDrop {
			pendingIDs = append(pendingIDs, s.ID())
		}
	})

	tr.gateway.drop(errors.New("websocket: close 1006"))

	assert.Eventually(t, func() bool {
		return tr.events.count(domain.EventNetworkReconnected) == 1
	}, waitFor, tick)

	mu.Lock()
	assert.Zero(t, localAtDrop)
	require.Len(t, pendingAtDrop, 1)
	assert.Same(t, local, pendingAtDrop[0])
	assert.Equal(t, []domain.StreamID{""}, pendingIDs)
	mu.Unlock()

	req := tr.gateway.lastConnect()
	require.NotNil(t, req.Reconnect)
	assert.True(t, req.Reconnect.IsReconnecting)
	assert.Equal(t, 1, req.Reconnect.Attempt)
	assert.Equal(t, domain.ClientID("me"), req.Reconnect.ClientID)

	assert.Eventually(t, func() bool {
		return local.ID() == "pub-2" && len(tr.LocalStreams()) == 1
	}, waitFor, tick)
	assert.Empty(t, tr.PendingStreams())
	assert.Equal(t, domain.StateConnected, tr.State())
	assert.False(t, tr.Reconnecting())
	assert.Zero(t, tr.events.count(domain.EventRoomDisconnected))
	// Tracks were stopped on teardown and reopened for the replay.
	assert.Equal(t, int32(1), tr.source.opens.Load())
	assert.True(t, local.TracksLive())
}

func TestSocketDrop_WithoutReconnection(t *testing.T) {
	tr := newTestRoom(t, func(cfg *RoomConfig, _ *domain.JoinToken) {
		cfg.ReconnectionAllowed = false
	})
	tr.connect(t)
	tr.publishAV(t)

	tr.gateway.drop(errors.New("websocket: close 1006"))

	assert.Equal(t, domain.StateDisconnected, tr.State())
	assert.Equal(t, 1, tr.events.count(domain.EventRoomDisconnected))
	assert.Zero(t, tr.events.count(domain.EventNetworkDisconnected))
	event := tr.events.last(domain.EventRoomDisconnected).(domain.RoomEvent)
	assert.Equal(t, "connection-lost", event.Reason)

	assert.Empty(t, tr.LocalStreams())
	assert.Empty(t, tr.RemoteStreams())
	assert.Empty(t, tr.PendingStreams())
	assert.Equal(t, 1, tr.gateway.connectCount())
}

func TestSocketDrop_ReconnectTimeout(t *testing.T) {
	tr := newTestRoom(t, func(cfg *RoomConfig, _ *domain.JoinToken) {
		cfg.ReconnectionTimeout = 150 * time.Millisecond
	})
	tr.prober.On("Probe", mock.Anything).Return(errors.New("network unreachable"))
	tr.connect(t)
	tr.publishAV(t)

	tr.gateway.drop(errors.New("websocket: close 1006"))

	assert.Eventually(t, func() bool {
		return tr.events.count(domain.EventNetworkReconnectTimeout) == 1
	}, waitFor, tick)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, tr.events.count(domain.EventNetworkReconnectTimeout))
	assert.Zero(t, tr.events.count(domain.EventRoomDisconnected))
	assert.Zero(t, tr.events.count(domain.EventRoomError))
	assert.Equal(t, 1, tr.gateway.connectCount())

	assert.Equal(t, domain.StateDisconnected, tr.State())
	assert.False(t, tr.ReconnectionAllowed())
	assert.Empty(t, tr.PendingStreams())
	assert.Empty(t, tr.LocalStreams())

	event := tr.events.last(domain.EventNetworkReconnectTimeout).(domain.NetworkEvent)
	assert.GreaterOrEqual(t, event.Elapsed, 150*time.Millisecond)
}

func TestRejoin_ExhaustsReconnectAttempts(t *testing.T) {
	tr := newTestRoom(t)
	tr.prober.On("Probe", mock.Anything).Return(nil)
	tr.connect(t)

	down := errors.New("connection refused")
	tr.gateway.mu.Lock()
	tr.gateway.connectErrs = []error{down, down, down}
	tr.gateway.mu.Unlock()

	tr.gateway.drop(errors.New("websocket: close 1006"))

	assert.Eventually(t, func() bool {
		return tr.events.count(domain.EventNetworkReconnectTimeout) == 1
	}, waitFor, tick)

	// One initial connect plus three rejoins, numbered 1..3.
	assert.Equal(t, 4, tr.gateway.connectCount())
	assert.Equal(t, 3, tr.gateway.lastConnect().Reconnect.Attempt)
	assert.Zero(t, tr.events.count(domain.EventRoomError))

	event := tr.events.last(domain.EventNetworkReconnectTimeout).(domain.NetworkEvent)
	assert.Equal(t, 3, event.Attempt)
}

func TestRejoin_FatalServerCodeEndsRecovery(t *testing.T) {
	tr := newTestRoom(t)
	tr.prober.On("Probe", mock.Anything).Return(nil)
	tr.connect(t)
	tr.publishAV(t)

	tr.gateway.mu.Lock()
	tr.gateway.connectErrs = []error{&domain.ServerError{Code: domain.ServerCodeRoomFull, Message: "room is full"}}
	tr.gateway.mu.Unlock()

	tr.gateway.drop(errors.New("websocket: close 1006"))

	assert.Eventually(t, func() bool {
		return tr.events.count(domain.EventNetworkReconnectTimeout) == 1
	}, waitFor, tick)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, tr.events.count(domain.EventNetworkReconnectTimeout))
	assert.Zero(t, tr.events.count(domain.EventRoomError))
	assert.Equal(t, 2, tr.gateway.connectCount())

	assert.Equal(t, domain.StateDisconnected, tr.State())
	assert.False(t, tr.ReconnectionAllowed())
	assert.False(t, tr.Reconnecting())
	assert.Empty(t, tr.PendingStreams())

	event := tr.events.last(domain.EventNetworkReconnectTimeout).(domain.NetworkEvent)
	assert.Equal(t, 1, event.Attempt)
	assert.True(t, apperrors.HasCode(event.Err, apperrors.ErrCodeRoomFull))
}

func TestRejoin_StaleEpisodeDoesNotConnect(t *testing.T) {
	tr := newTestRoom(t)
	tr.prober.On("Probe", mock.Anything).Return(errors.New("network unreachable"))
	tr.connect(t)

	tr.gateway.drop(errors.New("websocket: close 1006"))
	tr.mu.Lock()
	ep := tr.episode
	tr.mu.Unlock()
	require.NotNil(t, ep)

	require.NoError(t, tr.Disconnect(context.Background(), "user-left"))

	err := tr.reJoinRoom(ep)
	assert.ErrorIs(t, err, errEpisodeEnded)
	assert.Equal(t, 1, tr.gateway.connectCount())
	assert.False(t, tr.Reconnecting())
	assert.Equal(t, domain.StateDisconnected, tr.State())

	require.NoError(t, tr.Connect(context.Background()))
	assert.Nil(t, tr.gateway.lastConnect().Reconnect)
}

func TestDisconnect_DuringRecoveryCancelsEpisode(t *testing.T) {
	tr := newTestRoom(t)
	tr.prober.On("Probe", mock.Anything).Return(errors.New("network unreachable"))
	tr.connect(t)

	tr.gateway.drop(errors.New("websocket: close 1006"))
	require.Equal(t, 1, tr.events.count(domain.EventNetworkDisconnected))

	err := tr.Connect(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadyConnecting))

	require.NoError(t, tr.Disconnect(context.Background(), "user-left"))
	assert.Equal(t, 1, tr.events.count(domain.EventRoomDisconnected))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, tr.events.count(domain.EventNetworkReconnectTimeout))
	assert.Equal(t, 1, tr.gateway.connectCount())
}

func TestConnect_ResumesPersistedSession(t *testing.T) {
	tr := newTestRoom(t)
	require.NoError(t, tr.store.Save(context.Background(), domain.ReconnectInfo{
		ClientID: "me-before",
		RoomID:   "room-1",
		Role:     domain.RoleModerator,
		Name:     "ada",
	}))

	tr.connect(t)

	req := tr.gateway.lastConnect()
	require.NotNil(t, req.Reconnect)
	assert.True(t, req.Reconnect.IsReconnecting)
	assert.Equal(t, domain.ClientID("me-before"), req.Reconnect.ClientID)
	assert.Equal(t, domain.RoomID("room-1"), req.Reconnect.RoomID)
	assert.Equal(t, domain.RoleModerator, req.Reconnect.Role)
	assert.Zero(t, tr.events.count(domain.EventNetworkReconnected))

	// The record now describes the joined session.
	info, err := tr.store.Load(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ClientID("me"), info.ClientID)

	require.NoError(t, tr.Disconnect(context.Background(), ""))
	_, err = tr.store.Load(context.Background(), "room-1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestConnect_IgnoresSessionOfAnotherUser(t *testing.T) {
	tr := newTestRoom(t)
	require.NoError(t, tr.store.Save(context.Background(), domain.ReconnectInfo{
		ClientID: "someone",
		RoomID:   "room-1",
		Name:     "grace",
	}))

	tr.connect(t)
	assert.Nil(t, tr.gateway.lastConnect().Reconnect)
}

func TestRoomClosedEndsSession(t *testing.T) {
	tr := newTestRoom(t)
	tr.connect(t)

	tr.gateway.fire(t, domain.SignalRoomClosed, map[string]string{})

	assert.Eventually(t, func() bool {
		return tr.events.count(domain.EventRoomDisconnected) == 1
	}, waitFor, tick)
	assert.False(t, tr.ReconnectionAllowed())
	event := tr.events.last(domain.EventRoomDisconnected).(domain.RoomEvent)
	assert.Equal(t, "room-closed", event.Reason)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	assert.NoError(t, tr.Close(ctx))
}

func TestSnapshot(t *testing.T) {
	tr := newTestRoom(t)
	tr.connect(t)
	tr.publishAV(t)

	snap := tr.Snapshot()
	assert.Equal(t, domain.StateConnected.String(), snap.State)
	assert.Equal(t, domain.ClientID("me"), snap.ClientID)
	require.Len(t, snap.LocalStreams, 1)
	assert.Equal(t, domain.StreamID("pub-1"), snap.LocalStreams[0].ID)
	assert.Equal(t, "audio|video", snap.LocalStreams[0].Kinds)
	assert.Len(t, snap.RemoteStreams, 1)
	assert.Empty(t, snap.PendingStreams)

	tracks := snap.LocalStreams[0].Tracks
	require.Len(t, tracks, 2)
	assert.Equal(t, "mic", tracks[0].ID)
	assert.True(t, tracks[0].Live)
	assert.Nil(t, tracks[0].Sender)
}

func TestSnapshot_SenderStats(t *testing.T) {
	tr := newTestRoom(t)
	tr.connect(t)

	cam := &fakeStatsTrack{
		fakeTrack: newFakeTrack("cam", domain.MediaVideo),
		stats:     domain.SenderStats{FractionLost: 0.25, RTT: 40 * time.Millisecond, NACKs: 3},
	}
	s := domain.NewLocalStream(domain.KindVideo, []domain.Track{cam}, nil)
	_, err := tr.Publish(context.Background(), s, domain.PublishOptions{})
	require.NoError(t, err)

	snap := tr.Snapshot()
	require.Len(t, snap.LocalStreams, 1)
	require.Len(t, snap.LocalStreams[0].Tracks, 1)
	sender := snap.LocalStreams[0].Tracks[0].Sender
	require.NotNil(t, sender)
	assert.Equal(t, 0.25, sender.FractionLost)
	assert.Equal(t, 40*time.Millisecond, sender.RTT)
	assert.Equal(t, 3, sender.NACKs)
}
