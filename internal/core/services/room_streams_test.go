package services

import (
	"context"
	"errors"
	"testing"

	"confroom/internal/core/domain"
	apperrors "confroom/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_NegotiatesAndRegisters(t *testing.T) {
	tr := newTestRoom(t)
	tr.connect(t)

	local := tr.publishAV(t)

	assert.Equal(t, domain.StreamID("pub-1"), local.ID())
	require.Len(t, tr.LocalStreams(), 1)
	assert.Equal(t, 1, tr.events.count(domain.EventStreamPublished))
	assert.Equal(t, domain.ConnNegotiating, local.ConnState())

	conn := tr.media.conn(0)
	assert.True(t, conn.opts.Local)
	assert.True(t, conn.opts.Audio)
	assert.True(t, conn.opts.Video)
	assert.Len(t, conn.tracks, 2)

	tr.gateway.mu.Lock()
	require.Len(t, tr.gateway.signaling, 1)
	assert.Equal(t, domain.SignalOffer, tr.gateway.signaling[0].Message.Type)
	assert.Equal(t, domain.StreamID("pub-1"), tr.gateway.signaling[0].StreamID)
	published := tr.gateway.published[0]
	tr.gateway.mu.Unlock()

	assert.Equal(t, domain.KindAudio|domain.KindVideo, published.Kinds)
	assert.Equal(t, "camera", published.Attributes["name"])
	assert.Equal(t, 1500, published.Options.MaxVideoBW)
	assert.Equal(t, 100, published.Options.MinVideoBW)
	assert.Equal(t, 30, published.Options.MaxVideoFPS)
	assert.Equal(t, "vp8", published.Options.VideoCodec)

	conn.fire(domain.LinkConnected)
	assert.Equal(t, domain.ConnConnected, local.ConnState())
	assert.Zero(t, tr.events.count(domain.EventStreamReconnected))
}

func TestPublish_Validation(t *testing.T) {
	tr := newTestRoom(t, func(_ *RoomConfig, token *domain.JoinToken) {
		token.Settings.WaitingRoom = true
	})
	tr.gateway.joinResp.Users = []domain.User{{ClientID: "me", Name: "ada", Role: domain.RoleParticipant}}
	tr.connect(t)
	ctx := context.Background()

	screen := domain.NewLocalStream(domain.KindScreen, []domain.Track{newFakeTrack("screen", domain.MediaVideo)}, nil)
	_, err := tr.Publish(ctx, screen, domain.PublishOptions{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodePermissionDenied))

	cam := domain.NewLocalStream(domain.KindVideo, []domain.Track{newFakeTrack("cam", domain.MediaVideo)}, nil)
	_, err = tr.Publish(ctx, cam, domain.PublishOptions{Resolution: domain.Resolution{Width: 3840, Height: 2160}})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))

	_, err = tr.Publish(ctx, cam, domain.PublishOptions{MinVideoBW: 900, MaxVideoBW: 300})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))

	bad := domain.NewLocalStream(domain.KindAudio, []domain.Track{newFakeTrack("mic", domain.MediaAudio)}, map[string]string{"1bad key": "x"})
	_, err = tr.Publish(ctx, bad, domain.PublishOptions{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))

	// No moderator in the room yet.
	_, err = tr.Publish(ctx, cam, domain.PublishOptions{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodePermissionDenied))

	tr.gateway.fire(t, domain.SignalUserConnected, domain.User{ClientID: "mod", Name: "grace", Role: domain.RoleModerator})
	_, err = tr.Publish(ctx, cam, domain.PublishOptions{})
	require.NoError(t, err)

	_, err = tr.Publish(ctx, cam, domain.PublishOptions{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))

	remote, _ := tr.RemoteStream("r1")
	_, err = tr.Publish(ctx, remote, domain.PublishOptions{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))

	assert.Equal(t, 1, tr.gateway.publishCount())
}

func TestMergePublishOptions(t *testing.T) {
	tr := newTestRoom(t)
	cam := domain.NewLocalStream(domain.KindVideo, nil, nil)
	mic := domain.NewLocalStream(domain.KindAudio, nil, nil)

	opts := tr.mergePublishOptions(cam, domain.PublishOptions{MaxVideoBW: 5000, MinVideoBW: 10, MaxVideoFPS: 60})
	assert.Equal(t, 1500, opts.MaxVideoBW)
	assert.Equal(t, 100, opts.MinVideoBW)
	assert.Equal(t, 30, opts.MaxVideoFPS)
	assert.Equal(t, "vp8", opts.VideoCodec)

	opts = tr.mergePublishOptions(cam, domain.PublishOptions{MaxVideoBW: 800, MinVideoBW: 200, MaxVideoFPS: 15, VideoCodec: "h264"})
	assert.Equal(t, 800, opts.MaxVideoBW)
	assert.Equal(t, 200, opts.MinVideoBW)
	assert.Equal(t, 15, opts.MaxVideoFPS)
	assert.Equal(t, "h264", opts.VideoCodec)

	opts = tr.mergePublishOptions(mic, domain.PublishOptions{})
	assert.Empty(t, opts.VideoCodec)
}

func TestPublish_GatewayFailure(t *testing.T) {
	tr := newTestRoom(t)
	tr.connect(t)
	tr.gateway.mu.Lock()
	tr.gateway.publishErr = errors.New("timeout")
	tr.gateway.mu.Unlock()

	s := domain.NewLocalStream(domain.KindAudio, []domain.Track{newFakeTrack("mic", domain.MediaAudio)}, nil)
	_, err := tr.Publish(context.Background(), s, domain.PublishOptions{})

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSignalingFailed))
	assert.Equal(t, domain.StreamID(""), s.ID())
	assert.Empty(t, tr.LocalStreams())
	assert.Equal(t, 1, tr.events.count(domain.EventStreamPublishFailed))
	assert.Zero(t, tr.media.count())
}

func TestPublish_OpensTracksFromSource(t *testing.T) {
	tr := newTestRoom(t)
	tr.connect(t)

	s := domain.NewLocalStream(domain.KindAudio|domain.KindVideo, nil, nil)
	_, err := tr.Publish(context.Background(), s, domain.PublishOptions{})
	require.NoError(t, err)

	assert.Equal(t, int32(1), tr.source.opens.Load())
	assert.Len(t, s.Tracks(), 2)
	assert.True(t, s.TracksLive())
}

func TestUnpublish(t *testing.T) {
	tr := newTestRoom(t)
	tr.connect(t)
	local := tr.publishAV(t)
	local.SetHardMuted(domain.MediaAudio, true)

	require.NoError(t, tr.Unpublish(context.Background(), local))

	assert.Equal(t, []domain.StreamID{"pub-1"}, tr.gateway.unpublishedIDs())
	assert.Equal(t, domain.StreamID(""), local.ID())
	assert.Empty(t, tr.LocalStreams())
	assert.True(t, tr.media.conn(0).isClosed())
	assert.False(t, local.HardMuted(domain.MediaAudio))
	// The caller keeps its capture.
	assert.True(t, local.TracksLive())

	err := tr.Unpublish(context.Background(), local)
	assert.ErrorIs(t, err, domain.ErrStreamNotPublished)
}

func TestSubscribe_NegotiatesRequestedMedia(t *testing.T) {
	tr := newTestRoom(t)
	tr.connect(t)
	remote, ok := tr.RemoteStream("r1")
	require.True(t, ok)

	require.NoError(t, tr.Subscribe(context.Background(), remote, domain.SubscribeOptions{Video: true, VideoCodec: "h264"}))

	tr.gateway.mu.Lock()
	require.Len(t, tr.gateway.subscribed, 1)
	req := tr.gateway.subscribed[0]
	tr.gateway.mu.Unlock()

	assert.Equal(t, domain.StreamID("r1"), req.StreamID)
	assert.False(t, req.Options.Audio)
	assert.True(t, req.Options.Video)
	assert.Equal(t, "vp8", req.Options.VideoCodec)
	assert.Equal(t, 1, tr.events.count(domain.EventStreamSubscribed))

	conn := tr.media.conn(0)
	assert.False(t, conn.opts.Local)
	assert.Empty(t, conn.tracks)

	conn.mu.Lock()
	onTrack := conn.trackFn
	conn.mu.Unlock()
	onTrack(newFakeTrack("remote-video", domain.MediaVideo))
	assert.Len(t, remote.Tracks(), 1)
}

func TestNegotiateSubscription(t *testing.T) {
	info := domain.StreamInfo{ID: "r1", Kinds: domain.KindAudio, VideoCodec: ""}

	opts, err := negotiateSubscription(info, domain.SubscribeOptions{})
	require.NoError(t, err)
	assert.True(t, opts.Audio)
	assert.False(t, opts.Video)
	assert.False(t, opts.Data)

	_, err = negotiateSubscription(info, domain.SubscribeOptions{Video: true, VideoCodec: "vp9"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))

	screen := domain.StreamInfo{ID: "s1", Kinds: domain.KindScreen, VideoCodec: "h264"}
	opts, err = negotiateSubscription(screen, domain.SubscribeOptions{Video: true, VideoCodec: "vp8"})
	require.NoError(t, err)
	assert.True(t, opts.Video)
	assert.Equal(t, "h264", opts.VideoCodec)
}

func TestSubscribe_RejectsLocalStreams(t *testing.T) {
	tr := newTestRoom(t)
	tr.connect(t)
	local := domain.NewLocalStream(domain.KindAudio, nil, nil)
	err := tr.Subscribe(context.Background(), local, domain.SubscribeOptions{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
}

func TestUnsubscribe_KeepsID(t *testing.T) {
	tr := newTestRoom(t)
	tr.connect(t)
	remote := tr.subscribeR1(t)

	require.NoError(t, tr.Unsubscribe(context.Background(), remote))

	assert.Equal(t, domain.StreamID("r1"), remote.ID())
	assert.Empty(t, tr.RemoteStreams())
	assert.True(t, tr.media.conn(0).isClosed())
	tr.gateway.mu.Lock()
	assert.Equal(t, []domain.StreamID{"r1"}, tr.gateway.unsubscribed)
	tr.gateway.mu.Unlock()
}

func TestRegistriesStayDisjoint(t *testing.T) {
	tr := newTestRoom(t)
	tr.connect(t)
	local := tr.publishAV(t)
	remote := tr.subscribeR1(t)

	assert.Equal(t, 1, tr.registryMemberships(local))
	assert.Equal(t, 1, tr.registryMemberships(remote))

	tr.media.conn(0).fire(domain.LinkFailed)
	assert.Eventually(t, func() bool {
		return tr.media.count() == 3 && len(tr.PendingStreams()) == 0
	}, waitFor, tick)

	assert.Equal(t, 1, tr.registryMemberships(local))
	assert.Equal(t, 1, tr.registryMemberships(remote))
}

func TestSignalingMessagesRouteToConnection(t *testing.T) {
	tr := newTestRoom(t)
	tr.connect(t)
	local := tr.publishAV(t)

	answer := domain.SignalingMessage{Type: domain.SignalAnswer, SDP: "v=0 answer"}
	tr.gateway.fire(t, domain.SignalSignalingMessage, domain.SignalingEnvelope{StreamID: local.ID(), Message: answer})

	conn := tr.media.conn(0)
	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.received, 1)
	assert.Equal(t, answer, conn.received[0])
}

func TestStreamAddedAndRemoved(t *testing.T) {
	tr := newTestRoom(t)
	tr.connect(t)

	tr.gateway.fire(t, domain.SignalStreamAdded, domain.StreamInfo{ID: "r2", Owner: "other", Kinds: domain.KindAudio})
	tr.gateway.fire(t, domain.SignalStreamAdded, domain.StreamInfo{ID: "r2", Owner: "other", Kinds: domain.KindAudio})
	tr.gateway.fire(t, domain.SignalStreamAdded, domain.StreamInfo{ID: "own", Owner: "me", Kinds: domain.KindAudio})

	assert.Len(t, tr.RemoteStreams(), 2)
	assert.Equal(t, 1, tr.events.count(domain.EventStreamAdded))

	tr.gateway.fire(t, domain.SignalStreamRemoved, map[string]string{"id": "r2"})
	_, ok := tr.RemoteStream("r2")
	assert.False(t, ok)
	assert.Equal(t, 1, tr.events.count(domain.EventStreamRemoved))
}

func TestMediaModeHeldUntilStreamRecovers(t *testing.T) {
	tr := newTestRoom(t)
	tr.connect(t)
	remote := tr.subscribeR1(t)

	tr.media.conn(0).fire(domain.LinkFailed)
	assert.Eventually(t, func() bool {
		return tr.media.count() == 2 && len(tr.PendingStreams()) == 0
	}, waitFor, tick)
	require.True(t, remote.Reconnecting())

	tr.gateway.fire(t, domain.SignalActiveTalkers, map[string]interface{}{
		"talkers": []domain.ActiveTalker{{StreamID: "r1", ClientID: "other", MediaMode: "audio-only"}},
	})
	assert.Empty(t, tr.gateway.messageNames())

	tr.media.conn(1).fire(domain.LinkConnected)

	assert.Equal(t, []string{domain.RequestMediaMode}, tr.gateway.messageNames())
	conn := tr.media.conn(1)
	conn.mu.Lock()
	assert.Equal(t, 1, conn.keyFrame)
	conn.mu.Unlock()
}
