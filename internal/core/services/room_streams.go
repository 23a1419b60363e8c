package services

import (
	"context"
	"fmt"
	"time"

	"confroom/internal/core/domain"
	"confroom/internal/core/ports"
	apperrors "confroom/pkg/errors"
	rlog "confroom/pkg/logger"
	"confroom/pkg/tracing"
	"confroom/pkg/validation"
)

// Publish sends a local stream to the room and returns its server id.
func (r *Room) Publish(ctx context.Context, s *domain.Stream, opts domain.PublishOptions) (domain.StreamID, error) {
	if s == nil || !s.IsLocal() {
		return "", apperrors.NewInvalidInputError("publish requires a local stream")
	}
	if err := r.checkConnected("publish"); err != nil {
		return "", err
	}
	if s.ID() != "" {
		return "", apperrors.NewInvalidInputError("stream is already published").WithContext("stream_id", s.ID())
	}

	settings := r.token.Settings
	if !settings.Media.Allows(s.Kinds()) {
		return "", apperrors.NewPermissionError(fmt.Sprintf("not entitled to publish %s", s.Kinds()))
	}
	if err := validation.ValidateAttributes(s.Attributes()); err != nil {
		return "", apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, apperrors.KindValidation, "invalid stream attributes")
	}
	if err := validation.ValidateResolution(toResolution(opts.Resolution), toResolution(settings.MinResolution), toResolution(settings.MaxResolution)); err != nil {
		return "", apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, apperrors.KindValidation, "resolution outside room envelope")
	}
	if err := validation.ValidateBandwidth(opts.MinVideoBW, opts.MaxVideoBW); err != nil {
		return "", apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, apperrors.KindValidation, "invalid bandwidth")
	}
	if r.waitingForModerator() {
		return "", apperrors.NewPermissionError("waiting room: a moderator has not joined yet")
	}

	return r.publishStream(ctx, s, r.mergePublishOptions(s, opts))
}

func toResolution(res domain.Resolution) validation.Resolution {
	return validation.Resolution{Width: res.Width, Height: res.Height}
}

// mergePublishOptions fills unset options from the session defaults and
// clamps bandwidth and frame rate to the session limits.
func (r *Room) mergePublishOptions(s *domain.Stream, opts domain.PublishOptions) domain.PublishOptions {
	settings := r.token.Settings

	if opts.MaxVideoBW == 0 || (settings.MaxVideoBW > 0 && opts.MaxVideoBW > settings.MaxVideoBW) {
		opts.MaxVideoBW = settings.MaxVideoBW
	}
	if opts.MinVideoBW == 0 || opts.MinVideoBW < settings.MinVideoBW {
		opts.MinVideoBW = settings.MinVideoBW
	}
	if opts.MaxVideoBW > 0 && opts.MinVideoBW > opts.MaxVideoBW {
		opts.MinVideoBW = opts.MaxVideoBW
	}
	if opts.MaxVideoFPS == 0 || (settings.MaxVideoFPS > 0 && opts.MaxVideoFPS > settings.MaxVideoFPS) {
		opts.MaxVideoFPS = settings.MaxVideoFPS
	}
	if opts.VideoCodec == "" && s.HasVideo() && len(r.cfg.VideoCodecs) > 0 {
		opts.VideoCodec = r.cfg.VideoCodecs[0]
	}
	return opts
}

func (r *Room) waitingForModerator() bool {
	if !r.token.Settings.WaitingRoom {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.role == domain.RoleModerator {
		return false
	}
	for _, u := range r.users {
		if u.Role == domain.RoleModerator {
			return false
		}
	}
	return true
}

func (r *Room) publishStream(ctx context.Context, s *domain.Stream, opts domain.PublishOptions) (domain.StreamID, error) {
	start := time.Now()
	ctx, span := tracing.TraceStream(ctx, "publish", "", true)
	id, err := r.doPublish(ctx, s, opts)
	tracing.End(span, err)
	r.metrics.PublishDuration(time.Since(start), err == nil)
	return id, err
}

func (r *Room) doPublish(ctx context.Context, s *domain.Stream, opts domain.PublishOptions) (domain.StreamID, error) {
	if err := r.checkConnected("publish"); err != nil {
		return "", err
	}
	if err := r.ensureTracks(ctx, s, opts.Resolution); err != nil {
		appErr := apperrors.NewMediaError("failed to open local tracks", err)
		r.emit(domain.StreamEvent{Kind: domain.EventStreamPublishFailed, Stream: s, Local: true, Err: appErr})
		return "", appErr
	}
	s.SetPublishOptions(opts)

	id, err := r.gateway.Publish(ctx, domain.PublishRequest{
		Kinds:      s.Kinds(),
		Attributes: s.Attributes(),
		Options:    opts,
	})
	if err == nil && id == "" {
		err = domain.ErrNoResult
	}
	if err != nil {
		appErr := apperrors.NewSignalingError("publish", err)
		r.emit(domain.StreamEvent{Kind: domain.EventStreamPublishFailed, Stream: s, Local: true, Err: appErr})
		return "", appErr
	}

	s.SetID(id)
	r.local.Add(id, s)
	ctx = rlog.WithStreamID(ctx, string(id))

	copts := ports.ConnectionOptions{
		StreamID:   id,
		Local:      true,
		Kinds:      s.Kinds(),
		Audio:      s.HasAudio(),
		Video:      s.HasVideo() || s.HasScreen(),
		Data:       s.HasData(),
		MaxVideoBW: opts.MaxVideoBW,
		VideoCodec: opts.VideoCodec,
	}
	if err := r.negotiate(ctx, s, copts); err != nil {
		r.local.Remove(id)
		s.ClearID()
		if uerr := r.gateway.Unpublish(ctx, id); uerr != nil {
			r.clog.Sugar(ctx).Debugw("failed to retract publication", "error", uerr)
		}
		r.emit(domain.StreamEvent{Kind: domain.EventStreamPublishFailed, Stream: s, ID: id, Local: true, Err: err})
		return "", err
	}

	if r.State() != domain.StateConnected {
		r.local.Remove(id)
		r.closeConnection(s)
		s.ClearID()
		return "", apperrors.NewNotConnectedError("publish")
	}

	r.health.SchedulePublishCheck(s)
	r.health.Arm()
	r.updateStreamMetrics()
	r.clog.Sugar(ctx).Infow("stream published", "kinds", s.Kinds().String())
	r.emit(domain.StreamEvent{Kind: domain.EventStreamPublished, Stream: s, ID: id, Local: true})
	return id, nil
}

// ensureTracks reopens capture through the track source when the stream
// carries media but has no live tracks.
func (r *Room) ensureTracks(ctx context.Context, s *domain.Stream, res domain.Resolution) error {
	if !s.HasMedia() || s.TracksLive() {
		return nil
	}
	if r.tracks == nil {
		return domain.ErrNoTrackSource
	}
	s.StopTracks()
	tracks, err := r.tracks.Open(ctx, s.Kinds(), res)
	if err != nil {
		return err
	}
	s.SetTracks(tracks)
	s.ReapplyMutes()
	return nil
}

// negotiate builds a media connection for s and sends the initial offer.
// Connection events are bound to the negotiation generation so that events
// from a replaced connection are dropped.
func (r *Room) negotiate(ctx context.Context, s *domain.Stream, opts ports.ConnectionOptions) error {
	conn, err := r.media.BuildConnection(opts)
	if err != nil {
		return apperrors.NewMediaError("failed to build media connection", err)
	}

	gen := s.AttachConnection(conn)
	sessionCtx := r.sessionContext()
	id := opts.StreamID

	conn.OnConnectionStateChange(func(ev domain.ConnectionEvent) {
		r.onConnectionEvent(s, gen, ev)
	})
	conn.OnSignalingMessage(func(msg domain.SignalingMessage) {
		if err := r.gateway.SendSignaling(sessionCtx, id, msg); err != nil {
			r.logger.Debugw("failed to forward signaling message", "stream_id", id, "type", msg.Type, "error", err)
		}
	})
	if !opts.Local {
		conn.OnTrack(func(track domain.Track) {
			s.AddTrack(track)
		})
	}

	fail := func(err error) error {
		s.DetachConnection()
		if cerr := conn.Close(); cerr != nil {
			r.logger.Debugw("failed to close media connection", "stream_id", id, "error", cerr)
		}
		return err
	}

	if opts.Local {
		for _, track := range s.Tracks() {
			if err := conn.AddTrack(track); err != nil {
				return fail(apperrors.NewMediaError("failed to add track", err))
			}
		}
	}

	offer, err := conn.CreateOffer(ctx)
	if err != nil {
		return fail(apperrors.NewMediaError("failed to create offer", err))
	}
	if err := r.gateway.SendSignaling(ctx, id, offer); err != nil {
		return fail(apperrors.NewSignalingError("send offer", err))
	}
	return nil
}

// Subscribe starts receiving a remote stream. Requested media the stream
// does not carry is dropped; a codec the publisher does not send falls
// back to the publisher's codec.
func (r *Room) Subscribe(ctx context.Context, s *domain.Stream, opts domain.SubscribeOptions) error {
	if s == nil || s.IsLocal() || s.ID() == "" {
		return apperrors.NewInvalidInputError("subscribe requires a remote stream")
	}
	if err := r.checkConnected("subscribe"); err != nil {
		return err
	}
	negotiated, err := negotiateSubscription(s.Info(), opts)
	if err != nil {
		return err
	}
	return r.subscribeStream(ctx, s, negotiated)
}

func negotiateSubscription(info domain.StreamInfo, opts domain.SubscribeOptions) (domain.SubscribeOptions, error) {
	if !opts.Audio && !opts.Video && !opts.Data {
		opts.Audio, opts.Video, opts.Data = true, true, true
	}
	hasVideo := info.Kinds.Has(domain.KindVideo) || info.Kinds.Has(domain.KindScreen) || info.Kinds.Has(domain.KindCanvas)

	opts.Audio = opts.Audio && info.Kinds.Has(domain.KindAudio)
	opts.Video = opts.Video && hasVideo
	opts.Data = opts.Data && info.Kinds.Has(domain.KindData)
	if !opts.Audio && !opts.Video && !opts.Data {
		return opts, apperrors.NewInvalidInputError("stream offers none of the requested media").WithContext("stream_id", info.ID)
	}

	if !opts.Video {
		opts.VideoCodec = ""
	} else if info.VideoCodec != "" && opts.VideoCodec != info.VideoCodec {
		opts.VideoCodec = info.VideoCodec
	}
	return opts, nil
}

func (r *Room) subscribeStream(ctx context.Context, s *domain.Stream, opts domain.SubscribeOptions) error {
	id := s.ID()
	ctx, span := tracing.TraceStream(ctx, "subscribe", string(id), false)
	err := r.doSubscribe(rlog.WithStreamID(ctx, string(id)), s, opts)
	tracing.End(span, err)
	return err
}

func (r *Room) doSubscribe(ctx context.Context, s *domain.Stream, opts domain.SubscribeOptions) error {
	id := s.ID()
	if err := r.checkConnected("subscribe"); err != nil {
		return err
	}

	if err := r.gateway.Subscribe(ctx, domain.SubscribeRequest{StreamID: id, Options: opts}); err != nil {
		appErr := apperrors.NewSignalingError("subscribe", err)
		r.emit(domain.StreamEvent{Kind: domain.EventStreamSubscribeFailed, Stream: s, ID: id, Err: appErr})
		return appErr
	}

	s.SetSubscribeOptions(opts)
	r.remote.Add(id, s)

	copts := ports.ConnectionOptions{
		StreamID:   id,
		Kinds:      s.Kinds(),
		Audio:      opts.Audio,
		Video:      opts.Video,
		Data:       opts.Data,
		MaxVideoBW: opts.MaxVideoBW,
		VideoCodec: opts.VideoCodec,
	}
	if err := r.negotiate(ctx, s, copts); err != nil {
		r.remote.Remove(id)
		if uerr := r.gateway.Unsubscribe(ctx, id); uerr != nil {
			r.clog.Sugar(ctx).Debugw("failed to retract subscription", "error", uerr)
		}
		r.emit(domain.StreamEvent{Kind: domain.EventStreamSubscribeFailed, Stream: s, ID: id, Err: err})
		return err
	}

	r.health.Arm()
	r.updateStreamMetrics()
	r.clog.Sugar(ctx).Infow("stream subscribed", "audio", opts.Audio, "video", opts.Video, "data", opts.Data)
	r.emit(domain.StreamEvent{Kind: domain.EventStreamSubscribed, Stream: s, ID: id})
	return nil
}

// Unpublish withdraws a local stream. The stream's tracks stay with the
// caller.
func (r *Room) Unpublish(ctx context.Context, s *domain.Stream) error {
	if s == nil || !s.IsLocal() {
		return apperrors.NewInvalidInputError("unpublish requires a local stream")
	}
	if err := r.unpublishStream(ctx, s); err != nil {
		return err
	}
	s.SetHardMuted(domain.MediaAudio, false)
	s.SetHardMuted(domain.MediaVideo, false)
	return nil
}

func (r *Room) unpublishStream(ctx context.Context, s *domain.Stream) error {
	id := s.ID()
	if id == "" {
		return apperrors.WrapError(domain.ErrStreamNotPublished, apperrors.ErrCodeInvalidInput, apperrors.KindValidation, "unpublish")
	}

	if r.State() == domain.StateConnected && r.gateway.Connected() {
		ctx, span := tracing.TraceStream(ctx, "unpublish", string(id), true)
		err := r.gateway.Unpublish(ctx, id)
		tracing.End(span, err)
		if err != nil {
			return apperrors.NewSignalingError("unpublish", err)
		}
	}

	r.local.Remove(id)
	r.closeConnection(s)
	s.ClearID()
	r.updateStreamMetrics()
	return nil
}

// Unsubscribe stops receiving a remote stream. The handle keeps its id so
// it can be subscribed again while the stream exists.
func (r *Room) Unsubscribe(ctx context.Context, s *domain.Stream) error {
	if s == nil || s.IsLocal() {
		return apperrors.NewInvalidInputError("unsubscribe requires a remote stream")
	}
	return r.unsubscribeStream(ctx, s)
}

func (r *Room) unsubscribeStream(ctx context.Context, s *domain.Stream) error {
	id := s.ID()
	if id == "" {
		return apperrors.NewInvalidInputError("stream has no id")
	}

	if r.State() == domain.StateConnected && r.gateway.Connected() {
		ctx, span := tracing.TraceStream(ctx, "unsubscribe", string(id), false)
		err := r.gateway.Unsubscribe(ctx, id)
		tracing.End(span, err)
		if err != nil {
			return apperrors.NewSignalingError("unsubscribe", err)
		}
	}

	r.remote.Remove(id)
	r.closeConnection(s)
	s.StopTracks()
	r.updateStreamMetrics()
	return nil
}

func (r *Room) closeConnection(s *domain.Stream) {
	conn := s.DetachConnection()
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		r.logger.Debugw("failed to close media connection", "stream_id", s.ID(), "error", err)
	}
}

type keyFrameRequester interface {
	RequestKeyFrame() error
}

// onConnectionEvent handles state changes of a stream's media connection.
// Only events from the current negotiation generation are considered, and
// once a generation failed nothing from it can revive the stream.
func (r *Room) onConnectionEvent(s *domain.Stream, gen uint64, ev domain.ConnectionEvent) {
	if !s.IsCurrent(gen) {
		return
	}

	switch ev.State {
	case domain.LinkFailed:
		r.onStreamFailed(s, gen)
	case domain.LinkDisconnected:
		if ev.Source == domain.SourceConnection {
			r.onStreamFailed(s, gen)
		}
	case domain.LinkConnected:
		wasReconnecting, ok := s.MarkConnected()
		if !ok || !wasReconnecting {
			return
		}
		r.logger.Infow("stream reconnected", "stream_id", s.ID(), "local", s.IsLocal())
		r.emit(domain.StreamEvent{Kind: domain.EventStreamReconnected, Stream: s, ID: s.ID(), Local: s.IsLocal()})
		r.onStreamRecovered(s)
	}
}

func (r *Room) onStreamFailed(s *domain.Stream, gen uint64) {
	if !s.Invalidate(gen) {
		return
	}
	r.logger.Warnw("stream media connection failed",
		"stream_id", s.ID(),
		"local", s.IsLocal(),
		"attempt", s.ReconnectState().Attempt,
	)
	r.coordinator.HandleFailure(s)
}

// onStreamRecovered replays a held media mode change and asks remote
// publishers for a fresh key frame.
func (r *Room) onStreamRecovered(s *domain.Stream) {
	ctx := r.sessionContext()
	if mode := s.TakeHeldMediaMode(); mode != "" {
		payload := map[string]interface{}{"stream_id": s.ID(), "media_mode": mode}
		if _, err := r.gateway.SendMessage(ctx, domain.RequestMediaMode, payload); err != nil {
			r.logger.Warnw("failed to replay media mode", "stream_id", s.ID(), "error", err)
		}
	}
	if !s.IsLocal() {
		if kf, ok := s.Connection().(keyFrameRequester); ok {
			if err := kf.RequestKeyFrame(); err != nil {
				r.logger.Debugw("key frame request failed", "stream_id", s.ID(), "error", err)
			}
		}
	}
}
