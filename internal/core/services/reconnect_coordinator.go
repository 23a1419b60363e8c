package services

import (
	"context"

	"confroom/internal/core/domain"
	rlog "confroom/pkg/logger"
	"confroom/pkg/tracing"

	"go.uber.org/zap"
)

// ReconnectCoordinator decides how a failed stream recovers. It is the only
// writer of per-stream reconnect state.
type ReconnectCoordinator struct {
	room        *Room
	maxAttempts int
	logger      *zap.SugaredLogger
}

func newReconnectCoordinator(room *Room) *ReconnectCoordinator {
	return &ReconnectCoordinator{
		room:        room,
		maxAttempts: room.cfg.MaxReconnectAttempts,
		logger:      room.logger.Named("reconnect"),
	}
}

// HandleFailure is called once per failed negotiation generation.
//
// With reconnection allowed and the session up, the stream is renegotiated
// until it has used maxAttempts; after that a remote stream forces a room
// rejoin and a local stream drops the signaling connection. With
// reconnection disallowed the stream is marked failed and withdrawn.
func (c *ReconnectCoordinator) HandleFailure(s *domain.Stream) {
	s.SettleReconnect()

	allowed, sessionUp := c.room.recoveryStatus()
	if allowed {
		if !sessionUp {
			// Session recovery replays the stream.
			return
		}
		if s.ReconnectState().Attempt < c.maxAttempts {
			c.ReconnectStream(s)
			return
		}
		c.escalate(s)
		return
	}

	if c.room.State() != domain.StateDisconnected {
		c.fail(s)
	}
}

// HandleUnhealthy retires the stream's current negotiation and treats it
// as failed.
func (c *ReconnectCoordinator) HandleUnhealthy(s *domain.Stream) {
	if !s.Invalidate(s.Generation()) {
		return
	}
	c.HandleFailure(s)
}

// ReconnectStream runs one unpublish/publish or unsubscribe/subscribe cycle
// in the background.
func (c *ReconnectCoordinator) ReconnectStream(s *domain.Stream) {
	attempt, ok := s.BeginReconnect()
	if !ok {
		return
	}

	c.room.metrics.ReconnectAttempt(ScopeStream)
	c.logger.Infow("reconnecting stream", "stream_id", s.ID(), "local", s.IsLocal(), "attempt", attempt)
	c.room.emit(domain.StreamEvent{Kind: domain.EventStreamReconnecting, Stream: s, ID: s.ID(), Local: s.IsLocal(), Attempt: attempt})

	ctx := c.room.sessionContext()
	c.room.wg.Add(1)
	go func() {
		defer c.room.wg.Done()
		c.run(ctx, s, attempt)
	}()
}

func (c *ReconnectCoordinator) run(ctx context.Context, s *domain.Stream, attempt int) {
	room := c.room
	key := s.ID()
	ctx = rlog.WithStreamID(ctx, string(key))
	ctx, span := tracing.TraceReconnect(ctx, ScopeStream, attempt)

	var err error
	if s.IsLocal() {
		opts := s.PublishOptions()
		if uerr := room.unpublishStream(ctx, s); uerr != nil {
			c.logger.Debugw("unpublish before reconnect failed", "stream_id", key, "error", uerr)
			room.local.Remove(key)
			room.closeConnection(s)
			s.ClearID()
		}
		key = room.stage(key, s)
		_, err = room.publishStream(ctx, s, opts)
	} else {
		opts := s.SubscribeOptions()
		if uerr := room.unsubscribeStream(ctx, s); uerr != nil {
			c.logger.Debugw("unsubscribe before reconnect failed", "stream_id", key, "error", uerr)
			room.remote.Remove(key)
			room.closeConnection(s)
		}
		key = room.stage(key, s)
		err = room.subscribeStream(ctx, s, opts)
	}
	tracing.End(span, err)

	if ctx.Err() != nil {
		// The session went away mid-flight. Only a local stream of a
		// recovering session stays staged for replay.
		if !s.IsLocal() || !room.Reconnecting() {
			room.pending.Remove(key)
		}
		return
	}
	room.pending.Remove(key)

	if err != nil {
		c.logger.Warnw("stream reconnect attempt failed", "stream_id", key, "attempt", attempt, "error", err)
		c.HandleFailure(s)
	}
}

func (c *ReconnectCoordinator) escalate(s *domain.Stream) {
	if s.IsLocal() {
		c.logger.Warnw("local stream exhausted reconnect attempts, dropping signaling connection", "stream_id", s.ID())
		c.room.dropSignaling(errStreamExhausted)
		return
	}
	c.logger.Warnw("remote stream exhausted reconnect attempts, rejoining room", "stream_id", s.ID())
	c.room.rejoin(errStreamExhausted)
}

func (c *ReconnectCoordinator) fail(s *domain.Stream) {
	s.MarkFailed()
	c.room.metrics.StreamFailed(s.IsLocal())
	c.logger.Warnw("stream failed", "stream_id", s.ID(), "local", s.IsLocal())
	c.room.emit(domain.StreamEvent{Kind: domain.EventStreamFailed, Stream: s, ID: s.ID(), Local: s.IsLocal()})

	ctx := c.room.sessionContext()
	c.room.wg.Add(1)
	go func() {
		defer c.room.wg.Done()
		var err error
		if s.IsLocal() {
			err = c.room.unpublishStream(ctx, s)
		} else {
			err = c.room.unsubscribeStream(ctx, s)
		}
		if err != nil {
			c.logger.Debugw("failed to withdraw failed stream", "stream_id", s.ID(), "error", err)
		}
	}()
}
