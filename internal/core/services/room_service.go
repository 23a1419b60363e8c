package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"confroom/internal/core/domain"
	"confroom/internal/core/ports"
	apperrors "confroom/pkg/errors"
	rlog "confroom/pkg/logger"
	"confroom/pkg/tracing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RoomDeps are the collaborators of a room session. Tracks, Store and
// Metrics are optional.
type RoomDeps struct {
	Gateway ports.SignalingGateway
	Media   ports.MediaConnectionFactory
	Tracks  ports.TrackSource
	Prober  ports.NetworkProber
	Store   ports.SessionStore
	Events  ports.EventEmitter
	Metrics ports.SessionMetrics
	Local   ports.StreamRegistry
	Remote  ports.StreamRegistry
	Pending ports.StreamRegistry
}

// Room is the client side of one conferencing session. It owns the stream
// registries and all retry counters; the coordinator, health monitor and
// floor controller act on it and never keep state of their own about the
// session.
type Room struct {
	cfg   RoomConfig
	token *domain.JoinToken

	gateway ports.SignalingGateway
	media   ports.MediaConnectionFactory
	tracks  ports.TrackSource
	prober  ports.NetworkProber
	store   ports.SessionStore
	events  ports.EventEmitter
	metrics ports.SessionMetrics

	local   ports.StreamRegistry
	remote  ports.StreamRegistry
	pending ports.StreamRegistry

	coordinator *ReconnectCoordinator
	health      *HealthMonitor
	floor       *FloorController

	logger *zap.SugaredLogger
	clog   *rlog.ContextLogger

	mu                  sync.Mutex
	state               domain.SessionState
	clientID            domain.ClientID
	role                domain.Role
	meta                domain.RoomMeta
	users               map[domain.ClientID]domain.User
	reconnectionAllowed bool
	connectAttempt      int
	reconnectAttempt    int
	everConnected       bool
	reconnecting        bool
	episode             *reconnectEpisode
	resume              *domain.ReconnectInfo
	sessionCtx          context.Context
	sessionCancel       context.CancelFunc

	wg sync.WaitGroup
}

// reconnectEpisode is one session-level recovery run, bounded by the
// reconnection timeout.
type reconnectEpisode struct {
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
}

var (
	errStreamExhausted = errors.New("stream exhausted reconnect attempts")
	errMediaNotLive    = errors.New("media not live")
	errEpisodeEnded    = errors.New("reconnect episode ended")
)

func NewRoom(token *domain.JoinToken, cfg RoomConfig, deps RoomDeps, logger *zap.Logger) (*Room, error) {
	if token == nil {
		return nil, apperrors.NewInvalidInputError("join token is required")
	}
	if deps.Gateway == nil || deps.Media == nil || deps.Prober == nil || deps.Events == nil {
		return nil, apperrors.NewInvalidInputError("gateway, media factory, prober and event emitter are required")
	}
	if deps.Local == nil || deps.Remote == nil || deps.Pending == nil {
		return nil, apperrors.NewInvalidInputError("stream registries are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}

	cfg.Client.Name = token.Settings.UserName
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &Room{
		cfg:                 cfg,
		token:               token,
		gateway:             deps.Gateway,
		media:               deps.Media,
		tracks:              deps.Tracks,
		prober:              deps.Prober,
		store:               deps.Store,
		events:              deps.Events,
		metrics:             deps.Metrics,
		local:               deps.Local,
		remote:              deps.Remote,
		pending:             deps.Pending,
		logger:              logger.Sugar().With("room_id", token.Settings.RoomID),
		clog:                rlog.NewContextLogger(logger),
		state:               domain.StateDisconnected,
		role:                token.Settings.Role,
		users:               make(map[domain.ClientID]domain.User),
		reconnectionAllowed: cfg.ReconnectionAllowed,
		sessionCtx:          ctx,
	}
	r.coordinator = newReconnectCoordinator(r)
	r.health = newHealthMonitor(r)
	r.floor = newFloorController(r)

	r.registerSignalHandlers()
	r.gateway.OnDisconnect(r.handleSocketDrop)

	return r, nil
}

// Connect joins the room. It fails with ALREADY_CONNECTING unless the
// session is disconnected, and refuses with a fatal error once the connect
// or reconnect attempt counters are exhausted.
func (r *Room) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.episode != nil {
		r.mu.Unlock()
		return apperrors.NewAppError(apperrors.ErrCodeAlreadyConnecting, apperrors.KindValidation, "reconnection in progress")
	}
	r.reconnectionAllowed = r.cfg.ReconnectionAllowed
	fresh := !r.everConnected && r.state == domain.StateDisconnected && r.store != nil
	r.mu.Unlock()
	if fresh {
		r.loadResume(ctx)
	}
	return r.connect(ctx, nil)
}

// loadResume picks up the record a previous process left behind when it
// never got to leave the room, so the first join resumes that client.
func (r *Room) loadResume(ctx context.Context) {
	rec, err := r.store.Load(ctx, r.token.Settings.RoomID)
	if err != nil {
		if !errors.Is(err, domain.ErrSessionNotFound) {
			r.logger.Debugw("failed to load persisted session", "error", err)
		}
		return
	}
	if rec.ClientID == "" || rec.Name != r.token.Settings.UserName {
		return
	}
	r.mu.Lock()
	r.resume = rec
	r.mu.Unlock()
}

// connect runs one join attempt. A non-nil episode marks a rejoin, which
// only proceeds while that episode is still the current one.
func (r *Room) connect(ctx context.Context, ep *reconnectEpisode) error {
	rejoin := ep != nil
	r.mu.Lock()
	if rejoin {
		if r.episode != ep {
			r.mu.Unlock()
			return errEpisodeEnded
		}
		if r.everConnected {
			r.reconnecting = true
		}
	}
	if r.state != domain.StateDisconnected {
		state := r.state
		r.mu.Unlock()
		return apperrors.NewAppError(apperrors.ErrCodeAlreadyConnecting, apperrors.KindValidation,
			fmt.Sprintf("connect called while %s", state))
	}
	if r.connectAttempt >= r.cfg.MaxConnectAttempts || r.reconnectAttempt >= r.cfg.MaxReconnectAttempts {
		r.mu.Unlock()
		r.giveUp(nil, nil)
		return apperrors.NewFatalError(apperrors.ErrCodeReconnectRejected, "connection attempts exhausted")
	}

	r.state = domain.StateConnecting
	r.connectAttempt++
	var info *domain.ReconnectInfo
	if r.reconnecting && r.everConnected {
		r.reconnectAttempt++
		info = &domain.ReconnectInfo{
			IsReconnecting: true,
			Attempt:        r.reconnectAttempt,
			ClientID:       r.clientID,
			RoomID:         r.token.Settings.RoomID,
			Role:           r.role,
			Name:           r.token.Settings.UserName,
		}
	} else if r.resume != nil {
		info = &domain.ReconnectInfo{
			IsReconnecting: true,
			Attempt:        r.connectAttempt,
			ClientID:       r.resume.ClientID,
			RoomID:         r.token.Settings.RoomID,
			Role:           r.resume.Role,
			Name:           r.token.Settings.UserName,
		}
	}
	r.resume = nil
	req := domain.ConnectRequest{Token: r.token.Raw, Client: r.cfg.Client, Reconnect: info}
	attempt := r.connectAttempt
	r.mu.Unlock()

	r.metrics.SessionState(domain.StateConnecting)
	r.logger.Infow("connecting to room", "attempt", attempt, "rejoin", rejoin)

	ctx, span := tracing.TraceSignaling(ctx, "connect", string(r.token.Settings.RoomID))
	resp, err := r.gateway.Connect(ctx, req)
	tracing.End(span, err)
	if err != nil {
		return r.onConnectFailed(err, rejoin)
	}
	return r.onConnected(resp)
}

func (r *Room) onConnectFailed(err error, rejoin bool) error {
	r.mu.Lock()
	if r.state != domain.StateConnecting {
		// Disconnect ran while the request was in flight and already
		// reported the outcome.
		r.mu.Unlock()
		return apperrors.NewNotConnectedError("connect")
	}
	r.state = domain.StateDisconnected
	r.mu.Unlock()
	r.metrics.SessionState(domain.StateDisconnected)

	var srvErr *domain.ServerError
	if errors.As(err, &srvErr) && srvErr.Fatal() {
		r.logger.Warnw("room rejected connection", "code", srvErr.Code, "message", srvErr.Message)
		r.mu.Lock()
		r.reconnectionAllowed = false
		r.mu.Unlock()

		appErr := apperrors.WrapError(err, fatalCodeFor(srvErr.Code), apperrors.KindFatal, srvErr.Message)
		if rejoin {
			// The episode owner abandons recovery and reports the timeout.
			return appErr
		}
		r.clearAll(context.Background(), false)
		r.emit(domain.RoomEvent{Kind: domain.EventRoomError, Err: appErr, Reason: srvErr.Code})
		return appErr
	}

	appErr := apperrors.NewSignalingError("connect", err)
	if !rejoin {
		r.logger.Warnw("failed to connect to room", "error", err)
		r.emit(domain.RoomEvent{Kind: domain.EventRoomError, Err: appErr})
	}
	return appErr
}

func fatalCodeFor(code string) apperrors.ErrorCode {
	switch code {
	case domain.ServerCodeRoomFull:
		return apperrors.ErrCodeRoomFull
	case domain.ServerCodeSingleParticipantReconnecting:
		return apperrors.ErrCodeReconnectRejected
	case domain.ServerCodeInvalidToken:
		return apperrors.ErrCodePermissionDenied
	default:
		return apperrors.ErrCodeSignalingFailed
	}
}

func (r *Room) onConnected(resp *domain.JoinResponse) error {
	r.mu.Lock()
	if r.state != domain.StateConnecting {
		r.mu.Unlock()
		_ = r.gateway.Disconnect()
		return apperrors.NewNotConnectedError("connect")
	}
	r.state = domain.StateConnected
	r.connectAttempt = 0
	attempt := r.reconnectAttempt
	r.reconnectAttempt = 0
	wasReconnecting := r.reconnecting
	r.reconnecting = false
	ep := r.episode
	r.episode = nil
	r.everConnected = true
	r.clientID = resp.ClientID
	if resp.Role != "" {
		r.role = resp.Role
	}
	r.meta = resp.Room
	r.users = make(map[domain.ClientID]domain.User, len(resp.Users))
	for _, u := range resp.Users {
		r.users[u.ClientID] = u
	}
	r.sessionCtx, r.sessionCancel = context.WithCancel(context.Background())
	sessionCtx := r.sessionCtx
	info := r.reconnectInfoLocked()
	r.mu.Unlock()

	if ep != nil {
		ep.cancel()
	}

	for _, streamInfo := range resp.Streams {
		if streamInfo.Owner == resp.ClientID || streamInfo.ID == "" {
			continue
		}
		r.remote.Add(streamInfo.ID, domain.NewRemoteStream(streamInfo))
	}

	if r.store != nil {
		if err := r.store.Save(sessionCtx, info); err != nil {
			r.logger.Warnw("failed to persist session", "error", err)
		}
	}

	r.metrics.SessionState(domain.StateConnected)
	r.updateStreamMetrics()
	r.logger.Infow("connected to room", "client_id", resp.ClientID, "role", r.Role(), "reconnected", wasReconnecting)

	r.emit(domain.RoomEvent{
		Kind:    domain.EventRoomConnected,
		Room:    resp.Room,
		Streams: r.remote.Snapshot(),
		Users:   r.Users(),
	})

	if wasReconnecting {
		r.emit(domain.NetworkEvent{Kind: domain.EventNetworkReconnected, Attempt: attempt})
		r.replayPending(sessionCtx)
	}
	return nil
}

// replayPending republishes local streams staged by a reconnectable
// teardown, with their original options.
func (r *Room) replayPending(ctx context.Context) {
	for _, s := range r.pending.Clear() {
		if !s.IsLocal() {
			r.closeConnection(s)
			continue
		}
		s.ResetReconnect()
		if _, err := r.publishStream(ctx, s, s.PublishOptions()); err != nil {
			r.clog.Sugar(ctx).Warnw("failed to republish stream after reconnect", "error", err)
		}
	}
}

// Disconnect leaves the room for good. Calling it on a disconnected room
// is a no-op.
func (r *Room) Disconnect(ctx context.Context, reason string) error {
	r.mu.Lock()
	idle := r.state == domain.StateDisconnected && r.episode == nil
	if idle || r.state == domain.StateDisconnecting {
		r.reconnectionAllowed = false
		r.mu.Unlock()
		return nil
	}
	r.reconnectionAllowed = false
	r.state = domain.StateDisconnecting
	r.mu.Unlock()
	r.metrics.SessionState(domain.StateDisconnecting)

	if reason == "" {
		reason = "client-initiated"
	}
	r.logger.Infow("disconnecting from room", "reason", reason)

	r.clearAll(ctx, false)
	r.emit(domain.RoomEvent{Kind: domain.EventRoomDisconnected, Reason: reason})
	return nil
}

// Close disconnects and waits for background recovery work to stop.
func (r *Room) Close(ctx context.Context) error {
	err := r.Disconnect(ctx, "closed")
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// clearAll tears the session down. In reconnectable mode local streams are
// staged in the pending registry for replay and the signaling server is not
// told that we left.
func (r *Room) clearAll(ctx context.Context, reconnectable bool) {
	r.mu.Lock()
	ep := r.episode
	if !reconnectable {
		r.episode = nil
		r.reconnecting = false
	}
	cancel := r.sessionCancel
	r.sessionCancel = nil
	r.mu.Unlock()

	if ep != nil && !reconnectable {
		ep.cancel()
	}
	if cancel != nil {
		cancel()
	}
	r.health.Stop()

	for _, s := range r.remote.Clear() {
		r.closeConnection(s)
		s.StopTracks()
	}

	if reconnectable {
		for _, s := range r.local.Clear() {
			key := s.ID()
			r.closeConnection(s)
			s.StopTracks()
			s.ClearID()
			r.stage(key, s)
		}
		r.pending.ForEach(func(id domain.StreamID, s *domain.Stream) {
			if !s.IsLocal() {
				r.pending.Remove(id)
				r.closeConnection(s)
				s.StopTracks()
			}
		})
	} else {
		for _, s := range r.local.Clear() {
			r.closeConnection(s)
			s.StopTracks()
			s.ClearID()
		}
		for _, s := range r.pending.Clear() {
			r.closeConnection(s)
			s.StopTracks()
			if s.IsLocal() {
				s.ClearID()
			}
		}
	}

	r.floor.Reset()

	if r.gateway.Connected() {
		if !reconnectable {
			leaveCtx, cancelLeave := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.LeaveAckTimeout)
			if _, err := r.gateway.SendMessage(leaveCtx, domain.RequestLeave, nil); err != nil {
				r.logger.Debugw("leave notice not acknowledged", "error", err)
			}
			cancelLeave()
		}
		if err := r.gateway.Disconnect(); err != nil {
			r.logger.Debugw("failed to close signaling connection", "error", err)
		}
	}

	r.mu.Lock()
	r.state = domain.StateDisconnected
	var info domain.ReconnectInfo
	if !reconnectable {
		r.connectAttempt = 0
		r.reconnectAttempt = 0
		r.users = make(map[domain.ClientID]domain.User)
		info = r.reconnectInfoLocked()
	}
	r.mu.Unlock()

	if !reconnectable && r.store != nil {
		if err := r.store.Delete(context.WithoutCancel(ctx), info.RoomID); err != nil {
			r.logger.Debugw("failed to delete persisted session", "error", err)
		}
	}

	r.metrics.SessionState(domain.StateDisconnected)
	r.updateStreamMetrics()
}

// stage parks a stream in the pending registry and returns its key.
// Streams without an id get a synthetic key.
func (r *Room) stage(key domain.StreamID, s *domain.Stream) domain.StreamID {
	if key == "" {
		key = domain.StreamID("pending-" + uuid.NewString())
	}
	r.pending.Add(key, s)
	return key
}

func (r *Room) handleSocketDrop(err error) {
	r.mu.Lock()
	state := r.state
	allowed := r.reconnectionAllowed
	r.mu.Unlock()

	if state != domain.StateConnected {
		return
	}
	r.logger.Warnw("signaling connection lost", "error", err, "reconnection_allowed", allowed)

	if !allowed {
		r.mu.Lock()
		r.state = domain.StateDisconnecting
		r.mu.Unlock()
		r.clearAll(context.Background(), false)
		r.emit(domain.RoomEvent{Kind: domain.EventRoomDisconnected, Reason: "connection-lost", Err: err})
		return
	}
	r.beginRecovery(err)
}

// dropSignaling closes the socket and handles it like a lost connection.
func (r *Room) dropSignaling(cause error) {
	if err := r.gateway.Disconnect(); err != nil {
		r.logger.Debugw("failed to close signaling connection", "error", err)
	}
	r.handleSocketDrop(cause)
}

// rejoin tears the session down reconnectably and rejoins the room.
func (r *Room) rejoin(cause error) {
	if !r.ReconnectionAllowed() {
		return
	}
	r.beginRecovery(cause)
}

func (r *Room) beginRecovery(cause error) {
	r.mu.Lock()
	if r.state != domain.StateConnected {
		r.mu.Unlock()
		return
	}
	r.state = domain.StateDisconnecting
	r.reconnecting = true
	r.mu.Unlock()

	r.clearAll(context.Background(), true)

	r.mu.Lock()
	if !r.reconnectionAllowed {
		r.mu.Unlock()
		r.clearAll(context.Background(), false)
		r.emit(domain.RoomEvent{Kind: domain.EventRoomDisconnected, Reason: "client-initiated"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ReconnectionTimeout)
	ep := &reconnectEpisode{ctx: ctx, cancel: cancel, started: time.Now()}
	r.episode = ep
	r.mu.Unlock()

	r.metrics.ReconnectAttempt(ScopeSession)
	r.emit(domain.NetworkEvent{Kind: domain.EventNetworkDisconnected, Err: cause})

	r.wg.Add(1)
	go r.runEpisode(ep)
}

// runEpisode probes the network every ProbeInterval and rejoins once it is
// reachable, until the episode succeeds, is cancelled or times out.
func (r *Room) runEpisode(ep *reconnectEpisode) {
	defer r.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ep.ctx.Done():
			if errors.Is(ep.ctx.Err(), context.DeadlineExceeded) {
				r.abandonEpisode(ep, nil)
			}
			return
		case <-timer.C:
		}

		probeCtx, cancel := context.WithTimeout(ep.ctx, r.cfg.ProbeInterval)
		err := r.prober.Probe(probeCtx)
		cancel()

		if err != nil {
			r.logger.Debugw("network still unreachable", "error", err)
		} else {
			err = r.reJoinRoom(ep)
			if err == nil || errors.Is(err, errEpisodeEnded) {
				return
			}
			if appErr := apperrors.GetAppError(err); appErr != nil && appErr.Kind == apperrors.KindFatal {
				r.abandonEpisode(ep, err)
				return
			}
			r.logger.Infow("rejoin attempt failed", "error", err)

			r.mu.Lock()
			exhausted := r.reconnectAttempt >= r.cfg.MaxReconnectAttempts
			r.mu.Unlock()
			if exhausted {
				r.abandonEpisode(ep, nil)
				return
			}
		}
		timer.Reset(r.cfg.ProbeInterval)
	}
}

// reJoinRoom reconnects with the prior session context. It fails with
// errEpisodeEnded once ep was cancelled or replaced.
func (r *Room) reJoinRoom(ep *reconnectEpisode) error {
	return r.connect(ep.ctx, ep)
}

// abandonEpisode ends recovery with a final teardown and a single
// network-reconnect-timeout notification.
func (r *Room) abandonEpisode(ep *reconnectEpisode, cause error) {
	r.mu.Lock()
	if r.episode != ep {
		r.mu.Unlock()
		return
	}
	r.episode = nil
	r.mu.Unlock()
	r.giveUp(ep, cause)
}

func (r *Room) giveUp(ep *reconnectEpisode, cause error) {
	r.mu.Lock()
	r.reconnectionAllowed = false
	attempt := r.reconnectAttempt
	if attempt == 0 {
		attempt = r.connectAttempt
	}
	r.mu.Unlock()

	var elapsed time.Duration
	if ep != nil {
		ep.cancel()
		elapsed = time.Since(ep.started)
	}
	r.logger.Warnw("giving up on reconnection", "attempt", attempt, "elapsed", elapsed, "error", cause)

	r.clearAll(context.Background(), false)
	r.emit(domain.NetworkEvent{Kind: domain.EventNetworkReconnectTimeout, Attempt: attempt, Elapsed: elapsed, Err: cause})
}

func (r *Room) reconnectInfoLocked() domain.ReconnectInfo {
	return domain.ReconnectInfo{
		ClientID: r.clientID,
		RoomID:   r.token.Settings.RoomID,
		Role:     r.role,
		Name:     r.token.Settings.UserName,
	}
}

func (r *Room) emit(event domain.Event) {
	r.events.Emit(event)
}

func (r *Room) checkConnected(operation string) error {
	if r.State() != domain.StateConnected {
		return apperrors.NewNotConnectedError(operation)
	}
	return nil
}

func (r *Room) checkModerator(operation string) error {
	if r.Role() != domain.RoleModerator {
		return apperrors.NewPermissionError(fmt.Sprintf("%s requires the moderator role", operation))
	}
	return nil
}

func (r *Room) sessionContext() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionCtx
}

// recoveryStatus reports whether reconnection is allowed and whether the
// session is up and not already recovering.
func (r *Room) recoveryStatus() (allowed, sessionUp bool) {
	r.mu.Lock()
	allowed = r.reconnectionAllowed
	sessionUp = r.state == domain.StateConnected && !r.reconnecting
	r.mu.Unlock()
	return allowed, sessionUp && r.gateway.Connected()
}

func (r *Room) updateStreamMetrics() {
	r.metrics.Streams(r.local.Size(), r.remote.Size(), r.pending.Size())
}

func (r *Room) AddEventListener(eventType domain.EventType, handler func(domain.Event)) func() {
	return r.events.AddEventListener(eventType, handler)
}

func (r *Room) State() domain.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Room) ClientID() domain.ClientID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clientID
}

func (r *Room) Role() domain.Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role
}

func (r *Room) Meta() domain.RoomMeta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta
}

func (r *Room) ReconnectionAllowed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconnectionAllowed
}

func (r *Room) Reconnecting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconnecting
}

// Attempts returns the connect and session reconnect counters.
func (r *Room) Attempts() (connect, reconnect int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectAttempt, r.reconnectAttempt
}

func (r *Room) Users() []domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]domain.User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u)
	}
	return users
}

func (r *Room) LocalStreams() []*domain.Stream   { return r.local.Snapshot() }
func (r *Room) RemoteStreams() []*domain.Stream  { return r.remote.Snapshot() }
func (r *Room) PendingStreams() []*domain.Stream { return r.pending.Snapshot() }

// RemoteStream looks up a remote stream by id.
func (r *Room) RemoteStream(id domain.StreamID) (*domain.Stream, bool) {
	return r.remote.Get(id)
}

func (r *Room) Floor() *FloorController { return r.floor }
