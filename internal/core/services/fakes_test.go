package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"confroom/internal/core/domain"
	"confroom/internal/core/ports"
	"confroom/internal/infrastructure/events"
	"confroom/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type sentMessage struct {
	Name    string
	Payload interface{}
}

type fakeGateway struct {
	mu sync.Mutex

	connected    bool
	connectErrs  []error
	joinResp     domain.JoinResponse
	connectReqs  []domain.ConnectRequest
	nextID       int
	publishErr   error
	subscribeErr error
	published    []domain.PublishRequest
	subscribed   []domain.SubscribeRequest
	unpublished  []domain.StreamID
	unsubscribed []domain.StreamID
	signaling    []domain.SignalingEnvelope
	messages     []sentMessage
	emitted      []sentMessage
	result       json.RawMessage
	messageErr   error
	disconnects  int

	handlers     map[string][]func(json.RawMessage)
	onDisconnect []func(error)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		joinResp: domain.JoinResponse{
			ClientID: "me",
			Role:     domain.RoleParticipant,
			Room:     domain.RoomMeta{ID: "room-1", Name: "standup", Mode: "lecture"},
			Streams: []domain.StreamInfo{
				{ID: "r1", Owner: "other", Kinds: domain.KindAudio | domain.KindVideo, VideoCodec: "vp8"},
			},
			Users: []domain.User{
				{ClientID: "me", Name: "ada", Role: domain.RoleParticipant},
				{ClientID: "other", Name: "grace", Role: domain.RoleModerator},
			},
		},
		result:   json.RawMessage(`{"result":"ok"}`),
		handlers: make(map[string][]func(json.RawMessage)),
	}
}

func (g *fakeGateway) Connect(ctx context.Context, req domain.ConnectRequest) (*domain.JoinResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connectReqs = append(g.connectReqs, req)
	if len(g.connectErrs) > 0 {
		err := g.connectErrs[0]
		g.connectErrs = g.connectErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	g.connected = true
	resp := g.joinResp
	return &resp, nil
}

func (g *fakeGateway) Publish(ctx context.Context, req domain.PublishRequest) (domain.StreamID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.publishErr != nil {
		return "", g.publishErr
	}
	g.nextID++
	g.published = append(g.published, req)
	return domain.StreamID(fmt.Sprintf("pub-%d", g.nextID)), nil
}

func (g *fakeGateway) Subscribe(ctx context.Context, req domain.SubscribeRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.subscribeErr != nil {
		return g.subscribeErr
	}
	g.subscribed = append(g.subscribed, req)
	return nil
}

func (g *fakeGateway) Unpublish(ctx context.Context, id domain.StreamID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unpublished = append(g.unpublished, id)
	return nil
}

func (g *fakeGateway) Unsubscribe(ctx context.Context, id domain.StreamID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unsubscribed = append(g.unsubscribed, id)
	return nil
}

func (g *fakeGateway) SendSignaling(ctx context.Context, id domain.StreamID, msg domain.SignalingMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.signaling = append(g.signaling, domain.SignalingEnvelope{StreamID: id, Message: msg})
	return nil
}

func (g *fakeGateway) SendMessage(ctx context.Context, name string, payload interface{}) (json.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages = append(g.messages, sentMessage{Name: name, Payload: payload})
	if g.messageErr != nil {
		return nil, g.messageErr
	}
	return g.result, nil
}

func (g *fakeGateway) EmitEvent(ctx context.Context, name string, payload interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.emitted = append(g.emitted, sentMessage{Name: name, Payload: payload})
	return nil
}

func (g *fakeGateway) On(event string, handler func(json.RawMessage)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[event] = append(g.handlers[event], handler)
}

func (g *fakeGateway) OnDisconnect(handler func(error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onDisconnect = append(g.onDisconnect, handler)
}

func (g *fakeGateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *fakeGateway) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
	g.disconnects++
	return nil
}

// fire delivers an inbound event as the server would.
func (g *fakeGateway) fire(t *testing.T, event string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	g.mu.Lock()
	handlers := append([]func(json.RawMessage){}, g.handlers[event]...)
	g.mu.Unlock()
	require.NotEmpty(t, handlers, "no handler for %s", event)
	for _, h := range handlers {
		h(raw)
	}
}

// drop simulates the socket going away.
func (g *fakeGateway) drop(err error) {
	g.mu.Lock()
	g.connected = false
	handlers := append([]func(error){}, g.onDisconnect...)
	g.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}

func (g *fakeGateway) connectCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.connectReqs)
}

func (g *fakeGateway) lastConnect() domain.ConnectRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connectReqs[len(g.connectReqs)-1]
}

func (g *fakeGateway) messageNames() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.messages))
	for _, m := range g.messages {
		names = append(names, m.Name)
	}
	return names
}

func (g *fakeGateway) unpublishedIDs() []domain.StreamID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.StreamID(nil), g.unpublished...)
}

func (g *fakeGateway) publishCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.published)
}

func (g *fakeGateway) subscribeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subscribed)
}

type fakeConn struct {
	mu       sync.Mutex
	opts     ports.ConnectionOptions
	stateFn  func(domain.ConnectionEvent)
	signalFn func(domain.SignalingMessage)
	trackFn  func(domain.Track)
	tracks   []domain.Track
	received []domain.SignalingMessage
	closed   bool
	keyFrame int
}

func (c *fakeConn) CreateOffer(ctx context.Context) (domain.SignalingMessage, error) {
	return domain.SignalingMessage{Type: domain.SignalOffer, SDP: "v=0 fake"}, nil
}

func (c *fakeConn) AddTrack(track domain.Track) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, track)
	return nil
}

func (c *fakeConn) ProcessSignalingMessage(ctx context.Context, msg domain.SignalingMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, msg)
	return nil
}

func (c *fakeConn) OnSignalingMessage(fn func(domain.SignalingMessage)) {
	c.mu.Lock()
	c.signalFn = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnConnectionStateChange(fn func(domain.ConnectionEvent)) {
	c.mu.Lock()
	c.stateFn = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnTrack(fn func(domain.Track)) {
	c.mu.Lock()
	c.trackFn = fn
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) RequestKeyFrame() error {
	c.mu.Lock()
	c.keyFrame++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) fire(state domain.LinkState) {
	c.mu.Lock()
	fn := c.stateFn
	c.mu.Unlock()
	fn(domain.ConnectionEvent{State: state, Source: domain.SourceConnection})
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeMedia struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (m *fakeMedia) BuildConnection(opts ports.ConnectionOptions) (domain.MediaConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn := &fakeConn{opts: opts}
	m.conns = append(m.conns, conn)
	return conn, nil
}

func (m *fakeMedia) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *fakeMedia) conn(i int) *fakeConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[i]
}

type fakeTrack struct {
	id      string
	kind    domain.MediaKind
	enabled atomic.Bool
	ended   atomic.Bool
}

func newFakeTrack(id string, kind domain.MediaKind) *fakeTrack {
	t := &fakeTrack{id: id, kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *fakeTrack) ID() string              { return t.id }
func (t *fakeTrack) Kind() domain.MediaKind  { return t.kind }
func (t *fakeTrack) Enabled() bool           { return t.enabled.Load() }
func (t *fakeTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *fakeTrack) Stop()                   { t.ended.Store(true) }
func (t *fakeTrack) ReadyState() domain.TrackState {
	if t.ended.Load() {
		return domain.TrackEnded
	}
	return domain.TrackLive
}

type fakeStatsTrack struct {
	*fakeTrack
	stats domain.SenderStats
}

func (t *fakeStatsTrack) Stats() domain.SenderStats { return t.stats }

type fakeTrackSource struct {
	opens atomic.Int32
}

func (s *fakeTrackSource) Open(ctx context.Context, kinds domain.StreamKind, res domain.Resolution) ([]domain.Track, error) {
	n := s.opens.Add(1)
	var tracks []domain.Track
	if kinds.Has(domain.KindAudio) {
		tracks = append(tracks, newFakeTrack(fmt.Sprintf("audio-%d", n), domain.MediaAudio))
	}
	if kinds.Has(domain.KindVideo) || kinds.Has(domain.KindScreen) {
		tracks = append(tracks, newFakeTrack(fmt.Sprintf("video-%d", n), domain.MediaVideo))
	}
	return tracks, nil
}

type MockProber struct {
	mock.Mock
}

func (m *MockProber) Probe(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) record(e domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(kind domain.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type() == kind {
			n++
		}
	}
	return n
}

func (r *recorder) last(kind domain.EventType) domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type() == kind {
			return r.events[i]
		}
	}
	return nil
}

type testRoom struct {
	*Room
	gateway *fakeGateway
	media   *fakeMedia
	source  *fakeTrackSource
	prober  *MockProber
	store   ports.SessionStore
	events  *recorder
}

func testToken() *domain.JoinToken {
	return &domain.JoinToken{
		Raw: "join-token",
		Settings: domain.RoomSettings{
			RoomID:   "room-1",
			UserName: "ada",
			Role:     domain.RoleParticipant,
			Media: domain.Entitlements{
				Audio: true, Video: true, Data: true,
			},
			MinResolution: domain.Resolution{Width: 160, Height: 120},
			MaxResolution: domain.Resolution{Width: 1280, Height: 720},
			MaxVideoBW:    1500,
			MinVideoBW:    100,
			MaxVideoFPS:   30,
		},
	}
}

func testConfig() RoomConfig {
	cfg := DefaultRoomConfig()
	cfg.ReconnectionTimeout = 5 * time.Second
	cfg.ProbeInterval = 10 * time.Millisecond
	cfg.LeaveAckTimeout = 50 * time.Millisecond
	cfg.ConnectionSettleTimeout = time.Hour
	cfg.HealthCheckInterval = 20 * time.Millisecond
	cfg.PublishHealthGrace = 0
	return cfg
}

func newTestRoom(t *testing.T, mutate ...func(*RoomConfig, *domain.JoinToken)) *testRoom {
	t.Helper()

	cfg := testConfig()
	token := testToken()
	for _, m := range mutate {
		m(&cfg, token)
	}

	tr := &testRoom{
		gateway: newFakeGateway(),
		media:   &fakeMedia{},
		source:  &fakeTrackSource{},
		prober:  &MockProber{},
		store:   memory.NewMemorySessionStore(),
		events:  &recorder{},
	}
	emitter := events.NewDispatcher(nil)
	emitter.AddEventListener(events.AllEvents, tr.events.record)

	room, err := NewRoom(token, cfg, RoomDeps{
		Gateway: tr.gateway,
		Media:   tr.media,
		Tracks:  tr.source,
		Prober:  tr.prober,
		Store:   tr.store,
		Events:  emitter,
		Local:   memory.NewMemoryStreamRegistry(),
		Remote:  memory.NewMemoryStreamRegistry(),
		Pending: memory.NewMemoryStreamRegistry(),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	tr.Room = room

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = room.Close(ctx)
	})
	return tr
}

func (tr *testRoom) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, tr.Connect(context.Background()))
	require.Equal(t, domain.StateConnected, tr.State())
}

func (tr *testRoom) publishAV(t *testing.T) *domain.Stream {
	t.Helper()
	s := domain.NewLocalStream(domain.KindAudio|domain.KindVideo, []domain.Track{
		newFakeTrack("mic", domain.MediaAudio),
		newFakeTrack("cam", domain.MediaVideo),
	}, map[string]string{"name": "camera"})
	_, err := tr.Publish(context.Background(), s, domain.PublishOptions{})
	require.NoError(t, err)
	return s
}

func (tr *testRoom) subscribeR1(t *testing.T) *domain.Stream {
	t.Helper()
	s, ok := tr.RemoteStream("r1")
	require.True(t, ok)
	require.NoError(t, tr.Subscribe(context.Background(), s, domain.SubscribeOptions{}))
	return s
}

// registryMemberships counts how many registries hold s.
func (tr *testRoom) registryMemberships(s *domain.Stream) int {
	n := 0
	for _, list := range [][]*domain.Stream{tr.LocalStreams(), tr.RemoteStreams(), tr.PendingStreams()} {
		for _, candidate := range list {
			if candidate == s {
				n++
			}
		}
	}
	return n
}
