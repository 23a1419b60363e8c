package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"confroom/internal/core/domain"
	"confroom/internal/core/ports"
	"confroom/pkg/circuitbreaker"
	"confroom/pkg/config"
	"confroom/pkg/retry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Frame types on the signaling socket.
const (
	FrameRequest  = "request"
	FrameResponse = "response"
	FrameEvent    = "event"
)

// Frame is the JSON envelope exchanged with the signaling server. Requests
// carry an id that the matching response echoes.
type Frame struct {
	Type    string              `json:"type"`
	ID      string              `json:"id,omitempty"`
	Name    string              `json:"name,omitempty"`
	Payload json.RawMessage     `json:"payload,omitempty"`
	Error   *domain.ServerError `json:"error,omitempty"`
}

type Options struct {
	URL            string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MessagesPerSec float64
	MessageBurst   int
	Dial           retry.Config
	Breaker        circuitbreaker.Config
}

func OptionsFrom(cfg *config.Config) Options {
	dial := retry.DefaultConfig()
	if cfg.Signal.DialAttempts > 0 {
		dial.MaxAttempts = cfg.Signal.DialAttempts
	}

	breaker := circuitbreaker.DefaultConfig()
	if cfg.Signal.BreakerThreshold > 0 {
		breaker.FailureThreshold = cfg.Signal.BreakerThreshold
	}
	if cfg.Signal.BreakerCooldown > 0 {
		breaker.Timeout = cfg.Signal.BreakerCooldown
	}

	return Options{
		URL:            cfg.Signal.URL,
		DialTimeout:    cfg.Signal.DialTimeout,
		RequestTimeout: cfg.Signal.RequestTimeout,
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		MessagesPerSec: cfg.Signal.MessagesPerSec,
		MessageBurst:   cfg.Signal.MessageBurst,
		Dial:           dial,
		Breaker:        breaker,
	}
}

type result struct {
	payload json.RawMessage
	err     error
}

// session is one live socket. It is replaced on every Connect.
type session struct {
	conn    *websocket.Conn
	done    chan struct{}
	inbox   chan Frame
	writeMu sync.Mutex
	once    sync.Once
}

func (s *session) close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// WebSocketGateway is the client end of the signaling channel.
type WebSocketGateway struct {
	opts    Options
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger

	handlerMu    sync.RWMutex
	handlers     map[string][]func(json.RawMessage)
	onDisconnect []func(error)

	mu      sync.Mutex
	current *session
	pending map[string]chan result
}

var _ ports.SignalingGateway = (*WebSocketGateway)(nil)

func NewWebSocketGateway(opts Options, logger *zap.Logger) *WebSocketGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MessagesPerSec <= 0 {
		opts.MessagesPerSec = 20
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 40
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	// Only silence counts against the breaker. A rejection is an answer and
	// a dropped socket is handled by session recovery.
	opts.Breaker.IsFailure = func(err error) bool {
		var srvErr *domain.ServerError
		switch {
		case errors.As(err, &srvErr),
			errors.Is(err, context.Canceled),
			errors.Is(err, domain.ErrGatewayClosed),
			errors.Is(err, domain.ErrConnectionLost):
			return false
		}
		return true
	}

	return &WebSocketGateway{
		opts: opts,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.DialTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		limiter:  rate.NewLimiter(rate.Limit(opts.MessagesPerSec), opts.MessageBurst),
		breaker:  circuitbreaker.New(opts.Breaker),
		logger:   logger.Sugar().Named("signal"),
		handlers: make(map[string][]func(json.RawMessage)),
		pending:  make(map[string]chan result),
	}
}

// Connect opens the socket and sends the join token. An already open
// socket is closed first without notifying disconnect handlers.
func (g *WebSocketGateway) Connect(ctx context.Context, req domain.ConnectRequest) (*domain.JoinResponse, error) {
	g.closeSession()

	conn, err := retry.DoWithResult(ctx, g.opts.Dial, func(ctx context.Context) (*websocket.Conn, error) {
		dialCtx := ctx
		if g.opts.DialTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, g.opts.DialTimeout)
			defer cancel()
		}
		conn, resp, err := g.dialer.DialContext(dialCtx, g.opts.URL, nil)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return nil, retry.Permanent(&domain.ServerError{Code: domain.ServerCodeInvalidToken, Message: resp.Status})
			}
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("dial signaling server: %w", err)
	}

	s := &session{
		conn:  conn,
		done:  make(chan struct{}),
		inbox: make(chan Frame, 64),
	}
	g.mu.Lock()
	g.current = s
	g.mu.Unlock()

	go g.readLoop(s)
	go g.dispatchLoop(s)
	if g.opts.PingInterval > 0 {
		go g.pingLoop(s)
	}

	g.logger.Infow("signaling socket open", "url", g.opts.URL, "reconnect", req.Reconnect != nil)

	raw, err := g.roundTrip(ctx, domain.RequestToken, req)
	if err != nil {
		g.closeSession()
		return nil, err
	}
	var resp domain.JoinResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		g.closeSession()
		return nil, fmt.Errorf("decode join response: %w", err)
	}
	g.breaker.Reset()
	return &resp, nil
}

func (g *WebSocketGateway) Publish(ctx context.Context, req domain.PublishRequest) (domain.StreamID, error) {
	raw, err := g.request(ctx, domain.RequestPublish, req)
	if err != nil {
		return "", err
	}
	var resp struct {
		ID domain.StreamID `json:"id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode publish response: %w", err)
	}
	return resp.ID, nil
}

func (g *WebSocketGateway) Subscribe(ctx context.Context, req domain.SubscribeRequest) error {
	_, err := g.request(ctx, domain.RequestSubscribe, req)
	return err
}

func (g *WebSocketGateway) Unpublish(ctx context.Context, id domain.StreamID) error {
	_, err := g.request(ctx, domain.RequestUnpublish, map[string]domain.StreamID{"id": id})
	return err
}

func (g *WebSocketGateway) Unsubscribe(ctx context.Context, id domain.StreamID) error {
	_, err := g.request(ctx, domain.RequestUnsubscribe, map[string]domain.StreamID{"id": id})
	return err
}

// SendSignaling forwards SDP and candidates. It is fire-and-forget.
func (g *WebSocketGateway) SendSignaling(ctx context.Context, id domain.StreamID, msg domain.SignalingMessage) error {
	return g.EmitEvent(ctx, domain.SignalSignalingMessage, domain.SignalingEnvelope{StreamID: id, Message: msg})
}

// SendMessage sends a rate limited request and returns the raw result.
func (g *WebSocketGateway) SendMessage(ctx context.Context, name string, payload interface{}) (json.RawMessage, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return g.request(ctx, name, payload)
}

// EmitEvent sends a rate limited message without waiting for an answer.
func (g *WebSocketGateway) EmitEvent(ctx context.Context, name string, payload interface{}) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	s := g.session()
	if s == nil {
		return domain.ErrGatewayClosed
	}
	body, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	return g.write(s, Frame{Type: FrameEvent, Name: name, Payload: body})
}

func (g *WebSocketGateway) On(event string, handler func(json.RawMessage)) {
	g.handlerMu.Lock()
	defer g.handlerMu.Unlock()
	g.handlers[event] = append(g.handlers[event], handler)
}

func (g *WebSocketGateway) OnDisconnect(handler func(error)) {
	g.handlerMu.Lock()
	defer g.handlerMu.Unlock()
	g.onDisconnect = append(g.onDisconnect, handler)
}

func (g *WebSocketGateway) Connected() bool {
	return g.session() != nil
}

// Disconnect closes the socket. Disconnect handlers are not notified.
func (g *WebSocketGateway) Disconnect() error {
	return g.closeSession()
}

// BreakerState exposes the request circuit breaker for diagnostics.
func (g *WebSocketGateway) BreakerState() circuitbreaker.State {
	return g.breaker.State()
}

func (g *WebSocketGateway) OnBreakerStateChange(fn func(from, to circuitbreaker.State)) {
	g.breaker.OnStateChange(fn)
}

func (g *WebSocketGateway) session() *session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

func (g *WebSocketGateway) closeSession() error {
	g.mu.Lock()
	s := g.current
	g.current = nil
	g.mu.Unlock()
	if s == nil {
		return nil
	}
	g.failPending(domain.ErrConnectionLost)
	err := s.close()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

func (g *WebSocketGateway) request(ctx context.Context, name string, payload interface{}) (json.RawMessage, error) {
	var raw json.RawMessage
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		raw, err = g.roundTrip(ctx, name, payload)
		return err
	})
	return raw, err
}

func (g *WebSocketGateway) roundTrip(ctx context.Context, name string, payload interface{}) (json.RawMessage, error) {
	s := g.session()
	if s == nil {
		return nil, domain.ErrGatewayClosed
	}
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ch := make(chan result, 1)
	g.mu.Lock()
	g.pending[id] = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, id)
		g.mu.Unlock()
	}()

	if err := g.write(s, Frame{Type: FrameRequest, ID: id, Name: name, Payload: body}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(g.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.payload, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%s: no response after %s", name, g.opts.RequestTimeout)
	}
}

func (g *WebSocketGateway) write(s *session, frame Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(g.opts.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(frame)
}

func (g *WebSocketGateway) failPending(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, ch := range g.pending {
		ch <- result{err: err}
		delete(g.pending, id)
	}
}

func (g *WebSocketGateway) readLoop(s *session) {
	defer close(s.inbox)

	if g.opts.PongTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(g.opts.PongTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(g.opts.PongTimeout))
		})
	}

	for {
		var frame Frame
		if err := s.conn.ReadJSON(&frame); err != nil {
			g.onReadError(s, err)
			return
		}
		if g.opts.PongTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(g.opts.PongTimeout))
		}

		switch frame.Type {
		case FrameResponse:
			g.deliver(frame)
		case FrameEvent:
			select {
			case s.inbox <- frame:
			case <-s.done:
				return
			}
		default:
			g.logger.Debugw("ignoring unknown frame", "type", frame.Type, "name", frame.Name)
		}
	}
}

func (g *WebSocketGateway) deliver(frame Frame) {
	g.mu.Lock()
	ch, ok := g.pending[frame.ID]
	delete(g.pending, frame.ID)
	g.mu.Unlock()
	if !ok {
		g.logger.Debugw("response for unknown request", "id", frame.ID)
		return
	}
	if frame.Error != nil {
		ch <- result{err: frame.Error}
		return
	}
	ch <- result{payload: frame.Payload}
}

// onReadError ends the session. Only a socket that was not closed through
// Disconnect notifies the disconnect handlers.
func (g *WebSocketGateway) onReadError(s *session, err error) {
	g.mu.Lock()
	lost := g.current == s
	if lost {
		g.current = nil
	}
	g.mu.Unlock()

	if !lost {
		return
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		g.logger.Warnw("signaling socket lost", "error", err)
	} else {
		g.logger.Infow("signaling socket closed", "error", err)
	}
	g.failPending(domain.ErrConnectionLost)
	s.close()

	g.handlerMu.RLock()
	handlers := append([]func(error){}, g.onDisconnect...)
	g.handlerMu.RUnlock()
	for _, h := range handlers {
		h(fmt.Errorf("%w: %v", domain.ErrConnectionLost, err))
	}
}

// dispatchLoop delivers events in arrival order off the read goroutine, so
// handlers may issue requests of their own.
func (g *WebSocketGateway) dispatchLoop(s *session) {
	for frame := range s.inbox {
		g.handlerMu.RLock()
		handlers := append([]func(json.RawMessage){}, g.handlers[frame.Name]...)
		g.handlerMu.RUnlock()

		if len(handlers) == 0 {
			g.logger.Debugw("no handler for event", "event", frame.Name)
			continue
		}
		for _, h := range handlers {
			h(frame.Payload)
		}
	}
}

func (g *WebSocketGateway) pingLoop(s *session) {
	ticker := time.NewTicker(g.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.opts.WriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				g.logger.Debugw("ping failed", "error", err)
				return
			}
		}
	}
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return body, nil
}
