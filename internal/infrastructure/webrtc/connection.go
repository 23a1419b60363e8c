package webrtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"confroom/internal/core/domain"
	"confroom/internal/core/ports"
	"confroom/pkg/config"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var ErrForeignTrack = errors.New("track was not created by this media stack")

// Config configures the peer connections built by Factory.
type Config struct {
	ICEServers       []webrtc.ICEServer
	PortRange        struct{ Min, Max uint16 }
	DataChannelLabel string
}

func ConfigFrom(cfg *config.Config) Config {
	var out Config
	for _, s := range cfg.WebRTC.ICEServers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	out.DataChannelLabel = cfg.WebRTC.DataChannelLabel
	return out
}

// Factory builds one pion peer connection per stream.
type Factory struct {
	config Config
	api    *webrtc.API
	logger *zap.SugaredLogger
}

var _ ports.MediaConnectionFactory = (*Factory)(nil)

func NewFactory(cfg Config, logger *zap.Logger) (*Factory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DataChannelLabel == "" {
		cfg.DataChannelLabel = "data"
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}

	return &Factory{
		config: cfg,
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine)),
		logger: logger.Sugar().Named("webrtc"),
	}, nil
}

func (f *Factory) BuildConnection(opts ports.ConnectionOptions) (domain.MediaConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	c := &PeerConnection{
		pc:       pc,
		streamID: opts.StreamID,
		local:    opts.Local,
		logger:   f.logger.With("stream_id", opts.StreamID, "local", opts.Local),
	}

	if !opts.Local {
		if err := c.addReceivers(opts); err != nil {
			pc.Close()
			return nil, err
		}
	}
	if opts.Data {
		dc, err := pc.CreateDataChannel(f.config.DataChannelLabel, nil)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create data channel: %w", err)
		}
		c.data = dc
	}

	c.wire()
	return c, nil
}

// PeerConnection adapts a pion peer connection to domain.MediaConnection.
type PeerConnection struct {
	pc       *webrtc.PeerConnection
	streamID domain.StreamID
	local    bool
	data     *webrtc.DataChannel
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	onSignal func(domain.SignalingMessage)
	onState  func(domain.ConnectionEvent)
	onTrack  func(domain.Track)
	remote   []*RemoteTrack
	senders  []*LocalTrack
	closed   bool
}

func (c *PeerConnection) addReceivers(opts ports.ConnectionOptions) error {
	recvOnly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if opts.Audio {
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvOnly); err != nil {
			return fmt.Errorf("failed to add audio receiver: %w", err)
		}
	}
	if opts.Video {
		tr, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recvOnly)
		if err != nil {
			return fmt.Errorf("failed to add video receiver: %w", err)
		}
		if opts.VideoCodec != "" {
			if err := tr.SetCodecPreferences(preferCodec(opts.VideoCodec)); err != nil {
				c.logger.Debugw("codec preference rejected", "codec", opts.VideoCodec, "error", err)
			}
		}
	}
	return nil
}

func (c *PeerConnection) wire() {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		msg := domain.SignalingMessage{Type: domain.SignalCandidate, Candidate: init.Candidate}
		if init.SDPMid != nil {
			msg.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			msg.SDPMLineIndex = *init.SDPMLineIndex
		}
		c.signal(msg)
	})

	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Infow("peer connection state changed", "connection_state", state)
		if link, ok := linkFromPeerState(state); ok {
			c.state(domain.ConnectionEvent{State: link, Source: domain.SourceConnection})
		}
	})

	c.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.logger.Debugw("ICE connection state changed", "ice_state", state)
		if link, ok := linkFromICEState(state); ok {
			c.state(domain.ConnectionEvent{State: link, Source: domain.SourceTransport})
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Infow("remote track started",
			"track_id", track.ID(),
			"kind", track.Kind().String(),
			"codec", track.Codec().MimeType,
		)
		rt := newRemoteTrack(track, receiver, c.logger)
		c.mu.Lock()
		c.remote = append(c.remote, rt)
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(rt)
		}
	})
}

func (c *PeerConnection) CreateOffer(ctx context.Context) (domain.SignalingMessage, error) {
	if err := ctx.Err(); err != nil {
		return domain.SignalingMessage{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.SignalingMessage{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return domain.SignalingMessage{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return domain.SignalingMessage{Type: domain.SignalOffer, SDP: offer.SDP}, nil
}

func (c *PeerConnection) AddTrack(track domain.Track) error {
	lt, ok := track.(*LocalTrack)
	if !ok {
		return ErrForeignTrack
	}
	sender, err := c.pc.AddTrack(lt.sample)
	if err != nil {
		return fmt.Errorf("failed to add track: %w", err)
	}
	c.mu.Lock()
	c.senders = append(c.senders, lt)
	c.mu.Unlock()

	go readSenderRTCP(sender, lt, c.logger)
	return nil
}

func (c *PeerConnection) ProcessSignalingMessage(ctx context.Context, msg domain.SignalingMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch msg.Type {
	case domain.SignalAnswer:
		return c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP})

	case domain.SignalOffer:
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}); err != nil {
			return err
		}
		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("failed to create answer: %w", err)
		}
		if err := c.pc.SetLocalDescription(answer); err != nil {
			return err
		}
		c.signal(domain.SignalingMessage{Type: domain.SignalAnswer, SDP: answer.SDP})
		return nil

	case domain.SignalCandidate:
		mid := msg.SDPMid
		index := msg.SDPMLineIndex
		return c.pc.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:     msg.Candidate,
			SDPMid:        &mid,
			SDPMLineIndex: &index,
		})

	default:
		return fmt.Errorf("unknown signaling message type %q", msg.Type)
	}
}

func (c *PeerConnection) OnSignalingMessage(fn func(domain.SignalingMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSignal = fn
}

func (c *PeerConnection) OnConnectionStateChange(fn func(domain.ConnectionEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *PeerConnection) OnTrack(fn func(domain.Track)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

// RequestKeyFrame sends a picture loss indication for every received
// video track.
func (c *PeerConnection) RequestKeyFrame() error {
	c.mu.Lock()
	var pkts []rtcp.Packet
	for _, rt := range c.remote {
		if rt.Kind() == domain.MediaVideo {
			pkts = append(pkts, &rtcp.PictureLossIndication{MediaSSRC: rt.SSRC()})
		}
	}
	c.mu.Unlock()

	if len(pkts) == 0 {
		return nil
	}
	return c.pc.WriteRTCP(pkts)
}

// DataChannel returns the negotiated data channel, if any.
func (c *PeerConnection) DataChannel() *webrtc.DataChannel {
	return c.data
}

func (c *PeerConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	remote := c.remote
	c.mu.Unlock()

	for _, rt := range remote {
		rt.Stop()
	}
	return c.pc.Close()
}

func (c *PeerConnection) signal(msg domain.SignalingMessage) {
	c.mu.Lock()
	fn := c.onSignal
	c.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (c *PeerConnection) state(ev domain.ConnectionEvent) {
	c.mu.Lock()
	fn := c.onState
	closed := c.closed
	c.mu.Unlock()
	if fn != nil && !closed {
		fn(ev)
	}
}

func linkFromPeerState(s webrtc.PeerConnectionState) (domain.LinkState, bool) {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return domain.LinkNew, true
	case webrtc.PeerConnectionStateConnecting:
		return domain.LinkConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return domain.LinkConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return domain.LinkDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return domain.LinkFailed, true
	case webrtc.PeerConnectionStateClosed:
		return domain.LinkClosed, true
	}
	return "", false
}

// linkFromICEState maps the transport states. Checking and completed have
// no domain counterpart beyond connecting and connected.
func linkFromICEState(s webrtc.ICEConnectionState) (domain.LinkState, bool) {
	switch s {
	case webrtc.ICEConnectionStateNew:
		return domain.LinkNew, true
	case webrtc.ICEConnectionStateChecking:
		return domain.LinkConnecting, true
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return domain.LinkConnected, true
	case webrtc.ICEConnectionStateDisconnected:
		return domain.LinkDisconnected, true
	case webrtc.ICEConnectionStateFailed:
		return domain.LinkFailed, true
	case webrtc.ICEConnectionStateClosed:
		return domain.LinkClosed, true
	}
	return "", false
}

// preferCodec returns the default video codecs with name moved first.
func preferCodec(name string) []webrtc.RTPCodecParameters {
	mime := "video/" + strings.ToUpper(name)
	var first, rest []webrtc.RTPCodecParameters
	for _, c := range defaultVideoCodecs() {
		if strings.EqualFold(c.MimeType, mime) {
			first = append(first, c)
		} else {
			rest = append(rest, c)
		}
	}
	return append(first, rest...)
}

func defaultVideoCodecs() []webrtc.RTPCodecParameters {
	feedback := []webrtc.RTCPFeedback{{Type: "goog-remb"}, {Type: "ccm", Parameter: "fir"}, {Type: "nack"}, {Type: "nack", Parameter: "pli"}}
	return []webrtc.RTPCodecParameters{
		{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, RTCPFeedback: feedback}, PayloadType: 96},
		{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000, SDPFmtpLine: "profile-id=0", RTCPFeedback: feedback}, PayloadType: 98},
		{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f", RTCPFeedback: feedback}, PayloadType: 102},
	}
}
