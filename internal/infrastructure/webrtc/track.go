package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"confroom/internal/core/domain"
	"confroom/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

// LocalTrack is an outgoing track fed with encoded samples. A disabled
// track drops samples, which is how muting reaches the wire.
type LocalTrack struct {
	kind       domain.MediaKind
	sample     *webrtc.TrackLocalStaticSample
	resolution domain.Resolution

	enabled atomic.Bool
	ended   atomic.Bool

	mu    sync.Mutex
	stats domain.SenderStats
	onPLI func()
}

func NewLocalTrack(kind domain.MediaKind, codec string, res domain.Resolution) (*LocalTrack, error) {
	mime, err := mimeFor(kind, codec)
	if err != nil {
		return nil, err
	}
	id := fmt.Sprintf("%s-%s", kind, uuid.NewString()[:8])
	sample, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "confroom")
	if err != nil {
		return nil, err
	}
	t := &LocalTrack{kind: kind, sample: sample, resolution: res}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) ID() string                    { return t.sample.ID() }
func (t *LocalTrack) Kind() domain.MediaKind        { return t.kind }
func (t *LocalTrack) Enabled() bool                 { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(enabled bool)       { t.enabled.Store(enabled) }
func (t *LocalTrack) Resolution() domain.Resolution { return t.resolution }
func (t *LocalTrack) Stop()                         { t.ended.Store(true) }

func (t *LocalTrack) ReadyState() domain.TrackState {
	if t.ended.Load() {
		return domain.TrackEnded
	}
	return domain.TrackLive
}

// WriteSample sends one encoded frame. It is a no-op while the track is
// disabled and fails once the track was stopped.
func (t *LocalTrack) WriteSample(s media.Sample) error {
	if t.ended.Load() {
		return io.ErrClosedPipe
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.sample.WriteSample(s)
}

// OnKeyFrameRequest registers a callback for PLI and FIR from the far end.
func (t *LocalTrack) OnKeyFrameRequest(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPLI = fn
}

var _ domain.StatsTrack = (*LocalTrack)(nil)

func (t *LocalTrack) Stats() domain.SenderStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// RemoteTrack is an incoming track. Its read loop drains RTP and tracks
// when the last packet arrived; the track ends when the loop stops.
type RemoteTrack struct {
	remote   *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
	kind     domain.MediaKind
	logger   *zap.SugaredLogger

	enabled    atomic.Bool
	ended      atomic.Bool
	packets    atomic.Uint64
	lastPacket atomic.Int64
	lastSeq    atomic.Uint32
}

func newRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver, logger *zap.SugaredLogger) *RemoteTrack {
	kind := domain.MediaAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.MediaVideo
	}
	rt := &RemoteTrack{remote: track, receiver: receiver, kind: kind, logger: logger}
	rt.enabled.Store(true)
	go rt.readLoop()
	return rt
}

func (t *RemoteTrack) ID() string              { return t.remote.ID() }
func (t *RemoteTrack) Kind() domain.MediaKind  { return t.kind }
func (t *RemoteTrack) Enabled() bool           { return t.enabled.Load() }
func (t *RemoteTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *RemoteTrack) SSRC() uint32            { return uint32(t.remote.SSRC()) }
func (t *RemoteTrack) Packets() uint64         { return t.packets.Load() }

func (t *RemoteTrack) Stop() {
	if t.ended.CompareAndSwap(false, true) && t.receiver != nil {
		t.receiver.Stop()
	}
}

func (t *RemoteTrack) ReadyState() domain.TrackState {
	if t.ended.Load() {
		return domain.TrackEnded
	}
	return domain.TrackLive
}

// LastPacket returns when media was last received, zero if never.
func (t *RemoteTrack) LastPacket() time.Time {
	ns := t.lastPacket.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (t *RemoteTrack) readLoop() {
	defer t.ended.Store(true)

	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	for {
		n, _, err := t.remote.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debugw("remote track read ended", "track_id", t.remote.ID(), "error", err)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		t.packets.Add(1)
		t.lastSeq.Store(uint32(pkt.SequenceNumber))
		t.lastPacket.Store(time.Now().UnixNano())
	}
}

// SampleTrackSource opens sample driven local tracks. Capture is external:
// the application writes encoded frames into the returned tracks.
type SampleTrackSource struct {
	VideoCodec string
	// Feed is started for every opened track and should return when ctx is
	// done or the track is stopped.
	Feed func(ctx context.Context, track *LocalTrack)
}

var _ ports.TrackSource = (*SampleTrackSource)(nil)

func (s *SampleTrackSource) Open(ctx context.Context, kinds domain.StreamKind, res domain.Resolution) ([]domain.Track, error) {
	var tracks []domain.Track
	if kinds&domain.KindAudio != 0 {
		t, err := NewLocalTrack(domain.MediaAudio, "opus", domain.Resolution{})
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if kinds&(domain.KindVideo|domain.KindScreen) != 0 {
		t, err := NewLocalTrack(domain.MediaVideo, s.VideoCodec, res)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if s.Feed != nil {
		for _, t := range tracks {
			go s.Feed(ctx, t.(*LocalTrack))
		}
	}
	return tracks, nil
}

func mimeFor(kind domain.MediaKind, codec string) (string, error) {
	if kind == domain.MediaAudio {
		return webrtc.MimeTypeOpus, nil
	}
	switch codec {
	case "", "vp8":
		return webrtc.MimeTypeVP8, nil
	case "vp9":
		return webrtc.MimeTypeVP9, nil
	case "h264":
		return webrtc.MimeTypeH264, nil
	default:
		return "", fmt.Errorf("unsupported video codec %q", codec)
	}
}
