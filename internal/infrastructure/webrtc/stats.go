package webrtc

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type rtcpReader interface {
	ReadRTCP() ([]rtcp.Packet, interface{}, error)
}

// senderRTCP adapts RTPSender to rtcpReader; its attributes type differs.
type senderRTCP struct{ sender *webrtc.RTPSender }

func (s senderRTCP) ReadRTCP() ([]rtcp.Packet, interface{}, error) {
	pkts, attrs, err := s.sender.ReadRTCP()
	return pkts, attrs, err
}

// readSenderRTCP drains feedback for track until the sender is closed.
// Reading is also what lets pion's interceptors process the packets.
func readSenderRTCP(sender *webrtc.RTPSender, track *LocalTrack, logger *zap.SugaredLogger) {
	drainRTCP(senderRTCP{sender}, track, logger)
}

func drainRTCP(r rtcpReader, track *LocalTrack, logger *zap.SugaredLogger) {
	for {
		pkts, _, err := r.ReadRTCP()
		if err != nil {
			logger.Debugw("rtcp reader stopped", "track_id", track.ID(), "error", err)
			return
		}
		track.applyRTCP(pkts, time.Now())
	}
}

func (t *LocalTrack) applyRTCP(pkts []rtcp.Packet, now time.Time) {
	var keyFrame bool

	t.mu.Lock()
	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				t.stats.FractionLost = float64(report.FractionLost) / 256.0
				t.stats.Jitter = report.Jitter
				if report.LastSenderReport != 0 && report.Delay != 0 {
					t.stats.RTT = time.Duration(report.Delay) * time.Second / 65536
				}
			}
			t.stats.UpdatedAt = now

		case *rtcp.TransportLayerNack:
			for _, pair := range p.Nacks {
				t.stats.NACKs += len(pair.PacketList())
			}
			t.stats.UpdatedAt = now

		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			t.stats.KeyFrameRequests++
			keyFrame = true
		}
	}
	fn := t.onPLI
	t.mu.Unlock()

	if keyFrame && fn != nil {
		fn()
	}
}
