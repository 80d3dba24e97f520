package media

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"livecast/internal/core/domain"
	"livecast/pkg/utils"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// producer is the server-side sink for one track the host sends. Its
// local track is the single fan-out point every consumer subscribes to.
type producer struct {
	id         domain.ProducerID
	kind       domain.MediaKind
	transport  *transport
	localTrack *webrtc.TrackLocalStaticRTP
	rtp        domain.RTPParameters

	remoteSSRC atomic.Uint32
	sinks      atomic.Int32
	closed     atomic.Bool
}

func newProducer(t *transport, kind domain.MediaKind, rtp domain.RTPParameters) (*producer, error) {
	id := domain.ProducerID(utils.GenerateProducerID())
	track, err := webrtc.NewTrackLocalStaticRTP(defaultCapability(kind), string(id), string(t.router.id))
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}
	return &producer{
		id:         id,
		kind:       kind,
		transport:  t,
		localTrack: track,
		rtp:        rtp,
	}, nil
}

// defaultCapability is the fan-out codec per kind. Incoming packets are
// repackaged onto this track regardless of the exact uplink codec the
// client negotiated.
func defaultCapability(kind domain.MediaKind) webrtc.RTPCodecCapability {
	if kind == domain.MediaKindAudio {
		return webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		}
	}
	return webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}
}

func (p *producer) ID() domain.ProducerID {
	return p.id
}

func (p *producer) Kind() domain.MediaKind {
	return p.kind
}

func (p *producer) mimeType() string {
	return p.localTrack.Codec().MimeType
}

func (p *producer) addSink() {
	p.sinks.Add(1)
}

func (p *producer) removeSink() {
	p.sinks.Add(-1)
}

// bindRemote starts forwarding once the client's track arrives.
func (p *producer) bindRemote(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	p.remoteSSRC.Store(uint32(track.SSRC()))
	go p.forwardLoop(track)
	go p.drainReceiverRTCP(receiver)
	go p.capUplinkBitrate()
}

// uplinkBitrateCap is the receive ceiling in bits per second advertised
// to the sending client, per kind. Zero disables the cap.
func uplinkBitrateCap(cfg Config, kind domain.MediaKind) float32 {
	kbps := cfg.VideoMaxBitrateKbps
	if kind == domain.MediaKindAudio {
		kbps = cfg.AudioBitrateKbps
	}
	if kbps <= 0 {
		return 0
	}
	return float32(kbps) * 1000
}

// capUplinkBitrate periodically tells the client how fast it may send
// via REMB, pinning the uplink to the configured maximum.
func (p *producer) capUplinkBitrate() {
	bitrate := uplinkBitrateCap(p.transport.router.worker.cfg, p.kind)
	if bitrate == 0 {
		return
	}

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if p.closed.Load() {
			return
		}
		ssrc := p.remoteSSRC.Load()
		if err := p.transport.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.ReceiverEstimatedMaximumBitrate{
				Bitrate: bitrate,
				SSRCs:   []uint32{ssrc},
			},
		}); err != nil {
			return
		}
	}
}

// forwardLoop pipes uplink RTP onto the local fan-out track. One loop
// per producer, exits when the uplink track or the transport closes.
func (p *producer) forwardLoop(track *webrtc.TrackRemote) {
	logger := p.transport.router.logger
	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if !p.closed.Load() {
				logger.Warnw("producer track read ended",
					"producer_id", p.id,
					"error", err,
				)
			}
			return
		}
		p.transport.router.addBytesReceived(uint64(n))

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			logger.Warnw("dropping malformed rtp packet",
				"producer_id", p.id,
				"error", err,
			)
			continue
		}
		if err := p.localTrack.WriteRTP(pkt); err != nil && !p.closed.Load() {
			logger.Warnw("failed to write rtp to fan-out track",
				"producer_id", p.id,
				"error", err,
			)
		}
		if sinks := p.sinks.Load(); sinks > 0 {
			p.transport.router.addBytesSent(uint64(n) * uint64(sinks))
		}
	}
}

// drainReceiverRTCP keeps the uplink interceptor chain fed.
func (p *producer) drainReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

// requestKeyframe asks the uplink for a fresh keyframe. No-op until the
// remote track has bound.
func (p *producer) requestKeyframe() {
	ssrc := p.remoteSSRC.Load()
	if ssrc == 0 {
		return
	}
	if err := p.transport.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: ssrc},
	}); err != nil {
		p.transport.router.logger.Warnw("failed to send pli",
			"producer_id", p.id,
			"error", err,
		)
	}
}

func (p *producer) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.transport.removeProducer(p.id)
	p.transport.router.logger.Infow("producer closed", "producer_id", p.id)
}

// consumer subscribes one viewer's recv transport to a producer's
// fan-out track.
type consumer struct {
	id        domain.ConsumerID
	producer  *producer
	transport *transport
	sender    *webrtc.RTPSender
	rtp       domain.RTPParameters
	closed    atomic.Bool
}

func newConsumer(t *transport, p *producer, sender *webrtc.RTPSender) *consumer {
	c := &consumer{
		id:        domain.ConsumerID(utils.GenerateConsumerID()),
		producer:  p,
		transport: t,
		sender:    sender,
	}
	c.rtp = buildConsumerRTPParameters(p, sender)
	return c
}

// buildConsumerRTPParameters renders the codec and encoding the client
// needs to receive this consumer's track.
func buildConsumerRTPParameters(p *producer, sender *webrtc.RTPSender) domain.RTPParameters {
	codec := p.localTrack.Codec()
	var ssrc uint32
	if encodings := sender.GetParameters().Encodings; len(encodings) > 0 {
		ssrc = uint32(encodings[0].SSRC)
	}

	params := struct {
		Codecs    []domain.RTPCodecCapability `json:"codecs"`
		Encodings []struct {
			SSRC uint32 `json:"ssrc"`
		} `json:"encodings"`
	}{
		Codecs: []domain.RTPCodecCapability{
			{
				MimeType:  codec.MimeType,
				ClockRate: codec.ClockRate,
				Channels:  codec.Channels,
			},
		},
		Encodings: []struct {
			SSRC uint32 `json:"ssrc"`
		}{
			{SSRC: ssrc},
		},
	}
	data, _ := json.Marshal(params)
	return data
}

func (c *consumer) ID() domain.ConsumerID {
	return c.id
}

func (c *consumer) Kind() domain.MediaKind {
	return c.producer.kind
}

func (c *consumer) ProducerID() domain.ProducerID {
	return c.producer.id
}

func (c *consumer) RTPParameters() domain.RTPParameters {
	return c.rtp
}

// drainRTCP relays viewer keyframe requests back to the uplink.
func (c *consumer) drainRTCP() {
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.requestKeyframe()
			}
		}
	}
}

func (c *consumer) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.transport.pc.RemoveTrack(c.sender)
	c.producer.removeSink()
	c.transport.removeConsumer(c.id)
	c.transport.router.logger.Infow("consumer closed",
		"consumer_id", c.id,
		"producer_id", c.producer.id,
	)
}
