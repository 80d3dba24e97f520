package media

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/utils"

	"github.com/pion/webrtc/v3"
)

// Single host candidate priority (RFC 8445 formula for UDP host).
const hostCandidatePriority = 2130706431

// transport is one peer connection toward a single client, carrying
// either its uplink (send) or downlink (recv) media.
type transport struct {
	id        domain.TransportID
	direction domain.TransportDirection
	router    *router
	pc        *webrtc.PeerConnection
	info      domain.TransportInfo

	connected atomic.Bool

	mu          sync.Mutex
	producers   map[domain.ProducerID]*producer
	consumers   map[domain.ConsumerID]*consumer
	pendingBind []*producer
	clientDTLS  domain.DTLSParameters
	closed      bool
}

func newTransport(ctx context.Context, r *router, direction domain.TransportDirection) (*transport, error) {
	if !direction.Valid() {
		return nil, fmt.Errorf("invalid transport direction %q", direction)
	}

	ufrag := utils.RandomHex(8)
	pwd := utils.RandomHex(16)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate dtls key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("generate dtls certificate: %w", err)
	}

	pc, err := r.worker.newPeerConnection(ufrag, pwd, *cert)
	if err != nil {
		r.worker.kill(fmt.Errorf("peer connection setup: %w", err))
		return nil, domain.ErrWorkerDead
	}

	fps, err := cert.GetFingerprints()
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("certificate fingerprints: %w", err)
	}
	fingerprints := make([]domain.DTLSFingerprint, 0, len(fps))
	for _, fp := range fps {
		fingerprints = append(fingerprints, domain.DTLSFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}

	t := &transport{
		id:        domain.TransportID(utils.GenerateTransportID()),
		direction: direction,
		router:    r,
		pc:        pc,
		producers: make(map[domain.ProducerID]*producer),
		consumers: make(map[domain.ConsumerID]*consumer),
	}

	t.info = domain.TransportInfo{
		ID:        t.id,
		Direction: direction,
		ICEParameters: domain.ICEParameters{
			UsernameFragment: ufrag,
			Password:         pwd,
			ICELite:          true,
		},
		ICECandidates: []domain.ICECandidate{
			{
				Foundation: "udpcandidate",
				Priority:   hostCandidatePriority,
				IP:         r.worker.candidateIP(),
				Port:       r.worker.port,
				Protocol:   "udp",
				Type:       "host",
			},
		},
		DTLSParameters: domain.DTLSParameters{
			Role:         "auto",
			Fingerprints: fingerprints,
		},
	}

	if direction == domain.DirectionSend {
		pc.OnTrack(t.handleRemoteTrack)
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		r.logger.Infow("transport connection state changed",
			"transport_id", t.id,
			"state", state,
		)
	})

	return t, nil
}

func (t *transport) ID() domain.TransportID {
	return t.id
}

func (t *transport) Direction() domain.TransportDirection {
	return t.direction
}

func (t *transport) Info() domain.TransportInfo {
	return t.info
}

func (t *transport) Connected() bool {
	return t.connected.Load()
}

// Connect records the client's DTLS parameters and establishes the
// session. Calling it again on a connected transport is a no-op.
func (t *transport) Connect(ctx context.Context, dtls domain.DTLSParameters) error {
	if t.connected.Load() {
		return nil
	}
	if len(dtls.Fingerprints) == 0 {
		return fmt.Errorf("dtls parameters carry no fingerprints")
	}

	t.mu.Lock()
	t.clientDTLS = dtls
	t.mu.Unlock()

	// Send transports need media sections before the client can push
	// tracks at them; recv transports renegotiate per consumed track.
	if t.direction == domain.DirectionSend {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return fmt.Errorf("add transceiver: %w", err)
			}
		}
	}

	if err := t.negotiate(ctx); err != nil {
		return err
	}

	t.connected.Store(true)
	t.router.logger.Infow("transport connected",
		"transport_id", t.id,
		"direction", t.direction,
	)
	return nil
}

// negotiate runs one offer/answer round. The server is always the
// offerer; the remote answer is mirrored from the local offer with the
// client's DTLS fingerprint, since the lite ICE agent learns the rest
// from inbound binding requests.
func (t *transport) negotiate(ctx context.Context) error {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.mu.Lock()
	dtls := t.clientDTLS
	t.mu.Unlock()

	answer := mirrorAnswer(t.pc.LocalDescription().SDP, dtls)
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// Produce registers a server-side sink for one track the client is
// about to send. The actual RTP flow binds when the track arrives.
func (t *transport) Produce(ctx context.Context, kind domain.MediaKind, rtp domain.RTPParameters) (ports.Producer, error) {
	if t.direction != domain.DirectionSend {
		return nil, domain.ErrWrongDirection
	}
	if !t.connected.Load() {
		return nil, domain.ErrTransportNotReady
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid media kind %q", kind)
	}

	p, err := newProducer(t, kind, rtp)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, domain.ErrTransportNotReady
	}
	t.producers[p.id] = p
	t.pendingBind = append(t.pendingBind, p)
	t.mu.Unlock()

	t.router.addProducer(p)
	t.router.logger.Infow("producer created",
		"transport_id", t.id,
		"producer_id", p.id,
		"kind", kind,
	)
	return p, nil
}

// Consume attaches an existing producer's track to this transport.
func (t *transport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RTPCapabilities) (ports.Consumer, error) {
	if t.direction != domain.DirectionRecv {
		return nil, domain.ErrWrongDirection
	}
	if !t.connected.Load() {
		return nil, domain.ErrTransportNotReady
	}

	p, ok := t.router.producerByID(producerID)
	if !ok {
		return nil, domain.ErrCannotConsume
	}
	if !caps.SupportsMimeType(p.mimeType()) {
		return nil, domain.ErrCannotConsume
	}

	sender, err := t.pc.AddTrack(p.localTrack)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}
	if err := t.negotiate(ctx); err != nil {
		t.pc.RemoveTrack(sender)
		return nil, err
	}

	c := newConsumer(t, p, sender)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		c.Close()
		return nil, domain.ErrTransportNotReady
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	p.addSink()
	go c.drainRTCP()
	if p.kind == domain.MediaKindVideo {
		p.requestKeyframe()
	}

	t.router.logger.Infow("consumer created",
		"transport_id", t.id,
		"consumer_id", c.id,
		"producer_id", producerID,
		"kind", p.kind,
	)
	return c, nil
}

// handleRemoteTrack binds an incoming track to the oldest unbound
// producer of the same kind.
func (t *transport) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := domain.MediaKindAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.MediaKindVideo
	}

	t.mu.Lock()
	var p *producer
	for i, pending := range t.pendingBind {
		if pending.kind == kind {
			p = pending
			t.pendingBind = append(t.pendingBind[:i], t.pendingBind[i+1:]...)
			break
		}
	}
	t.mu.Unlock()

	if p == nil {
		t.router.logger.Warnw("incoming track without matching producer",
			"transport_id", t.id,
			"kind", kind,
			"ssrc", track.SSRC(),
		)
		return
	}

	t.router.logger.Infow("producer track bound",
		"transport_id", t.id,
		"producer_id", p.id,
		"kind", kind,
		"codec", track.Codec().MimeType,
	)
	p.bindRemote(track, receiver)
}

func (t *transport) removeProducer(id domain.ProducerID) {
	t.mu.Lock()
	delete(t.producers, id)
	for i, pending := range t.pendingBind {
		if pending.id == id {
			t.pendingBind = append(t.pendingBind[:i], t.pendingBind[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	t.router.removeProducer(id)
}

func (t *transport) removeConsumer(id domain.ConsumerID) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

// Close tears down producers first, then consumers, then the peer
// connection itself.
func (t *transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := make([]*producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	for _, c := range consumers {
		c.Close()
	}

	t.pc.Close()
	t.router.removeTransport(t.id)
	t.router.logger.Infow("transport closed",
		"transport_id", t.id,
		"direction", t.direction,
	)
}
