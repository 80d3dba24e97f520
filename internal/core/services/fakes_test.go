package services

import (
	"context"
	"fmt"
	"sync"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
)

// recorder captures lifecycle events so tests can assert teardown
// ordering.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

type fakeEngine struct {
	rec        *recorder
	fatal      chan error
	failCreate bool
	created    int
}

func newFakeEngine(rec *recorder) *fakeEngine {
	return &fakeEngine{rec: rec, fatal: make(chan error, 1)}
}

func (e *fakeEngine) CreateRouter(ctx context.Context) (ports.Router, error) {
	if e.failCreate {
		return nil, domain.ErrWorkerDead
	}
	e.created++
	return &fakeRouter{
		rec:        e.rec,
		id:         domain.RouterID(fmt.Sprintf("router_%d", e.created)),
		canConsume: true,
		sent:       100,
		received:   200,
	}, nil
}

func (e *fakeEngine) Fatal() <-chan error { return e.fatal }
func (e *fakeEngine) WorkerCount() int    { return 1 }
func (e *fakeEngine) Close()              {}

type fakeRouter struct {
	rec        *recorder
	id         domain.RouterID
	canConsume bool
	sent       uint64
	received   uint64
	nextID     int
}

func (r *fakeRouter) ID() domain.RouterID { return r.id }

func (r *fakeRouter) RTPCapabilities() domain.RTPCapabilities {
	return domain.RTPCapabilities{Codecs: []domain.RTPCodecCapability{
		{MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{MimeType: "video/VP8", ClockRate: 90000},
	}}
}

func (r *fakeRouter) CreateTransport(ctx context.Context, direction domain.TransportDirection) (ports.Transport, error) {
	r.nextID++
	return &fakeTransport{
		rec:       r.rec,
		id:        domain.TransportID(fmt.Sprintf("transport_%d", r.nextID)),
		direction: direction,
	}, nil
}

func (r *fakeRouter) CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool {
	return r.canConsume
}

func (r *fakeRouter) BytesForwarded() (uint64, uint64) {
	return r.sent, r.received
}

func (r *fakeRouter) Close() {
	r.rec.add("router.close:" + string(r.id))
}

type fakeTransport struct {
	rec       *recorder
	id        domain.TransportID
	direction domain.TransportDirection
	connected bool
}

func (t *fakeTransport) ID() domain.TransportID               { return t.id }
func (t *fakeTransport) Direction() domain.TransportDirection { return t.direction }
func (t *fakeTransport) Connected() bool                      { return t.connected }

func (t *fakeTransport) Info() domain.TransportInfo {
	return domain.TransportInfo{ID: t.id, Direction: t.direction}
}

func (t *fakeTransport) Connect(ctx context.Context, dtls domain.DTLSParameters) error {
	t.connected = true
	return nil
}

func (t *fakeTransport) Produce(ctx context.Context, kind domain.MediaKind, rtp domain.RTPParameters) (ports.Producer, error) {
	if !t.connected {
		return nil, domain.ErrTransportNotReady
	}
	return &fakeProducer{rec: t.rec, id: domain.ProducerID("producer_" + string(kind)), kind: kind}, nil
}

func (t *fakeTransport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RTPCapabilities) (ports.Consumer, error) {
	if !t.connected {
		return nil, domain.ErrTransportNotReady
	}
	return &fakeConsumer{
		rec:        t.rec,
		id:         domain.ConsumerID("consumer_for_" + string(producerID)),
		kind:       domain.MediaKindVideo,
		producerID: producerID,
	}, nil
}

func (t *fakeTransport) Close() {
	t.rec.add("transport.close:" + string(t.id))
}

type fakeProducer struct {
	rec  *recorder
	id   domain.ProducerID
	kind domain.MediaKind
}

func (p *fakeProducer) ID() domain.ProducerID  { return p.id }
func (p *fakeProducer) Kind() domain.MediaKind { return p.kind }
func (p *fakeProducer) Close() {
	p.rec.add("producer.close:" + string(p.id))
}

type fakeConsumer struct {
	rec        *recorder
	id         domain.ConsumerID
	kind       domain.MediaKind
	producerID domain.ProducerID
}

func (c *fakeConsumer) ID() domain.ConsumerID               { return c.id }
func (c *fakeConsumer) Kind() domain.MediaKind              { return c.kind }
func (c *fakeConsumer) ProducerID() domain.ProducerID       { return c.producerID }
func (c *fakeConsumer) RTPParameters() domain.RTPParameters { return nil }
func (c *fakeConsumer) Close() {
	c.rec.add("consumer.close:" + string(c.id))
}

// fakeNotifier records fan-out deliveries.
type fakeNotifier struct {
	mu        sync.Mutex
	delivered []string
	offline   map[domain.PeerID]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{offline: make(map[domain.PeerID]bool)}
}

func (n *fakeNotifier) NotifyNewProducer(peerID domain.PeerID, producerID domain.ProducerID, kind domain.MediaKind) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offline[peerID] {
		return false
	}
	n.delivered = append(n.delivered, fmt.Sprintf("%s<-%s", peerID, producerID))
	return true
}

func (n *fakeNotifier) ClosePeer(peerID domain.PeerID, code int, reason string) {}

func (n *fakeNotifier) list() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.delivered))
	copy(out, n.delivered)
	return out
}
