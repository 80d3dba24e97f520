package media

import (
	"context"
	"sync"
	"sync/atomic"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/utils"

	"go.uber.org/zap"
)

// router hosts the transports of one room. All its transports share the
// owning worker's UDP socket.
type router struct {
	id     domain.RouterID
	worker *worker
	logger *zap.SugaredLogger

	mu         sync.RWMutex
	transports map[domain.TransportID]*transport
	producers  map[domain.ProducerID]*producer
	closed     bool

	bytesSent     uint64
	bytesReceived uint64
}

func newRouter(ctx context.Context, w *worker, logger *zap.SugaredLogger) (*router, error) {
	if w.isDead() {
		return nil, domain.ErrWorkerDead
	}
	r := &router{
		id:         domain.RouterID(utils.GenerateRouterID()),
		worker:     w,
		logger:     logger,
		transports: make(map[domain.TransportID]*transport),
		producers:  make(map[domain.ProducerID]*producer),
	}
	logger.Infow("router created",
		"router_id", r.id,
		"worker", w.id,
	)
	return r, nil
}

func (r *router) ID() domain.RouterID {
	return r.id
}

func (r *router) RTPCapabilities() domain.RTPCapabilities {
	return r.worker.caps
}

func (r *router) CreateTransport(ctx context.Context, direction domain.TransportDirection) (ports.Transport, error) {
	if r.worker.isDead() {
		return nil, domain.ErrWorkerDead
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, domain.ErrRoomNotFound
	}
	r.mu.Unlock()

	t, err := newTransport(ctx, r, direction)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.transports[t.id] = t
	r.mu.Unlock()

	r.logger.Infow("transport created",
		"router_id", r.id,
		"transport_id", t.id,
		"direction", direction,
	)
	return t, nil
}

func (r *router) CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool {
	r.mu.RLock()
	p, ok := r.producers[producerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return caps.SupportsMimeType(p.mimeType())
}

func (r *router) BytesForwarded() (sent, received uint64) {
	return atomic.LoadUint64(&r.bytesSent), atomic.LoadUint64(&r.bytesReceived)
}

// Close tears down every remaining transport, which in turn closes the
// producers and consumers riding on them.
func (r *router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := make([]*transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	r.logger.Infow("router closed", "router_id", r.id)
}

func (r *router) addProducer(p *producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *router) removeProducer(id domain.ProducerID) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *router) producerByID(id domain.ProducerID) (*producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *router) removeTransport(id domain.TransportID) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

func (r *router) addBytesSent(n uint64) {
	atomic.AddUint64(&r.bytesSent, n)
}

func (r *router) addBytesReceived(n uint64) {
	atomic.AddUint64(&r.bytesReceived, n)
}
