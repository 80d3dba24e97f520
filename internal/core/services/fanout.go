package services

import (
	"sync"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"go.uber.org/zap"
)

type pendingProducer struct {
	producerID domain.ProducerID
	kind       domain.MediaKind
}

// FanoutService pushes producer announcements to viewers exactly once
// per (viewer, producer) pair. Viewers whose recv transport is not yet
// connected get their announcements queued and drained on ready.
type FanoutService struct {
	registry ports.RoomRegistry
	notifier ports.PeerNotifier
	metrics  ports.MetricsSink
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	notified map[domain.PeerID]map[domain.ProducerID]bool
	pending  map[domain.PeerID][]pendingProducer
	ready    map[domain.PeerID]bool
}

func NewFanoutService(registry ports.RoomRegistry, logger *zap.SugaredLogger) *FanoutService {
	return &FanoutService{
		registry: registry,
		logger:   logger,
		notified: make(map[domain.PeerID]map[domain.ProducerID]bool),
		pending:  make(map[domain.PeerID][]pendingProducer),
		ready:    make(map[domain.PeerID]bool),
	}
}

// SetNotifier wires the signaling server in after construction; the two
// depend on each other.
func (f *FanoutService) SetNotifier(n ports.PeerNotifier) {
	f.mu.Lock()
	f.notifier = n
	f.mu.Unlock()
}

// SetMetrics wires the optional metrics sink.
func (f *FanoutService) SetMetrics(m ports.MetricsSink) {
	f.mu.Lock()
	f.metrics = m
	f.mu.Unlock()
}

// OnNewProducer announces a fresh host producer to every current viewer
// of the room.
func (f *FanoutService) OnNewProducer(roomID domain.RoomID, producerID domain.ProducerID, kind domain.MediaKind) {
	viewers := f.registry.ViewerPeers(roomID)

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, viewer := range viewers {
		f.announceLocked(viewer.ID, producerID, kind)
	}
	f.logger.Infow("producer announced",
		"room_id", roomID,
		"producer_id", producerID,
		"kind", kind,
		"viewers", len(viewers),
	)
}

// OnViewerReady marks the viewer deliverable, drains anything queued and
// replays producers that existed before the viewer arrived.
func (f *FanoutService) OnViewerReady(peerID domain.PeerID) {
	peer, err := f.registry.GetPeer(peerID)
	if err != nil {
		return
	}
	existing := f.registry.HostProducers(peer.RoomID)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready[peerID] = true

	queued := f.pending[peerID]
	delete(f.pending, peerID)
	for _, p := range queued {
		f.deliverLocked(peerID, p.producerID, p.kind)
	}
	for _, p := range existing {
		f.announceLocked(peerID, p.ID(), p.Kind())
	}
}

// announceLocked delivers or queues one announcement, deduplicating on
// the (viewer, producer) pair. Queued entries are already marked so a
// duplicate announcement cannot queue twice.
func (f *FanoutService) announceLocked(peerID domain.PeerID, producerID domain.ProducerID, kind domain.MediaKind) {
	seen := f.notified[peerID]
	if seen == nil {
		seen = make(map[domain.ProducerID]bool)
		f.notified[peerID] = seen
	}
	if seen[producerID] {
		return
	}
	seen[producerID] = true

	if !f.ready[peerID] {
		f.pending[peerID] = append(f.pending[peerID], pendingProducer{producerID, kind})
		return
	}
	f.deliverLocked(peerID, producerID, kind)
}

func (f *FanoutService) deliverLocked(peerID domain.PeerID, producerID domain.ProducerID, kind domain.MediaKind) {
	if f.notifier == nil || !f.notifier.NotifyNewProducer(peerID, producerID, kind) {
		f.logger.Warnw("producer announcement dropped, no live session",
			"peer_id", peerID,
			"producer_id", producerID,
		)
		return
	}
	if f.metrics != nil {
		f.metrics.RecordNotificationDelivered()
	}
}

func (f *FanoutService) ForgetPeer(peerID domain.PeerID) {
	f.mu.Lock()
	delete(f.notified, peerID)
	delete(f.pending, peerID)
	delete(f.ready, peerID)
	f.mu.Unlock()
}
