package ports

import "livecast/internal/core/domain"

// PeerNotifier delivers server-initiated frames to a peer's signaling
// session. Implemented by the WebSocket server; the fan-out coordinator
// and registry talk to sessions only through it.
type PeerNotifier interface {
	// NotifyNewProducer tells a viewer about one of the host's producers.
	// Returns false when the peer has no live session.
	NotifyNewProducer(peerID domain.PeerID, producerID domain.ProducerID, kind domain.MediaKind) bool

	// ClosePeer closes the peer's WebSocket with the given close code.
	ClosePeer(peerID domain.PeerID, code int, reason string)
}

// Fanout pushes new producers to current viewers and existing producers
// to newly ready viewers, exactly once per (viewer, producer) pair.
type Fanout interface {
	OnNewProducer(roomID domain.RoomID, producerID domain.ProducerID, kind domain.MediaKind)

	// OnViewerReady fires when the viewer's recv transport connects; it
	// drains queued notifications and replays existing producers.
	OnViewerReady(peerID domain.PeerID)

	// ForgetPeer discards notification bookkeeping for a destroyed viewer.
	// Every registered peer passes through here when its session ends, so
	// a stopped room needs no separate sweep.
	ForgetPeer(peerID domain.PeerID)
}
