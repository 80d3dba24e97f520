package ports

import (
	"context"
	"time"

	"livecast/internal/core/domain"
)

// PeerEvictionHandler is told when the registry destroys a peer that may
// still have a live signaling session (host cascade, reaper, stop_room).
// The handler closes the session; it must not call back into the registry.
type PeerEvictionHandler func(peerID domain.PeerID, reason string)

// RoomRegistry is the single owner of room and peer state. All mutation
// goes through it; callers only ever see immutable snapshots.
type RoomRegistry interface {
	// CreateRoom allocates a router and stores the room. Fails with
	// domain.ErrRoomCapacity at the configured room cap.
	CreateRoom(ctx context.Context, postID string, hostUserID domain.UserID) (domain.RoomID, error)

	// StopRoom cascades destruction of every peer before closing the
	// router. Idempotent: a second call returns domain.ErrRoomNotFound.
	StopRoom(ctx context.Context, roomID domain.RoomID) error

	// RegisterPeer admits a peer into a room, enforcing the single-host
	// and viewer-cap invariants.
	RegisterPeer(ctx context.Context, roomID domain.RoomID, userID domain.UserID, username string, role domain.Role) (domain.Peer, error)

	// UnregisterPeer closes the peer's producers, consumers and transports
	// in that order, then removes it. A host departure cascades to
	// StopRoom. No-op when the peer is already gone.
	UnregisterPeer(ctx context.Context, peerID domain.PeerID) error

	GetRoom(roomID domain.RoomID) (domain.Room, error)
	GetPeer(peerID domain.PeerID) (domain.Peer, error)

	// Router returns the handle owned by the room.
	Router(roomID domain.RoomID) (Router, error)

	// Transport bookkeeping: transports, producers and consumers are owned
	// by their peer but recorded here so destruction ordering is enforced
	// in one place.
	AttachTransport(peerID domain.PeerID, t Transport) error
	TransportFor(peerID domain.PeerID, direction domain.TransportDirection) (Transport, bool)
	AddProducer(peerID domain.PeerID, p Producer) error
	AddConsumer(peerID domain.PeerID, c Consumer) error
	HasConsumerFor(peerID domain.PeerID, producerID domain.ProducerID) bool

	// HostProducers lists the host's producers in creation order.
	HostProducers(roomID domain.RoomID) []Producer

	// ViewerPeers lists the room's viewers in registration order.
	ViewerPeers(roomID domain.RoomID) []domain.Peer

	RoomStats(roomID domain.RoomID) (domain.RoomStats, error)
	ServerStats() domain.ServerStats
	Counts() (rooms, peers int)

	// ReapIdle removes rooms that have sat hostless longer than timeout.
	// Returns the number of rooms removed.
	ReapIdle(now time.Time, timeout time.Duration) int

	SetEvictionHandler(h PeerEvictionHandler)

	// CloseAll tears down every room. Used at shutdown.
	CloseAll(ctx context.Context)
}
