package domain

import (
	"time"
)

type RoomID string
type PeerID string
type UserID string
type RouterID string
type TransportID string
type ProducerID string
type ConsumerID string

// Role of a peer inside a room. A room has at most one host; everyone
// else is a viewer receiving the host's forwarded tracks.
type Role string

const (
	RoleHost   Role = "host"
	RoleViewer Role = "viewer"
)

func (r Role) Valid() bool {
	return r == RoleHost || r == RoleViewer
}

// Room is one live-broadcast session. The registry is the sole owner of
// rooms; everything else refers to them by RoomID.
type Room struct {
	ID         RoomID
	PostID     string
	HostUserID UserID
	HostPeerID PeerID // empty until the host registers
	RouterID   RouterID
	ViewerCap  int
	Active     bool
	CreatedAt  time.Time
}

// Peer is one connected client. Peers reference their room by id, never
// by pointer, so destruction stays idempotent.
type Peer struct {
	ID        PeerID
	RoomID    RoomID
	UserID    UserID
	Username  string
	Role      Role
	CreatedAt time.Time
}
