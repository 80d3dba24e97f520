package domain

import "time"

// RoomStats is an immutable snapshot of one room taken under the
// registry's lock.
type RoomStats struct {
	RoomID        RoomID    `json:"room_id"`
	PostID        string    `json:"post_id"`
	HostUserID    UserID    `json:"host_user_id"`
	IsActive      bool      `json:"is_active"`
	HasHost       bool      `json:"has_host"`
	ViewerCount   int       `json:"viewer_count"`
	CreatedAt     time.Time `json:"created_at"`
	BytesSent     uint64    `json:"bytes_sent"`
	BytesReceived uint64    `json:"bytes_received"`
}

// ServerStats aggregates every room plus process-wide totals.
type ServerStats struct {
	TotalRooms         int         `json:"total_rooms"`
	ActiveRooms        int         `json:"active_rooms"`
	TotalPeers         int         `json:"total_peers"`
	TotalHosts         int         `json:"total_hosts"`
	TotalViewers       int         `json:"total_viewers"`
	TotalBytesSent     uint64      `json:"total_bytes_sent"`
	TotalBytesReceived uint64      `json:"total_bytes_received"`
	Rooms              []RoomStats `json:"rooms"`
}
