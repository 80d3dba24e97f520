package ports

import "livecast/internal/core/domain"

// MetricsSink receives lifecycle events for export. All methods must be
// cheap and non-blocking; implementations are optional everywhere.
type MetricsSink interface {
	RecordRoomCreated(roomID domain.RoomID)
	RecordRoomStopped(roomID domain.RoomID)
	RecordProducerCreated()
	RecordConsumerCreated()
	RecordNotificationDelivered()
}
