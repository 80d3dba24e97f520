package monitoring

import (
	"livecast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exports the process-wide media-plane gauges and
// counters served on /metrics.
type PrometheusCollector struct {
	roomsActive    prometheus.Gauge
	peersConnected prometheus.Gauge
	workersAlive   prometheus.Gauge

	roomsCreatedTotal  prometheus.Counter
	roomsStoppedTotal  prometheus.Counter
	producersTotal     prometheus.Counter
	consumersTotal     prometheus.Counter
	notificationsTotal prometheus.Counter

	bytesSentTotal     prometheus.Counter
	bytesReceivedTotal prometheus.Counter

	roomViewerCount *prometheus.GaugeVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_rooms_active",
			Help: "Number of live rooms",
		}),

		peersConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_peers_connected",
			Help: "Number of connected peers across all rooms",
		}),

		workersAlive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_media_workers_alive",
			Help: "Number of live media workers",
		}),

		roomsCreatedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "livecast_rooms_created_total",
			Help: "Total rooms created",
		}),

		roomsStoppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "livecast_rooms_stopped_total",
			Help: "Total rooms stopped",
		}),

		producersTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "livecast_producers_created_total",
			Help: "Total producers created by hosts",
		}),

		consumersTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "livecast_consumers_created_total",
			Help: "Total consumers created for viewers",
		}),

		notificationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "livecast_producer_notifications_total",
			Help: "Total new_producer notifications delivered",
		}),

		bytesSentTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "livecast_forwarded_bytes_sent_total",
			Help: "Total RTP bytes forwarded to viewers",
		}),

		bytesReceivedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "livecast_forwarded_bytes_received_total",
			Help: "Total RTP bytes received from hosts",
		}),

		roomViewerCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livecast_room_viewer_count",
			Help: "Viewers per room",
		}, []string{"room_id"}),
	}
}

func (p *PrometheusCollector) RecordRoomCreated(roomID domain.RoomID) {
	p.roomsCreatedTotal.Inc()
	p.roomViewerCount.WithLabelValues(string(roomID)).Set(0)
}

func (p *PrometheusCollector) RecordRoomStopped(roomID domain.RoomID) {
	p.roomsStoppedTotal.Inc()
	p.roomViewerCount.DeleteLabelValues(string(roomID))
}

func (p *PrometheusCollector) RecordProducerCreated() {
	p.producersTotal.Inc()
}

func (p *PrometheusCollector) RecordConsumerCreated() {
	p.consumersTotal.Inc()
}

func (p *PrometheusCollector) RecordNotificationDelivered() {
	p.notificationsTotal.Inc()
}

// UpdateFromStats refreshes the gauges from a registry snapshot. Byte
// counters advance by the delta against the previous snapshot.
func (p *PrometheusCollector) UpdateFromStats(stats domain.ServerStats, workersAlive int, prevSent, prevReceived uint64) {
	p.roomsActive.Set(float64(stats.ActiveRooms))
	p.peersConnected.Set(float64(stats.TotalPeers))
	p.workersAlive.Set(float64(workersAlive))

	if stats.TotalBytesSent > prevSent {
		p.bytesSentTotal.Add(float64(stats.TotalBytesSent - prevSent))
	}
	if stats.TotalBytesReceived > prevReceived {
		p.bytesReceivedTotal.Add(float64(stats.TotalBytesReceived - prevReceived))
	}

	for _, room := range stats.Rooms {
		p.roomViewerCount.WithLabelValues(string(room.RoomID)).Set(float64(room.ViewerCount))
	}
}
