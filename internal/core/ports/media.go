package ports

import (
	"context"

	"livecast/internal/core/domain"
)

// MediaEngine is the media worker pool. Routers are allocated round-robin
// across workers; worker death is unrecoverable and surfaces on Fatal.
type MediaEngine interface {
	// CreateRouter allocates a router on the next live worker. Fails only
	// when every worker is dead.
	CreateRouter(ctx context.Context) (Router, error)

	// Fatal delivers the first unrecoverable worker error. The supervisor
	// terminates the process when it fires.
	Fatal() <-chan error

	WorkerCount() int

	Close()
}

// Router hosts transports and owns the codec capabilities negotiated with
// every peer in one room.
type Router interface {
	ID() domain.RouterID
	RTPCapabilities() domain.RTPCapabilities

	CreateTransport(ctx context.Context, direction domain.TransportDirection) (Transport, error)

	// CanConsume reports whether the given producer can be forwarded to a
	// client with the given capabilities.
	CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool

	// BytesForwarded returns the sent/received byte totals across the
	// router's producers and consumers.
	BytesForwarded() (sent, received uint64)

	// Close is idempotent. All transports must already be closed.
	Close()
}

// Transport is one WebRTC-side bundle (send or recv) toward a single peer.
type Transport interface {
	ID() domain.TransportID
	Direction() domain.TransportDirection

	// Info returns the parameter bundle the client needs; stable across
	// calls so duplicate get_transport requests answer byte-for-byte alike.
	Info() domain.TransportInfo

	// Connect records the client's DTLS parameters. Produce and Consume
	// fail until it has succeeded.
	Connect(ctx context.Context, dtls domain.DTLSParameters) error
	Connected() bool

	// Produce creates a server-side sink for one incoming track. Send
	// transports only.
	Produce(ctx context.Context, kind domain.MediaKind, rtp domain.RTPParameters) (Producer, error)

	// Consume creates a forwarder from an existing producer to this
	// transport's peer. Recv transports only.
	Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RTPCapabilities) (Consumer, error)

	Close()
}

type Producer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	Close()
}

type Consumer interface {
	ID() domain.ConsumerID
	Kind() domain.MediaKind
	ProducerID() domain.ProducerID
	RTPParameters() domain.RTPParameters
	Close()
}
