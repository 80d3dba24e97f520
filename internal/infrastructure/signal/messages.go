package signal

import (
	"encoding/json"
	"fmt"

	"livecast/internal/core/domain"
	apperrors "livecast/pkg/errors"
)

// Envelope is the wire frame both directions: a type tag plus a
// type-specific payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client to server message types.
const (
	MsgGetRouterRTPCapabilities = "get_router_rtp_capabilities"
	MsgGetTransport             = "get_transport"
	MsgConnectTransport         = "connect_transport"
	MsgProduce                  = "produce"
	MsgConsume                  = "consume"
	MsgLeave                    = "leave"
)

// Server to client message types.
const (
	MsgWelcome               = "welcome"
	MsgRouterRTPCapabilities = "router_rtp_capabilities"
	MsgTransportCreated      = "transport_created"
	MsgTransportConnected    = "transport_connected"
	MsgProduced              = "produced"
	MsgConsumed              = "consumed"
	MsgNewProducer           = "new_producer"
	MsgViewerJoined          = "viewer_joined"
	MsgViewerLeft            = "viewer_left"
	MsgError                 = "error"
)

type GetTransportData struct {
	Direction domain.TransportDirection `json:"direction"`
}

type ConnectTransportData struct {
	Direction      domain.TransportDirection `json:"direction"`
	DTLSParameters domain.DTLSParameters     `json:"dtlsParameters"`
}

type ProduceData struct {
	Kind          domain.MediaKind     `json:"kind"`
	RTPParameters domain.RTPParameters `json:"rtpParameters"`
	AppData       json.RawMessage      `json:"appData,omitempty"`
}

type ConsumeData struct {
	ProducerID      domain.ProducerID      `json:"producerId"`
	RTPCapabilities domain.RTPCapabilities `json:"rtpCapabilities"`
}

type WelcomeData struct {
	PeerID          domain.PeerID          `json:"peerId"`
	RoomID          domain.RoomID          `json:"roomId"`
	Role            domain.Role            `json:"role"`
	RTPCapabilities domain.RTPCapabilities `json:"routerRtpCapabilities"`
	ICEServers      []domain.ICEServer     `json:"iceServers,omitempty"`
}

type TransportConnectedData struct {
	Direction domain.TransportDirection `json:"direction"`
}

type ProducedData struct {
	ProducerID domain.ProducerID `json:"producerId"`
	Kind       domain.MediaKind  `json:"kind"`
}

type ConsumedData struct {
	ConsumerID    domain.ConsumerID    `json:"consumerId"`
	ProducerID    domain.ProducerID    `json:"producerId"`
	Kind          domain.MediaKind     `json:"kind"`
	RTPParameters domain.RTPParameters `json:"rtpParameters"`
}

type NewProducerData struct {
	ProducerID domain.ProducerID `json:"producerId"`
	Kind       domain.MediaKind  `json:"kind"`
}

type ViewerEventData struct {
	PeerID   domain.PeerID `json:"peerId"`
	Username string        `json:"username,omitempty"`
}

type ErrorData struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

// newEnvelope marshals a payload into a wire frame.
func newEnvelope(msgType string, payload interface{}) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: msgType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Data: data}, nil
}

// errorEnvelope renders a recoverable failure as an error frame.
func errorEnvelope(err error) Envelope {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		appErr = apperrors.FromDomain(err)
	}
	env, _ := newEnvelope(MsgError, ErrorData{
		Code:    appErr.Code,
		Message: appErr.Message,
	})
	return env
}
