package domain

import "encoding/json"

// MediaKind is the track kind a producer or consumer carries.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// TransportDirection distinguishes the host's send transport from a
// viewer's receive transport.
type TransportDirection string

const (
	DirectionSend TransportDirection = "send"
	DirectionRecv TransportDirection = "recv"
)

func (d TransportDirection) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}

// RTPCodecCapability describes one codec a router can route.
type RTPCodecCapability struct {
	MimeType     string                 `json:"mimeType"`
	ClockRate    uint32                 `json:"clockRate"`
	Channels     uint16                 `json:"channels,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	StartBitrate int                    `json:"startBitrate,omitempty"` // kbps hint
}

// RTPCapabilities is the codec set a router (or a client) supports.
type RTPCapabilities struct {
	Codecs []RTPCodecCapability `json:"codecs"`
}

// SupportsMimeType reports whether the capability set carries the given
// codec. Matching is by MIME type only; the media engine owns the finer
// negotiation.
func (c RTPCapabilities) SupportsMimeType(mimeType string) bool {
	for _, codec := range c.Codecs {
		if codec.MimeType == mimeType {
			return true
		}
	}
	return false
}

// ICEParameters are the server-side ICE credentials for one transport.
type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite"`
}

// ICECandidate is one server-side candidate advertised to the client.
type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	Protocol   string `json:"protocol"`
	Type       string `json:"type"`
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// DTLSParameters carry one side's DTLS role and certificate fingerprints.
type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// TransportInfo is the bundle the client needs to connect a transport:
// id, ICE credentials and candidates, and the server DTLS parameters.
type TransportInfo struct {
	ID             TransportID        `json:"id"`
	Direction      TransportDirection `json:"direction"`
	ICEParameters  ICEParameters      `json:"iceParameters"`
	ICECandidates  []ICECandidate     `json:"iceCandidates"`
	DTLSParameters DTLSParameters     `json:"dtlsParameters"`
}

// RTPParameters from clients are carried opaque; the media engine is the
// only component that interprets them.
type RTPParameters = json.RawMessage

// ICEServer is a STUN/TURN entry forwarded to clients in the welcome
// frame so they can build their local PeerConnection.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}
