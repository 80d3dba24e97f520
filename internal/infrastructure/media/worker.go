package media

import (
	"fmt"
	"net"
	"sync/atomic"

	"livecast/internal/core/domain"

	"github.com/pion/ice/v2"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// worker owns one UDP socket shared by every peer connection it hosts.
// All of a router's transports stay on the router's worker.
type worker struct {
	id      int
	cfg     Config
	conn    *net.UDPConn
	mux     ice.UDPMux
	port    int
	caps    domain.RTPCapabilities
	dead    atomic.Bool
	onFatal func(error)
	logger  *zap.SugaredLogger
}

func newWorker(id int, cfg Config, onFatal func(error), logger *zap.SugaredLogger) (*worker, error) {
	listenIP := cfg.ListenIP
	if listenIP == "" {
		listenIP = "0.0.0.0"
	}
	port := 0
	if cfg.UDPPortBase > 0 {
		port = int(cfg.UDPPortBase) + id
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{
		IP:   net.ParseIP(listenIP),
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("udp listen on %s:%d: %w", listenIP, port, err)
	}

	w := &worker{
		id:      id,
		cfg:     cfg,
		conn:    conn,
		mux:     webrtc.NewICEUDPMux(nil, conn),
		port:    conn.LocalAddr().(*net.UDPAddr).Port,
		caps:    buildRTPCapabilities(cfg),
		onFatal: onFatal,
		logger:  logger,
	}

	logger.Infow("media worker listening",
		"worker", id,
		"udp_port", w.port,
	)
	return w, nil
}

func (w *worker) isDead() bool {
	return w.dead.Load()
}

// kill marks the worker dead and escalates. Routers already placed on
// this worker are torn down by the registry when the supervisor reacts.
func (w *worker) kill(err error) {
	if w.dead.CompareAndSwap(false, true) {
		w.logger.Errorw("media worker died",
			"worker", w.id,
			"error", err,
		)
		w.onFatal(fmt.Errorf("media worker %d: %w", w.id, err))
	}
}

func (w *worker) close() {
	w.dead.Store(true)
	if w.conn != nil {
		w.conn.Close()
	}
}

// candidateIP is the address advertised to clients.
func (w *worker) candidateIP() string {
	if w.cfg.AnnouncedIP != "" {
		return w.cfg.AnnouncedIP
	}
	if w.cfg.ListenIP != "" && w.cfg.ListenIP != "0.0.0.0" {
		return w.cfg.ListenIP
	}
	return "127.0.0.1"
}

// newPeerConnection builds a peer connection on this worker's socket.
// The server side runs ICE lite with per-transport credentials.
func (w *worker) newPeerConnection(ufrag, pwd string, cert webrtc.Certificate) (*webrtc.PeerConnection, error) {
	me, err := buildMediaEngine(w.cfg)
	if err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetLite(true)
	se.SetICECredentials(ufrag, pwd)
	se.SetICEUDPMux(w.mux)
	if w.cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{w.cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithSettingEngine(se),
	)
	return api.NewPeerConnection(webrtc.Configuration{
		Certificates: []webrtc.Certificate{cert},
	})
}

// buildMediaEngine registers the fixed codec set every router offers.
func buildMediaEngine(cfg Config) (*webrtc.MediaEngine, error) {
	me := &webrtc.MediaEngine{}

	audio := []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeOpus,
				ClockRate:   48000,
				Channels:    2,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			PayloadType: 111,
		},
	}
	video := []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeVP8,
				ClockRate: 90000,
			},
			PayloadType: 96,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeVP9,
				ClockRate:   90000,
				SDPFmtpLine: "profile-id=2",
			},
			PayloadType: 98,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeH264,
				ClockRate:   90000,
				SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			},
			PayloadType: 102,
		},
	}

	for _, c := range audio {
		if err := me.RegisterCodec(c, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, err
		}
	}
	for _, c := range video {
		if err := me.RegisterCodec(c, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, err
		}
	}
	return me, nil
}

// buildRTPCapabilities is the signaling-facing view of the codec set.
func buildRTPCapabilities(cfg Config) domain.RTPCapabilities {
	start := cfg.VideoStartBitrateKbps
	if start <= 0 {
		start = 1000
	}
	return domain.RTPCapabilities{
		Codecs: []domain.RTPCodecCapability{
			{
				MimeType:  "audio/opus",
				ClockRate: 48000,
				Channels:  2,
				Parameters: map[string]interface{}{
					"minptime":     "10",
					"useinbandfec": "1",
				},
			},
			{
				MimeType:     "video/VP8",
				ClockRate:    90000,
				StartBitrate: start,
			},
			{
				MimeType:     "video/VP9",
				ClockRate:    90000,
				StartBitrate: start,
				Parameters: map[string]interface{}{
					"profile-id": "2",
				},
			},
			{
				MimeType:     "video/H264",
				ClockRate:    90000,
				StartBitrate: start,
				Parameters: map[string]interface{}{
					"level-asymmetry-allowed": "1",
					"packetization-mode":      "1",
					"profile-level-id":        "42e01f",
				},
			},
		},
	}
}
