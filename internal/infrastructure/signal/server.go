package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/utils"
	"livecast/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // tighten for production deployments
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ServerConfig bounds the signaling server.
type ServerConfig struct {
	Port           int
	PingInterval   time.Duration
	IdleTimeout    time.Duration
	MaxConnections int
	ICEServers     []domain.ICEServer
}

// Server owns every signaling session and implements ports.PeerNotifier
// so the fan-out coordinator and registry can reach sessions by peer id.
type Server struct {
	cfg      ServerConfig
	registry ports.RoomRegistry
	fanout   ports.Fanout
	metrics  ports.MetricsSink
	logger   *zap.SugaredLogger

	mu       sync.RWMutex
	sessions map[domain.PeerID]*session

	connCount atomic.Int64
	httpSrv   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(cfg ServerConfig, registry ports.RoomRegistry, fanout ports.Fanout, logger *zap.SugaredLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		registry: registry,
		fanout:   fanout,
		logger:   logger,
		sessions: make(map[domain.PeerID]*session),
		ctx:      ctx,
		cancel:   cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/room/", s.handleWebSocket)
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}
	return s
}

// SetMetrics wires the optional metrics sink.
func (s *Server) SetMetrics(m ports.MetricsSink) {
	s.metrics = m
}

// Start blocks serving WebSocket upgrades until Shutdown.
func (s *Server) Start() error {
	s.logger.Infow("signaling server listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown closes every session, then the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.RLock()
	for _, sess := range s.sessions {
		sess.close(websocket.CloseGoingAway, "server shutting down")
	}
	s.mu.RUnlock()

	return s.httpSrv.Shutdown(ctx)
}

// handleWebSocket serves ws://host:port/room/{room_id}/{host|viewer}.
// Capacity rejection happens before the upgrade with a 503; path and
// registration failures close the fresh socket with 1008, except a full
// room which closes with 1011.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxConnections > 0 && int(s.connCount.Load()) >= s.cfg.MaxConnections {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	roomID, role, pathErr := parsePath(r.URL.Path)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	if pathErr != nil {
		s.closeConn(conn, websocket.ClosePolicyViolation, pathErr.Error())
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = utils.GenerateUserID()
	}
	username := validation.SanitizeUsername(r.URL.Query().Get("username"), "Anonymous")

	peer, err := s.registry.RegisterPeer(r.Context(), roomID, domain.UserID(userID), username, role)
	if err != nil {
		s.logger.Infow("peer registration rejected",
			"room_id", roomID,
			"role", role,
			"error", err,
		)
		code := websocket.ClosePolicyViolation
		if errors.Is(err, domain.ErrRoomFull) {
			code = websocket.CloseInternalServerErr
		}
		s.closeConn(conn, code, err.Error())
		return
	}

	sess := newSession(peer, conn, s)
	s.mu.Lock()
	s.sessions[peer.ID] = sess
	s.mu.Unlock()
	s.connCount.Add(1)

	s.logger.Infow("peer connected",
		"room_id", roomID,
		"peer_id", peer.ID,
		"role", role,
		"username", username,
	)

	if role == domain.RoleViewer {
		s.broadcastViewerEvent(roomID, peer, MsgViewerJoined)
	}

	sess.run(s.ctx)

	// Session ended: drop bookkeeping, then unregister (a host departure
	// cascades the whole room through the registry).
	s.mu.Lock()
	delete(s.sessions, peer.ID)
	s.mu.Unlock()
	s.connCount.Add(-1)

	s.fanout.ForgetPeer(peer.ID)
	if err := s.registry.UnregisterPeer(context.Background(), peer.ID); err != nil {
		s.logger.Warnw("peer unregister failed",
			"peer_id", peer.ID,
			"error", err,
		)
	}
	if role == domain.RoleViewer {
		s.broadcastViewerEvent(roomID, peer, MsgViewerLeft)
	}

	s.logger.Infow("peer disconnected",
		"room_id", roomID,
		"peer_id", peer.ID,
		"role", role,
	)
}

// closeConn closes a just-upgraded socket that never became a session.
func (s *Server) closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.WriteMessage(websocket.CloseMessage, msg)
	conn.Close()
}

// parsePath extracts room id and role from /room/{id}/{host|viewer}.
func parsePath(path string) (domain.RoomID, domain.Role, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[0] != "room" {
		return "", "", fmt.Errorf("path must be /room/{room_id}/{host|viewer}")
	}
	if err := validation.ValidateRoomID(parts[1]); err != nil {
		return "", "", err
	}
	role := domain.Role(parts[2])
	if !role.Valid() {
		return "", "", fmt.Errorf("role must be host or viewer")
	}
	return domain.RoomID(parts[1]), role, nil
}

// broadcastViewerEvent tells everyone else in the room about a viewer
// arriving or leaving.
func (s *Server) broadcastViewerEvent(roomID domain.RoomID, viewer domain.Peer, msgType string) {
	env, err := newEnvelope(msgType, ViewerEventData{
		PeerID:   viewer.ID,
		Username: viewer.Username,
	})
	if err != nil {
		return
	}

	room, err := s.registry.GetRoom(roomID)
	if err != nil {
		return
	}

	targets := make([]domain.PeerID, 0, 8)
	if room.HostPeerID != "" {
		targets = append(targets, room.HostPeerID)
	}
	for _, p := range s.registry.ViewerPeers(roomID) {
		if p.ID != viewer.ID {
			targets = append(targets, p.ID)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range targets {
		if sess, ok := s.sessions[id]; ok {
			sess.send(env)
		}
	}
}

// NotifyNewProducer implements ports.PeerNotifier.
func (s *Server) NotifyNewProducer(peerID domain.PeerID, producerID domain.ProducerID, kind domain.MediaKind) bool {
	env, err := newEnvelope(MsgNewProducer, NewProducerData{
		ProducerID: producerID,
		Kind:       kind,
	})
	if err != nil {
		return false
	}

	s.mu.RLock()
	sess, ok := s.sessions[peerID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return sess.send(env)
}

// ClosePeer implements ports.PeerNotifier. Used by the registry's
// eviction path; the session's normal teardown does the unregistering.
func (s *Server) ClosePeer(peerID domain.PeerID, code int, reason string) {
	s.mu.RLock()
	sess, ok := s.sessions[peerID]
	s.mu.RUnlock()
	if ok {
		sess.close(code, reason)
	}
}

// SessionCount reports live signaling sessions.
func (s *Server) SessionCount() int {
	return int(s.connCount.Load())
}
