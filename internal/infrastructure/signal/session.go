package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"livecast/internal/core/domain"
	apperrors "livecast/pkg/errors"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// sessionState tracks a peer's progress through signaling. Strictly
// forward, except any state may jump to closed.
type sessionState int

const (
	stateOpened sessionState = iota
	stateRegistered
	stateCapabilitiesReady
	stateTransportsRequested
	stateTransportsConnected
	stateStreaming
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateOpened:
		return "opened"
	case stateRegistered:
		return "registered"
	case stateCapabilitiesReady:
		return "capabilities_ready"
	case stateTransportsRequested:
		return "transports_requested"
	case stateTransportsConnected:
		return "transports_connected"
	case stateStreaming:
		return "streaming"
	default:
		return "closed"
	}
}

// session drives one peer. A single goroutine drains inbound so all of
// the peer's state transitions are serialized; a second goroutine owns
// all writes to the socket.
type session struct {
	peer   domain.Peer
	conn   *websocket.Conn
	server *Server
	logger *zap.SugaredLogger

	state sessionState

	inbound  chan Envelope
	outbound chan Envelope
	done     chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newSession(peer domain.Peer, conn *websocket.Conn, server *Server) *session {
	return &session{
		peer:     peer,
		conn:     conn,
		server:   server,
		logger:   server.logger,
		state:    stateRegistered, // registration happened during upgrade
		inbound:  make(chan Envelope, 16),
		outbound: make(chan Envelope, 32),
		done:     make(chan struct{}),
	}
}

// send enqueues a frame without blocking. A full queue drops the frame
// and reports false; the session is then closed as too slow.
func (s *session) send(env Envelope) bool {
	select {
	case s.outbound <- env:
		return true
	case <-s.done:
		return false
	default:
		s.close(websocket.CloseInternalServerErr, "outbound queue overflow")
		return false
	}
}

// close requests session shutdown with the given WebSocket close code.
// Safe from any goroutine; the first caller wins.
func (s *session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.done)
	})
}

// run blocks until the session ends. Caller is responsible for registry
// cleanup afterwards.
func (s *session) run(ctx context.Context) {
	welcome, err := s.buildWelcome()
	if err != nil {
		s.close(websocket.CloseInternalServerErr, "welcome failed")
		s.drainClose()
		return
	}
	s.send(welcome)

	go s.writePump()
	go s.readPump()

	for {
		select {
		case env := <-s.inbound:
			s.handleMessage(ctx, env)
		case <-ctx.Done():
			s.close(websocket.CloseGoingAway, "server shutting down")
			s.drainClose()
			return
		case <-s.done:
			s.drainClose()
			return
		}
	}
}

// drainClose writes the close frame and tears the socket down.
func (s *session) drainClose() {
	s.state = stateClosed
	msg := websocket.FormatCloseMessage(s.closeCode, s.closeReason)
	s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	s.conn.WriteMessage(websocket.CloseMessage, msg)
	s.conn.Close()
}

func (s *session) readPump() {
	idle := s.server.cfg.IdleTimeout
	s.conn.SetReadDeadline(time.Now().Add(idle))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(idle))
		return nil
	})

	for {
		var env Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Infow("websocket read ended",
					"peer_id", s.peer.ID,
					"error", err,
				)
			}
			s.close(websocket.CloseNormalClosure, "client disconnected")
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(idle))

		select {
		case s.inbound <- env:
		case <-s.done:
			return
		}
	}
}

func (s *session) writePump() {
	ping := time.NewTicker(s.server.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case env := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteJSON(env); err != nil {
				s.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ping.C:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) buildWelcome() (Envelope, error) {
	router, err := s.server.registry.Router(s.peer.RoomID)
	if err != nil {
		return Envelope{}, err
	}
	return newEnvelope(MsgWelcome, WelcomeData{
		PeerID:          s.peer.ID,
		RoomID:          s.peer.RoomID,
		Role:            s.peer.Role,
		RTPCapabilities: router.RTPCapabilities(),
		ICEServers:      s.server.cfg.ICEServers,
	})
}

// handleMessage dispatches one inbound frame. Recoverable failures send
// an error frame and leave the session running; media-plane failures
// close with 1011.
func (s *session) handleMessage(ctx context.Context, env Envelope) {
	var err error
	switch env.Type {
	case MsgGetRouterRTPCapabilities:
		err = s.handleGetCapabilities()
	case MsgGetTransport:
		err = s.handleGetTransport(ctx, env.Data)
	case MsgConnectTransport:
		err = s.handleConnectTransport(ctx, env.Data)
	case MsgProduce:
		err = s.handleProduce(ctx, env.Data)
	case MsgConsume:
		err = s.handleConsume(ctx, env.Data)
	case MsgLeave:
		s.close(websocket.CloseNormalClosure, "leave")
		return
	default:
		err = apperrors.NewValidationError(fmt.Sprintf("unknown message type %q", env.Type))
	}

	if err != nil {
		s.logger.Infow("signaling message failed",
			"peer_id", s.peer.ID,
			"type", env.Type,
			"state", s.state,
			"error", err,
		)
		if isMediaFatal(err) {
			s.close(websocket.CloseInternalServerErr, "media error")
			return
		}
		s.send(errorEnvelope(err))
	}
}

// isMediaFatal separates protocol-level rejections (error frame, session
// lives) from media-plane failures (1011 close).
func isMediaFatal(err error) bool {
	for _, sentinel := range []error{
		domain.ErrRoomNotFound, domain.ErrPeerNotFound, domain.ErrRoomFull,
		domain.ErrHostPresent, domain.ErrRoleMismatch, domain.ErrTransportNotReady,
		domain.ErrWrongDirection, domain.ErrAlreadyConsuming, domain.ErrCannotConsume,
	} {
		if errors.Is(err, sentinel) {
			return false
		}
	}
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr.Code == apperrors.ErrCodeMediaWorker || appErr.Code == apperrors.ErrCodeFatal
	}
	return true
}

func (s *session) handleGetCapabilities() error {
	router, err := s.server.registry.Router(s.peer.RoomID)
	if err != nil {
		return err
	}
	env, err := newEnvelope(MsgRouterRTPCapabilities, router.RTPCapabilities())
	if err != nil {
		return err
	}
	s.send(env)

	// First request doubles as the welcome acknowledgement.
	if s.state == stateRegistered {
		s.state = stateCapabilitiesReady
	}
	return nil
}

// allowedDirection is the only transport direction the peer's role may
// allocate: hosts send, viewers receive.
func (s *session) allowedDirection() domain.TransportDirection {
	if s.peer.Role == domain.RoleHost {
		return domain.DirectionSend
	}
	return domain.DirectionRecv
}

func (s *session) handleGetTransport(ctx context.Context, data json.RawMessage) error {
	if s.state < stateCapabilitiesReady {
		return apperrors.New(apperrors.ErrCodeStateError, "capabilities not acknowledged", 0)
	}
	var req GetTransportData
	if err := json.Unmarshal(data, &req); err != nil {
		return apperrors.NewValidationError("malformed get_transport payload")
	}
	if !req.Direction.Valid() {
		return apperrors.NewValidationError(fmt.Sprintf("invalid direction %q", req.Direction))
	}
	if req.Direction != s.allowedDirection() {
		return domain.ErrRoleMismatch
	}

	// Idempotent: a repeat request returns the existing transport.
	if t, ok := s.server.registry.TransportFor(s.peer.ID, req.Direction); ok {
		env, err := newEnvelope(MsgTransportCreated, t.Info())
		if err != nil {
			return err
		}
		s.send(env)
		return nil
	}

	router, err := s.server.registry.Router(s.peer.RoomID)
	if err != nil {
		return err
	}
	t, err := router.CreateTransport(ctx, req.Direction)
	if err != nil {
		return apperrors.NewMediaWorkerError(err, "transport creation failed")
	}
	if err := s.server.registry.AttachTransport(s.peer.ID, t); err != nil {
		t.Close()
		return err
	}

	env, err := newEnvelope(MsgTransportCreated, t.Info())
	if err != nil {
		return err
	}
	s.send(env)
	if s.state < stateTransportsRequested {
		s.state = stateTransportsRequested
	}
	return nil
}

func (s *session) handleConnectTransport(ctx context.Context, data json.RawMessage) error {
	var req ConnectTransportData
	if err := json.Unmarshal(data, &req); err != nil {
		return apperrors.NewValidationError("malformed connect_transport payload")
	}
	if !req.Direction.Valid() {
		return apperrors.NewValidationError(fmt.Sprintf("invalid direction %q", req.Direction))
	}
	t, ok := s.server.registry.TransportFor(s.peer.ID, req.Direction)
	if !ok {
		return domain.ErrTransportNotReady
	}
	if err := t.Connect(ctx, req.DTLSParameters); err != nil {
		return apperrors.NewMediaWorkerError(err, "transport connect failed")
	}

	env, err := newEnvelope(MsgTransportConnected, TransportConnectedData{Direction: req.Direction})
	if err != nil {
		return err
	}
	s.send(env)
	if s.state < stateTransportsConnected {
		s.state = stateTransportsConnected
	}

	// A viewer's connected recv transport unlocks fan-out delivery.
	if s.peer.Role == domain.RoleViewer && req.Direction == domain.DirectionRecv {
		s.server.fanout.OnViewerReady(s.peer.ID)
	}
	return nil
}

func (s *session) handleProduce(ctx context.Context, data json.RawMessage) error {
	if s.peer.Role != domain.RoleHost {
		return domain.ErrRoleMismatch
	}
	var req ProduceData
	if err := json.Unmarshal(data, &req); err != nil {
		return apperrors.NewValidationError("malformed produce payload")
	}
	if !req.Kind.Valid() {
		return apperrors.NewValidationError(fmt.Sprintf("invalid media kind %q", req.Kind))
	}

	t, ok := s.server.registry.TransportFor(s.peer.ID, domain.DirectionSend)
	if !ok || !t.Connected() {
		return domain.ErrTransportNotReady
	}

	p, err := t.Produce(ctx, req.Kind, req.RTPParameters)
	if err != nil {
		if isMediaFatal(err) {
			return apperrors.NewMediaWorkerError(err, "produce failed")
		}
		return err
	}
	if err := s.server.registry.AddProducer(s.peer.ID, p); err != nil {
		p.Close()
		return err
	}

	env, err := newEnvelope(MsgProduced, ProducedData{ProducerID: p.ID(), Kind: p.Kind()})
	if err != nil {
		return err
	}
	s.send(env)
	s.state = stateStreaming
	if s.server.metrics != nil {
		s.server.metrics.RecordProducerCreated()
	}

	s.server.fanout.OnNewProducer(s.peer.RoomID, p.ID(), p.Kind())
	return nil
}

func (s *session) handleConsume(ctx context.Context, data json.RawMessage) error {
	if s.peer.Role != domain.RoleViewer {
		return domain.ErrRoleMismatch
	}
	var req ConsumeData
	if err := json.Unmarshal(data, &req); err != nil {
		return apperrors.NewValidationError("malformed consume payload")
	}

	if s.server.registry.HasConsumerFor(s.peer.ID, req.ProducerID) {
		return domain.ErrAlreadyConsuming
	}

	router, err := s.server.registry.Router(s.peer.RoomID)
	if err != nil {
		return err
	}
	if !router.CanConsume(req.ProducerID, req.RTPCapabilities) {
		return domain.ErrCannotConsume
	}

	t, ok := s.server.registry.TransportFor(s.peer.ID, domain.DirectionRecv)
	if !ok || !t.Connected() {
		return domain.ErrTransportNotReady
	}

	c, err := t.Consume(ctx, req.ProducerID, req.RTPCapabilities)
	if err != nil {
		if isMediaFatal(err) {
			return apperrors.NewMediaWorkerError(err, "consume failed")
		}
		return err
	}
	if err := s.server.registry.AddConsumer(s.peer.ID, c); err != nil {
		c.Close()
		return err
	}

	env, err := newEnvelope(MsgConsumed, ConsumedData{
		ConsumerID:    c.ID(),
		ProducerID:    c.ProducerID(),
		Kind:          c.Kind(),
		RTPParameters: c.RTPParameters(),
	})
	if err != nil {
		return err
	}
	s.send(env)
	s.state = stateStreaming
	if s.server.metrics != nil {
		s.server.metrics.RecordConsumerCreated()
	}
	return nil
}
