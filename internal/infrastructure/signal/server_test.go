package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/internal/core/services"
	apperrors "livecast/pkg/errors"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParsePath(t *testing.T) {
	roomID, role, err := parsePath("/room/room_abc/host")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("room_abc"), roomID)
	assert.Equal(t, domain.RoleHost, role)

	_, role, err = parsePath("/room/room_abc/viewer")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleViewer, role)

	for _, path := range []string{
		"/",
		"/room/room_abc",
		"/room/room_abc/host/extra",
		"/other/room_abc/host",
		"/room/room_abc/moderator",
		"/room/bad room id/host",
	} {
		_, _, err := parsePath(path)
		assert.Error(t, err, path)
	}
}

// stub media plane: transports connect instantly and producers appear on
// demand, so flow tests exercise signaling without UDP sockets.

type stubEngine struct{ nextRouter int }

func (e *stubEngine) CreateRouter(ctx context.Context) (ports.Router, error) {
	e.nextRouter++
	return &stubRouter{id: domain.RouterID(fmt.Sprintf("router_%d", e.nextRouter))}, nil
}
func (e *stubEngine) Fatal() <-chan error { return nil }
func (e *stubEngine) WorkerCount() int    { return 1 }
func (e *stubEngine) Close()              {}

type stubRouter struct {
	id     domain.RouterID
	nextID int
}

func (r *stubRouter) ID() domain.RouterID { return r.id }
func (r *stubRouter) RTPCapabilities() domain.RTPCapabilities {
	return domain.RTPCapabilities{Codecs: []domain.RTPCodecCapability{
		{MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{MimeType: "video/VP8", ClockRate: 90000},
	}}
}
func (r *stubRouter) CreateTransport(ctx context.Context, direction domain.TransportDirection) (ports.Transport, error) {
	r.nextID++
	return &stubTransport{
		id:        domain.TransportID(fmt.Sprintf("transport_%d", r.nextID)),
		direction: direction,
	}, nil
}
func (r *stubRouter) CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool {
	return true
}
func (r *stubRouter) BytesForwarded() (uint64, uint64) { return 0, 0 }
func (r *stubRouter) Close()                           {}

type stubTransport struct {
	id        domain.TransportID
	direction domain.TransportDirection
	connected bool
}

func (t *stubTransport) ID() domain.TransportID               { return t.id }
func (t *stubTransport) Direction() domain.TransportDirection { return t.direction }
func (t *stubTransport) Connected() bool                      { return t.connected }
func (t *stubTransport) Info() domain.TransportInfo {
	return domain.TransportInfo{ID: t.id, Direction: t.direction}
}
func (t *stubTransport) Connect(ctx context.Context, dtls domain.DTLSParameters) error {
	t.connected = true
	return nil
}
func (t *stubTransport) Produce(ctx context.Context, kind domain.MediaKind, rtp domain.RTPParameters) (ports.Producer, error) {
	if !t.connected {
		return nil, domain.ErrTransportNotReady
	}
	return &stubProducer{id: domain.ProducerID("producer_" + string(kind)), kind: kind}, nil
}
func (t *stubTransport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RTPCapabilities) (ports.Consumer, error) {
	if !t.connected {
		return nil, domain.ErrTransportNotReady
	}
	return &stubConsumer{id: "consumer_1", kind: domain.MediaKindVideo, producerID: producerID}, nil
}
func (t *stubTransport) Close() {}

type stubProducer struct {
	id   domain.ProducerID
	kind domain.MediaKind
}

func (p *stubProducer) ID() domain.ProducerID  { return p.id }
func (p *stubProducer) Kind() domain.MediaKind { return p.kind }
func (p *stubProducer) Close()                 {}

type stubConsumer struct {
	id         domain.ConsumerID
	kind       domain.MediaKind
	producerID domain.ProducerID
}

func (c *stubConsumer) ID() domain.ConsumerID               { return c.id }
func (c *stubConsumer) Kind() domain.MediaKind              { return c.kind }
func (c *stubConsumer) ProducerID() domain.ProducerID       { return c.producerID }
func (c *stubConsumer) RTPParameters() domain.RTPParameters { return json.RawMessage(`{}`) }
func (c *stubConsumer) Close()                              {}

type testStack struct {
	registry *services.Registry
	server   *Server
	ts       *httptest.Server
	roomID   domain.RoomID
}

func newTestStack(t *testing.T, maxConns int) *testStack {
	t.Helper()
	logger := zap.NewNop().Sugar()
	registry := services.NewRegistry(services.RegistryConfig{
		MaxRooms:          10,
		MaxViewersPerRoom: 10,
	}, &stubEngine{}, logger)
	fanout := services.NewFanoutService(registry, logger)

	server := NewServer(ServerConfig{
		Port:           0,
		PingInterval:   30 * time.Second,
		IdleTimeout:    time.Minute,
		MaxConnections: maxConns,
	}, registry, fanout, logger)
	fanout.SetNotifier(server)

	ts := httptest.NewServer(http.HandlerFunc(server.handleWebSocket))
	t.Cleanup(ts.Close)

	roomID, err := registry.CreateRoom(context.Background(), "post_1", "user_host")
	require.NoError(t, err)

	return &testStack{registry: registry, server: server, ts: ts, roomID: roomID}
}

func (st *testStack) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(st.ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()
	env, err := newEnvelope(msgType, payload)
	require.NoError(t, err)
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.WriteJSON(env))
}

// runs the host side up to a connected send transport.
func connectHost(t *testing.T, st *testStack) *websocket.Conn {
	t.Helper()
	conn := st.dial(t, "/room/"+string(st.roomID)+"/host?username=streamer")

	env := readEnvelope(t, conn)
	require.Equal(t, MsgWelcome, env.Type)

	sendEnvelope(t, conn, MsgGetRouterRTPCapabilities, nil)
	require.Equal(t, MsgRouterRTPCapabilities, readEnvelope(t, conn).Type)

	sendEnvelope(t, conn, MsgGetTransport, GetTransportData{Direction: domain.DirectionSend})
	require.Equal(t, MsgTransportCreated, readEnvelope(t, conn).Type)

	sendEnvelope(t, conn, MsgConnectTransport, ConnectTransportData{Direction: domain.DirectionSend})
	require.Equal(t, MsgTransportConnected, readEnvelope(t, conn).Type)

	return conn
}

func TestWelcomeFrame(t *testing.T) {
	st := newTestStack(t, 0)
	conn := st.dial(t, "/room/"+string(st.roomID)+"/host?username=streamer")

	env := readEnvelope(t, conn)
	require.Equal(t, MsgWelcome, env.Type)

	var welcome WelcomeData
	require.NoError(t, json.Unmarshal(env.Data, &welcome))
	assert.NotEmpty(t, welcome.PeerID)
	assert.Equal(t, st.roomID, welcome.RoomID)
	assert.Equal(t, domain.RoleHost, welcome.Role)
	assert.NotEmpty(t, welcome.RTPCapabilities.Codecs)
}

func TestBadPathClosesWithPolicyViolation(t *testing.T) {
	st := newTestStack(t, 0)
	conn := st.dial(t, "/room/"+string(st.roomID)+"/moderator")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestUnknownRoomClosesWithPolicyViolation(t *testing.T) {
	st := newTestStack(t, 0)
	conn := st.dial(t, "/room/room_missing/viewer")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestSecondHostRejected(t *testing.T) {
	st := newTestStack(t, 0)
	first := connectHost(t, st)
	defer first.Close()

	conn := st.dial(t, "/room/"+string(st.roomID)+"/host")
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestFullRoomClosesWithInternalErr(t *testing.T) {
	st := newTestStack(t, 0)
	room, err := st.registry.GetRoom(st.roomID)
	require.NoError(t, err)
	for i := 0; i < room.ViewerCap; i++ {
		v := st.dial(t, "/room/"+string(st.roomID)+"/viewer")
		require.Equal(t, MsgWelcome, readEnvelope(t, v).Type)
	}

	conn := st.dial(t, "/room/"+string(st.roomID)+"/viewer")
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
}

func TestConnectionLimitRejectsBeforeUpgrade(t *testing.T) {
	st := newTestStack(t, 1)
	host := connectHost(t, st)
	defer host.Close()

	url := "ws" + strings.TrimPrefix(st.ts.URL, "http") + "/room/" + string(st.roomID) + "/viewer"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestTransportBeforeCapabilitiesRejected(t *testing.T) {
	st := newTestStack(t, 0)
	conn := st.dial(t, "/room/"+string(st.roomID)+"/host")
	require.Equal(t, MsgWelcome, readEnvelope(t, conn).Type)

	sendEnvelope(t, conn, MsgGetTransport, GetTransportData{Direction: domain.DirectionSend})

	env := readEnvelope(t, conn)
	require.Equal(t, MsgError, env.Type)
	var data ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, apperrors.ErrCodeStateError, data.Code)
}

func TestWrongDirectionForRoleRejected(t *testing.T) {
	st := newTestStack(t, 0)
	conn := st.dial(t, "/room/"+string(st.roomID)+"/host")
	require.Equal(t, MsgWelcome, readEnvelope(t, conn).Type)

	sendEnvelope(t, conn, MsgGetRouterRTPCapabilities, nil)
	require.Equal(t, MsgRouterRTPCapabilities, readEnvelope(t, conn).Type)

	sendEnvelope(t, conn, MsgGetTransport, GetTransportData{Direction: domain.DirectionRecv})

	env := readEnvelope(t, conn)
	require.Equal(t, MsgError, env.Type)
	var data ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, apperrors.ErrCodeRoleMismatch, data.Code)
}

func TestGetTransportIdempotent(t *testing.T) {
	st := newTestStack(t, 0)
	conn := st.dial(t, "/room/"+string(st.roomID)+"/host")
	require.Equal(t, MsgWelcome, readEnvelope(t, conn).Type)
	sendEnvelope(t, conn, MsgGetRouterRTPCapabilities, nil)
	require.Equal(t, MsgRouterRTPCapabilities, readEnvelope(t, conn).Type)

	var infos []domain.TransportInfo
	for i := 0; i < 2; i++ {
		sendEnvelope(t, conn, MsgGetTransport, GetTransportData{Direction: domain.DirectionSend})
		env := readEnvelope(t, conn)
		require.Equal(t, MsgTransportCreated, env.Type)
		var info domain.TransportInfo
		require.NoError(t, json.Unmarshal(env.Data, &info))
		infos = append(infos, info)
	}
	assert.Equal(t, infos[0].ID, infos[1].ID)
}

func TestProduceBeforeConnectRejected(t *testing.T) {
	st := newTestStack(t, 0)
	conn := st.dial(t, "/room/"+string(st.roomID)+"/host")
	require.Equal(t, MsgWelcome, readEnvelope(t, conn).Type)
	sendEnvelope(t, conn, MsgGetRouterRTPCapabilities, nil)
	require.Equal(t, MsgRouterRTPCapabilities, readEnvelope(t, conn).Type)
	sendEnvelope(t, conn, MsgGetTransport, GetTransportData{Direction: domain.DirectionSend})
	require.Equal(t, MsgTransportCreated, readEnvelope(t, conn).Type)

	sendEnvelope(t, conn, MsgProduce, ProduceData{Kind: domain.MediaKindVideo})

	env := readEnvelope(t, conn)
	require.Equal(t, MsgError, env.Type)
	var data ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, apperrors.ErrCodeTransportNotReady, data.Code)
}

func TestStreamFlowEndToEnd(t *testing.T) {
	st := newTestStack(t, 0)
	host := connectHost(t, st)

	sendEnvelope(t, host, MsgProduce, ProduceData{Kind: domain.MediaKindVideo})
	env := readEnvelope(t, host)
	require.Equal(t, MsgProduced, env.Type)
	var produced ProducedData
	require.NoError(t, json.Unmarshal(env.Data, &produced))
	assert.Equal(t, domain.MediaKindVideo, produced.Kind)

	// Viewer arrives after the producer exists; the announcement replays
	// as soon as its recv transport connects.
	viewer := st.dial(t, "/room/"+string(st.roomID)+"/viewer?username=watcher")
	require.Equal(t, MsgWelcome, readEnvelope(t, viewer).Type)

	// Host learns about the viewer.
	assert.Equal(t, MsgViewerJoined, readEnvelope(t, host).Type)

	sendEnvelope(t, viewer, MsgGetRouterRTPCapabilities, nil)
	require.Equal(t, MsgRouterRTPCapabilities, readEnvelope(t, viewer).Type)
	sendEnvelope(t, viewer, MsgGetTransport, GetTransportData{Direction: domain.DirectionRecv})
	require.Equal(t, MsgTransportCreated, readEnvelope(t, viewer).Type)
	sendEnvelope(t, viewer, MsgConnectTransport, ConnectTransportData{Direction: domain.DirectionRecv})
	require.Equal(t, MsgTransportConnected, readEnvelope(t, viewer).Type)

	env = readEnvelope(t, viewer)
	require.Equal(t, MsgNewProducer, env.Type)
	var announced NewProducerData
	require.NoError(t, json.Unmarshal(env.Data, &announced))
	assert.Equal(t, produced.ProducerID, announced.ProducerID)

	sendEnvelope(t, viewer, MsgConsume, ConsumeData{ProducerID: announced.ProducerID})
	env = readEnvelope(t, viewer)
	require.Equal(t, MsgConsumed, env.Type)
	var consumed ConsumedData
	require.NoError(t, json.Unmarshal(env.Data, &consumed))
	assert.Equal(t, announced.ProducerID, consumed.ProducerID)
	assert.NotEmpty(t, consumed.ConsumerID)

	// Consuming the same producer twice is refused.
	sendEnvelope(t, viewer, MsgConsume, ConsumeData{ProducerID: announced.ProducerID})
	env = readEnvelope(t, viewer)
	require.Equal(t, MsgError, env.Type)
	var data ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, apperrors.ErrCodeAlreadyConsuming, data.Code)
}

func TestHostLeaveEvictsViewer(t *testing.T) {
	st := newTestStack(t, 0)
	st.registry.SetEvictionHandler(func(peerID domain.PeerID, reason string) {
		st.server.ClosePeer(peerID, websocket.CloseNormalClosure, reason)
	})

	host := connectHost(t, st)
	viewer := st.dial(t, "/room/"+string(st.roomID)+"/viewer")
	require.Equal(t, MsgWelcome, readEnvelope(t, viewer).Type)
	require.Equal(t, MsgViewerJoined, readEnvelope(t, host).Type)

	sendEnvelope(t, host, MsgLeave, nil)

	viewer.SetReadDeadline(time.Now().Add(5 * time.Second))
	var closeErr *websocket.CloseError
	for {
		_, _, err := viewer.ReadMessage()
		if err != nil {
			require.ErrorAs(t, err, &closeErr)
			break
		}
	}
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)

	// The room is gone.
	_, err := st.registry.GetRoom(st.roomID)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestConnectTransportInvalidDirectionRejected(t *testing.T) {
	st := newTestStack(t, 0)
	conn := st.dial(t, "/room/"+string(st.roomID)+"/host")
	require.Equal(t, MsgWelcome, readEnvelope(t, conn).Type)

	sendEnvelope(t, conn, MsgConnectTransport, ConnectTransportData{Direction: "sideways"})

	env := readEnvelope(t, conn)
	require.Equal(t, MsgError, env.Type)
	var data ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, apperrors.ErrCodeValidation, data.Code)
}

func TestViewerDefaultUsername(t *testing.T) {
	st := newTestStack(t, 0)
	host := connectHost(t, st)

	viewer := st.dial(t, "/room/"+string(st.roomID)+"/viewer")
	require.Equal(t, MsgWelcome, readEnvelope(t, viewer).Type)

	env := readEnvelope(t, host)
	require.Equal(t, MsgViewerJoined, env.Type)
	var joined ViewerEventData
	require.NoError(t, json.Unmarshal(env.Data, &joined))
	assert.Equal(t, "Anonymous", joined.Username)
}

func TestWelcomeFailureClosesSocket(t *testing.T) {
	st := newTestStack(t, 0)

	// A session whose room vanished before the welcome frame could be
	// built must still get a close frame instead of a hung socket.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		peer := domain.Peer{ID: "peer_ghost", RoomID: "room_gone", Role: domain.RoleViewer}
		newSession(peer, conn, st.server).run(context.Background())
	}))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/room/room_gone/viewer"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
}

func TestUnknownMessageTypeGetsErrorFrame(t *testing.T) {
	st := newTestStack(t, 0)
	conn := st.dial(t, "/room/"+string(st.roomID)+"/host")
	require.Equal(t, MsgWelcome, readEnvelope(t, conn).Type)

	sendEnvelope(t, conn, "teleport", nil)

	env := readEnvelope(t, conn)
	require.Equal(t, MsgError, env.Type)
	var data ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, apperrors.ErrCodeValidation, data.Code)
}
