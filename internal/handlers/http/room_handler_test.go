package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/internal/core/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubEngine struct {
	workers    int
	nextRouter int
}

func (e *stubEngine) CreateRouter(ctx context.Context) (ports.Router, error) {
	e.nextRouter++
	return &stubRouter{id: domain.RouterID(fmt.Sprintf("router_%d", e.nextRouter))}, nil
}
func (e *stubEngine) Fatal() <-chan error { return nil }
func (e *stubEngine) WorkerCount() int    { return e.workers }
func (e *stubEngine) Close()              {}

type stubRouter struct{ id domain.RouterID }

func (r *stubRouter) ID() domain.RouterID                     { return r.id }
func (r *stubRouter) RTPCapabilities() domain.RTPCapabilities { return domain.RTPCapabilities{} }
func (r *stubRouter) CreateTransport(ctx context.Context, direction domain.TransportDirection) (ports.Transport, error) {
	return nil, domain.ErrWorkerDead
}
func (r *stubRouter) CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool {
	return false
}
func (r *stubRouter) BytesForwarded() (uint64, uint64) { return 0, 0 }
func (r *stubRouter) Close()                           {}

func newTestHandler(t *testing.T, maxRooms, workers int) (*gin.Engine, *services.Registry) {
	t.Helper()
	logger := zap.NewNop().Sugar()
	registry := services.NewRegistry(services.RegistryConfig{
		MaxRooms:          maxRooms,
		MaxViewersPerRoom: 10,
	}, &stubEngine{workers: workers}, logger)

	handler := NewRoomHandler(HandlerConfig{
		PublicHost:    "media.example.com",
		WebSocketPort: 9002,
	}, registry, &stubEngine{workers: workers}, logger)

	router := gin.New()
	handler.SetupRoutes(router)
	return router, registry
}

func doJSON(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateRoom(t *testing.T) {
	router, _ := newTestHandler(t, 10, 1)

	w := doJSON(router, http.MethodPost, "/room/create", gin.H{
		"post_id":      "post_42",
		"host_user_id": "user_7",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		RoomID       string `json:"room_id"`
		WebSocketURL string `json:"websocket_url"`
		Status       string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RoomID)
	assert.Equal(t, "created", resp.Status)
	assert.Equal(t, fmt.Sprintf("ws://media.example.com:9002/room/%s/host", resp.RoomID), resp.WebSocketURL)
}

func TestCreateRoomValidation(t *testing.T) {
	router, _ := newTestHandler(t, 10, 1)

	w := doJSON(router, http.MethodPost, "/room/create", gin.H{"host_user_id": "user_7"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "post_id")

	w = doJSON(router, http.MethodPost, "/room/create", gin.H{"post_id": "post_42"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "host_user_id")

	req := httptest.NewRequest(http.MethodPost, "/room/create", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRoomCapacity(t *testing.T) {
	router, _ := newTestHandler(t, 1, 1)

	w := doJSON(router, http.MethodPost, "/room/create", gin.H{"post_id": "p1", "host_user_id": "u1"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(router, http.MethodPost, "/room/create", gin.H{"post_id": "p2", "host_user_id": "u2"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "CAPACITY")
}

func TestStopRoom(t *testing.T) {
	router, registry := newTestHandler(t, 10, 1)
	roomID, err := registry.CreateRoom(context.Background(), "post_1", "user_1")
	require.NoError(t, err)

	w := doJSON(router, http.MethodPost, "/room/"+string(roomID)+"/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "stopped")

	// Already gone.
	w = doJSON(router, http.MethodPost, "/room/"+string(roomID)+"/stop", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(router, http.MethodPost, "/room/bad%20id/stop", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoomStats(t *testing.T) {
	router, registry := newTestHandler(t, 10, 1)
	roomID, err := registry.CreateRoom(context.Background(), "post_9", "user_9")
	require.NoError(t, err)

	w := doJSON(router, http.MethodGet, "/room/"+string(roomID)+"/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats domain.RoomStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, roomID, stats.RoomID)
	assert.Equal(t, "post_9", stats.PostID)
	assert.False(t, stats.HasHost)
	assert.Zero(t, stats.ViewerCount)

	w = doJSON(router, http.MethodGet, "/room/room_missing/stats", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServerStats(t *testing.T) {
	router, registry := newTestHandler(t, 10, 1)
	_, err := registry.CreateRoom(context.Background(), "post_1", "user_1")
	require.NoError(t, err)

	w := doJSON(router, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats domain.ServerStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalRooms)
	assert.Len(t, stats.Rooms, 1)
}

func TestHealth(t *testing.T) {
	router, _ := newTestHandler(t, 10, 1)
	w := doJSON(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestReady(t *testing.T) {
	router, _ := newTestHandler(t, 10, 1)
	w := doJSON(router, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	down, _ := newTestHandler(t, 10, 0)
	w = doJSON(down, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
