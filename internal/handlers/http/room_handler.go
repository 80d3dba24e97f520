package http

import (
	"fmt"
	"net"
	"net/http"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	apperrors "livecast/pkg/errors"
	"livecast/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HandlerConfig carries what the control plane needs to mint WebSocket
// URLs for freshly created rooms.
type HandlerConfig struct {
	PublicHost    string // announced host; falls back to the request host
	WebSocketPort int
}

type RoomHandler struct {
	cfg      HandlerConfig
	registry ports.RoomRegistry
	engine   ports.MediaEngine
	metrics  ports.MetricsSink
	logger   *zap.SugaredLogger
}

func NewRoomHandler(cfg HandlerConfig, registry ports.RoomRegistry, engine ports.MediaEngine, logger *zap.SugaredLogger) *RoomHandler {
	return &RoomHandler{
		cfg:      cfg,
		registry: registry,
		engine:   engine,
		logger:   logger,
	}
}

// SetMetrics wires the optional metrics sink.
func (h *RoomHandler) SetMetrics(m ports.MetricsSink) {
	h.metrics = m
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine) {
	router.POST("/room/create", h.CreateRoom)
	router.POST("/room/:room_id/stop", h.StopRoom)
	router.GET("/room/:room_id/stats", h.RoomStats)
	router.GET("/stats", h.ServerStats)
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var req struct {
		PostID     string `json:"post_id"`
		HostUserID string `json:"host_user_id"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}
	if err := validation.ValidateRequiredField(req.PostID, "post_id"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validation.ValidateRequiredField(req.HostUserID, "host_user_id"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	roomID, err := h.registry.CreateRoom(c.Request.Context(), req.PostID, domain.UserID(req.HostUserID))
	if err != nil {
		appErr := apperrors.FromDomain(err)
		h.logger.Warnw("room creation failed",
			"post_id", req.PostID,
			"error", err,
		)
		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message, "code": appErr.Code})
		return
	}

	if h.metrics != nil {
		h.metrics.RecordRoomCreated(roomID)
	}
	c.JSON(http.StatusCreated, gin.H{
		"room_id":       roomID,
		"websocket_url": h.websocketURL(c, roomID),
		"status":        "created",
	})
}

func (h *RoomHandler) StopRoom(c *gin.Context) {
	roomID := c.Param("room_id")
	if err := validation.ValidateRoomID(roomID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.registry.StopRoom(c.Request.Context(), domain.RoomID(roomID)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if h.metrics != nil {
		h.metrics.RecordRoomStopped(domain.RoomID(roomID))
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "stopped",
		"room_id": roomID,
	})
}

func (h *RoomHandler) RoomStats(c *gin.Context) {
	roomID := c.Param("room_id")
	if err := validation.ValidateRoomID(roomID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stats, err := h.registry.RoomStats(domain.RoomID(roomID))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *RoomHandler) ServerStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.ServerStats())
}

func (h *RoomHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Ready reports whether the media plane can still place new rooms.
func (h *RoomHandler) Ready(c *gin.Context) {
	if h.engine.WorkerCount() == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "no media workers"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// websocketURL mints the host's signaling URL; viewers swap the trailing
// role segment.
func (h *RoomHandler) websocketURL(c *gin.Context, roomID domain.RoomID) string {
	host := h.cfg.PublicHost
	if host == "" {
		host = c.Request.Host
		if hostOnly, _, err := net.SplitHostPort(host); err == nil {
			host = hostOnly
		}
	}
	return fmt.Sprintf("ws://%s:%d/room/%s/host", host, h.cfg.WebSocketPort, roomID)
}
