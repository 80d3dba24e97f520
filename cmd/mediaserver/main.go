package main

import (
	"context"
	"flag"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/services"
	httphandlers "livecast/internal/handlers/http"
	"livecast/internal/infrastructure/media"
	"livecast/internal/infrastructure/middleware"
	"livecast/internal/infrastructure/monitoring"
	signalserver "livecast/internal/infrastructure/signal"
	"livecast/pkg/config"
	"livecast/pkg/logger"
	"livecast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	zl := logger.NewWithOptions(logger.Options{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	})
	defer zl.Sync()
	log := zl.Sugar()

	log.Infow("starting media server",
		"environment", cfg.Environment,
		"http_port", cfg.Server.Port,
		"websocket_port", cfg.Signal.Port,
	)
	for _, warning := range cfg.ProductionWarnings() {
		log.Warnw(warning)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "livecast",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Boot order: media engine, registry, fan-out, control plane,
	// signaling. Shutdown runs strictly in reverse.
	engine, err := media.NewEngine(media.Config{
		ListenIP:              cfg.Server.Host,
		AnnouncedIP:           cfg.WebRTC.AnnouncedIP,
		UDPPortBase:           cfg.WebRTC.PortRange.Min,
		VideoMaxBitrateKbps:   cfg.Video.MaxBitrateKbps,
		VideoStartBitrateKbps: cfg.Video.TargetBitrateKbps,
		AudioBitrateKbps:      cfg.Audio.BitrateKbps,
	}, log)
	if err != nil {
		log.Fatalw("failed to start media engine", "error", err)
	}

	registry := services.NewRegistry(services.RegistryConfig{
		MaxRooms:          cfg.Limits.MaxRooms,
		MaxViewersPerRoom: cfg.Limits.MaxViewersPerRoom,
	}, engine, log)

	fanout := services.NewFanoutService(registry, log)

	wsServer := signalserver.NewServer(signalserver.ServerConfig{
		Port:           cfg.Signal.Port,
		PingInterval:   cfg.Signal.PingInterval,
		IdleTimeout:    cfg.IdleTimeout(),
		MaxConnections: cfg.Limits.MaxConnections,
		ICEServers:     iceServers(cfg),
	}, registry, fanout, log)
	fanout.SetNotifier(wsServer)
	registry.SetEvictionHandler(func(peerID domain.PeerID, reason string) {
		fanout.ForgetPeer(peerID)
		wsServer.ClosePeer(peerID, websocket.CloseNormalClosure, reason)
	})

	var collector *monitoring.PrometheusCollector
	if cfg.Monitoring.PrometheusEnabled {
		collector = monitoring.NewPrometheusCollector()
		fanout.SetMetrics(collector)
		wsServer.SetMetrics(collector)
	}

	httpSrv := buildControlPlane(cfg, registry, engine, collector, log)

	httpErr := make(chan error, 1)
	go func() {
		log.Infow("control plane listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != nethttp.ErrServerClosed {
			httpErr <- err
		}
	}()

	wsErr := make(chan error, 1)
	go func() {
		if err := wsServer.Start(); err != nil {
			wsErr <- err
		}
	}()

	stopTicker := make(chan struct{})
	go runBackgroundTicker(cfg, registry, engine, collector, log, stopTicker)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infow("shutdown signal received", "signal", sig)
	case err := <-engine.Fatal():
		// Worker death is unrecoverable: flush logs and exit non-zero.
		log.Errorw("media worker died, terminating", "error", err)
		time.Sleep(2 * time.Second)
		zl.Sync()
		os.Exit(1)
	case err := <-httpErr:
		log.Errorw("control plane failed", "error", err)
	case err := <-wsErr:
		log.Errorw("signaling server failed", "error", err)
	}

	close(stopTicker)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("signaling shutdown error", "error", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("control plane shutdown error", "error", err)
	}
	registry.CloseAll(shutdownCtx)
	engine.Close()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("tracing shutdown error", "error", err)
	}

	log.Infow("media server stopped")
}

func buildControlPlane(cfg *config.Config, registry *services.Registry, engine *media.Engine, collector *monitoring.PrometheusCollector, log *zap.SugaredLogger) *nethttp.Server {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.RateLimitMiddleware(
		cfg.RateLimiting.Enabled,
		cfg.RateLimiting.RequestsPerSecond,
		cfg.RateLimiting.Burst,
	))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	handler := httphandlers.NewRoomHandler(httphandlers.HandlerConfig{
		PublicHost:    cfg.WebRTC.AnnouncedIP,
		WebSocketPort: cfg.Signal.Port,
	}, registry, engine, log)
	if collector != nil {
		handler.SetMetrics(collector)
	}
	handler.SetupRoutes(router)

	if collector != nil {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	return &nethttp.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

// runBackgroundTicker reaps idle rooms and emits a stats line every 30
// seconds while anything is alive.
func runBackgroundTicker(cfg *config.Config, registry *services.Registry, engine *media.Engine, collector *monitoring.PrometheusCollector, log *zap.SugaredLogger, stop <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	var prevSent, prevReceived uint64
	for {
		select {
		case <-ticker.C:
			registry.ReapIdle(time.Now(), cfg.IdleTimeout())

			rooms, peers := registry.Counts()
			if rooms > 0 || peers > 0 {
				stats := registry.ServerStats()
				log.Infow("server stats",
					"rooms", stats.TotalRooms,
					"active_rooms", stats.ActiveRooms,
					"peers", stats.TotalPeers,
					"hosts", stats.TotalHosts,
					"viewers", stats.TotalViewers,
					"bytes_sent", stats.TotalBytesSent,
					"bytes_received", stats.TotalBytesReceived,
				)
				if collector != nil {
					collector.UpdateFromStats(stats, engine.WorkerCount(), prevSent, prevReceived)
					prevSent = stats.TotalBytesSent
					prevReceived = stats.TotalBytesReceived
				}
			}
		case <-stop:
			return
		}
	}
}

func iceServers(cfg *config.Config) []domain.ICEServer {
	out := make([]domain.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		out = append(out, domain.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}
