package media

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"go.uber.org/zap"
)

// Config holds media-plane settings shared by all workers.
type Config struct {
	ListenIP    string
	AnnouncedIP string
	// Each worker binds one UDP socket. Worker i listens on UDPPortBase+i
	// when the base is set, otherwise on an ephemeral port.
	UDPPortBase           uint16
	VideoMaxBitrateKbps   int
	VideoStartBitrateKbps int
	AudioBitrateKbps      int
	// Workers overrides the default worker count (NumCPU-1, floor 1).
	Workers int
}

// Engine runs a pool of in-process media workers and hands out routers
// round-robin. It implements ports.MediaEngine.
type Engine struct {
	cfg     Config
	workers []*worker
	next    uint32
	fatal   chan error
	logger  *zap.SugaredLogger

	mu     sync.Mutex
	closed bool
}

// NewEngine boots the worker pool. Any worker failing to bind its UDP
// socket fails the whole boot.
func NewEngine(cfg Config, logger *zap.SugaredLogger) (*Engine, error) {
	count := cfg.Workers
	if count <= 0 {
		count = runtime.NumCPU() - 1
		if count < 1 {
			count = 1
		}
	}

	e := &Engine{
		cfg:    cfg,
		fatal:  make(chan error, count),
		logger: logger,
	}

	for i := 0; i < count; i++ {
		w, err := newWorker(i, cfg, e.reportFatal, logger)
		if err != nil {
			for _, started := range e.workers {
				started.close()
			}
			return nil, fmt.Errorf("failed to start media worker %d: %w", i, err)
		}
		e.workers = append(e.workers, w)
	}

	logger.Infow("media engine started",
		"workers", count,
		"announced_ip", cfg.AnnouncedIP,
	)
	return e, nil
}

// CreateRouter allocates a router on the next live worker.
func (e *Engine) CreateRouter(ctx context.Context) (ports.Router, error) {
	n := len(e.workers)
	for i := 0; i < n; i++ {
		w := e.workers[int(atomic.AddUint32(&e.next, 1))%n]
		if w.isDead() {
			continue
		}
		r, err := newRouter(ctx, w, e.logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, domain.ErrWorkerDead
}

// Fatal delivers unrecoverable worker errors. The supervisor treats any
// value on this channel as a process-fatal condition.
func (e *Engine) Fatal() <-chan error {
	return e.fatal
}

func (e *Engine) WorkerCount() int {
	return len(e.workers)
}

func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	for _, w := range e.workers {
		w.close()
	}
	e.logger.Infow("media engine stopped")
}

func (e *Engine) reportFatal(err error) {
	select {
	case e.fatal <- err:
	default:
	}
}
