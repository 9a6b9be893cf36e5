package wellenbrecher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"

	"github.com/bits0rcerer/wellenbrecher/internal/admission"
	"github.com/bits0rcerer/wellenbrecher/internal/canvas"
	"github.com/bits0rcerer/wellenbrecher/internal/engine"
	"github.com/bits0rcerer/wellenbrecher/internal/metrics"
	"github.com/bits0rcerer/wellenbrecher/internal/svcfields"
)

// Server owns the canvas region, the admission table, and all worker shards.
type Server struct {
	cfg      Config
	logger   pslog.Logger
	canvas   *canvas.Canvas
	limiter  *admission.Limiter
	registry *prometheus.Registry
	metrics  *metrics.Set

	userIDs atomic.Uint32

	shards     []*engine.Shard
	metricsSrv *http.Server
	port       int

	mu        sync.Mutex
	started   bool
	shutdown  bool
	stopCh    chan struct{}
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger pslog.Logger
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// NewServer opens (or creates) the canvas region and prepares a server
// according to cfg. Listeners and shards come up in Start.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := svcfields.Ensure(o.Logger)

	c, err := canvas.OpenOrCreate(cfg.CanvasFileLink, cfg.Width, cfg.Height)
	if err != nil {
		return nil, fmt.Errorf("open canvas: %w", err)
	}
	svcfields.WithSubsystem(logger, "canvas").Info("wellenbrecher.canvas.attached",
		"path", c.Path(),
		"width", c.Width(),
		"height", c.Height(),
		"region", humanize.IBytes(uint64(c.Size())))

	v4Mask, _ := cfg.ipv4Mask()
	v6Mask, _ := cfg.ipv6Mask()
	limiter := admission.NewLimiter(admission.Config{
		ConnectionsPerIP: cfg.ConnectionsPerIP,
		IPv4Mask:         v4Mask,
		IPv6Mask:         v6Mask,
	}, logger)

	registry := prometheus.NewRegistry()

	return &Server{
		cfg:      cfg,
		logger:   logger,
		canvas:   c,
		limiter:  limiter,
		registry: registry,
		metrics:  metrics.NewSet(registry),
		stopCh:   make(chan struct{}),
		readyCh:  make(chan struct{}),
	}, nil
}

// nextUserID hands out nonzero user IDs from a process-wide counter. After
// 2³²−1 accepts the counter wraps and IDs repeat; 0 is always skipped since
// it marks unwritten pixels.
func (s *Server) nextUserID() uint32 {
	for {
		if id := s.userIDs.Add(1); id != 0 {
			return id
		}
	}
}

// Start binds one SO_REUSEPORT listener per shard, spawns the shards, and
// blocks until Shutdown completes. Bind or spawn failures abort startup.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started || s.shutdown {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	s.started = true
	s.mu.Unlock()

	lifecycle := svcfields.WithSubsystem(s.logger, "server.lifecycle")

	pin := s.cfg.Threads <= runtime.NumCPU()
	for i := 0; i < s.cfg.Threads; i++ {
		port := s.cfg.Port
		if i > 0 {
			port = s.port
		}
		fd, bound, err := engine.Listen(port, s.cfg.TCPAcceptBacklog)
		if err != nil {
			s.stopShards()
			return fmt.Errorf("bind shard %d: %w", i, err)
		}
		if i == 0 {
			s.port = bound
		}

		pinCPU := -1
		if pin {
			pinCPU = i % runtime.NumCPU()
		}
		shard, err := engine.Spawn(engine.Config{
			ShardID:         i,
			ListenFD:        fd,
			Canvas:          s.canvas,
			Limiter:         s.limiter,
			NextUserID:      s.nextUserID,
			Counters:        s.metrics.Shard(fmt.Sprint(i)),
			Logger:          s.logger,
			ReadBufferSize:  s.cfg.ConnectionBuffer,
			WriteBufferCap:  s.cfg.WriteBufferCap,
			EventQueueDepth: s.cfg.EventQueueDepth,
			IdleTimeout:     s.cfg.IdleTimeout,
			DrainTimeout:    s.cfg.DrainTimeout,
		}, pinCPU)
		if err != nil {
			s.stopShards()
			return fmt.Errorf("spawn shard %d: %w", i, err)
		}
		s.shards = append(s.shards, shard)
	}

	s.startMetrics()

	lifecycle.Info("wellenbrecher.server.listening",
		"port", s.port,
		"shards", len(s.shards),
		"connections_per_ip", s.cfg.ConnectionsPerIP,
		"buffer", humanize.IBytes(uint64(s.cfg.ConnectionBuffer)))
	s.readyOnce.Do(func() { close(s.readyCh) })

	<-s.stopCh
	return nil
}

func (s *Server) startMetrics() {
	if s.cfg.MetricsListen == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.metricsSrv = &http.Server{Addr: s.cfg.MetricsListen, Handler: mux}
	logger := svcfields.WithSubsystem(s.logger, "metrics")
	go func() {
		logger.Info("wellenbrecher.metrics.listening", "addr", s.cfg.MetricsListen)
		if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("wellenbrecher.metrics.failed", "error", err)
		}
	}()
}

// Ready is closed once every shard is accepting.
func (s *Server) Ready() <-chan struct{} {
	return s.readyCh
}

// Port returns the bound TCP port. Valid once Ready is closed.
func (s *Server) Port() int {
	return s.port
}

func (s *Server) stopShards() {
	for _, shard := range s.shards {
		shard.Stop()
	}
}

// Shutdown drains all shards, closes every connection, stops the metrics
// endpoint, and unmaps the canvas. The region link stays in place.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	lifecycle := svcfields.WithSubsystem(s.logger, "server.lifecycle")
	lifecycle.Info("wellenbrecher.server.shutdown")

	s.stopShards()

	var firstErr error
	for _, shard := range s.shards {
		select {
		case <-shard.Done():
			if err := shard.Err(); err != nil && firstErr == nil {
				firstErr = err
			}
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = fmt.Errorf("shutdown: %w", ctx.Err())
			}
		}
	}

	if s.metricsSrv != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.metricsSrv.Shutdown(stopCtx)
		cancel()
	}

	if err := s.canvas.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	close(s.stopCh)
	lifecycle.Info("wellenbrecher.server.stopped")
	return firstErr
}

// RemoveCanvas unlinks the canvas region at path. Running consumers keep
// their mappings; the memory is freed once the last one detaches.
func RemoveCanvas(path string) error {
	return canvas.Unlink(path)
}
