package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	apihttp "github.com/GriffinCanCode/sketchbox/internal/api/http"
	"github.com/GriffinCanCode/sketchbox/internal/api/middleware"
	"github.com/GriffinCanCode/sketchbox/internal/api/ws"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/config"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/logging"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox/governor"
)

const streamPath = "/v1/stream"

// Server wraps the HTTP server and dependencies
type Server struct {
	router   *gin.Engine
	handler  http.Handler
	http     *http.Server
	pool     *sandbox.Pool
	tracer   *tracing.Tracer
	logger   *logging.Logger
	config   *config.Config
	metrics  *monitoring.Metrics
	registry *prometheus.Registry
}

// NewServer builds the pool, the router and the middleware stack. The
// pool's boundaries are provisioned by Warm or on first use.
func NewServer(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	logger.Info("Initializing sketchbox server",
		zap.String("port", cfg.Server.Port),
		zap.String("isolation", cfg.Sandbox.Isolation),
		zap.Int("pool_size", cfg.Sandbox.PoolSize))

	registry := monitoring.NewRegistry()
	metrics := monitoring.NewMetrics(registry)
	tracer := tracing.New("sketchbox", logger.Logger)

	opts, err := ManagerOptions(cfg.Sandbox, logger.Component("sandbox"))
	if err != nil {
		tracer.Close()
		return nil, err
	}
	pool := sandbox.NewPool(sandbox.PoolOptions{
		Size:    cfg.Sandbox.PoolSize,
		Manager: opts,
	}).WithMetrics(metrics)

	if !cfg.Logging.Development || logging.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.Server.AllowedOrigins...)))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst))
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandlers(pool, metrics, tracer, logger.Logger)
	handlers.Register(router)

	wsHandler := ws.NewHandler(opts, metrics, logger.Logger, originChecker(cfg.Server.AllowedOrigins))
	router.GET(streamPath, wsHandler.HandleConnection)
	router.GET("/metrics", gin.WrapH(monitoring.Handler(registry)))

	s := &Server{
		router:   router,
		pool:     pool,
		tracer:   tracer,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
		registry: registry,
	}
	s.handler = s.compress(router)
	s.http = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server initialized successfully")
	return s, nil
}

// ManagerOptions translates the sandbox section into manager options.
func ManagerOptions(cfg config.SandboxConfig, logger *zap.Logger) (sandbox.Options, error) {
	provisioner, err := sandbox.NewProvisioner(cfg.Isolation)
	if err != nil {
		return sandbox.Options{}, err
	}
	return sandbox.Options{
		Limits: governor.Limits{
			Timeout:          cfg.Timeout(),
			MemoryLimitBytes: cfg.MemoryLimitBytes,
			MaxFunctionCalls: cfg.MaxFunctionCalls,
		},
		Ceilings: governor.Limits{
			Timeout:          cfg.MaxTimeout(),
			MemoryLimitBytes: cfg.MaxMemoryLimitBytes,
			MaxFunctionCalls: cfg.MaxFunctionCallsLimit,
		},
		HistoryCapacity: cfg.HistoryCapacity,
		SetupTimeout:    cfg.SetupTimeout(),
		GracePeriod:     cfg.GracePeriod(),
		MaxCodeBytes:    cfg.MaxCodeBytes,
		RenderFrames:    cfg.RenderFrames,
		SampleInterval:  cfg.SampleInterval(),
		MaxCallStack:    cfg.MaxCallStack,
		Provisioner:     provisioner,
		Logger:          logger,
	}, nil
}

// compress gzips every response except the WebSocket stream, whose
// upgrade needs the raw connection.
func (s *Server) compress(next http.Handler) http.Handler {
	gz := gzhttp.GzipHandler(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == streamPath {
			next.ServeHTTP(w, r)
			return
		}
		gz.ServeHTTP(w, r)
	})
}

func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Pool returns the execution pool.
func (s *Server) Pool() *sandbox.Pool { return s.pool }

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Server.Host, s.config.Server.Port)
}

// Warm provisions every pooled boundary.
func (s *Server) Warm(ctx context.Context) error {
	return s.pool.Warm(ctx)
}

// ListenAndServe listens on the configured address and serves until
// Shutdown.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(l)
}

// Serve serves on l, capping concurrent connections when configured.
func (s *Server) Serve(l net.Listener) error {
	if n := s.config.Server.MaxConnections; n > 0 {
		l = netutil.LimitListener(l, n)
	}
	s.logger.Info("Starting HTTP server", zap.String("addr", l.Addr().String()))
	if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests,
// bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")
	return s.http.Shutdown(ctx)
}

// Close releases the pool and the tracer.
func (s *Server) Close() error {
	err := s.pool.Close()
	s.tracer.Close()
	_ = s.logger.Sync()
	return err
}
