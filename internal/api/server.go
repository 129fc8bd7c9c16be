package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tubebroker/internal/logger"
)

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Address           string
	ReadTimeout       time.Duration
	TrustedProxies    []string
	RequestsPerSecond float64
	Burst             int
	MetricsPath       string // empty disables /metrics
	Debug             bool
}

// NewRouter builds the gin engine with middleware and routes. A nil
// gatherer uses the default Prometheus registry.
func NewRouter(cfg ServerConfig, h *Handler, log logger.Logger, gatherer prometheus.Gatherer) (*gin.Engine, error) {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("set trusted proxies: %w", err)
	}

	router.Use(RecoveryMiddleware(log))
	router.Use(LoggerMiddleware(log))
	if cfg.RequestsPerSecond > 0 {
		router.Use(ThrottleMiddleware(cfg.RequestsPerSecond, cfg.Burst))
	}

	router.GET("/watch", h.Watch)
	router.GET("/progress", h.Progress)
	router.GET("/download", h.Download)
	router.GET("/health", h.Health)

	if cfg.MetricsPath != "" {
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		router.GET(cfg.MetricsPath, gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return router, nil
}

// Server wraps http.Server with start and graceful shutdown.
type Server struct {
	server *http.Server
	logger logger.Logger
}

// NewServer creates a server for handler. WriteTimeout stays unset because
// blocking requests stream for as long as a job runs.
func NewServer(cfg ServerConfig, handler http.Handler, log logger.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:              cfg.Address,
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadTimeout,
			ReadTimeout:       cfg.ReadTimeout,
		},
		logger: log,
	}
}

// StartAsync starts listening in a goroutine. The channel receives a
// listen error, if any, and is closed when the server stops.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		s.logger.Info("Starting HTTP server", logger.String("address", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server error: %w", err)
		}
	}()
	return errCh
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
