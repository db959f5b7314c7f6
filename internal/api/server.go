package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/smeird/PubObs/internal/collector"
	"github.com/smeird/PubObs/internal/metrics"
	"github.com/smeird/PubObs/internal/safehours"
	"github.com/smeird/PubObs/internal/store"
)

// Server is the REST API server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
}

// NewServer creates a new API server with all routes registered. The
// collector and metrics may be nil.
func NewServer(s store.Store, c *collector.Collector, agg *safehours.Aggregator, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		Store:      s,
		Collector:  c,
		Aggregator: agg,
		Metrics:    m,
		Logger:     logger,
		StartTime:  time.Now(),
	}

	mux := http.NewServeMux()

	// API routes.
	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("GET /api/v1/safe-hours", h.SafeHours)
	mux.HandleFunc("GET /api/v1/safe-hours/daily", h.DailySafeHours)
	mux.HandleFunc("GET /api/v1/safe-hours/monthly", h.MonthlySafeHours)
	mux.HandleFunc("GET /api/v1/topics", h.Topics)
	mux.HandleFunc("GET /api/v1/topics/{topic}/history", h.TopicHistory)
	mux.HandleFunc("GET /api/v1/topics/{topic}/export", h.ExportTopic)
	mux.HandleFunc("GET /api/v1/sky-image", h.SkyImage)
	mux.HandleFunc("GET /api/v1/settings/accent-font-weight", h.GetAccentFontWeight)
	mux.HandleFunc("POST /api/v1/settings/accent-font-weight", h.SetAccentFontWeight)
	mux.Handle("GET /metrics", m.Handler())

	// Apply middleware (outermost runs first).
	var handler http.Handler = mux
	handler = ContentType(handler)
	handler = SecurityHeaders(handler)
	handler = CORS("")(handler) // Empty string disables CORS headers.
	handler = m.Middleware(handler)
	handler = Logger(logger)(handler)
	handler = RequestID(handler)
	handler = Recovery(logger)(handler)

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, handlers: h}
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe starts the HTTP server. Blocks until context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer.Addr = addr
	s.handlers.Logger.Info("api server starting", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// SetVersion sets the version string for the health endpoint.
func (s *Server) SetVersion(v string) { s.handlers.Version = v }

// SetStorageInfo sets storage driver and path for the health endpoint.
func (s *Server) SetStorageInfo(driver, path string) {
	s.handlers.StorageDriver = driver
	s.handlers.StoragePath = path
}

// SetDashboardDays sets the default window of the daily endpoint.
func (s *Server) SetDashboardDays(n int) { s.handlers.DashboardDays = n }

// SetClock overrides the aggregation cutoff source.
func (s *Server) SetClock(now func() time.Time) { s.handlers.Now = now }
