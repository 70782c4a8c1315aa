package metrics

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the standalone metrics/health HTTP server (SPEC_FULL.md's
// AMBIENT STACK "Metrics" section), grounded on the teacher's
// pkg/infrastructure/metrics.Server: a *http.Server plus a logger,
// started in the background and stopped with a grace period.
type Server struct {
	server *http.Server
	log    *zap.Logger
}

// NewServer builds a Server bound to addr ":"+port, serving /metrics
// (Prometheus text exposition) and /health (plain "OK").
func NewServer(port string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{Addr: ":" + port, Handler: r},
		log:    log,
	}
}

// StartAsync begins serving in the background. Listen errors other
// than a clean shutdown are logged, not returned, since the caller has
// already moved on.
func (s *Server) StartAsync() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("metrics server stopped", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts the server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
