package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/meshbridge/pkg/log"
	"github.com/cuemby/meshbridge/pkg/metrics"
)

// HealthServer serves /health, /ready and /metrics
type HealthServer struct {
	addr   string
	server *http.Server
	logger zerolog.Logger
}

// NewHealthServer creates a server for addr; it listens once started
func NewHealthServer(addr string) *HealthServer {
	return &HealthServer{
		addr: addr,
		server: &http.Server{
			Addr:         addr,
			Handler:      newMux(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: log.WithComponent("http"),
	}
}

func newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/health", getOnly(metrics.HealthHandler()))
	mux.Handle("/ready", getOnly(metrics.ReadyHandler()))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func getOnly(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// Start binds the listener and serves in the background. A bind failure
// is returned immediately.
func (hs *HealthServer) Start() error {
	ln, err := net.Listen("tcp", hs.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", hs.addr, err)
	}
	hs.logger.Info().Str("addr", ln.Addr().String()).Msg("Serving health and metrics")

	go func() {
		if err := hs.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hs.logger.Error().Err(err).Msg("Health server stopped")
		}
	}()
	return nil
}

// Stop shuts the server down gracefully
func (hs *HealthServer) Stop(ctx context.Context) error {
	if err := hs.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop health server: %w", err)
	}
	return nil
}
