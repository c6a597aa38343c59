package health

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/acth/cross-asset-engine/internal/market"
)

// Server exposes readiness over both gRPC health and HTTP /healthz,
// reflecting the aggregated dependency connection states.
type Server struct {
	grpcHealth *grpchealth.Server
	httpServer *http.Server
	logger     *zap.Logger
	mu         sync.RWMutex
	ready      bool
	deps       map[string]market.ConnState
}

// NewServer creates a health server.
func NewServer(logger *zap.Logger) *Server {
	return &Server{
		grpcHealth: grpchealth.NewServer(),
		logger:     logger,
		ready:      true,
		deps:       make(map[string]market.ConnState),
	}
}

// RegisterGRPC registers the health service with a gRPC server.
func (s *Server) RegisterGRPC(g *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(g, s.grpcHealth)
	s.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
}

// StartHTTP starts the HTTP health endpoint. Blocks until shutdown.
func (s *Server) StartHTTP(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	s.logger.Info("starting HTTP health server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// SetDependencyState records a dependency's connection state and flips the
// gRPC serving status when any dependency goes offline.
func (s *Server) SetDependencyState(name string, state market.ConnState) {
	s.mu.Lock()
	s.deps[name] = state
	serving := s.ready && !s.anyOfflineLocked()
	s.mu.Unlock()

	if serving {
		s.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	} else {
		s.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
}

func (s *Server) anyOfflineLocked() bool {
	for _, st := range s.deps {
		if st == market.Offline {
			return true
		}
	}
	return false
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ok := s.ready && !s.anyOfflineLocked()
	s.mu.RUnlock()

	if ok {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT_READY"))
	}
}

// Shutdown stops serving and marks the process not ready.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()
	s.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
