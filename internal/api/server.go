// Package api is the JSON/HTTP control plane for the Supervisor.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/taskfleet/supervisor/internal/metrics"
	"github.com/taskfleet/supervisor/internal/orchestrator"
	"github.com/taskfleet/supervisor/internal/otel"
)

type Server struct {
	orch             *orchestrator.Orchestrator
	metricsCollector *metrics.Collector
	server           *http.Server
	listener         net.Listener
	mu               sync.Mutex
	running          bool
	addr             string
	limiter          *rate.Limiter
	rateLimitConfig  *RateLimitConfig
	tracer           *otel.Tracer
}

func NewServer(addr string, orch *orchestrator.Orchestrator) *Server {
	return &Server{
		orch:            orch,
		addr:            addr,
		rateLimitConfig: DefaultRateLimitConfig(),
	}
}

// SetRateLimitConfig configures the rate limiter.
// Must be called before Start() for changes to take effect.
func (s *Server) SetRateLimitConfig(config *RateLimitConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimitConfig = config
	s.limiter = nil // Reset to pick up new config
}

func (s *Server) SetMetricsCollector(mc *metrics.Collector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metricsCollector = mc
}

func (s *Server) GetMetricsCollector() *metrics.Collector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metricsCollector
}

// SetTracer enables distributed tracing of control plane requests.
// Must be called before Start() to take effect.
func (s *Server) SetTracer(t *otel.Tracer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracer = t
}

func (s *Server) getTracer() *otel.Tracer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracer
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/workers/register", s.rateLimitMiddleware(http.HandlerFunc(s.handleRegisterWorker)).ServeHTTP)
	mux.HandleFunc("/workers/heartbeat", s.rateLimitMiddleware(http.HandlerFunc(s.handleHeartbeat)).ServeHTTP)
	mux.HandleFunc("/workers", s.rateLimitMiddleware(http.HandlerFunc(s.handleListWorkers)).ServeHTTP)
	mux.HandleFunc("/workers/", s.rateLimitMiddleware(http.HandlerFunc(s.routeWorkers)).ServeHTTP)
	mux.HandleFunc("/tasks", s.rateLimitMiddleware(http.HandlerFunc(s.handleSubmitTask)).ServeHTTP)
	mux.HandleFunc("/tasks/", s.rateLimitMiddleware(http.HandlerFunc(s.routeTasks)).ServeHTTP)
	mux.HandleFunc("/status", s.rateLimitMiddleware(http.HandlerFunc(s.handleStatus)).ServeHTTP)
	mux.HandleFunc("/circuits", s.rateLimitMiddleware(http.HandlerFunc(s.handleCircuits)).ServeHTTP)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	var handler http.Handler = mux
	if s.tracer != nil {
		handler = otel.Middleware(s.tracer)(handler)
	}

	s.server = &http.Server{
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second, // Protect against slowloris attacks
	}

	s.running = true

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			fmt.Printf("server error: %v\n", err)
		}
	}()

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) URL() string {
	return fmt.Sprintf("http://%s", s.Addr())
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Lazy initialize rate limiter
		s.mu.Lock()
		if s.limiter == nil {
			s.limiter = newLimiter(s.rateLimitConfig)
		}
		limiter := s.limiter
		s.mu.Unlock()

		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// StartTestServer creates a test server and returns it with a cleanup function.
// Returns an error if the server fails to start.
func StartTestServer(orch *orchestrator.Orchestrator) (*Server, func(), error) {
	server := NewServer("127.0.0.1:0", orch)
	if err := server.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start test server: %w", err)
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
	return server, cleanup, nil
}
