package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/cmatc13/txrelay/pkg/logging"
	"github.com/cmatc13/txrelay/pkg/metrics"
	"github.com/cmatc13/txrelay/pkg/service"
)

const (
	requestLimit      = 60
	requestWindow     = time.Minute
	readHeaderTimeout = 5 * time.Second
)

// Server exposes GET /health and GET /metrics.
type Server struct {
	registry *Registry
	metrics  *metrics.Metrics
	logger   *logging.Logger
	server   *http.Server

	mu       sync.Mutex
	status   service.Status
	listener net.Listener
	uptime   chan struct{}
}

// NewServer creates a server listening on port. Port 0 picks a free port.
func NewServer(port int, registry *Registry, m *metrics.Metrics, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{
		registry: registry,
		metrics:  m,
		logger:   logger.WithField("component", "health-server"),
		status:   service.StatusStopped,
	}
	s.server = &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.recordRequests)
	r.Use(httprate.LimitByIP(requestLimit, requestWindow))

	r.Method(http.MethodGet, "/health", s.registry.Handler())
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

func (s *Server) recordRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RecordRequest(r.Method, r.URL.Path, status, time.Since(start))
	})
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Name implements service.Service.
func (s *Server) Name() string {
	return "health-server"
}

// Start implements service.Service. It binds the port and serves in the
// background.
func (s *Server) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.status = service.StatusError
		return err
	}
	s.listener = ln
	s.status = service.StatusRunning

	if s.metrics != nil {
		s.uptime = make(chan struct{})
		s.metrics.ServiceLastStarted.Set(float64(time.Now().Unix()))
		s.metrics.RecordUptime(s.uptime)
	}

	s.logger.Info("Health server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("Health server failed")
			s.mu.Lock()
			s.status = service.StatusError
			s.mu.Unlock()
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop implements service.Service.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.status != service.StatusRunning {
		s.mu.Unlock()
		return nil
	}
	s.status = service.StatusStopping
	uptime := s.uptime
	s.mu.Unlock()

	err := s.server.Shutdown(ctx)
	if uptime != nil {
		close(uptime)
	}

	s.mu.Lock()
	s.status = service.StatusStopped
	s.mu.Unlock()
	s.logger.Info("Health server stopped")
	return err
}

// Status implements service.Service.
func (s *Server) Status() service.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Health implements service.Service.
func (s *Server) Health() error {
	if st := s.Status(); st != service.StatusRunning {
		return errors.New("health server is " + string(st))
	}
	return nil
}

// Dependencies implements service.Service.
func (s *Server) Dependencies() []string {
	return nil
}

var _ service.Service = (*Server)(nil)
