package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spacehook/spacehook/internal/orchestrator"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultPath is where deliveries are received.
	DefaultPath = "/webhook"

	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// StatusSource reports the managed process status.
type StatusSource interface {
	Status() orchestrator.Status
}

// RouterConfig wires the HTTP surface. Webhook and Status are required;
// metrics are only exposed when Gatherer is set.
type RouterConfig struct {
	Path     string
	Webhook  http.Handler
	Status   StatusSource
	Gatherer prometheus.Gatherer
	Logger   *log.Logger
}

type statusResponse struct {
	Status string `json:"status"`
	State  string `json:"state"`
	PID    int    `json:"pid"`
}

// NewRouter builds the daemon's HTTP handler: webhook receipt, status,
// and metrics, wrapped with access logging and tracing.
func NewRouter(cfg RouterConfig) (http.Handler, error) {
	if cfg.Webhook == nil {
		return nil, errors.New("webhook handler is required")
	}
	if cfg.Status == nil {
		return nil, errors.New("status source is required")
	}
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	router := mux.NewRouter()
	router.Handle(path, cfg.Webhook)
	router.HandleFunc("/", statusHandler(cfg.Status)).Methods(http.MethodGet, http.MethodHead)
	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	router.Use(accessLog(logger))

	return otelhttp.NewHandler(router, "spacehook.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	), nil
}

func statusHandler(source StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		status := source.Status()
		body := statusResponse{Status: "inactive", State: string(status.State), PID: status.PID}
		if status.Active {
			body.Status = "active"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func accessLog(logger *log.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(started),
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
			)
		})
	}
}

// Server runs the HTTP surface until its context ends.
type Server struct {
	http   *http.Server
	logger *log.Logger
}

// NewServer returns a Server for handler.
func NewServer(handler http.Handler, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		http: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		logger: logger,
	}
}

// Listen binds addr for Serve.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ln, nil
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully. It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}
