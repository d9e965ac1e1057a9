package infrastructure

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/krobus00/ibkr-orchestrator/internal/config"
	"github.com/sirupsen/logrus"
)

const (
	defaultHTTPAddr          = ":8080"
	defaultReadHeaderTimeout = 2 * time.Second
	defaultIdleTimeout       = 60 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxHeaderBytes    = 1 << 16

	// greeks requests wait for quotes and for the shared gateway lock
	defaultWriteTimeout = 30 * time.Second

	requestIDHeader = "X-Request-Id"
	healthzPath     = "/healthz"
	readyzPath      = "/readyz"
)

// ReadinessFunc reports whether the gateway session can serve requests.
type ReadinessFunc func() bool

type HTTPServerConfig struct {
	Addr            string
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type HTTPServer struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version,omitempty"`
}

func NewHTTPServer(cfg HTTPServerConfig, handler http.Handler) *HTTPServer {
	if handler == nil {
		mux := http.NewServeMux()
		RegisterHealthRoutes(mux, nil)
		handler = mux
	}
	if cfg.Addr == "" {
		cfg.Addr = defaultHTTPAddr
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	return &HTTPServer{
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           withHTTPMiddlewares(handler),
			ReadHeaderTimeout: defaultReadHeaderTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       defaultIdleTimeout,
			MaxHeaderBytes:    defaultMaxHeaderBytes,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

func (h *HTTPServer) Start() error {
	logrus.WithField("addr", h.server.Addr).Info("http server starting")
	err := h.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (h *HTTPServer) Shutdown(ctx context.Context) error {
	if ctx == nil {
		innerCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		ctx = innerCtx
	}

	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// RegisterHealthRoutes adds /healthz and /readyz. A nil ready func always reports
// ready.
func RegisterHealthRoutes(mux *http.ServeMux, ready ReadinessFunc) {
	mux.HandleFunc("GET "+healthzPath, func(w http.ResponseWriter, _ *http.Request) {
		writeHealth(w, http.StatusOK, "ok")
	})
	mux.HandleFunc("GET "+readyzPath, func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil && !ready() {
			writeHealth(w, http.StatusServiceUnavailable, "not ready")
			return
		}
		writeHealth(w, http.StatusOK, "ready")
	})
}

// ResolveHTTPAddr turns the port.http config entry into a listen address.
func ResolveHTTPAddr(ports map[string]string) string {
	port := strings.TrimSpace(ports["http"])
	if port == "" {
		return defaultHTTPAddr
	}
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

func writeHealth(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:  status,
		Service: config.ServiceName,
		Version: config.ServiceVersion,
	})
}

func withHTTPMiddlewares(handler http.Handler) http.Handler {
	return httpRequestIDMiddleware(httpAccessLogMiddleware(httpRecoveryMiddleware(handler)))
}

func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
			r.Header.Set(requestIDHeader, requestID)
		}

		w.Header().Set(requestIDHeader, requestID)
		next.ServeHTTP(w, r)
	})
}

func httpRecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				logrus.WithFields(logrus.Fields{
					"request_id": r.Header.Get(requestIDHeader),
					"method":     r.Method,
					"path":       r.URL.Path,
					"panic":      recovered,
				}).Error("panic recovered in http handler")

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]any{"error": "internal server error"})
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// httpAccessLogMiddleware logs health checks at debug level, they are polled often.
func httpAccessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		writer := &httpResponseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(writer, r)

		entry := logrus.WithFields(logrus.Fields{
			"request_id":  r.Header.Get(requestIDHeader),
			"method":      r.Method,
			"path":        r.URL.Path,
			"query":       r.URL.RawQuery,
			"remote_addr": remoteHost(r.RemoteAddr),
			"status":      writer.statusCode,
			"duration_ms": time.Since(started).Milliseconds(),
		})

		switch {
		case r.URL.Path == healthzPath || r.URL.Path == readyzPath:
			entry.Debug("http health check handled")
		case writer.statusCode >= http.StatusInternalServerError:
			entry.Error("http request failed")
		default:
			entry.Info("http request handled")
		}
	})
}

type httpResponseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *httpResponseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(remoteAddr))
	if err != nil || host == "" {
		return strings.TrimSpace(remoteAddr)
	}
	return host
}
