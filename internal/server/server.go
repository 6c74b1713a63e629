package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sniff/internal/api"
	"sniff/internal/observability/logging"
	"sniff/internal/observability/metrics"
	"sniff/web"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr     string
	TLS      TLSConfig
	Security SecurityConfig
	// RateLimiter throttles requests when set.
	RateLimiter *RateLimiter
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	// RequestIDs generates ids for requests that arrive without one.
	RequestIDs func() string
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	tlsCertFile string
	tlsKeyFile  string
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("api handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpLogger := logging.WithComponent(logger, "http")

	router := handler.Routes()
	router.Handler(http.MethodGet, "/metrics", recorder.Handler())
	router.HandlerFunc(http.MethodGet, "/openapi.json", serveOpenAPI)

	handlerChain := http.Handler(router)
	handlerChain = rateLimitMiddleware(cfg.RateLimiter, httpLogger, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:            httpLogger,
		DisableRemoteAddr: true,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			return []any{"remote_ip", cfg.RateLimiter.ClientIP(r)}
		},
	})(handlerChain)
	handlerChain = requestIDMiddlewareWithGenerator(httpLogger, cfg.RequestIDs, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// APK responses stream for as long as the backend keeps sending.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      httpLogger,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	if srv.tlsEnabled() {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

func (s *Server) tlsEnabled() bool {
	return s.tlsCertFile != "" && s.tlsKeyFile != ""
}

func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}

	if s.tlsEnabled() {
		s.logger.Info("listening", "addr", s.httpServer.Addr, "tls", true)
		return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}

	s.logger.Info("listening", "addr", s.httpServer.Addr, "tls", false)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func serveOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(web.OpenAPI())
}
