// Package bff is the backend-for-frontend HTTP server: it forwards browser
// requests to the upstream API with the session credentials the browser
// holds as cookies, completes the LINE login and proxies files.
package bff

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/go-authgate/storefront/line"
)

// Defaults.
const (
	DefaultLineCallbackPath   = "/auth/line/callback"
	DefaultFileMaxBufferBytes = 50 << 20
	DefaultUpstreamTimeout    = 30 * time.Second
	DefaultUpstreamRetries    = 2
	DefaultRateLimitAuth      = 5.0

	maxJSONBody    = 10 << 20
	maxRequestBody = 1 << 20
)

// Config configures a Server.
type Config struct {
	ListenAddr string
	// APIBaseURL is the upstream API. Without it every proxy route answers
	// 500.
	APIBaseURL           string
	PublicBaseURL        string
	CookieSecure         bool
	LineChannelID        string
	LineChannelSecret    string
	LineCallbackPath     string
	AllowedRedirectHosts []string
	FileAllowedHosts     []string
	FileMaxBufferBytes   int64
	UpstreamTimeout      time.Duration
	UpstreamRetries      int
	// RateLimitAuth is the per-client request rate on the credential
	// routes; burst is twice the rate. Zero disables limiting.
	RateLimitAuth float64
}

func (c *Config) setDefaults() {
	if c.LineCallbackPath == "" {
		c.LineCallbackPath = DefaultLineCallbackPath
	}
	if c.FileMaxBufferBytes <= 0 {
		c.FileMaxBufferBytes = DefaultFileMaxBufferBytes
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if c.UpstreamRetries < 0 {
		c.UpstreamRetries = 0
	}
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
}

// CodeExchanger turns a LINE authorization code into a verified profile.
// *line.Exchanger implements it.
type CodeExchanger interface {
	Exchange(ctx context.Context, code string) (*line.Profile, error)
}

// Server is the BFF.
type Server struct {
	cfg       Config
	logger    *zap.Logger
	upstream  *Upstream
	exchanger CodeExchanger
	registry  *prometheus.Registry
	metrics   *Metrics
	limiter   *RateLimiter
	refreshes singleflight.Group
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithExchanger enables direct LINE code exchange with e.
func WithExchanger(e CodeExchanger) Option {
	return func(s *Server) { s.exchanger = e }
}

// New builds a server. A missing APIBaseURL is not an error: the server
// starts and fails closed on every proxy route.
func New(cfg Config, opts ...Option) (*Server, error) {
	cfg.setDefaults()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		cfg:      cfg,
		logger:   zap.NewNop(),
		registry: reg,
		metrics:  NewMetrics(reg),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.APIBaseURL != "" {
		up, err := NewUpstream(cfg.APIBaseURL, cfg.UpstreamTimeout, cfg.UpstreamRetries, s.logger)
		if err != nil {
			return nil, err
		}
		s.upstream = up
	} else {
		s.logger.Warn("API_BASE_URL is not set; proxy routes will fail")
	}

	if s.exchanger == nil && cfg.LineChannelSecret != "" {
		if cfg.PublicBaseURL == "" {
			s.logger.Warn("LINE_CHANNEL_SECRET is set without PUBLIC_BASE_URL; using upstream code exchange")
		} else {
			s.exchanger = line.NewExchanger(context.Background(),
				cfg.LineChannelID, cfg.LineChannelSecret, cfg.PublicBaseURL+cfg.LineCallbackPath)
		}
	}

	if cfg.RateLimitAuth > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimitAuth, int(cfg.RateLimitAuth*2)+1, 5*time.Minute)
		s.limiter.onLimited = s.metrics.RateLimitHits.Inc
	}
	return s, nil
}

// Registry exposes the metrics registry.
func (s *Server) Registry() *prometheus.Registry { return s.registry }

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "upstream": s.upstream != nil})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	auth := r.NewRoute().Subrouter()
	if s.limiter != nil {
		auth.Use(s.limiter.Middleware)
	}
	auth.Use(s.requireUpstream)
	auth.HandleFunc("/api/auth/login", s.handleCredentials("/auth/login", "password")).Methods(http.MethodPost)
	auth.HandleFunc("/api/auth/register", s.handleCredentials("/auth/register", "register")).Methods(http.MethodPost)
	auth.HandleFunc("/api/external/auth/line", s.handleLineCode).Methods(http.MethodPost)
	auth.HandleFunc("/api/external/auth/exchange", s.handleCredentials("/auth/line/exchange", "exchange")).Methods(http.MethodPost)

	api := r.NewRoute().Subrouter()
	api.Use(s.requireUpstream)
	api.HandleFunc("/api/auth/logout", s.handleLogout).Methods(http.MethodPost)
	api.HandleFunc("/api/auth/me", s.handlePassthrough(http.MethodGet, "/auth/me")).Methods(http.MethodGet)
	api.HandleFunc("/api/auth/refresh", s.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/api/external/auth/validate", s.handlePassthrough(http.MethodPost, "/auth/validate")).Methods(http.MethodPost)
	api.HandleFunc("/api/files/pdf", s.handleFile).Methods(http.MethodGet, http.MethodHead)
	api.PathPrefix("/api/proxy/").HandlerFunc(s.handleProxy)
	api.HandleFunc(s.cfg.LineCallbackPath, s.handleLineCallback).Methods(http.MethodGet)

	r.HandleFunc("/auth/line/login", s.handleLineLogin).Methods(http.MethodGet)

	var h http.Handler = r
	h = s.recoverer(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	return h
}

// requireUpstream fails closed when no upstream is configured.
func (s *Server) requireUpstream(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.upstream == nil {
			writeError(w, http.StatusInternalServerError, "API base URL is not configured")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// upstreamFailed logs the cause and answers 502 without exposing it.
func (s *Server) upstreamFailed(w http.ResponseWriter, r *http.Request, err error) {
	s.metrics.UpstreamErrors.WithLabelValues(routeName(r)).Inc()
	s.logger.Error("upstream request failed",
		zap.String("request_id", RequestIDFrom(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeError(w, http.StatusBadGateway, "Upstream service unavailable")
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests for up to 15 seconds.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("bff listening",
			zap.String("addr", s.cfg.ListenAddr),
			zap.String("upstream", s.cfg.APIBaseURL),
			zap.Bool("line_direct_exchange", s.exchanger != nil),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	s.logger.Info("shutting down bff")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
