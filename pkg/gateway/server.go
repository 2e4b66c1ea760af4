// Package gateway assembles the HTTP front: the Ollama-shaped API
// surface, the operational endpoints, and the server lifecycle.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/acme/autocert"

	"github.com/modelfront/ollabridge/pkg/cache"
	"github.com/modelfront/ollabridge/pkg/catalog"
	"github.com/modelfront/ollabridge/pkg/config"
	"github.com/modelfront/ollabridge/pkg/logstore"
	"github.com/modelfront/ollabridge/pkg/relay"
	"github.com/modelfront/ollabridge/pkg/transcode"
	"github.com/modelfront/ollabridge/pkg/upstream"
)

const readinessText = "Ollama is running"

type Server struct {
	cfg        config.Config
	log        zerolog.Logger
	logs       *logstore.Store
	upstream   *upstream.Client
	catalog    *catalog.Catalog
	relay      *relay.Relay
	transcoder *transcode.Transcoder
	metrics    *metrics
	registry   *prometheus.Registry

	versionSlot cache.Slot
	handler     http.Handler
	httpServer  *http.Server

	activeRequests atomic.Int64
	draining       atomic.Bool
}

func New(cfg config.Config, log zerolog.Logger, logs *logstore.Store) (*Server, error) {
	up, err := upstream.New(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("init upstream client: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		log:      log,
		logs:     logs,
		upstream: up,
		registry: prometheus.NewRegistry(),
	}
	s.metrics = newMetrics(s.registry)

	s.catalog = catalog.New(up, log)
	s.catalog.OnClassify = s.metrics.observeCatalogEntry
	s.relay = relay.New(up, log)
	s.relay.OnTapDropped = s.metrics.observeTapDropped
	s.transcoder = transcode.New(up, log)
	s.transcoder.OnFrame = s.metrics.observeFrame

	s.handler = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// Streaming responses have no bounded write window.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Handler exposes the assembled router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.lifecycleMiddleware)
	r.Use(s.accessLogMiddleware)
	r.Use(middleware.Recoverer)
	if s.cfg.CORS.Enabled {
		origins := s.cfg.CORS.AllowedOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "HEAD", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/", s.handleReadiness)
	r.Head("/", s.handleReadiness)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(api chi.Router) {
		api.Get("/tags", s.handleTags)
		api.Get("/ps", s.handlePS)
		api.Post("/show", s.handleShow)
		api.Post("/chat", s.transcoder.ServeChat)
		api.Post("/generate", func(w http.ResponseWriter, r *http.Request) {
			s.relay.Forward(w, r, relay.Options{BackendPath: "/api/generate"})
		})
		api.Post("/embed", func(w http.ResponseWriter, r *http.Request) {
			s.relay.Forward(w, r, relay.Options{BackendPath: "/api/embed"})
		})
		api.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			s.relay.Forward(w, r, relay.Options{
				BackendPath: "/api/version",
				CacheSlot:   &s.versionSlot,
				ContentType: "application/json",
			})
		})
	})

	// The /openai tree is a transparent passthrough: strip the prefix,
	// keep everything else byte for byte, mirror traffic into the log.
	r.Handle("/openai/*", http.HandlerFunc(s.handleOpenAIPassthrough))

	if s.cfg.Metrics.Enabled {
		r.Get("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if s.cfg.Debug.LogTail {
		r.Get("/debug/logs/tail", s.handleLogTail)
	}
	return r
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write([]byte(readinessText))
	}
}

func (s *Server) handleOpenAIPassthrough(w http.ResponseWriter, r *http.Request) {
	backendPath := strings.TrimPrefix(r.URL.Path, "/openai")
	if backendPath == "" {
		backendPath = "/"
	}
	s.relay.Forward(w, r, relay.Options{BackendPath: backendPath, Tap: true})
}

// lifecycleMiddleware counts in-flight API requests so shutdown can
// drain them, and turns new ones away once draining has begun.
func (s *Server) lifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isAPIReq := strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/openai/")
		if isAPIReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		if isAPIReq {
			s.activeRequests.Add(1)
			defer s.activeRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.metrics.observeRequest(route, r.Method, ww.Status(), elapsed)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", elapsed).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// Run serves until ctx is canceled, then drains in-flight requests
// before shutting the listeners down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	if s.cfg.TLS.Enabled && s.cfg.TLS.Mode == "letsencrypt" {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLS.Domain),
			Email:      s.cfg.TLS.Email,
		}

		httpsSrv := &http.Server{
			Addr:              s.cfg.TLS.ListenAddr,
			Handler:           s.httpServer.Handler,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			WriteTimeout:      s.httpServer.WriteTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
		}

		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			s.log.Info().Msg("http challenge/redirect listening on :80")
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			s.log.Info().Str("addr", httpsSrv.Addr).Str("domain", s.cfg.TLS.Domain).Msg("https listening")
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		<-ctx.Done()
		s.drain()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpChallenge.Shutdown(shutdownCtx)
		_ = httpsSrv.Shutdown(shutdownCtx)
		return firstErr(errCh)
	}

	if s.cfg.TLS.Enabled && s.cfg.TLS.Mode == "pem" {
		httpsSrv := &http.Server{
			Addr:              s.cfg.TLS.ListenAddr,
			Handler:           s.httpServer.Handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			WriteTimeout:      s.httpServer.WriteTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
		}
		go func() {
			s.log.Info().Str("addr", httpsSrv.Addr).Msg("https listening")
			if err := httpsSrv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		<-ctx.Done()
		s.drain()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpsSrv.Shutdown(shutdownCtx)
		return firstErr(errCh)
	}

	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Str("upstream", s.upstream.BaseURL()).Msg("gateway listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	<-ctx.Done()
	s.drain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return firstErr(errCh)
}

// drain refuses new API requests and waits, bounded, for in-flight
// ones to finish.
func (s *Server) drain() {
	s.draining.Store(true)
	deadline := time.Now().Add(30 * time.Second)
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for time.Now().Before(deadline) {
		active := s.activeRequests.Load()
		if active <= 0 {
			s.log.Info().Msg("shutdown: gateway idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			s.log.Info().Int64("active", active).Msg("shutdown: waiting for active requests")
			lastLog = time.Now()
		}
		<-t.C
	}
	s.log.Warn().Int64("active", s.activeRequests.Load()).Msg("shutdown: drain deadline reached")
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func firstErr(errCh chan error) error {
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
