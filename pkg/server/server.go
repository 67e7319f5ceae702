// Package server exposes the relay over HTTP: the turn-submission SSE
// endpoint, conversation CRUD, the model catalog, health, and metrics.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"

	"github.com/voxhall/relayd/pkg/cache"
	"github.com/voxhall/relayd/pkg/chat"
	"github.com/voxhall/relayd/pkg/config"
	"github.com/voxhall/relayd/pkg/metrics"
	"github.com/voxhall/relayd/pkg/store"
)

type Server struct {
	cfg         *config.ServerConfig
	logger      *log.Logger
	store       *store.Store
	cache       cache.Customizations
	turns       *chat.Turns
	metrics     *metrics.Metrics
	httpServer  *http.Server
	activeTurns atomic.Int64
	draining    atomic.Bool
}

func NewServer(cfg *config.ServerConfig, st *store.Store, cc cache.Customizations, provider chat.Provider, m *metrics.Metrics, logger *log.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		cache:   cc,
		metrics: m,
	}
	s.turns = &chat.Turns{
		Store:    st,
		Cache:    cc,
		Provider: provider,
		Compactor: &chat.Compactor{
			Store:      st,
			Summarizer: provider,
			Model:      cfg.Upstream.SummarizerModel,
			Threshold:  cfg.Chat.CompactThreshold,
			Retain:     cfg.Chat.RetainWindow,
			Metrics:    m,
			Logger:     logger,
		},
		Metrics:      m,
		Logger:       logger,
		SystemAPIKey: cfg.Upstream.APIKey,
		RecentWindow: cfg.Chat.RecentWindow,
		TemporaryTTL: time.Duration(cfg.Chat.TemporaryChatTTLHours) * time.Hour,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.turnLifecycleMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.identityMiddleware)
		v1.Get("/models", s.handleModels)
		v1.Post("/chat", s.handleChatTurn)
		v1.Get("/conversations", s.handleListConversations)
		v1.Get("/conversations/{conversationID}", s.handleGetConversation)
		v1.Patch("/conversations/{conversationID}", s.handleUpdateTitle)
		v1.Patch("/conversations/{conversationID}/pin", s.handleUpdatePin)
		v1.Delete("/conversations/{conversationID}", s.handleDeleteConversation)
	})

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go s.runExpirySweep(ctx)

	if s.cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLS.Domain),
			Email:      s.cfg.TLS.Email,
		}

		httpsSrv := &http.Server{
			Addr:              ":443",
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
			s.logger.Info("http challenge/redirect listening", "addr", ":80")
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()

		go func() {
			s.logger.Info("https listening", "addr", ":443", "domain", s.cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		<-ctx.Done()
		s.draining.Store(true)
		s.waitForTurnsIdle()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpChallenge.Shutdown(shutdownCtx)
		_ = httpsSrv.Shutdown(shutdownCtx)
		return firstErr(errCh)
	}

	go func() {
		s.logger.Info("relay listening", "addr", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("relay server: %w", err)
		}
	}()

	<-ctx.Done()
	s.draining.Store(true)
	s.waitForTurnsIdle()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return firstErr(errCh)
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

// turnLifecycleMiddleware refuses new API work while draining and tracks
// in-flight turns so shutdown can wait for streams to finish.
func (s *Server) turnLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isAPIReq := strings.HasPrefix(r.URL.Path, "/v1/")
		if isAPIReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		if isAPIReq {
			s.activeTurns.Add(1)
			defer s.activeTurns.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForTurnsIdle() {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeTurns.Load()
		if active <= 0 {
			s.logger.Info("shutdown: relay idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			s.logger.Info("shutdown: waiting for active turns", "active", active)
			lastLog = time.Now()
		}
		// ctx is already cancelled by the time the drain starts, so pace
		// on the ticker alone.
		<-t.C
	}
}

// runExpirySweep periodically deletes expired temporary conversations.
func (s *Server) runExpirySweep(ctx context.Context) {
	interval := time.Duration(s.cfg.Chat.ExpirySweepIntervalMinute) * time.Minute
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.store.DeleteExpiredConversations(ctx, time.Now())
			if err != nil {
				s.logger.Warn("expiry sweep failed", "err", err)
				continue
			}
			if n > 0 {
				s.logger.Info("expired temporary conversations deleted", "count", n)
			}
		}
	}
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}
