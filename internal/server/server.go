// Package server exposes the coaching service over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/coachnote/internal/config"
	"github.com/thebtf/coachnote/internal/conversation"
	"github.com/thebtf/coachnote/internal/notebook"
	"github.com/thebtf/coachnote/internal/session"
	"github.com/thebtf/coachnote/internal/sse"
)

// Options are the collaborators of a Service. Turns may be nil when the
// configuration is invalid; ConfigErr then explains why.
type Options struct {
	Version   string
	Config    *config.Config
	ConfigErr error
	Registry  *session.Registry
	Tiers     notebook.Tiers
	Turns     *conversation.Service
	Events    *sse.Broadcaster
}

// Service is the HTTP front of coachnote.
type Service struct {
	version   string
	config    *config.Config
	configErr *config.Error
	registry  *session.Registry
	tiers     notebook.Tiers
	turns     *conversation.Service
	events    *sse.Broadcaster
	router    *chi.Mux
	server    *http.Server
	ready     atomic.Bool
	startTime time.Time
}

// New creates the service and its routes.
func New(opts Options) *Service {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	events := opts.Events
	if events == nil {
		events = sse.NewBroadcaster()
	}
	s := &Service{
		version:   opts.Version,
		config:    cfg,
		registry:  opts.Registry,
		tiers:     opts.Tiers,
		turns:     opts.Turns,
		events:    events,
		router:    chi.NewRouter(),
		startTime: time.Now(),
	}
	if cfgErr, ok := config.AsError(opts.ConfigErr); ok {
		s.configErr = cfgErr
	} else if opts.ConfigErr != nil {
		s.configErr = &config.Error{Code: "E_CONFIG", Message: opts.ConfigErr.Error()}
	}
	if s.configErr == nil && s.turns == nil {
		s.configErr = &config.Error{Code: "E_CONFIG", Message: "turn processing is not configured"}
	}
	s.setupRoutes()
	return s
}

func (s *Service) setupRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/", serveIndex)
	r.Get("/assets/*", serveAssets)
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/version", s.handleVersion)
		r.Get("/ready", s.handleReady)
		r.Get("/stats", s.handleStats)
		r.Get("/events", s.events.HandleSSE)

		r.Route("/sessions", func(r chi.Router) {
			r.With(s.requireConfigured).Post("/register", s.handleRegister)
			r.Get("/latest", s.handleLatestSession)
			r.Get("/{handle}", s.handleGetSession)
		})

		r.With(s.requireReady, s.requireConfigured).Post("/webhook/turn", s.handleTurn)

		r.Route("/notebooks", func(r chi.Router) {
			r.Get("/", s.handleListNotebooks)
			r.Post("/", s.handleUpsertNotebook)
			r.Get("/{id}", s.handleGetNotebook)
			r.Get("/{id}/export", s.handleExportNotebook)
			r.Post("/{id}/complete", s.handleCompleteNotebook)
			r.Post("/{id}/abandon", s.handleAbandonNotebook)
		})
	})
}

// Handler returns the HTTP handler.
func (s *Service) Handler() http.Handler { return s.router }

// SetReady marks the service ready to take turns.
func (s *Service) SetReady(ready bool) { s.ready.Store(ready) }

// Start listens on the configured address until Shutdown.
func (s *Service) Start() error {
	s.server = &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ready.Store(true)
	log.Info().Str("addr", s.server.Addr).Str("version", s.version).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Service) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// requireReady blocks requests until the service is ready.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeError(w, http.StatusServiceUnavailable, "not_ready", "service is starting")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireConfigured answers 503 with the configuration error code.
func (s *Service) requireConfigured(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.configErr != nil {
			log.Warn().Str("code", s.configErr.Code).Str("field", s.configErr.Field).Str("path", r.URL.Path).Msg("Rejected request, service misconfigured")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "configuration_error",
				"code":  s.configErr.Code,
				"field": s.configErr.Field,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.allowOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) allowOrigin(origin string) bool {
	for _, o := range s.config.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
