package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/deskmate/deskmate/internal/config"
	"github.com/deskmate/deskmate/internal/pipeline"
	"github.com/deskmate/deskmate/internal/store"
)

const defaultRateWindow = time.Minute

// Server exposes the triage operations as a JSON API.
type Server struct {
	store       *store.Store
	ingester    *pipeline.Ingester
	desk        *pipeline.Desk
	logger      *slog.Logger
	cfg         config.ServerConfig
	rateLimiter *RateLimiter
	httpServer  *http.Server
}

func NewServer(cfg config.ServerConfig, st *store.Store, ingester *pipeline.Ingester, desk *pipeline.Desk, logger *slog.Logger) *Server {
	if logger == nil {
		logger = config.DiscardLogger()
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 30
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	s := &Server{
		store:       st,
		ingester:    ingester,
		desk:        desk,
		logger:      logger,
		cfg:         cfg,
		rateLimiter: NewRateLimiter(limit, defaultRateWindow),
	}
	// No write deadline: /fetch_emails and /respond run model calls inline
	// and a batch can outlast any fixed bound. Each call carries its own
	// timeout instead.
	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.setupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))
	r.Use(securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Post("/init", s.handleInit)
	r.With(s.limit("fetch")).Post("/fetch_emails", s.handleFetchEmails)
	r.Get("/emails", s.handleListEmails)
	r.Get("/emails/{id}", s.handleGetEmail)
	r.Get("/emails/{id}/responses", s.handleGetResponses)
	r.With(s.limit("respond")).Post("/respond", s.handleRespond)
	r.With(s.limit("send")).Post("/send", s.handleSend)
	r.Get("/analytics", s.handleAnalytics)

	return r
}

func (s *Server) Start() error {
	s.logger.Info("api listening", "addr", s.cfg.Addr())
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// securityHeaders adds security headers to all responses
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limit(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.rateLimiter.Allow(key) {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded, try again later"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrEmptyReply):
		status = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrDelivery):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Init(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleFetchEmails(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit int `json:"limit"`
	}
	// An absent or unreadable body means the default batch size.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Limit <= 0 {
		req.Limit = pipeline.DefaultLimit
	}

	res, err := s.ingester.Ingest(r.Context(), req.Limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// queryFlag is true when the parameter is absent or equals "true".
func queryFlag(r *http.Request, name string) bool {
	v, ok := r.URL.Query()[name]
	if !ok || len(v) == 0 {
		return true
	}
	return strings.EqualFold(v[0], "true")
}

func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request) {
	emails, err := s.store.ListEmails(r.Context(), store.ListOptions{
		OrderByPriority: queryFlag(r, "order_by_priority"),
		OnlySupport:     queryFlag(r, "only_support"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, emails)
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil
}

func (s *Server) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid email id")
		return
	}
	e, err := s.store.GetEmail(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleGetResponses(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid email id")
		return
	}
	if _, err := s.store.GetEmail(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	responses, err := s.store.GetResponses(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, responses)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EmailID int64 `json:"email_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	res, err := s.desk.Draft(r.Context(), req.EmailID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EmailID int64  `json:"email_id"`
		Final   string `json:"final"`
		Draft   string `json:"draft"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	text := req.Final
	if text == "" {
		text = req.Draft
	}
	res, err := s.desk.Send(r.Context(), req.EmailID, text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.Analytics(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
