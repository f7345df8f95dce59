package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"caresync/internal/config"
	"caresync/internal/conflict"
	"caresync/internal/domain"
	"caresync/internal/engine"
	"caresync/internal/logging"
	"caresync/internal/mirror"
	"caresync/internal/models"
	"caresync/internal/network"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Trigger starts sync cycles on behalf of the API.
type Trigger interface {
	TriggerNow(ctx context.Context) (models.SyncSession, bool)
	Kick(trigger string)
	NextRun() time.Time
}

// DeadLetterReader lists mutations that exhausted their retries.
type DeadLetterReader interface {
	DeadLetters(ctx context.Context, limit int64) ([]models.QueueItem, error)
}

// Deps are the components behind the HTTP API. DeadLetters is optional.
type Deps struct {
	Engine      *engine.Engine
	Trigger     Trigger
	Network     *network.Monitor
	Mirror      *mirror.Mirror
	Resolver    *conflict.Resolver
	DeadLetters DeadLetterReader
}

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

// HTTPServer exposes sync status and control over a JSON API.
type HTTPServer struct {
	cfg    config.APIConfig
	deps   Deps
	router chi.Router
	server *http.Server
	log    zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, deps Deps, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{cfg: cfg, deps: deps, log: *logging.Component(logger, "http")}
	auth := NewAuthenticator(cfg)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(srv.loggingMiddleware)
	r.Use(auth.Middleware)

	r.Get("/health", srv.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", srv.handleStatus)
			r.Post("/now", srv.handleSyncNow)
			r.Post("/pause", srv.handlePause)
			r.Post("/resume", srv.handleResume)
			r.Post("/retry", srv.handleRetry)
		})

		r.Get("/queue", srv.handleQueue)
		r.Delete("/queue", srv.handleClearQueue)
		r.Delete("/queue/{id}", srv.handleDiscard)

		r.Post("/mutations", srv.handleSubmit)

		r.Get("/mirror/usage", srv.handleUsage)
		r.Get("/mirror/{entity}/{id}", srv.handleMirrorEntry)

		r.Get("/conflicts", srv.handleConflicts)
		r.Post("/conflicts/{id}/confirm", srv.handleConfirm)

		r.Get("/deadletters", srv.handleDeadLetters)

		r.Put("/network", srv.handleNetwork)
	})

	srv.router = r
	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	return srv
}

// Handler returns the routed handler, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	var err error
	if s.cfg.HTTP.TLS.Enabled {
		tlsCfg, tlsErr := serverTLS(s.cfg.HTTP.TLS)
		if tlsErr != nil {
			return tlsErr
		}
		s.server.TLSConfig = tlsCfg
		s.log.Info().Str("addr", s.server.Addr).Msg("HTTPS API listening")
		err = s.server.ListenAndServeTLS("", "")
	} else {
		s.log.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
		err = s.server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"online": s.deps.Network.IsOnline(),
		"state":  s.deps.Engine.State(),
	})
}

type statusResponse struct {
	State       models.EngineState   `json:"state"`
	Network     models.NetworkStatus `json:"network"`
	Stats       models.SyncStats     `json:"stats"`
	Queue       models.QueueStats    `json:"queue"`
	LastSession *models.SyncSession  `json:"last_session,omitempty"`
	NextRun     *time.Time           `json:"next_run,omitempty"`
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		State:       s.deps.Engine.State(),
		Network:     s.deps.Network.Status(),
		Stats:       s.deps.Engine.Stats(),
		Queue:       s.queueStats(),
		LastSession: s.deps.Engine.LastSession(),
	}
	if s.deps.Trigger != nil {
		if next := s.deps.Trigger.NextRun(); !next.IsZero() {
			resp.NextRun = &next
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) queueStats() models.QueueStats {
	stats := models.QueueStats{}
	for _, item := range s.deps.Engine.Items() {
		stats.Total++
		switch item.Status {
		case models.StatusPending:
			stats.Pending++
		case models.StatusProcessing:
			stats.Processing++
		case models.StatusFailed:
			stats.Failed++
		}
	}
	return stats
}

func (s *HTTPServer) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Network.IsOnline() {
		writeError(w, http.StatusServiceUnavailable, "offline")
		return
	}

	var session models.SyncSession
	var ran bool
	if s.deps.Trigger != nil {
		session, ran = s.deps.Trigger.TriggerNow(r.Context())
	} else {
		session, ran = s.deps.Engine.RunCycle(r.Context(), models.TriggerManual)
	}
	if !ran {
		writeError(w, http.StatusConflict, fmt.Sprintf("sync skipped (state: %s)", s.deps.Engine.State()))
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *HTTPServer) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.deps.Engine.Pause()
	writeJSON(w, http.StatusOK, map[string]any{"state": s.deps.Engine.State()})
}

func (s *HTTPServer) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.deps.Engine.Resume()
	writeJSON(w, http.StatusOK, map[string]any{"state": s.deps.Engine.State()})
}

func (s *HTTPServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Engine.RetryFailed(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if n > 0 && s.deps.Trigger != nil && s.deps.Network.IsOnline() {
		s.deps.Trigger.Kick(models.TriggerManual)
	}
	writeJSON(w, http.StatusOK, map[string]any{"requeued": n})
}

func (s *HTTPServer) handleQueue(w http.ResponseWriter, _ *http.Request) {
	items := s.deps.Engine.Items()
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *HTTPServer) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.ClearQueue(r.Context()); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Discard(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var m models.Mutation
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !m.Action.Valid() {
		writeError(w, http.StatusBadRequest, "action must be create, update or delete")
		return
	}
	if m.Entity == "" {
		writeError(w, http.StatusBadRequest, "entity is required")
		return
	}

	id, err := s.deps.Engine.Submit(r.Context(), m)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if s.deps.Trigger != nil && s.deps.Network.IsOnline() {
		s.deps.Trigger.Kick(models.TriggerManual)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func (s *HTTPServer) handleUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.deps.Mirror.EstimateUsage(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"used_bytes":  usage.UsedBytes,
		"quota_bytes": usage.QuotaBytes,
		"ratio":       usage.Ratio(),
	})
}

func (s *HTTPServer) handleMirrorEntry(w http.ResponseWriter, r *http.Request) {
	key := models.MirrorKey(chi.URLParam(r, "entity"), chi.URLParam(r, "id"))
	entry, err := s.deps.Mirror.Entry(r.Context(), key)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *HTTPServer) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("recent") == "true" {
		writeJSON(w, http.StatusOK, map[string]any{"conflicts": s.deps.Resolver.Recent()})
		return
	}
	records, err := s.deps.Resolver.List(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": records})
}

func (s *HTTPServer) handleConfirm(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Resolver.ConfirmLocal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if s.deps.Trigger != nil && s.deps.Network.IsOnline() {
		s.deps.Trigger.Kick(models.TriggerManual)
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *HTTPServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deps.DeadLetters == nil {
		writeError(w, http.StatusNotFound, "dead letters are not kept by this storage driver")
		return
	}

	limit := int64(defaultDeadLetterLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxDeadLetterLimit)
	}

	items, err := s.deps.DeadLetters.DeadLetters(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Read dead letters")
		writeError(w, http.StatusInternalServerError, "dead letters unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *HTTPServer) handleNetwork(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Online == nil {
		writeError(w, http.StatusBadRequest, "online is required")
		return
	}
	s.deps.Network.SetOnline(*body.Online)
	writeJSON(w, http.StatusOK, s.deps.Network.Status())
}

// writeDomainError maps sync errors to HTTP status codes.
func (s *HTTPServer) writeDomainError(w http.ResponseWriter, err error) {
	var full *domain.QueueFullError
	switch {
	case errors.As(err, &full):
		writeError(w, http.StatusInsufficientStorage, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrNotFailed), errors.Is(err, domain.ErrStaleWrite):
		writeError(w, http.StatusConflict, err.Error())
	case domain.IsStorage(err):
		s.log.Error().Err(err).Msg("Storage failure")
		writeError(w, http.StatusInternalServerError, "storage failure")
	default:
		writeError(w, http.StatusConflict, err.Error())
	}
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
