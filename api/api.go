// Package api exposes the operator-facing REST surface and the two webhooks
// the automation engine calls back on.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/SmmShaman/jobbot-no/classify"
	"github.com/SmmShaman/jobbot-no/dispatch"
	"github.com/SmmShaman/jobbot-no/eventlog"
	"github.com/SmmShaman/jobbot-no/finnid"
	"github.com/SmmShaman/jobbot-no/jobstore"
	"github.com/SmmShaman/jobbot-no/lifecycle"
	"github.com/SmmShaman/jobbot-no/verify"
)

// Config wires the HTTP server.
type Config struct {
	// TokenHash is the bcrypt hash of the API bearer token. Empty disables
	// auth on the /api routes (local development only).
	TokenHash string
	// WebhookSecret guards the engine callbacks via the X-Webhook-Secret
	// header. Empty disables the check.
	WebhookSecret string
	Logger        *slog.Logger
}

// Server holds the handlers' collaborators.
type Server struct {
	cfg        Config
	apps       *lifecycle.Store
	jobs       *jobstore.Store
	classifier *classify.Classifier
	dispatcher *dispatch.Dispatcher
	relay      *verify.Relay
	events     *eventlog.Logger
	logger     *slog.Logger
}

// New builds a Server. Call Router to get the handler.
func New(cfg Config, apps *lifecycle.Store, jobs *jobstore.Store, classifier *classify.Classifier,
	dispatcher *dispatch.Dispatcher, relay *verify.Relay, events *eventlog.Logger) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		apps:       apps,
		jobs:       jobs,
		classifier: classifier,
		dispatcher: dispatcher,
		relay:      relay,
		events:     events,
		logger:     cfg.Logger,
	}
}

// Router assembles all routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireWebhookSecret)
		r.Post("/webhook/verification", s.handleVerificationPoll)
		r.Post("/webhook/task-result", s.handleTaskResult)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireBearer)

		r.Post("/api/jobs", s.handleIngestJob)
		r.Get("/api/jobs/{jobID}", s.handleGetJob)
		r.Post("/api/jobs/{jobID}/apply", s.handleApply)
		r.Get("/api/applications/{id}", s.handleGetApplication)
		r.Post("/api/applications/{id}/approve", s.handleApprove)
		r.Post("/api/applications/{id}/submit", s.handleSubmit)
		r.Post("/api/applications/{id}/retry", s.handleRetry)
		r.Post("/api/applications/{id}/cancel", s.handleCancel)
		r.Post("/api/applications/{id}/reject", s.handleReject)
		r.Get("/api/events", s.handleEvents)
	})

	return r
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.TokenHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || bcrypt.CompareHashAndPassword([]byte(s.cfg.TokenHash), []byte(token)) != nil {
			writeJSON(w, 401, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireWebhookSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.WebhookSecret != "" {
			got := r.Header.Get("X-Webhook-Secret")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.WebhookSecret)) != 1 {
				writeJSON(w, 401, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// handleIngestJob takes one scraped posting, classifies its application
// form, and stores it. Re-ingesting the same posting refreshes the scraped
// fields and re-runs classification.
func (s *Server) handleIngestJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL             string `json:"url"`
		SourceSite      string `json:"source_site"`
		Title           string `json:"title"`
		Company         string `json:"company"`
		DescriptionHTML string `json:"description_html"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}

	jobID, ok := finnid.Extract(req.URL)
	if !ok {
		writeJSON(w, 422, map[string]string{"error": "no posting identifier in URL"})
		return
	}

	res, err := s.classifier.Classify(r.Context(), req.URL, req.DescriptionHTML)
	if errors.Is(err, classify.ErrNotAPosting) {
		writeJSON(w, 422, map[string]string{"error": "URL is a search page, not a posting"})
		return
	}
	if err != nil {
		writeError(w, 500, err)
		return
	}

	posting := &jobstore.Posting{
		ID:         jobID,
		SourceSite: req.SourceSite,
		Title:      req.Title,
		Company:    req.Company,
		URL:        req.URL,
	}
	if err := s.jobs.Upsert(r.Context(), posting, req.DescriptionHTML); err != nil {
		writeError(w, 500, err)
		return
	}
	if err := s.jobs.SetClassification(r.Context(), jobID, res); err != nil {
		writeError(w, 500, err)
		return
	}

	stored, err := s.jobs.Get(r.Context(), jobID)
	if err != nil || stored == nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 201, stored)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	posting, err := s.jobs.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if posting == nil {
		writeJSON(w, 404, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, 200, posting)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	if req.UserID == "" {
		writeJSON(w, 400, map[string]string{"error": "user_id is required"})
		return
	}
	app, err := s.apps.Create(r.Context(), jobID, req.UserID)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 201, app)
}

func (s *Server) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	app, err := s.apps.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if app == nil {
		writeJSON(w, 404, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, 200, app)
}

// transitionHandler wraps the approve/retry/cancel/reject pattern: run the
// conditional transition, report applied or no-op without leaking which.
func (s *Server) transitionHandler(op func(r *http.Request, id string) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		applied, err := op(r, id)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		if !applied {
			writeJSON(w, 409, map[string]string{"error": "not applicable in the current status"})
			return
		}
		app, err := s.apps.Get(r.Context(), id)
		if err != nil || app == nil {
			writeJSON(w, 200, map[string]string{"status": "ok"})
			return
		}
		writeJSON(w, 200, app)
	}
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.transitionHandler(func(r *http.Request, id string) (bool, error) {
		return s.apps.Approve(r.Context(), id)
	})(w, r)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.transitionHandler(func(r *http.Request, id string) (bool, error) {
		return s.apps.Retry(r.Context(), id)
	})(w, r)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.transitionHandler(func(r *http.Request, id string) (bool, error) {
		return s.apps.Cancel(r.Context(), id)
	})(w, r)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.transitionHandler(func(r *http.Request, id string) (bool, error) {
		return s.apps.Reject(r.Context(), id)
	})(w, r)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	taskID, err := s.dispatcher.Enqueue(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		writeJSON(w, 202, map[string]string{"queue_task": taskID})
	case errors.Is(err, dispatch.ErrNotFound):
		writeJSON(w, 404, map[string]string{"error": err.Error()})
	case errors.Is(err, dispatch.ErrNotAutomatable),
		errors.Is(err, dispatch.ErrNotApproved):
		writeJSON(w, 409, map[string]string{"error": err.Error()})
	case errors.Is(err, dispatch.ErrVerificationBusy):
		writeJSON(w, 423, map[string]string{"error": err.Error()})
	default:
		writeError(w, 500, err)
	}
}

func (s *Server) handleVerificationPoll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID     string `json:"task_id"`
		Identifier string `json:"identifier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	if req.Identifier == "" {
		writeJSON(w, 400, map[string]string{"error": "identifier is required"})
		return
	}

	code, err := s.relay.Poll(r.Context(), req.TaskID, req.Identifier)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if code == "" {
		// Nothing yet. The engine keeps polling.
		writeJSON(w, 200, map[string]string{})
		return
	}
	writeJSON(w, 200, map[string]string{"code": code})
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID  string `json:"task_id"`
		Outcome string `json:"outcome"`
		Detail  string `json:"detail"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}

	err := s.dispatcher.HandleResult(r.Context(), req.TaskID, req.Outcome, req.Detail)
	switch {
	case err == nil:
		writeJSON(w, 200, map[string]string{"status": "ok"})
	case errors.Is(err, dispatch.ErrNotFound):
		writeJSON(w, 404, map[string]string{"error": err.Error()})
	default:
		writeError(w, 400, err)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	if appID := r.URL.Query().Get("application"); appID != "" {
		entries, err := s.events.ForApplication(r.Context(), appID)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, entries)
		return
	}
	entries, err := s.events.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, entries)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
