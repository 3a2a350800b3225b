// Package api exposes submissions over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/customs-cli/internal/model"
	"github.com/sells-group/customs-cli/internal/store"
	"github.com/sells-group/customs-cli/internal/submission"
	"github.com/sells-group/customs-cli/internal/target"
)

// Submissions creates pending submissions. *submission.Orchestrator
// satisfies it.
type Submissions interface {
	Create(ctx context.Context, targetID, declarationID string, opts submission.CreateOptions) (*model.Submission, error)
	PrepareRetry(ctx context.Context, id string) (*model.Submission, error)
}

// Store reads submission history.
type Store interface {
	GetSubmission(ctx context.Context, id string) (*model.Submission, error)
	ListSubmissions(ctx context.Context, filter store.SubmissionFilter) ([]model.Submission, error)
	Ping(ctx context.Context) error
}

// Dispatcher runs a pending submission in the background.
type Dispatcher interface {
	Dispatch(ctx context.Context, sub *model.Submission) error
}

// Options configures the router.
type Options struct {
	AllowedOrigins []string
}

// Server handles the submission API.
type Server struct {
	subs       Submissions
	store      Store
	dispatcher Dispatcher
}

// NewServer creates a Server.
func NewServer(subs Submissions, st Store, d Dispatcher) *Server {
	return &Server{subs: subs, store: st, dispatcher: d}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler(opts Options) http.Handler {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Route("/submissions", func(r chi.Router) {
		r.Get("/", s.list)
		r.Post("/", s.create)
		r.Get("/{id}", s.get)
		r.Post("/{id}/retry", s.retry)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRequest struct {
	TargetID      string `json:"target_id"`
	DeclarationID string `json:"declaration_id"`
	ForceAI       bool   `json:"force_ai"`
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TargetID == "" || req.DeclarationID == "" {
		writeError(w, http.StatusBadRequest, "target_id and declaration_id are required")
		return
	}

	sub, err := s.subs.Create(r.Context(), req.TargetID, req.DeclarationID, submission.CreateOptions{ForceAI: req.ForceAI})
	if err != nil {
		if errors.Is(err, target.ErrUnknownTarget) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.dispatch(w, r, sub)
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	sub, err := s.subs.PrepareRetry(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "submission not found")
		return
	case submission.IsRetryRejected(err):
		writeError(w, http.StatusConflict, err.Error())
		return
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.dispatch(w, r, sub)
}

// dispatch responds with the submission as it was before the dispatcher saw
// it; a background run may already be mutating sub.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, sub *model.Submission) {
	resp := sub.Clone()
	if err := s.dispatcher.Dispatch(r.Context(), sub); err != nil {
		zap.L().Error("api: dispatch submission", zap.String("submission_id", resp.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "submission created but could not be started: "+err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	sub, err := s.store.GetSubmission(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "submission not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SubmissionFilter{
		TargetID:      q.Get("target"),
		DeclarationID: q.Get("declaration"),
		Status:        model.SubmissionStatus(q.Get("status")),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	subs, err := s.store.ListSubmissions(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if subs == nil {
		subs = []model.Submission{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
