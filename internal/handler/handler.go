// Package handler serves the candidate session API and the operator API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/proctor/internal/grading"
	appI18n "github.com/pavelanni/proctor/internal/i18n"
	"github.com/pavelanni/proctor/internal/llm"
	"github.com/pavelanni/proctor/internal/metrics"
	"github.com/pavelanni/proctor/internal/model"
	"github.com/pavelanni/proctor/internal/scoring"
	"github.com/pavelanni/proctor/internal/session"
	"github.com/pavelanni/proctor/internal/store"
)

// resultFlagTTL bounds how long a candidate's result flag outlives its last write.
const resultFlagTTL = 7 * 24 * time.Hour

var errBadRequest = errors.New("bad request")

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store      *store.Store
	cache      *store.Cache
	grading    *grading.Service
	metrics    *metrics.Metrics
	candidates *session.Registry
	previews   *session.Registry
	limiter    *rateLimiter
	config     model.ServerConfig
}

// New creates a new Handler. Close releases its snapshot cache.
func New(s *store.Store, g *grading.Service, m *metrics.Metrics, cfg model.ServerConfig) (*Handler, error) {
	if s == nil || g == nil || m == nil {
		return nil, errors.New("handler: store, grading service and metrics are required")
	}
	cache := store.NewCache(s)
	h := &Handler{
		store:   s,
		cache:   cache,
		grading: g,
		metrics: m,
		limiter: newRateLimiter(cfg.IdentifyRate, time.Minute),
		config:  cfg,
	}
	h.candidates = session.NewRegistry(func(principal string) (*session.Machine, error) {
		return session.NewMachine(session.Deps{
			Snapshot: cache,
			Records:  s,
			Flag:     s.ResultFlagFor(principal),
		}, principal)
	}, cfg.SessionTTL)
	h.previews = session.NewRegistry(func(principal string) (*session.Machine, error) {
		return session.NewMachine(session.Deps{Snapshot: cache, Records: s}, principal)
	}, cfg.SessionTTL)

	m.GaugeFunc("proctor_live_sessions", "Candidate sessions held in memory", func() float64 {
		return float64(h.candidates.Len())
	})
	return h, nil
}

// Close stops following store snapshots.
func (h *Handler) Close() {
	h.cache.Close()
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Use(h.metrics.Middleware)

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", h.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(h.csrfMiddleware)

		r.Group(func(r chi.Router) {
			r.Use(h.principalMiddleware)
			src := h.candidateMachine
			r.Get("/session", h.handleView(src))
			r.Post("/session/begin", h.handleBegin)
			r.With(h.limiter.Middleware).Post("/session/identify", h.handleIdentify)
			r.Put("/session/responses/{questionID}", h.handleRespond(src))
			r.Post("/session/responses/{questionID}/toggle", h.handleToggle(src))
			r.Post("/session/focus", h.handleFocus)
			r.Post("/session/submit", h.handleSubmit(src))
			r.Post("/session/leave", h.handleLeave(src))
		})

		r.With(h.limiter.Middleware).Post("/login", h.handleLogin)
		r.Post("/logout", h.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)
			r.Get("/me", h.handleMe)

			r.Route("/records", func(r chi.Router) {
				r.Use(requireRole(model.UserRoleAdmin, model.UserRoleGrader))
				r.Get("/", h.handleListRecords)
				r.Get("/{recordID}", h.handleGetRecord)
				r.Post("/{recordID}/grade", h.handleGrade)
				r.Post("/{recordID}/suggest/{questionID}", h.handleSuggest)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(requireRole(model.UserRoleAdmin))
				h.adminRoutes(r)
			})
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, open := h.cache.ActiveExam()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "exam_open": open})
}

// Run performs periodic housekeeping until ctx is done: idle sessions are
// swept, expired operator sessions and stale result flags are deleted, and
// idle rate limiter entries are dropped.
func (h *Handler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			swept := h.candidates.Sweep(now) + h.previews.Sweep(now)
			if swept > 0 {
				slog.Debug("swept idle sessions", "count", swept)
			}
			h.limiter.cleanup(now)
			if err := h.store.CleanupExpiredSessions(ctx); err != nil {
				slog.Error("failed to clean up auth sessions", "error", err)
			}
			if n, err := h.store.DeleteFlagsBefore(ctx, now.Add(-resultFlagTTL)); err != nil {
				slog.Error("failed to delete stale result flags", "error", err)
			} else if n > 0 {
				slog.Info("deleted stale result flags", "count", n)
			}
		}
	}
}

// cookiePath scopes cookies to the deployment's base path.
func (h *Handler) cookiePath() string {
	if h.config.BasePath != "" {
		return h.config.BasePath + "/"
	}
	return "/"
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// decodeJSON reads a JSON request body of at most 1 MiB into dst.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// writeError answers with a localized message and a status derived from err.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msgID := errorStatus(err)
	if !appI18n.Has(msgID) {
		slog.Warn("no message for error", "id", msgID, "error", err)
		msgID = "InternalError"
	}
	msg := appI18n.T(r.Context(), msgID)
	if errors.Is(err, model.ErrInvalidQuestion) {
		msg = appI18n.Td(r.Context(), msgID, map[string]any{"Reason": err.Error()})
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "BadRequest"
	case errors.Is(err, session.ErrNoActiveExam):
		return http.StatusConflict, "NoActiveExam"
	case errors.Is(err, session.ErrInvalidIdentity):
		return http.StatusBadRequest, "InvalidIdentity"
	case errors.Is(err, session.ErrResponsesFrozen):
		return http.StatusConflict, "ResponsesFrozen"
	case errors.Is(err, session.ErrNotAnswering):
		return http.StatusConflict, "NotAnswering"
	case errors.Is(err, session.ErrSubmissionInFlight):
		return http.StatusConflict, "SubmitInFlight"
	case errors.Is(err, session.ErrStoreWrite):
		return http.StatusServiceUnavailable, "SubmitFailed"
	case errors.Is(err, session.ErrWrongState):
		return http.StatusConflict, "WrongState"
	case errors.Is(err, session.ErrUnknownQuestion), errors.Is(err, scoring.ErrUnknownAnswer):
		return http.StatusNotFound, "UnknownQuestion"
	case errors.Is(err, session.ErrWrongQuestionType), errors.Is(err, scoring.ErrInvalidOption):
		return http.StatusBadRequest, "InvalidResponse"
	case errors.Is(err, session.ErrNoPrincipal):
		return http.StatusUnauthorized, "LoginRequired"
	case errors.Is(err, session.ErrExamNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, model.ErrInvalidQuestion):
		return http.StatusBadRequest, "InvalidQuestion"
	case errors.Is(err, store.ErrAlreadyImported):
		return http.StatusConflict, "AlreadyImported"
	case errors.Is(err, scoring.ErrNotGradable), errors.Is(err, llm.ErrNotFreeResponse):
		return http.StatusBadRequest, "NotGradable"
	case errors.Is(err, grading.ErrSuggestionsDisabled):
		return http.StatusNotImplemented, "SuggestionsDisabled"
	default:
		return http.StatusInternalServerError, "InternalError"
	}
}
