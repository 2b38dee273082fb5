package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/pavelanni/proctor/internal/i18n"
	"github.com/pavelanni/proctor/internal/metrics"
	"github.com/pavelanni/proctor/internal/model"
	"github.com/pavelanni/proctor/internal/session"
)

// machineSource resolves the session machine a request acts on.
type machineSource func(r *http.Request) (*session.Machine, error)

func (h *Handler) candidateMachine(r *http.Request) (*session.Machine, error) {
	return h.candidates.Get(r.Context(), model.PrincipalFromContext(r.Context()))
}

// previewMachine keys operator previews by the operator's login session, so
// each browser gets its own walkthrough.
func (h *Handler) previewMachine(r *http.Request) (*session.Machine, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, session.ErrNoPrincipal
	}
	return h.previews.Get(r.Context(), "preview:"+cookie.Value)
}

// sessionResponse is a session view with localized notices.
type sessionResponse struct {
	session.View
	Notice      string              `json:"notice,omitempty"`
	Summary     string              `json:"summary,omitempty"`
	Pending     string              `json:"pending,omitempty"`
	Destination session.Destination `json:"destination,omitempty"`
}

func (h *Handler) sessionResponse(ctx context.Context, v session.View) sessionResponse {
	resp := sessionResponse{View: v}
	switch {
	case v.State == session.StateAnswering && v.Monitored:
		resp.Notice = appI18n.T(ctx, "FocusWarning")
	case v.Result != nil:
		rec := *v.Result
		if !v.Preview {
			rec.Answers = redactAnswers(rec.Answers)
		}
		resp.Result = &rec
		if rec.WasTerminated {
			resp.Notice = appI18n.T(ctx, "ExamTerminated")
		} else {
			resp.Notice = appI18n.T(ctx, "ExamCompleted")
		}
		resp.Summary = appI18n.Td(ctx, "ScoreSummary", map[string]any{
			"Total": rec.TotalScore,
			"Max":   rec.MaxScore(),
		})
		if n := rec.PendingGrading(); n > 0 {
			resp.Pending = appI18n.Tp(ctx, "PendingGrading", n)
		}
	}
	return resp
}

// redactAnswers hides the answer key from candidates.
func redactAnswers(answers []model.Answer) []model.Answer {
	out := make([]model.Answer, len(answers))
	for i, a := range answers {
		a.CorrectAnswer = ""
		out[i] = a
	}
	return out
}

func (h *Handler) writeView(w http.ResponseWriter, r *http.Request, m *session.Machine) {
	writeJSON(w, http.StatusOK, h.sessionResponse(r.Context(), m.View()))
}

func (h *Handler) handleView(src machineSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := src(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeView(w, r, m)
	}
}

func (h *Handler) handleBegin(w http.ResponseWriter, r *http.Request) {
	m, err := h.candidateMachine(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := m.Begin(); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeView(w, r, m)
}

type identifyRequest struct {
	CandidateID   string `json:"candidate_id"`
	CandidateName string `json:"candidate_name"`
}

func (h *Handler) handleIdentify(w http.ResponseWriter, r *http.Request) {
	var req identifyRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	m, err := h.candidateMachine(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	outcome, err := m.Identify(r.Context(), req.CandidateID, req.CandidateName)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := h.sessionResponse(r.Context(), m.View())
	if outcome == session.OutcomeDuplicate {
		h.metrics.DuplicateAttempts.Inc()
		resp.Notice = appI18n.T(r.Context(), "AlreadySubmitted")
	}
	writeJSON(w, http.StatusOK, resp)
}

type responseRequest struct {
	Value string `json:"value"`
}

func (h *Handler) handleRespond(src machineSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req responseRequest
		if err := decodeJSON(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
		m, err := src(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if err := m.SetResponse(chi.URLParam(r, "questionID"), req.Value); err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeView(w, r, m)
	}
}

type toggleRequest struct {
	Option string `json:"option"`
}

func (h *Handler) handleToggle(src machineSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req toggleRequest
		if err := decodeJSON(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
		m, err := src(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if err := m.ToggleOption(chi.URLParam(r, "questionID"), req.Option); err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeView(w, r, m)
	}
}

type focusRequest struct {
	Event string `json:"event"`
}

// handleFocus receives focus and visibility losses reported by the client.
// Only the first one while answering forces a submission.
func (h *Handler) handleFocus(w http.ResponseWriter, r *http.Request) {
	var req focusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	ev, err := session.ParseFocusEvent(req.Event)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	m, err := h.candidateMachine(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_, fired, err := m.FocusLost(r.Context(), ev)
	if err != nil {
		h.metrics.StoreFailures.Inc()
		h.writeError(w, r, err)
		return
	}
	if fired {
		h.metrics.Submissions.WithLabelValues(metrics.SubmissionForced).Inc()
	}
	h.writeView(w, r, m)
}

type submitRequest struct {
	Confirm bool `json:"confirm"`
}

func (h *Handler) handleSubmit(src machineSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := decodeJSON(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
		if !req.Confirm {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: appI18n.T(r.Context(), "ConfirmRequired")})
			return
		}
		m, err := src(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		preview := m.View().Preview
		if _, err := m.Submit(r.Context()); err != nil {
			if !preview {
				h.countStoreFailure(err)
			}
			h.writeError(w, r, err)
			return
		}
		kind := metrics.SubmissionExplicit
		if preview {
			kind = metrics.SubmissionPreview
		}
		h.metrics.Submissions.WithLabelValues(kind).Inc()
		h.writeView(w, r, m)
	}
}

func (h *Handler) countStoreFailure(err error) {
	if errors.Is(err, session.ErrStoreWrite) {
		h.metrics.StoreFailures.Inc()
	}
}

func (h *Handler) handleLeave(src machineSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := src(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		dest, err := m.Leave()
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		resp := h.sessionResponse(r.Context(), m.View())
		resp.Destination = dest
		writeJSON(w, http.StatusOK, resp)
	}
}

type previewRequest struct {
	ExamID string `json:"exam_id"`
}

func (h *Handler) handleStartPreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	m, err := h.previewMachine(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	operator := "operator"
	if u := model.UserFromContext(r.Context()); u != nil {
		operator = u.DisplayName
		if operator == "" {
			operator = u.Username
		}
	}
	if err := m.StartPreview(req.ExamID, operator); err != nil {
		h.writeError(w, r, err)
		return
	}
	slog.Info("preview started", "exam_id", req.ExamID, "operator", operator)
	h.writeView(w, r, m)
}
