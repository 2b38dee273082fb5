package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/proctor/internal/model"
)

// recordSummary is a record row for the grading list.
type recordSummary struct {
	ID             string    `json:"id"`
	ExamID         string    `json:"exam_id"`
	ExamTitle      string    `json:"exam_title"`
	CandidateID    string    `json:"candidate_id"`
	CandidateName  string    `json:"candidate_name"`
	TotalScore     int       `json:"total_score"`
	MaxScore       int       `json:"max_score"`
	PendingGrading int       `json:"pending_grading"`
	WasTerminated  bool      `json:"was_terminated"`
	Timestamp      time.Time `json:"timestamp"`
}

func (h *Handler) handleListRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListRecords(r.Context(), r.URL.Query().Get("exam_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	pendingOnly := r.URL.Query().Get("pending") == "true"
	out := make([]recordSummary, 0, len(records))
	for _, rec := range records {
		pending := rec.PendingGrading()
		if pendingOnly && pending == 0 {
			continue
		}
		out = append(out, recordSummary{
			ID:             rec.ID,
			ExamID:         rec.ExamID,
			ExamTitle:      rec.ExamTitle,
			CandidateID:    rec.CandidateID,
			CandidateName:  rec.CandidateName,
			TotalScore:     rec.TotalScore,
			MaxScore:       rec.MaxScore(),
			PendingGrading: pending,
			WasTerminated:  rec.WasTerminated,
			Timestamp:      rec.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.GetRecord(r.Context(), chi.URLParam(r, "recordID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type gradeRequest struct {
	Points map[string]int `json:"points"`
}

// handleGrade applies manual points to free-response answers and returns
// the recomputed record.
func (h *Handler) handleGrade(w http.ResponseWriter, r *http.Request) {
	var req gradeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	grader := ""
	if u := model.UserFromContext(r.Context()); u != nil {
		grader = u.Username
	}
	rec, err := h.grading.Apply(r.Context(), chi.URLParam(r, "recordID"), req.Points, grader)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.metrics.GradesApplied.Inc()
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleSuggest(w http.ResponseWriter, r *http.Request) {
	s, err := h.grading.Suggest(r.Context(), chi.URLParam(r, "recordID"), chi.URLParam(r, "questionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
