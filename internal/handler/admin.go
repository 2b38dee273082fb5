package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/proctor/internal/model"
	"github.com/pavelanni/proctor/internal/store"
)

func (h *Handler) adminRoutes(r chi.Router) {
	r.Get("/users", h.handleListUsers)
	r.Post("/users", h.handleCreateUser)
	r.Post("/users/{userID}/toggle", h.handleToggleUserActive)

	r.Get("/exams", h.handleListExams)
	r.Post("/exams", h.handleCreateExam)
	r.Post("/exams/import", h.handleImportExam)
	r.Get("/exams/{examID}", h.handleGetExam)
	r.Patch("/exams/{examID}", h.handleRenameExam)
	r.Delete("/exams/{examID}", h.handleDeleteExam)
	r.Post("/exams/{examID}/activate", h.handleActivateExam)
	r.Post("/exams/{examID}/deactivate", h.handleDeactivateExam)
	r.Post("/exams/{examID}/questions", h.handleCreateQuestion)
	r.Put("/questions/{questionID}", h.handleUpdateQuestion)
	r.Delete("/questions/{questionID}", h.handleDeleteQuestion)

	r.Get("/export", h.handleExport)

	src := h.previewMachine
	r.Get("/preview", h.handleView(src))
	r.Post("/preview", h.handleStartPreview)
	r.Put("/preview/responses/{questionID}", h.handleRespond(src))
	r.Post("/preview/responses/{questionID}/toggle", h.handleToggle(src))
	r.Post("/preview/submit", h.handleSubmit(src))
	r.Post("/preview/leave", h.handleLeave(src))
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		slog.Error("failed to list users", "error", err)
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

type createUserRequest struct {
	Username    string         `json:"username"`
	DisplayName string         `json:"display_name"`
	Password    string         `json:"password"`
	Role        model.UserRole `json:"role"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		h.writeError(w, r, fmt.Errorf("%w: username and password required", errBadRequest))
		return
	}
	if req.Role == "" {
		req.Role = model.UserRoleGrader
	}
	if req.Role != model.UserRoleAdmin && req.Role != model.UserRoleGrader {
		h.writeError(w, r, fmt.Errorf("%w: unknown role %q", errBadRequest, req.Role))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("failed to hash password", "error", err)
		h.writeError(w, r, err)
		return
	}

	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	id, err := h.store.CreateUser(r.Context(), model.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
		Role:         req.Role,
		Active:       true,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user, err := h.store.GetUserByID(r.Context(), id)
	if err != nil || user == nil {
		h.writeError(w, r, fmt.Errorf("reload user %d: %w", id, err))
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (h *Handler) handleToggleUserActive(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid user ID", errBadRequest))
		return
	}

	if err := h.store.ToggleUserActive(r.Context(), id); err != nil {
		slog.Error("failed to toggle user active", "id", id, "error", err)
		h.writeError(w, r, err)
		return
	}
	user, err := h.store.GetUserByID(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if user == nil {
		h.writeError(w, r, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// examSummary is an exam with its question count.
type examSummary struct {
	model.Exam
	QuestionCount int `json:"question_count"`
}

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	exams, err := h.store.ListExams(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]examSummary, 0, len(exams))
	for _, e := range exams {
		n, err := h.store.QuestionCount(r.Context(), e.ID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		out = append(out, examSummary{Exam: e, QuestionCount: n})
	}
	writeJSON(w, http.StatusOK, out)
}

type examRequest struct {
	Title string `json:"title"`
}

func (r examRequest) validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: exam title is required", errBadRequest)
	}
	return nil
}

func (h *Handler) handleCreateExam(w http.ResponseWriter, r *http.Request) {
	var req examRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		h.writeError(w, r, err)
		return
	}
	exam, err := h.store.CreateExam(r.Context(), req.Title)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, exam)
}

// examDetail is an exam with its questions, answer keys included.
type examDetail struct {
	model.Exam
	Questions []model.Question `json:"questions"`
}

func (h *Handler) handleGetExam(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")
	exam, err := h.store.GetExam(r.Context(), examID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	questions, err := h.store.ListQuestions(r.Context(), examID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if questions == nil {
		questions = []model.Question{}
	}
	writeJSON(w, http.StatusOK, examDetail{Exam: exam, Questions: questions})
}

func (h *Handler) handleRenameExam(w http.ResponseWriter, r *http.Request) {
	var req examRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		h.writeError(w, r, err)
		return
	}
	examID := chi.URLParam(r, "examID")
	if err := h.store.RenameExam(r.Context(), examID, req.Title); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeExam(w, r, examID)
}

func (h *Handler) handleDeleteExam(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteExam(r.Context(), chi.URLParam(r, "examID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleActivateExam(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")
	if err := h.store.ActivateExam(r.Context(), examID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeExam(w, r, examID)
}

func (h *Handler) handleDeactivateExam(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")
	if err := h.store.DeactivateExam(r.Context(), examID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeExam(w, r, examID)
}

func (h *Handler) writeExam(w http.ResponseWriter, r *http.Request, examID string) {
	exam, err := h.store.GetExam(r.Context(), examID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exam)
}

type questionRequest struct {
	Type     model.QuestionType `json:"type"`
	Text     string             `json:"text"`
	Options  []string           `json:"options"`
	Answer   string             `json:"answer"`
	Points   int                `json:"points"`
	Position int                `json:"position"`
}

func (q questionRequest) question() model.Question {
	return model.Question{
		Type:     q.Type,
		Text:     q.Text,
		Options:  q.Options,
		Answer:   q.Answer,
		Points:   q.Points,
		Position: q.Position,
	}
}

func (h *Handler) handleCreateQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	q := req.question()
	q.ExamID = chi.URLParam(r, "examID")
	created, err := h.store.CreateQuestion(r.Context(), q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleUpdateQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	q := req.question()
	q.ID = chi.URLParam(r, "questionID")
	updated, err := h.store.UpdateQuestion(r.Context(), q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleDeleteQuestion(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteQuestion(r.Context(), chi.URLParam(r, "questionID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleImportExam creates an exam from an uploaded JSON definition. The same
// file content is imported only once.
func (h *Handler) handleImportExam(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	file, header, err := r.FormFile("exam_file")
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: no file uploaded", errBadRequest))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("read upload: %w", err))
		return
	}

	var imp model.ExamImport
	if err := json.Unmarshal(data, &imp); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err))
		return
	}

	if strings.TrimSpace(imp.Title) == "" || len(imp.Questions) == 0 {
		h.writeError(w, r, fmt.Errorf("%w: exam needs a title and questions", errBadRequest))
		return
	}

	exam, err := h.store.ImportExam(r.Context(), imp, header.Filename, store.HashContent(data))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	slog.Info("imported exam via admin", "filename", header.Filename, "exam_id", exam.ID, "questions", len(imp.Questions))
	writeJSON(w, http.StatusCreated, exam)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	export, err := h.store.ExportRecords(r.Context(), r.URL.Query().Get("exam_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="records.json"`)
	writeJSON(w, http.StatusOK, export)
}
