package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// UserRole represents an operator's access level.
type UserRole string

const (
	// UserRoleAdmin manages exams, questions, users and may preview and grade.
	UserRoleAdmin UserRole = "admin"
	// UserRoleGrader may only read records and reconcile free-response scores.
	UserRoleGrader UserRole = "grader"
)

// User represents an operator account. Candidates never have one.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuthSession represents an operator authentication session.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated operator from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

type principalCtxKey struct{}

// ContextWithPrincipal stores the opaque candidate principal in context.
func ContextWithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, principal)
}

// PrincipalFromContext retrieves the candidate principal (empty string if not set).
func PrincipalFromContext(ctx context.Context) string {
	p, _ := ctx.Value(principalCtxKey{}).(string)
	return p
}

// QuestionType is the kind of a question.
type QuestionType string

const (
	QuestionSingle   QuestionType = "single-choice"
	QuestionMultiple QuestionType = "multiple-choice"
	QuestionFree     QuestionType = "free-response"
)

// IsChoice reports whether the type carries options.
func (t QuestionType) IsChoice() bool {
	return t == QuestionSingle || t == QuestionMultiple
}

// Valid reports whether t is a known question type.
func (t QuestionType) Valid() bool {
	return t.IsChoice() || t == QuestionFree
}

// OptionCount is the number of options every choice question carries.
const OptionCount = 4

// OptionLetters are the option labels in canonical order.
const OptionLetters = "ABCD"

var (
	// ErrInvalidQuestion is returned by Question.Validate.
	ErrInvalidQuestion = errors.New("invalid question")
	// ErrDuplicateRecord is returned by a record writer that enforces one
	// record per candidate and exam. The writer returns the existing record
	// alongside it.
	ErrDuplicateRecord = errors.New("record already exists for candidate and exam")
)

// Exam is a named assessment. At most one exam is active at a time.
type Exam struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Question is one gradable item of an exam.
type Question struct {
	ID       string       `json:"id"`
	ExamID   string       `json:"exam_id"`
	Type     QuestionType `json:"type"`
	Text     string       `json:"text"`
	Options  []string     `json:"options,omitempty"`
	Answer   string       `json:"answer"`
	Points   int          `json:"points"`
	Position int          `json:"position"`
}

// Validate checks the structural rules for a question.
func (q Question) Validate() error {
	if !q.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidQuestion, q.Type)
	}
	if strings.TrimSpace(q.Text) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidQuestion)
	}
	if q.Points <= 0 {
		return fmt.Errorf("%w: points must be positive", ErrInvalidQuestion)
	}
	if !q.Type.IsChoice() {
		if len(q.Options) > 0 {
			return fmt.Errorf("%w: free-response question has options", ErrInvalidQuestion)
		}
		return nil
	}
	if len(q.Options) != OptionCount {
		return fmt.Errorf("%w: want %d options, got %d", ErrInvalidQuestion, OptionCount, len(q.Options))
	}
	for i, o := range q.Options {
		if strings.TrimSpace(o) == "" {
			return fmt.Errorf("%w: option %c is empty", ErrInvalidQuestion, OptionLetters[i])
		}
	}
	answer := strings.ToUpper(strings.Join(strings.Fields(q.Answer), ""))
	if answer == "" {
		return fmt.Errorf("%w: empty answer", ErrInvalidQuestion)
	}
	for _, r := range answer {
		if !strings.ContainsRune(OptionLetters, r) {
			return fmt.Errorf("%w: answer letter %q out of range", ErrInvalidQuestion, r)
		}
	}
	if q.Type == QuestionSingle && len(answer) != 1 {
		return fmt.Errorf("%w: single-choice answer must be one letter", ErrInvalidQuestion)
	}
	return nil
}

// Answer is the graded outcome of one question inside a record.
// Question text and correct answer are snapshots taken at grading time.
type Answer struct {
	QuestionID     string       `json:"question_id"`
	QuestionText   string       `json:"question_text"`
	Type           QuestionType `json:"type"`
	CorrectAnswer  string       `json:"correct_answer"`
	Response       string       `json:"response"`
	IsCorrect      bool         `json:"is_correct"`
	MaxPoints      int          `json:"max_points"`
	EarnedPoints   int          `json:"earned_points"`
	ManuallyGraded bool         `json:"manually_graded"`
}

// Record is one candidate's completed or terminated attempt at an exam.
type Record struct {
	ID            string     `json:"id"`
	ExamID        string     `json:"exam_id"`
	ExamTitle     string     `json:"exam_title"`
	CandidateID   string     `json:"candidate_id"`
	CandidateName string     `json:"candidate_name"`
	AutoScore     int        `json:"auto_score"`
	ManualScore   int        `json:"manual_score"`
	TotalScore    int        `json:"total_score"`
	Answers       []Answer   `json:"answers"`
	Timestamp     time.Time  `json:"timestamp"`
	WasTerminated bool       `json:"was_terminated"`
	GradedAt      *time.Time `json:"graded_at,omitempty"`
	GradedBy      string     `json:"graded_by,omitempty"`
}

// PendingGrading counts free-response answers not yet manually graded.
func (r Record) PendingGrading() int {
	n := 0
	for _, a := range r.Answers {
		if a.Type == QuestionFree && !a.ManuallyGraded {
			n++
		}
	}
	return n
}

// MaxScore is the sum of max points over all answers.
func (r Record) MaxScore() int {
	total := 0
	for _, a := range r.Answers {
		total += a.MaxPoints
	}
	return total
}

// ServerConfig holds runtime server parameters set via CLI flags.
type ServerConfig struct {
	BasePath       string        // URL prefix for sub-path deployments (e.g. "/exam")
	SecureCookies  bool          // Set Secure flag on cookies (disable for local dev)
	UniqueAttempts bool          // Enforce one record per (candidate, exam) in the store
	SessionTTL     time.Duration // Idle time after which a transient session is dropped
	IdentifyRate   int           // Identify/login attempts per minute per client IP
}

// ExamImport is used for loading an exam definition from JSON.
type ExamImport struct {
	Title     string           `json:"title"`
	Active    bool             `json:"active"`
	Questions []QuestionImport `json:"questions"`
}

// QuestionImport is one question of an ExamImport.
type QuestionImport struct {
	Type    QuestionType `json:"type"`
	Text    string       `json:"text"`
	Options []string     `json:"options,omitempty"`
	Answer  string       `json:"answer"`
	Points  int          `json:"points"`
}
