// Package session drives a candidate's attempt at the active exam.
//
// A Machine moves through Unidentified, Identifying, Answering and Submitted.
// It reads exams, questions and records from a Snapshot that is refreshed
// asynchronously by the store, consults the uniqueness guard before an attempt
// starts, arms the anti-cheat Monitor while answering, and writes exactly one
// record on submission. Operator previews run the same flow without the guard,
// the monitor or any write.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/proctor/internal/model"
	"github.com/pavelanni/proctor/internal/scoring"
)

var (
	ErrNoPrincipal        = errors.New("no session principal")
	ErrNoActiveExam       = errors.New("no exam is open")
	ErrInvalidIdentity    = errors.New("candidate id and name are required")
	ErrWrongState         = errors.New("operation not allowed in current state")
	ErrNotAnswering       = errors.New("session is not answering")
	ErrSubmissionInFlight = errors.New("submission already in progress")
	ErrResponsesFrozen    = errors.New("responses are frozen after termination")
	ErrStoreWrite         = errors.New("store write failed")
	ErrUnknownQuestion    = errors.New("question not in session")
	ErrWrongQuestionType  = errors.New("operation not valid for question type")
	ErrExamNotFound       = errors.New("exam not found")
)

// State is a machine state.
type State string

const (
	StateUnidentified State = "unidentified"
	StateIdentifying  State = "identifying"
	StateAnswering    State = "answering"
	StateSubmitted    State = "submitted"
)

// Outcome tells the caller how Identify resolved.
type Outcome int

const (
	// OutcomeStarted means a fresh attempt entered Answering.
	OutcomeStarted Outcome = iota
	// OutcomeDuplicate means a prior record exists and the machine is Submitted with it.
	OutcomeDuplicate
)

// Destination is where the client goes after Leave.
type Destination string

const (
	DestinationLanding   Destination = "landing"
	DestinationDashboard Destination = "dashboard"
)

// Snapshot is a read accessor over the latest store snapshots.
type Snapshot interface {
	ActiveExam() (model.Exam, bool)
	Exam(id string) (model.Exam, bool)
	Questions(examID string) []model.Question
	Records() []model.Record
}

// RecordWriter persists new records. A writer enforcing uniqueness returns
// the existing record together with model.ErrDuplicateRecord.
type RecordWriter interface {
	CreateRecord(ctx context.Context, rec model.Record) (model.Record, error)
}

// ResultFlag is the candidate-scoped "I already have a result" entry.
// It is best-effort; the guard is authoritative.
type ResultFlag interface {
	Load(ctx context.Context) (model.Record, bool, error)
	Save(ctx context.Context, rec model.Record) error
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Snapshot Snapshot
	Records  RecordWriter
	Flag     ResultFlag       // nil disables the result flag
	Now      func() time.Time // defaults to time.Now
	NewID    func() string    // defaults to uuid.NewString
}

// QuestionView is a question as shown to a candidate, without its answer key.
type QuestionView struct {
	ID      string             `json:"id"`
	Type    model.QuestionType `json:"type"`
	Text    string             `json:"text"`
	Options []string           `json:"options,omitempty"`
	Points  int                `json:"points"`
}

// View is an immutable snapshot of a machine for rendering.
type View struct {
	State         State             `json:"state"`
	Preview       bool              `json:"preview"`
	CandidateID   string            `json:"candidate_id,omitempty"`
	CandidateName string            `json:"candidate_name,omitempty"`
	ExamID        string            `json:"exam_id,omitempty"`
	ExamTitle     string            `json:"exam_title,omitempty"`
	Questions     []QuestionView    `json:"questions,omitempty"`
	Responses     map[string]string `json:"responses,omitempty"`
	Result        *model.Record     `json:"result,omitempty"`
	Monitored     bool              `json:"monitored"`
	Submitting    bool              `json:"submitting"`
}

// Machine is one candidate's (or one operator preview's) session.
type Machine struct {
	deps      Deps
	principal string

	mu            sync.Mutex
	state         State
	preview       bool
	exam          model.Exam
	questions     []model.Question
	candidateID   string
	candidateName string
	responses     scoring.Responses
	result        *model.Record
	monitor       *Monitor
	disarm        func()
	submitting    bool
	terminated    bool
	lastSeen      time.Time
}

// NewMachine creates a machine for an authenticated principal.
func NewMachine(deps Deps, principal string) (*Machine, error) {
	if strings.TrimSpace(principal) == "" {
		return nil, ErrNoPrincipal
	}
	if deps.Snapshot == nil || deps.Records == nil {
		return nil, errors.New("session: snapshot and record writer are required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	return &Machine{
		deps:      deps,
		principal: principal,
		state:     StateUnidentified,
		lastSeen:  deps.Now(),
	}, nil
}

// Restore reads the result flag. It is meant to be called once, right after
// NewMachine. A restored result is shown when the candidate begins again
// while the same exam is still active.
func (m *Machine) Restore(ctx context.Context) error {
	if m.deps.Flag == nil {
		return nil
	}
	rec, ok, err := m.deps.Flag.Load(ctx)
	if err != nil {
		return fmt.Errorf("load result flag: %w", err)
	}
	if !ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = &rec
	m.state = StateSubmitted
	return nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastSeen returns when the machine was last used.
func (m *Machine) LastSeen() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen
}

func (m *Machine) touchLocked() {
	m.lastSeen = m.deps.Now()
}

// Begin moves Unidentified to Identifying when an exam is open.
func (m *Machine) Begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked()

	if m.state != StateUnidentified {
		return fmt.Errorf("%w: begin from %s", ErrWrongState, m.state)
	}
	exam, ok := m.deps.Snapshot.ActiveExam()
	if !ok {
		return ErrNoActiveExam
	}
	if m.result != nil && !m.preview && m.result.ExamID == exam.ID {
		m.state = StateSubmitted
		return nil
	}
	m.exam = exam
	m.state = StateIdentifying
	return nil
}

// Identify starts an attempt, or short-circuits to Submitted when the
// candidate already has a record for the exam.
func (m *Machine) Identify(ctx context.Context, candidateID, candidateName string) (Outcome, error) {
	candidateID = strings.TrimSpace(candidateID)
	candidateName = strings.TrimSpace(candidateName)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked()

	if m.state != StateIdentifying {
		return OutcomeStarted, fmt.Errorf("%w: identify from %s", ErrWrongState, m.state)
	}
	if candidateID == "" || candidateName == "" {
		return OutcomeStarted, ErrInvalidIdentity
	}
	exam, ok := m.deps.Snapshot.ActiveExam()
	if !ok || exam.ID != m.exam.ID {
		m.resetLocked()
		return OutcomeStarted, ErrNoActiveExam
	}

	if prior, found := FindPrior(m.deps.Snapshot.Records(), candidateID, exam.ID); found {
		slog.Info("candidate already has a record",
			"candidate_id", candidateID, "exam_id", exam.ID, "record_id", prior.ID)
		m.candidateID = prior.CandidateID
		m.candidateName = prior.CandidateName
		m.result = &prior
		m.state = StateSubmitted
		return OutcomeDuplicate, nil
	}

	m.exam = exam
	m.questions = m.deps.Snapshot.Questions(exam.ID)
	m.candidateID = candidateID
	m.candidateName = candidateName
	m.responses = make(scoring.Responses)
	m.terminated = false
	m.monitor = NewMonitor()
	m.disarm = m.monitor.Arm()
	m.state = StateAnswering
	slog.Info("attempt started",
		"candidate_id", candidateID, "exam_id", exam.ID, "questions", len(m.questions))
	return OutcomeStarted, nil
}

// StartPreview runs an operator walkthrough of any exam. Previews skip the
// guard and the monitor, and never persist.
func (m *Machine) StartPreview(examID string, operator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked()

	if m.state == StateAnswering && !m.preview {
		return fmt.Errorf("%w: preview during an attempt", ErrWrongState)
	}
	exam, ok := m.deps.Snapshot.Exam(examID)
	if !ok {
		return ErrExamNotFound
	}
	m.resetLocked()
	m.preview = true
	m.exam = exam
	m.questions = m.deps.Snapshot.Questions(exam.ID)
	m.candidateID = "preview"
	m.candidateName = operator
	m.responses = make(scoring.Responses)
	m.result = nil
	m.state = StateAnswering
	return nil
}

func (m *Machine) questionLocked(id string) (model.Question, error) {
	for _, q := range m.questions {
		if q.ID == id {
			return q, nil
		}
	}
	return model.Question{}, fmt.Errorf("%w: %s", ErrUnknownQuestion, id)
}

// editableLocked reports whether responses may change. A terminated attempt
// whose forced submission failed can only be resubmitted as it stands.
func (m *Machine) editableLocked() error {
	if m.state != StateAnswering || m.submitting {
		return ErrNotAnswering
	}
	if m.terminated {
		return ErrResponsesFrozen
	}
	return nil
}

// SetResponse replaces the response to a question.
func (m *Machine) SetResponse(questionID, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked()

	if err := m.editableLocked(); err != nil {
		return err
	}
	q, err := m.questionLocked(questionID)
	if err != nil {
		return err
	}
	var resp scoring.Response
	switch q.Type {
	case model.QuestionMultiple:
		set, err := scoring.ParseOptionSet(value)
		if err != nil {
			return err
		}
		resp.Choices = set
	case model.QuestionSingle:
		set, err := scoring.ParseOptionSet(value)
		if err != nil {
			return err
		}
		if len(set.String()) > 1 {
			return fmt.Errorf("%w: single-choice takes one option", scoring.ErrInvalidOption)
		}
		resp.Text = set.String()
	default:
		resp.Text = value
	}
	m.responses[questionID] = resp
	return nil
}

// ToggleOption inserts or removes an option letter in a multiple-choice response.
func (m *Machine) ToggleOption(questionID, letter string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked()

	if err := m.editableLocked(); err != nil {
		return err
	}
	q, err := m.questionLocked(questionID)
	if err != nil {
		return err
	}
	if q.Type != model.QuestionMultiple {
		return fmt.Errorf("%w: toggle on %s", ErrWrongQuestionType, q.Type)
	}
	resp := m.responses[questionID]
	set, err := resp.Choices.Toggle(letter)
	if err != nil {
		return err
	}
	resp.Choices = set
	m.responses[questionID] = resp
	return nil
}

// Submit is the candidate-initiated submission.
func (m *Machine) Submit(ctx context.Context) (model.Record, error) {
	m.mu.Lock()
	m.touchLocked()
	if m.state != StateAnswering {
		m.mu.Unlock()
		return model.Record{}, ErrNotAnswering
	}
	if m.submitting {
		m.mu.Unlock()
		return model.Record{}, ErrSubmissionInFlight
	}
	job := m.beginSubmitLocked()
	m.mu.Unlock()
	return m.finishSubmit(ctx, job)
}

// FocusLost reports a focus or visibility loss. The first one while the
// monitor is armed forces submission with WasTerminated set; every later one,
// and any that arrives while a submission is in flight, is a no-op.
func (m *Machine) FocusLost(ctx context.Context, ev FocusEvent) (model.Record, bool, error) {
	m.mu.Lock()
	m.touchLocked()
	if m.state != StateAnswering || m.submitting || m.monitor == nil || !m.monitor.Trip(ev) {
		if m.monitor != nil {
			if first, ok := m.monitor.Fired(); ok {
				slog.Debug("focus loss ignored, attempt already terminated",
					"candidate_id", m.candidateID, "event", ev, "terminated_by", first)
			}
		}
		m.mu.Unlock()
		return model.Record{}, false, nil
	}
	slog.Warn("focus lost, forcing submission",
		"candidate_id", m.candidateID, "exam_id", m.exam.ID, "event", ev)
	m.terminated = true
	job := m.beginSubmitLocked()
	m.mu.Unlock()

	rec, err := m.finishSubmit(ctx, job)
	return rec, true, err
}

type submitJob struct {
	exam          model.Exam
	questions     []model.Question
	responses     scoring.Responses
	candidateID   string
	candidateName string
	preview       bool
	terminated    bool
}

func (m *Machine) beginSubmitLocked() submitJob {
	m.submitting = true
	return submitJob{
		exam:          m.exam,
		questions:     m.questions,
		responses:     m.responses.Clone(),
		candidateID:   m.candidateID,
		candidateName: m.candidateName,
		preview:       m.preview,
		terminated:    m.terminated,
	}
}

func (m *Machine) finishSubmit(ctx context.Context, job submitJob) (model.Record, error) {
	answers, auto := scoring.Grade(job.questions, job.responses)
	rec := model.Record{
		ID:            m.deps.NewID(),
		ExamID:        job.exam.ID,
		ExamTitle:     job.exam.Title,
		CandidateID:   job.candidateID,
		CandidateName: job.candidateName,
		AutoScore:     auto,
		TotalScore:    auto,
		Answers:       answers,
		Timestamp:     m.deps.Now().UTC(),
		WasTerminated: job.terminated,
	}

	if !job.preview {
		// Submissions are not cancellable once started.
		wctx := context.WithoutCancel(ctx)
		saved, err := m.deps.Records.CreateRecord(wctx, rec)
		switch {
		case errors.Is(err, model.ErrDuplicateRecord):
			slog.Warn("store rejected duplicate record",
				"candidate_id", job.candidateID, "exam_id", job.exam.ID, "record_id", saved.ID)
			rec = saved
		case err != nil:
			m.mu.Lock()
			m.submitting = false
			m.mu.Unlock()
			slog.Error("failed to persist record",
				"candidate_id", job.candidateID, "exam_id", job.exam.ID, "error", err)
			return model.Record{}, fmt.Errorf("%w: %w", ErrStoreWrite, err)
		default:
			rec = saved
		}
		if m.deps.Flag != nil {
			if err := m.deps.Flag.Save(wctx, rec); err != nil {
				slog.Warn("failed to save result flag", "record_id", rec.ID, "error", err)
			}
		}
		slog.Info("record submitted",
			"record_id", rec.ID, "candidate_id", rec.CandidateID, "exam_id", rec.ExamID,
			"auto_score", rec.AutoScore, "terminated", rec.WasTerminated)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disarm != nil {
		m.disarm()
		m.disarm = nil
	}
	m.submitting = false
	m.result = &rec
	m.state = StateSubmitted
	return rec, nil
}

// Leave returns to the landing page, or to the operator dashboard for a preview.
// An attempt in progress can only end by submission.
func (m *Machine) Leave() (Destination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked()

	if m.preview {
		if m.submitting {
			return "", ErrSubmissionInFlight
		}
		m.resetLocked()
		m.preview = false
		m.result = nil
		return DestinationDashboard, nil
	}
	switch m.state {
	case StateAnswering:
		return "", fmt.Errorf("%w: leave while answering", ErrWrongState)
	case StateSubmitted, StateIdentifying, StateUnidentified:
		m.resetLocked()
	}
	return DestinationLanding, nil
}

// resetLocked clears attempt data but keeps the last result.
func (m *Machine) resetLocked() {
	if m.disarm != nil {
		m.disarm()
		m.disarm = nil
	}
	m.state = StateUnidentified
	m.exam = model.Exam{}
	m.questions = nil
	m.candidateID = ""
	m.candidateName = ""
	m.responses = nil
	m.monitor = nil
	m.terminated = false
}

// View returns a render-ready copy of the machine.
func (m *Machine) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := View{
		State:         m.state,
		Preview:       m.preview,
		CandidateID:   m.candidateID,
		CandidateName: m.candidateName,
		ExamID:        m.exam.ID,
		ExamTitle:     m.exam.Title,
		Monitored:     m.state == StateAnswering && m.monitor != nil && m.monitor.Armed(),
		Submitting:    m.submitting,
	}
	if m.state == StateAnswering {
		v.Questions = make([]QuestionView, 0, len(m.questions))
		for _, q := range m.questions {
			v.Questions = append(v.Questions, QuestionView{
				ID:      q.ID,
				Type:    q.Type,
				Text:    q.Text,
				Options: append([]string(nil), q.Options...),
				Points:  q.Points,
			})
		}
		v.Responses = make(map[string]string, len(m.responses))
		for _, q := range m.questions {
			if r, ok := m.responses[q.ID]; ok {
				v.Responses[q.ID] = r.Canonical(q.Type)
			}
		}
	}
	if m.state == StateSubmitted && m.result != nil {
		rec := *m.result
		v.Result = &rec
		if v.ExamID == "" {
			v.ExamID = rec.ExamID
			v.ExamTitle = rec.ExamTitle
		}
	}
	return v
}
