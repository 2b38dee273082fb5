package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pavelanni/proctor/internal/model"
)

type fakeSnapshot struct {
	mu        sync.Mutex
	exams     []model.Exam
	questions []model.Question
	records   []model.Record
}

func (f *fakeSnapshot) ActiveExam() (model.Exam, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.exams {
		if e.IsActive {
			return e, true
		}
	}
	return model.Exam{}, false
}

func (f *fakeSnapshot) Exam(id string) (model.Exam, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.exams {
		if e.ID == id {
			return e, true
		}
	}
	return model.Exam{}, false
}

func (f *fakeSnapshot) Questions(examID string) []model.Question {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Question
	for _, q := range f.questions {
		if q.ExamID == examID {
			out = append(out, q)
		}
	}
	return out
}

func (f *fakeSnapshot) Records() []model.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Record(nil), f.records...)
}

func (f *fakeSnapshot) setActive(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.exams {
		f.exams[i].IsActive = f.exams[i].ID == id
	}
}

// fakeWriter records creates. When gate is non-nil each create blocks on it.
type fakeWriter struct {
	mu      sync.Mutex
	created []model.Record
	err     error
	gate    chan struct{}
	entered chan struct{}
}

func (w *fakeWriter) CreateRecord(_ context.Context, rec model.Record) (model.Record, error) {
	if w.entered != nil {
		w.entered <- struct{}{}
	}
	if w.gate != nil {
		<-w.gate
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return model.Record{}, w.err
	}
	w.created = append(w.created, rec)
	return rec, nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.created)
}

type fakeFlag struct {
	mu    sync.Mutex
	rec   *model.Record
	saves int
}

func (f *fakeFlag) Load(context.Context) (model.Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil {
		return model.Record{}, false, nil
	}
	return *f.rec, true, nil
}

func (f *fakeFlag) Save(_ context.Context, rec model.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec = &rec
	f.saves++
	return nil
}

func scenarioSnapshot() *fakeSnapshot {
	opts := []string{"A. a", "B. b", "C. c", "D. d"}
	return &fakeSnapshot{
		exams: []model.Exam{
			{ID: "E1", Title: "Data Structures", IsActive: true},
			{ID: "E2", Title: "Algorithms"},
		},
		questions: []model.Question{
			{ID: "Q1", ExamID: "E1", Type: model.QuestionSingle, Text: "one", Options: opts, Answer: "B", Points: 4, Position: 1},
			{ID: "Q2", ExamID: "E1", Type: model.QuestionMultiple, Text: "many", Options: opts, Answer: "AC", Points: 6, Position: 2},
			{ID: "Q3", ExamID: "E1", Type: model.QuestionFree, Text: "free", Answer: "stack", Points: 5, Position: 3},
			{ID: "Q4", ExamID: "E2", Type: model.QuestionSingle, Text: "other", Options: opts, Answer: "A", Points: 1, Position: 1},
		},
	}
}

func newTestMachine(t *testing.T, snap *fakeSnapshot, w *fakeWriter, flag ResultFlag) *Machine {
	t.Helper()
	n := 0
	m, err := NewMachine(Deps{
		Snapshot: snap,
		Records:  w,
		Flag:     flag,
		Now:      func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
		NewID: func() string {
			n++
			return fmt.Sprintf("R%d", n)
		},
	}, "principal-1")
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	return m
}

func startAttempt(t *testing.T, m *Machine, id, name string) {
	t.Helper()
	if err := m.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	out, err := m.Identify(context.Background(), id, name)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if out != OutcomeStarted {
		t.Fatalf("expected fresh attempt, got outcome %v", out)
	}
}

func TestNewMachineRequiresPrincipal(t *testing.T) {
	_, err := NewMachine(Deps{Snapshot: &fakeSnapshot{}, Records: &fakeWriter{}}, "  ")
	if !errors.Is(err, ErrNoPrincipal) {
		t.Fatalf("expected ErrNoPrincipal, got %v", err)
	}
}

func TestBeginWithoutActiveExam(t *testing.T) {
	snap := scenarioSnapshot()
	snap.setActive("")
	m := newTestMachine(t, snap, &fakeWriter{}, nil)

	if err := m.Begin(); !errors.Is(err, ErrNoActiveExam) {
		t.Fatalf("expected ErrNoActiveExam, got %v", err)
	}
	if m.State() != StateUnidentified {
		t.Errorf("expected state unchanged, got %s", m.State())
	}
}

func TestIdentifyRequiresIdentity(t *testing.T) {
	m := newTestMachine(t, scenarioSnapshot(), &fakeWriter{}, nil)
	if err := m.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	tests := []struct{ id, name string }{
		{"", "Ann"},
		{"A1", ""},
		{"   ", "  "},
	}
	for _, tt := range tests {
		if _, err := m.Identify(context.Background(), tt.id, tt.name); !errors.Is(err, ErrInvalidIdentity) {
			t.Errorf("Identify(%q, %q): expected ErrInvalidIdentity, got %v", tt.id, tt.name, err)
		}
	}
	if m.State() != StateIdentifying {
		t.Errorf("expected to stay identifying, got %s", m.State())
	}
}

func TestIdentifyExamClosedMeanwhile(t *testing.T) {
	snap := scenarioSnapshot()
	m := newTestMachine(t, snap, &fakeWriter{}, nil)
	if err := m.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	snap.setActive("E2")
	if _, err := m.Identify(context.Background(), "A1", "Ann"); !errors.Is(err, ErrNoActiveExam) {
		t.Fatalf("expected ErrNoActiveExam, got %v", err)
	}
	if m.State() != StateUnidentified {
		t.Errorf("expected unidentified, got %s", m.State())
	}
}

func TestScenarioSubmission(t *testing.T) {
	w := &fakeWriter{}
	flag := &fakeFlag{}
	m := newTestMachine(t, scenarioSnapshot(), w, flag)
	startAttempt(t, m, "A1", "Ann")

	v := m.View()
	if !v.Monitored {
		t.Error("expected monitor armed while answering")
	}
	if len(v.Questions) != 3 {
		t.Fatalf("expected 3 questions, got %d", len(v.Questions))
	}

	if err := m.SetResponse("Q1", "b"); err != nil {
		t.Fatalf("SetResponse Q1: %v", err)
	}
	for _, l := range []string{"C", "A"} {
		if err := m.ToggleOption("Q2", l); err != nil {
			t.Fatalf("ToggleOption Q2 %s: %v", l, err)
		}
	}
	if err := m.SetResponse("Q3", "queue"); err != nil {
		t.Fatalf("SetResponse Q3: %v", err)
	}
	if got := m.View().Responses["Q2"]; got != "AC" {
		t.Errorf("expected canonical AC, got %q", got)
	}

	rec, err := m.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rec.AutoScore != 10 || rec.ManualScore != 0 || rec.TotalScore != 10 {
		t.Errorf("expected 10/0/10, got %d/%d/%d", rec.AutoScore, rec.ManualScore, rec.TotalScore)
	}
	if rec.WasTerminated {
		t.Error("explicit submission must not be terminated")
	}
	if w.count() != 1 {
		t.Errorf("expected 1 record written, got %d", w.count())
	}
	if flag.saves != 1 {
		t.Errorf("expected result flag saved once, got %d", flag.saves)
	}
	v = m.View()
	if v.State != StateSubmitted || v.Result == nil || v.Result.ID != rec.ID {
		t.Errorf("expected submitted view with result, got %+v", v)
	}
	if v.Monitored {
		t.Error("monitor must be disarmed after submission")
	}
}

func TestUniquenessShortCircuit(t *testing.T) {
	snap := scenarioSnapshot()
	snap.records = []model.Record{{ID: "old", ExamID: "E1", CandidateID: "A1", CandidateName: "Ann", TotalScore: 7}}
	w := &fakeWriter{}
	m := newTestMachine(t, snap, w, nil)

	if err := m.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	out, err := m.Identify(context.Background(), "  a1 ", "Ann")
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if out != OutcomeDuplicate {
		t.Fatalf("expected duplicate outcome, got %v", out)
	}
	v := m.View()
	if v.State != StateSubmitted || v.Result == nil || v.Result.ID != "old" {
		t.Errorf("expected submitted with prior record, got %+v", v)
	}
	if w.count() != 0 {
		t.Errorf("expected no new record, got %d", w.count())
	}
}

func TestSameCandidateOtherExamStartsFresh(t *testing.T) {
	snap := scenarioSnapshot()
	snap.records = []model.Record{{ID: "old", ExamID: "E2", CandidateID: "A1"}}
	m := newTestMachine(t, snap, &fakeWriter{}, nil)
	startAttempt(t, m, "A1", "Ann")
}

func TestForcedSubmissionIsSingleShot(t *testing.T) {
	w := &fakeWriter{}
	m := newTestMachine(t, scenarioSnapshot(), w, nil)
	startAttempt(t, m, "A1", "Ann")
	if err := m.SetResponse("Q1", "B"); err != nil {
		t.Fatalf("SetResponse: %v", err)
	}

	rec, fired, err := m.FocusLost(context.Background(), FocusHidden)
	if err != nil || !fired {
		t.Fatalf("expected forced submission, fired=%v err=%v", fired, err)
	}
	if !rec.WasTerminated {
		t.Error("forced record must be terminated")
	}
	if rec.AutoScore != 4 {
		t.Errorf("expected responses so far to be scored, got %d", rec.AutoScore)
	}

	_, fired, err = m.FocusLost(context.Background(), FocusBlur)
	if err != nil || fired {
		t.Errorf("second focus loss must be a no-op, fired=%v err=%v", fired, err)
	}
	if w.count() != 1 {
		t.Errorf("expected exactly one record, got %d", w.count())
	}
}

func TestNearSimultaneousFocusLoss(t *testing.T) {
	w := &fakeWriter{gate: make(chan struct{}), entered: make(chan struct{}, 8)}
	m := newTestMachine(t, scenarioSnapshot(), w, nil)
	startAttempt(t, m, "A1", "Ann")

	const n = 8
	var wg sync.WaitGroup
	results := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := FocusHidden
			if i%2 == 1 {
				ev = FocusBlur
			}
			_, fired, err := m.FocusLost(context.Background(), ev)
			if err != nil {
				t.Errorf("FocusLost: %v", err)
			}
			results <- fired
		}(i)
	}

	<-w.entered
	// A candidate submission racing the forced one is refused.
	if _, err := m.Submit(context.Background()); !errors.Is(err, ErrSubmissionInFlight) {
		t.Errorf("expected ErrSubmissionInFlight, got %v", err)
	}
	close(w.gate)
	wg.Wait()
	close(results)

	fired := 0
	for f := range results {
		if f {
			fired++
		}
	}
	if fired != 1 {
		t.Errorf("expected exactly one forced submission, got %d", fired)
	}
	if w.count() != 1 {
		t.Errorf("expected exactly one record, got %d", w.count())
	}
	if !w.created[0].WasTerminated {
		t.Error("expected terminated record")
	}
}

func TestStoreWriteFailureKeepsAnswering(t *testing.T) {
	w := &fakeWriter{err: errors.New("permission denied")}
	flag := &fakeFlag{}
	m := newTestMachine(t, scenarioSnapshot(), w, flag)
	startAttempt(t, m, "A1", "Ann")
	if err := m.SetResponse("Q1", "B"); err != nil {
		t.Fatalf("SetResponse: %v", err)
	}

	_, err := m.Submit(context.Background())
	if !errors.Is(err, ErrStoreWrite) {
		t.Fatalf("expected ErrStoreWrite, got %v", err)
	}
	v := m.View()
	if v.State != StateAnswering {
		t.Fatalf("expected answering after failed write, got %s", v.State)
	}
	if v.Responses["Q1"] != "B" {
		t.Error("responses lost after failed write")
	}
	if flag.saves != 0 {
		t.Error("result flag must not be saved on failure")
	}

	// Retry succeeds once the store recovers.
	w.mu.Lock()
	w.err = nil
	w.mu.Unlock()
	rec, err := m.Submit(context.Background())
	if err != nil {
		t.Fatalf("retry Submit: %v", err)
	}
	if rec.AutoScore != 4 || m.State() != StateSubmitted {
		t.Errorf("unexpected retry outcome: %+v state=%s", rec, m.State())
	}
}

func TestForcedFailureRetryStaysTerminated(t *testing.T) {
	w := &fakeWriter{err: errors.New("offline")}
	m := newTestMachine(t, scenarioSnapshot(), w, nil)
	startAttempt(t, m, "A1", "Ann")
	if err := m.SetResponse("Q1", "B"); err != nil {
		t.Fatalf("SetResponse: %v", err)
	}

	_, fired, err := m.FocusLost(context.Background(), FocusBlur)
	if !fired || !errors.Is(err, ErrStoreWrite) {
		t.Fatalf("expected fired with store failure, fired=%v err=%v", fired, err)
	}
	if _, fired, _ := m.FocusLost(context.Background(), FocusBlur); fired {
		t.Error("monitor must not re-arm after firing")
	}
	if err := m.SetResponse("Q1", "A"); !errors.Is(err, ErrResponsesFrozen) {
		t.Errorf("expected ErrResponsesFrozen from SetResponse, got %v", err)
	}
	if err := m.ToggleOption("Q2", "A"); !errors.Is(err, ErrResponsesFrozen) {
		t.Errorf("expected ErrResponsesFrozen from ToggleOption, got %v", err)
	}
	if v := m.View(); v.State != StateAnswering || len(v.Responses) != 1 || v.Responses["Q1"] != "B" {
		t.Errorf("responses must stay as they were at termination, got %s %v", v.State, v.Responses)
	}

	w.mu.Lock()
	w.err = nil
	w.mu.Unlock()
	rec, err := m.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !rec.WasTerminated {
		t.Error("retry after forced failure must keep WasTerminated")
	}
	if rec.AutoScore != 4 || rec.Answers[0].Response != "B" {
		t.Errorf("retry must submit the responses held at termination, got %+v", rec)
	}
}

type dupWriter struct {
	existing model.Record
}

func (d dupWriter) CreateRecord(context.Context, model.Record) (model.Record, error) {
	return d.existing, model.ErrDuplicateRecord
}

func TestStoreSideDuplicateRoutesToSubmitted(t *testing.T) {
	existing := model.Record{ID: "other-session", ExamID: "E1", CandidateID: "A1", TotalScore: 9}
	m, err := NewMachine(Deps{Snapshot: scenarioSnapshot(), Records: dupWriter{existing: existing}}, "p")
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	startAttempt(t, m, "A1", "Ann")
	rec, err := m.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rec.ID != "other-session" || m.State() != StateSubmitted {
		t.Errorf("expected existing record and submitted state, got %+v %s", rec, m.State())
	}
}

func TestPreviewNeverPersistsOrMonitors(t *testing.T) {
	w := &fakeWriter{}
	flag := &fakeFlag{}
	m := newTestMachine(t, scenarioSnapshot(), w, flag)

	if err := m.StartPreview("E2", "admin"); err != nil {
		t.Fatalf("StartPreview: %v", err)
	}
	v := m.View()
	if !v.Preview || v.State != StateAnswering || v.Monitored {
		t.Fatalf("unexpected preview view: %+v", v)
	}
	if _, fired, _ := m.FocusLost(context.Background(), FocusHidden); fired {
		t.Error("preview must not be monitored")
	}
	if err := m.SetResponse("Q4", "A"); err != nil {
		t.Fatalf("SetResponse: %v", err)
	}
	rec, err := m.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rec.TotalScore != 1 {
		t.Errorf("expected preview score 1, got %d", rec.TotalScore)
	}
	if w.count() != 0 || flag.saves != 0 {
		t.Error("preview must never persist")
	}
	dest, err := m.Leave()
	if err != nil || dest != DestinationDashboard {
		t.Errorf("expected dashboard destination, got %q %v", dest, err)
	}
	if m.State() != StateUnidentified {
		t.Errorf("expected reset after preview, got %s", m.State())
	}
}

func TestPreviewUnknownExam(t *testing.T) {
	m := newTestMachine(t, scenarioSnapshot(), &fakeWriter{}, nil)
	if err := m.StartPreview("missing", "admin"); !errors.Is(err, ErrExamNotFound) {
		t.Fatalf("expected ErrExamNotFound, got %v", err)
	}
}

func TestLeave(t *testing.T) {
	m := newTestMachine(t, scenarioSnapshot(), &fakeWriter{}, nil)
	startAttempt(t, m, "A1", "Ann")

	if _, err := m.Leave(); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected ErrWrongState leaving an attempt, got %v", err)
	}
	if _, err := m.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	dest, err := m.Leave()
	if err != nil || dest != DestinationLanding {
		t.Fatalf("expected landing, got %q %v", dest, err)
	}
	if m.State() != StateUnidentified {
		t.Errorf("expected unidentified, got %s", m.State())
	}

	// Beginning again for the same exam shows the kept result.
	if err := m.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if m.State() != StateSubmitted {
		t.Errorf("expected submitted on re-begin, got %s", m.State())
	}
}

func TestRestoreFromFlag(t *testing.T) {
	flag := &fakeFlag{rec: &model.Record{ID: "R9", ExamID: "E1", CandidateID: "A1", TotalScore: 3}}
	m := newTestMachine(t, scenarioSnapshot(), &fakeWriter{}, flag)
	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	v := m.View()
	if v.State != StateSubmitted || v.Result == nil || v.Result.ID != "R9" {
		t.Fatalf("expected restored submitted view, got %+v", v)
	}
}

func TestRestoredResultForOtherExamAllowsNewAttempt(t *testing.T) {
	snap := scenarioSnapshot()
	flag := &fakeFlag{rec: &model.Record{ID: "R9", ExamID: "E2", CandidateID: "A1"}}
	m := newTestMachine(t, snap, &fakeWriter{}, flag)
	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, err := m.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	startAttempt(t, m, "A1", "Ann")
}

func TestResponseValidation(t *testing.T) {
	m := newTestMachine(t, scenarioSnapshot(), &fakeWriter{}, nil)
	if err := m.SetResponse("Q1", "A"); !errors.Is(err, ErrNotAnswering) {
		t.Errorf("expected ErrNotAnswering before start, got %v", err)
	}
	startAttempt(t, m, "A1", "Ann")

	if err := m.SetResponse("nope", "A"); !errors.Is(err, ErrUnknownQuestion) {
		t.Errorf("expected ErrUnknownQuestion, got %v", err)
	}
	if err := m.SetResponse("Q1", "AB"); err == nil {
		t.Error("expected error for two letters on single-choice")
	}
	if err := m.ToggleOption("Q1", "A"); !errors.Is(err, ErrWrongQuestionType) {
		t.Errorf("expected ErrWrongQuestionType, got %v", err)
	}
	if err := m.ToggleOption("Q2", "Z"); err == nil {
		t.Error("expected error for invalid option letter")
	}
	if err := m.SetResponse("Q2", "db"); err != nil {
		t.Fatalf("SetResponse Q2: %v", err)
	}
	if got := m.View().Responses["Q2"]; got != "BD" {
		t.Errorf("expected BD, got %q", got)
	}
}

func TestViewHidesAnswerKeys(t *testing.T) {
	m := newTestMachine(t, scenarioSnapshot(), &fakeWriter{}, nil)
	startAttempt(t, m, "A1", "Ann")
	for _, q := range m.View().Questions {
		if q.ID == "" || q.Text == "" {
			t.Errorf("incomplete question view %+v", q)
		}
	}
}
