package scoring

import (
	"errors"
	"reflect"
	"testing"

	"github.com/pavelanni/proctor/internal/model"
)

func scenarioQuestions() []model.Question {
	opts := []string{"A. one", "B. two", "C. three", "D. four"}
	return []model.Question{
		{ID: "Q1", ExamID: "E1", Type: model.QuestionSingle, Text: "pick one", Options: opts, Answer: "B", Points: 4},
		{ID: "Q2", ExamID: "E1", Type: model.QuestionMultiple, Text: "pick many", Options: opts, Answer: "AC", Points: 6},
		{ID: "Q3", ExamID: "E1", Type: model.QuestionFree, Text: "LIFO structure?", Answer: "stack", Points: 5},
	}
}

func mustSet(t *testing.T, letters string) OptionSet {
	t.Helper()
	s, err := ParseOptionSet(letters)
	if err != nil {
		t.Fatalf("ParseOptionSet(%q): %v", letters, err)
	}
	return s
}

func TestParseOptionSet(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"db", "BD", false},
		{"B, D", "BD", false},
		{"aab", "AB", false},
		{"DCBA", "ABCD", false},
		{"E", "", true},
		{"A1", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			s, err := ParseOptionSet(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidOption) {
					t.Fatalf("expected ErrInvalidOption, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseOptionSet: %v", err)
			}
			if s.String() != tt.want {
				t.Errorf("got %q, want %q", s.String(), tt.want)
			}
		})
	}
}

func TestOptionSetToggle(t *testing.T) {
	var s OptionSet
	var err error
	for _, l := range []string{"d", "B", "a", "D"} {
		s, err = s.Toggle(l)
		if err != nil {
			t.Fatalf("Toggle(%q): %v", l, err)
		}
	}
	if s.String() != "AB" {
		t.Errorf("expected AB after toggles, got %q", s.String())
	}
	if _, err := s.Toggle("AB"); !errors.Is(err, ErrInvalidOption) {
		t.Errorf("expected ErrInvalidOption for multi-letter toggle, got %v", err)
	}
	if _, err := s.Toggle("x"); !errors.Is(err, ErrInvalidOption) {
		t.Errorf("expected ErrInvalidOption for x, got %v", err)
	}
}

func TestMultipleChoiceSetEquality(t *testing.T) {
	tests := []struct {
		name     string
		response string
		key      string
		want     bool
	}{
		{"order independent", "BD", "DB", true},
		{"subset gets nothing", "B", "BD", false},
		{"superset gets nothing", "ABD", "BD", false},
		{"case folded", "bd", "BD", true},
		{"empty response", "", "BD", false},
		{"empty response vs empty key", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := multipleCorrect(mustSet(t, tt.response), tt.key)
			if got != tt.want {
				t.Errorf("multipleCorrect(%q, %q) = %v, want %v", tt.response, tt.key, got, tt.want)
			}
		})
	}
}

func TestGradeSingleChoice(t *testing.T) {
	q := []model.Question{{ID: "q", Type: model.QuestionSingle, Text: "t", Answer: "B", Points: 3}}
	tests := []struct {
		resp string
		want int
	}{
		{"B", 3},
		{" b ", 3},
		{"C", 0},
		{"", 0},
	}
	for _, tt := range tests {
		t.Run(tt.resp, func(t *testing.T) {
			answers, auto := Grade(q, Responses{"q": {Text: tt.resp}})
			if auto != tt.want {
				t.Errorf("auto = %d, want %d", auto, tt.want)
			}
			if answers[0].ManuallyGraded {
				t.Error("single-choice must never be manually graded")
			}
			if answers[0].IsCorrect != (tt.want > 0) {
				t.Errorf("IsCorrect = %v", answers[0].IsCorrect)
			}
		})
	}
}

func TestGradeFreeResponseNeverAutoScored(t *testing.T) {
	q := []model.Question{{ID: "q", Type: model.QuestionFree, Text: "t", Answer: "stack", Points: 5}}
	answers, auto := Grade(q, Responses{"q": {Text: "stack"}})
	if auto != 0 {
		t.Errorf("expected auto 0 for free response, got %d", auto)
	}
	a := answers[0]
	if a.EarnedPoints != 0 || a.IsCorrect || a.ManuallyGraded {
		t.Errorf("unexpected free-response answer state: %+v", a)
	}
	if a.Response != "stack" {
		t.Errorf("expected response snapshot 'stack', got %q", a.Response)
	}
}

func TestGradeDeterministic(t *testing.T) {
	qs := scenarioQuestions()
	resp := Responses{"Q1": {Text: "b"}, "Q2": {Choices: mustSet(t, "ca")}, "Q3": {Text: "queue"}}
	a1, s1 := Grade(qs, resp)
	a2, s2 := Grade(qs, resp)
	if s1 != s2 || !reflect.DeepEqual(a1, a2) {
		t.Error("Grade is not deterministic")
	}
}

func TestScenario(t *testing.T) {
	qs := scenarioQuestions()
	resp := Responses{"Q1": {Text: "b"}, "Q2": {Choices: mustSet(t, "ca")}, "Q3": {Text: "queue"}}

	answers, auto := Grade(qs, resp)
	if auto != 10 {
		t.Fatalf("expected autoScore 10, got %d", auto)
	}
	if answers[1].Response != "AC" {
		t.Errorf("expected canonical multi response AC, got %q", answers[1].Response)
	}
	if answers[2].EarnedPoints != 0 || answers[2].ManuallyGraded {
		t.Errorf("expected Q3 pending with 0 points, got %+v", answers[2])
	}

	rec := model.Record{ID: "R1", ExamID: "E1", AutoScore: auto, TotalScore: auto, Answers: answers}
	if rec.PendingGrading() != 1 {
		t.Errorf("expected 1 pending answer, got %d", rec.PendingGrading())
	}

	graded, err := Reconcile(rec, map[string]int{"Q3": 3})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if graded.ManualScore != 3 || graded.TotalScore != 13 || graded.AutoScore != 10 {
		t.Errorf("expected auto 10 manual 3 total 13, got %d/%d/%d",
			graded.AutoScore, graded.ManualScore, graded.TotalScore)
	}
	if graded.PendingGrading() != 0 {
		t.Errorf("expected no pending answers, got %d", graded.PendingGrading())
	}
	if graded.Answers[2].IsCorrect {
		t.Error("3 of 5 points must not be marked correct")
	}
}

func TestTotals(t *testing.T) {
	answers := []model.Answer{
		{Type: model.QuestionSingle, EarnedPoints: 4},
		{Type: model.QuestionMultiple, EarnedPoints: 6},
		{Type: model.QuestionFree, EarnedPoints: 2},
	}
	auto, manual, total := Totals(answers)
	if auto != 10 || manual != 2 || total != 12 {
		t.Errorf("Totals = %d/%d/%d, want 10/2/12", auto, manual, total)
	}
}
