package scoring

import (
	"errors"
	"reflect"
	"testing"

	"github.com/pavelanni/proctor/internal/model"
)

func submittedRecord() model.Record {
	return model.Record{
		ID:         "R1",
		AutoScore:  4,
		TotalScore: 4,
		Answers: []model.Answer{
			{QuestionID: "Q1", Type: model.QuestionSingle, MaxPoints: 4, EarnedPoints: 4, IsCorrect: true},
			{QuestionID: "F1", Type: model.QuestionFree, MaxPoints: 5},
			{QuestionID: "F2", Type: model.QuestionFree, MaxPoints: 10},
		},
	}
}

func TestReconcileIdempotent(t *testing.T) {
	points := map[string]int{"F1": 5, "F2": 7}
	first, err := Reconcile(submittedRecord(), points)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	second, err := Reconcile(first, points)
	if err != nil {
		t.Fatalf("Reconcile again: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("reconciliation not idempotent:\nfirst  %+v\nsecond %+v", first, second)
	}
}

func TestReconcileAdditivity(t *testing.T) {
	rec := submittedRecord()
	steps := []map[string]int{
		{"F1": 2},
		{"F2": 10},
		{"F1": 5, "F2": 0},
		{},
	}
	for i, p := range steps {
		var err error
		rec, err = Reconcile(rec, p)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if rec.TotalScore != rec.AutoScore+rec.ManualScore {
			t.Errorf("step %d: total %d != auto %d + manual %d", i, rec.TotalScore, rec.AutoScore, rec.ManualScore)
		}
		if rec.AutoScore != 4 {
			t.Errorf("step %d: auto score changed to %d", i, rec.AutoScore)
		}
	}
	if rec.ManualScore != 5 {
		t.Errorf("expected final manual 5, got %d", rec.ManualScore)
	}
}

func TestReconcileClamps(t *testing.T) {
	got, err := Reconcile(submittedRecord(), map[string]int{"F1": 99, "F2": -3})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got.Answers[1].EarnedPoints != 5 || !got.Answers[1].IsCorrect {
		t.Errorf("expected F1 clamped to 5 and correct, got %+v", got.Answers[1])
	}
	if got.Answers[2].EarnedPoints != 0 || got.Answers[2].IsCorrect {
		t.Errorf("expected F2 clamped to 0, got %+v", got.Answers[2])
	}
	if !got.Answers[2].ManuallyGraded {
		t.Error("graded zero must be flagged as manually graded")
	}
}

func TestReconcileLeavesUnassignedPending(t *testing.T) {
	got, err := Reconcile(submittedRecord(), map[string]int{"F1": 1})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got.Answers[2].ManuallyGraded {
		t.Error("F2 was not assigned and must stay pending")
	}
	if got.PendingGrading() != 1 {
		t.Errorf("expected 1 pending, got %d", got.PendingGrading())
	}
}

func TestReconcileRejects(t *testing.T) {
	tests := []struct {
		name   string
		points map[string]int
		want   error
	}{
		{"objective answer", map[string]int{"Q1": 0}, ErrNotGradable},
		{"unknown question", map[string]int{"nope": 1}, ErrUnknownAnswer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := submittedRecord()
			got, err := Reconcile(orig, tt.points)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !reflect.DeepEqual(got, orig) {
				t.Error("rejected reconciliation must not alter the record")
			}
		})
	}
}

func TestReconcileDoesNotMutateInput(t *testing.T) {
	orig := submittedRecord()
	if _, err := Reconcile(orig, map[string]int{"F1": 3}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if orig.Answers[1].EarnedPoints != 0 || orig.Answers[1].ManuallyGraded {
		t.Error("input record answers were mutated")
	}
}
