package scoring

import (
	"errors"
	"fmt"

	"github.com/pavelanni/proctor/internal/model"
)

var (
	// ErrNotGradable is returned when points target an objective answer.
	ErrNotGradable = errors.New("answer is not manually gradable")
	// ErrUnknownAnswer is returned when points target a question absent from the record.
	ErrUnknownAnswer = errors.New("no such answer in record")
)

// Clamp limits points to [0, max].
func Clamp(points, max int) int {
	if points < 0 {
		return 0
	}
	if points > max {
		return max
	}
	return points
}

// Reconcile applies manual points to the free-response answers of a record.
// Objective answers and AutoScore stay frozen. ManualScore and TotalScore are
// recomputed over all answers. Applying the same points twice yields the same
// record. The input record is not modified.
func Reconcile(rec model.Record, points map[string]int) (model.Record, error) {
	index := make(map[string]int, len(rec.Answers))
	for i, a := range rec.Answers {
		index[a.QuestionID] = i
	}
	for qid := range points {
		i, ok := index[qid]
		if !ok {
			return rec, fmt.Errorf("%w: %s", ErrUnknownAnswer, qid)
		}
		if rec.Answers[i].Type != model.QuestionFree {
			return rec, fmt.Errorf("%w: %s", ErrNotGradable, qid)
		}
	}

	out := rec
	out.Answers = make([]model.Answer, len(rec.Answers))
	copy(out.Answers, rec.Answers)

	for qid, p := range points {
		a := &out.Answers[index[qid]]
		a.EarnedPoints = Clamp(p, a.MaxPoints)
		a.ManuallyGraded = true
		a.IsCorrect = a.EarnedPoints == a.MaxPoints
	}

	_, manual, _ := Totals(out.Answers)
	out.ManualScore = manual
	out.TotalScore = out.AutoScore + manual
	return out, nil
}
