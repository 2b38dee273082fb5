// Package scoring grades candidate responses and reconciles manual scores.
//
// Grading is split in two phases. Grade runs once at submission and scores
// objective items; free-response items start at zero points and are left for
// Reconcile, which a grader applies to a persisted record later.
package scoring

import (
	"strings"

	"github.com/pavelanni/proctor/internal/model"
)

// Grade scores every question against the responses and returns the answers
// in question order together with the automatic score.
// It has no side effects: identical input yields identical output.
func Grade(questions []model.Question, responses Responses) ([]model.Answer, int) {
	answers := make([]model.Answer, 0, len(questions))
	auto := 0
	for _, q := range questions {
		resp := responses[q.ID]
		a := model.Answer{
			QuestionID:    q.ID,
			QuestionText:  q.Text,
			Type:          q.Type,
			CorrectAnswer: canonicalAnswer(q),
			Response:      resp.Canonical(q.Type),
			MaxPoints:     q.Points,
		}
		switch q.Type {
		case model.QuestionSingle:
			a.IsCorrect = singleCorrect(resp.Text, q.Answer)
		case model.QuestionMultiple:
			a.IsCorrect = multipleCorrect(resp.Choices, q.Answer)
		case model.QuestionFree:
			// Deferred to manual reconciliation.
		}
		if a.IsCorrect {
			a.EarnedPoints = q.Points
			auto += q.Points
		}
		answers = append(answers, a)
	}
	return answers, auto
}

func singleCorrect(response, answer string) bool {
	response = strings.TrimSpace(response)
	if response == "" {
		return false
	}
	return strings.EqualFold(response, strings.TrimSpace(answer))
}

// multipleCorrect requires exact set equality. An empty response never
// matches, even against a degenerate empty key.
func multipleCorrect(choices OptionSet, answer string) bool {
	if choices.Empty() {
		return false
	}
	key, err := ParseOptionSet(answer)
	if err != nil {
		return false
	}
	return choices == key
}

func canonicalAnswer(q model.Question) string {
	switch q.Type {
	case model.QuestionMultiple:
		if s, err := ParseOptionSet(q.Answer); err == nil {
			return s.String()
		}
	case model.QuestionSingle:
		return strings.ToUpper(strings.TrimSpace(q.Answer))
	}
	return q.Answer
}

// CanonicalAnswer normalizes a question's answer key for storage.
func CanonicalAnswer(q model.Question) string {
	return canonicalAnswer(q)
}

// Totals recomputes auto, manual and total scores from the answers.
func Totals(answers []model.Answer) (auto, manual, total int) {
	for _, a := range answers {
		if a.Type == model.QuestionFree {
			manual += a.EarnedPoints
		} else {
			auto += a.EarnedPoints
		}
	}
	return auto, manual, auto + manual
}
