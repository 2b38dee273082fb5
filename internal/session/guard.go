package session

import (
	"strings"

	"github.com/pavelanni/proctor/internal/model"
)

// NormalizeCandidateID trims whitespace and case-folds a candidate identifier.
func NormalizeCandidateID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// FindPrior looks for an existing record of the candidate for the exam.
//
// The scan runs over a possibly stale snapshot, so a record written moments
// ago by another session may not be visible yet. Two concurrent first attempts
// by the same candidate can both pass this check.
func FindPrior(records []model.Record, candidateID, examID string) (model.Record, bool) {
	key := NormalizeCandidateID(candidateID)
	if key == "" {
		return model.Record{}, false
	}
	for _, r := range records {
		if r.ExamID == examID && NormalizeCandidateID(r.CandidateID) == key {
			return r, true
		}
	}
	return model.Record{}, false
}
