// Package grading applies operator-assigned free-response scores to
// persisted records.
package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/proctor/internal/llm"
	"github.com/pavelanni/proctor/internal/model"
	"github.com/pavelanni/proctor/internal/scoring"
	"github.com/pavelanni/proctor/internal/store"
)

// ErrSuggestionsDisabled is returned by Suggest when no model is configured.
var ErrSuggestionsDisabled = errors.New("scoring suggestions are not configured")

// RecordStore is the part of the store grading needs.
type RecordStore interface {
	GetRecord(ctx context.Context, id string) (model.Record, error)
	GradeRecord(ctx context.Context, id string, grade func(model.Record) (store.RecordGrading, error)) (model.Record, error)
}

// Suggester proposes a score for a free-response answer.
type Suggester interface {
	SuggestScore(ctx context.Context, answer model.Answer) (*llm.Suggestion, error)
}

// Service reconciles manual grades into records.
type Service struct {
	records   RecordStore
	suggester Suggester
	now       func() time.Time
}

// NewService creates a grading service. suggester may be nil.
func NewService(records RecordStore, suggester Suggester) *Service {
	return &Service{records: records, suggester: suggester, now: time.Now}
}

// Apply applies points per free-response question to the record as it is
// stored and persists the recomputed scores in the same transaction, so
// grades given concurrently by another grader are kept. Objective answers
// cannot be changed.
func (s *Service) Apply(ctx context.Context, recordID string, points map[string]int, grader string) (model.Record, error) {
	at := s.now().UTC()
	updated, err := s.records.GradeRecord(ctx, recordID, func(rec model.Record) (store.RecordGrading, error) {
		r, err := scoring.Reconcile(rec, points)
		if err != nil {
			return store.RecordGrading{}, err
		}
		return store.RecordGrading{
			Answers:     r.Answers,
			ManualScore: r.ManualScore,
			TotalScore:  r.TotalScore,
			GradedAt:    at,
			GradedBy:    grader,
		}, nil
	})
	if err != nil {
		return model.Record{}, fmt.Errorf("grade record %s: %w", recordID, err)
	}
	slog.Info("applied grades", "record_id", recordID, "questions", len(points),
		"manual_score", updated.ManualScore, "pending", updated.PendingGrading())
	return updated, nil
}

// Suggest asks the model for an advisory score of one free-response answer.
func (s *Service) Suggest(ctx context.Context, recordID, questionID string) (*llm.Suggestion, error) {
	if s.suggester == nil {
		return nil, ErrSuggestionsDisabled
	}
	rec, err := s.records.GetRecord(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", recordID, err)
	}
	for _, a := range rec.Answers {
		if a.QuestionID != questionID {
			continue
		}
		if a.Type != model.QuestionFree {
			return nil, fmt.Errorf("%w: %s", scoring.ErrNotGradable, questionID)
		}
		return s.suggester.SuggestScore(ctx, a)
	}
	return nil, fmt.Errorf("%w: %s", scoring.ErrUnknownAnswer, questionID)
}
