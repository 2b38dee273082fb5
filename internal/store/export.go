package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/proctor/internal/model"
)

// ExportRecords builds an export of every exam with its records. Records of
// deleted exams are grouped under the exam title they were taken with.
func (s *Store) ExportRecords(ctx context.Context, examID string) (model.RecordsExport, error) {
	exams, err := s.ListExams(ctx)
	if err != nil {
		return model.RecordsExport{}, fmt.Errorf("list exams: %w", err)
	}
	records, err := s.ListRecords(ctx, examID)
	if err != nil {
		return model.RecordsExport{}, fmt.Errorf("list records: %w", err)
	}

	byExam := make(map[string]*model.ExamExport)
	var order []string
	add := func(e model.ExamExport) *model.ExamExport {
		if ex, ok := byExam[e.ExamID]; ok {
			return ex
		}
		e.Results = []model.RecordResult{}
		byExam[e.ExamID] = &e
		order = append(order, e.ExamID)
		return &e
	}

	for _, e := range exams {
		if examID != "" && e.ID != examID {
			continue
		}
		questions, err := s.ListQuestions(ctx, e.ID)
		if err != nil {
			return model.RecordsExport{}, fmt.Errorf("list questions of %s: %w", e.ID, err)
		}
		maxScore := 0
		for _, q := range questions {
			maxScore += q.Points
		}
		add(model.ExamExport{
			ExamID:       e.ID,
			Title:        e.Title,
			IsActive:     e.IsActive,
			NumQuestions: len(questions),
			MaxScore:     maxScore,
		})
	}

	for _, r := range records {
		ex, ok := byExam[r.ExamID]
		if !ok {
			ex = add(model.ExamExport{
				ExamID:       r.ExamID,
				Title:        r.ExamTitle,
				NumQuestions: len(r.Answers),
				MaxScore:     r.MaxScore(),
			})
		}
		ex.Results = append(ex.Results, model.RecordResult{
			RecordID:       r.ID,
			CandidateID:    r.CandidateID,
			CandidateName:  r.CandidateName,
			SubmittedAt:    r.Timestamp,
			WasTerminated:  r.WasTerminated,
			AutoScore:      r.AutoScore,
			ManualScore:    r.ManualScore,
			TotalScore:     r.TotalScore,
			PendingGrading: r.PendingGrading(),
			Answers:        r.Answers,
		})
	}

	out := model.RecordsExport{ExportedAt: time.Now().UTC(), Exams: make([]model.ExamExport, 0, len(order))}
	for _, id := range order {
		out.Exams = append(out.Exams, *byExam[id])
	}
	return out, nil
}
