package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/pavelanni/proctor/internal/feed"
	"github.com/pavelanni/proctor/internal/model"
	"github.com/pavelanni/proctor/internal/session"
)

const recordColumns = `id, exam_id, exam_title, candidate_id, candidate_name, auto_score, manual_score,
	total_score, answers, created_at, was_terminated, graded_at, graded_by`

// RecordGrading is the partial update written by grading reconciliation.
type RecordGrading struct {
	Answers     []model.Answer
	ManualScore int
	TotalScore  int
	GradedAt    time.Time
	GradedBy    string
}

func scanRecord(row scanner) (model.Record, error) {
	var r model.Record
	var answers string
	var gradedAt sql.NullTime
	err := row.Scan(&r.ID, &r.ExamID, &r.ExamTitle, &r.CandidateID, &r.CandidateName,
		&r.AutoScore, &r.ManualScore, &r.TotalScore, &answers, &r.Timestamp,
		&r.WasTerminated, &gradedAt, &r.GradedBy)
	if err != nil {
		return model.Record{}, err
	}
	if err := json.Unmarshal([]byte(answers), &r.Answers); err != nil {
		return model.Record{}, fmt.Errorf("decode answers of record %s: %w", r.ID, err)
	}
	if gradedAt.Valid {
		t := gradedAt.Time
		r.GradedAt = &t
	}
	return r, nil
}

// CreateRecord persists a submitted attempt. With unique attempts enabled, a
// second record for the same candidate and exam is refused and the existing
// one is returned together with model.ErrDuplicateRecord.
func (s *Store) CreateRecord(ctx context.Context, rec model.Record) (model.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Answers == nil {
		rec.Answers = []model.Answer{}
	}
	answers, err := json.Marshal(rec.Answers)
	if err != nil {
		return model.Record{}, fmt.Errorf("encode answers: %w", err)
	}
	key := session.NormalizeCandidateID(rec.CandidateID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Record{}, err
	}
	defer tx.Rollback()

	if s.opts.UniqueAttempts {
		existing, err := scanRecord(tx.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM records WHERE candidate_key = ? AND exam_id = ?`,
			key, rec.ExamID))
		if err == nil {
			return existing, model.ErrDuplicateRecord
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return model.Record{}, err
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (id, exam_id, exam_title, candidate_id, candidate_key, candidate_name,
			auto_score, manual_score, total_score, answers, created_at, was_terminated, graded_at, graded_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, '')`,
		rec.ID, rec.ExamID, rec.ExamTitle, rec.CandidateID, key, rec.CandidateName,
		rec.AutoScore, rec.ManualScore, rec.TotalScore, string(answers), rec.Timestamp, rec.WasTerminated,
	)
	if err != nil {
		if isUniqueViolation(err) {
			tx.Rollback()
			existing, ferr := s.findRecord(ctx, key, rec.ExamID)
			if ferr != nil {
				return model.Record{}, fmt.Errorf("load existing record: %w", ferr)
			}
			return existing, model.ErrDuplicateRecord
		}
		return model.Record{}, fmt.Errorf("insert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Record{}, err
	}
	rec.GradedAt = nil
	rec.GradedBy = ""
	s.changed(ctx, feed.CollectionRecords)
	return rec, nil
}

func (s *Store) findRecord(ctx context.Context, candidateKey, examID string) (model.Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE candidate_key = ? AND exam_id = ?
		 ORDER BY created_at LIMIT 1`, candidateKey, examID))
	return r, notFound(err)
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// GetRecord returns a record by ID.
func (s *Store) GetRecord(ctx context.Context, id string) (model.Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ?`, id))
	if err != nil {
		return model.Record{}, notFound(err)
	}
	return r, nil
}

// ListRecords returns the records of an exam, or of all exams when examID is
// empty, oldest first.
func (s *Store) ListRecords(ctx context.Context, examID string) ([]model.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records`
	var args []any
	if examID != "" {
		query += ` WHERE exam_id = ?`
		args = append(args, examID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GradeRecord reads a record, passes it to grade and writes the returned
// grading, all in one transaction, so concurrent graders of one record each
// build on the other's committed answers. Identity, automatic score and
// submission time are never touched. An error from grade is returned as is
// and nothing is written.
func (s *Store) GradeRecord(ctx context.Context, id string, grade func(model.Record) (RecordGrading, error)) (model.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Record{}, err
	}
	defer tx.Rollback()

	rec, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ?`, id))
	if err != nil {
		return model.Record{}, notFound(err)
	}
	g, err := grade(rec)
	if err != nil {
		return model.Record{}, err
	}
	answers, err := json.Marshal(g.Answers)
	if err != nil {
		return model.Record{}, fmt.Errorf("encode answers: %w", err)
	}
	at := g.GradedAt.UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE records SET answers = ?, manual_score = ?, total_score = ?, graded_at = ?, graded_by = ?
		 WHERE id = ?`,
		string(answers), g.ManualScore, g.TotalScore, at, g.GradedBy, id,
	)
	if err != nil {
		return model.Record{}, fmt.Errorf("update record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Record{}, err
	}

	rec.Answers = g.Answers
	rec.ManualScore = g.ManualScore
	rec.TotalScore = g.TotalScore
	rec.GradedAt = &at
	rec.GradedBy = g.GradedBy
	slog.Info("record graded", "id", id, "manual_score", g.ManualScore, "total_score", g.TotalScore, "by", g.GradedBy)
	s.changed(ctx, feed.CollectionRecords)
	return rec, nil
}
