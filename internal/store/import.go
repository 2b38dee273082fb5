package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/proctor/internal/feed"
	"github.com/pavelanni/proctor/internal/model"
)

// ErrAlreadyImported is returned when a file with the same content was imported before.
var ErrAlreadyImported = errors.New("file already imported")

// HashContent returns the hex SHA-256 of an import file.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ImportedExam returns the exam ID created from a file hash, if any.
func (s *Store) ImportedExam(ctx context.Context, hash string) (string, bool, error) {
	var examID string
	err := s.db.QueryRowContext(ctx, `SELECT exam_id FROM imported_files WHERE hash = ?`, hash).Scan(&examID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return examID, true, nil
}

// ImportExam creates an exam with its questions in one transaction. The same
// content (by hash) is imported only once.
func (s *Store) ImportExam(ctx context.Context, imp model.ExamImport, name, hash string) (model.Exam, error) {
	title := strings.TrimSpace(imp.Title)
	if title == "" {
		return model.Exam{}, fmt.Errorf("exam title is required")
	}
	if len(imp.Questions) == 0 {
		return model.Exam{}, fmt.Errorf("exam %q has no questions", title)
	}
	questions := make([]model.Question, 0, len(imp.Questions))
	for i, qi := range imp.Questions {
		q, err := normalizeQuestion(model.Question{
			Type:     qi.Type,
			Text:     qi.Text,
			Options:  qi.Options,
			Answer:   qi.Answer,
			Points:   qi.Points,
			Position: i + 1,
		})
		if err != nil {
			return model.Exam{}, fmt.Errorf("question %d: %w", i+1, err)
		}
		questions = append(questions, q)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Exam{}, err
	}
	defer tx.Rollback()

	if hash != "" {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM imported_files WHERE hash = ?`, hash).Scan(&n); err != nil {
			return model.Exam{}, err
		}
		if n > 0 {
			return model.Exam{}, ErrAlreadyImported
		}
	}

	exam := model.Exam{ID: uuid.NewString(), Title: title, CreatedAt: time.Now().UTC()}
	if imp.Active {
		if _, err := tx.ExecContext(ctx, `UPDATE exams SET is_active = 0 WHERE is_active = 1`); err != nil {
			return model.Exam{}, err
		}
		exam.IsActive = true
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO exams (id, title, is_active, created_at) VALUES (?, ?, ?, ?)`,
		exam.ID, exam.Title, exam.IsActive, exam.CreatedAt,
	); err != nil {
		return model.Exam{}, fmt.Errorf("insert exam: %w", err)
	}
	for _, q := range questions {
		q.ExamID = exam.ID
		if _, err := insertQuestionTx(ctx, tx, q); err != nil {
			return model.Exam{}, err
		}
	}
	if hash != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO imported_files (hash, name, exam_id, imported_at) VALUES (?, ?, ?, ?)`,
			hash, name, exam.ID, time.Now().UTC(),
		); err != nil {
			return model.Exam{}, fmt.Errorf("record import: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Exam{}, err
	}
	slog.Info("imported exam", "id", exam.ID, "title", exam.Title, "questions", len(questions), "file", name)
	s.changed(ctx, feed.CollectionExams, feed.CollectionQuestions)
	return exam, nil
}
