package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/proctor/internal/feed"
	"github.com/pavelanni/proctor/internal/model"
)

// CreateExam inserts a new inactive exam.
func (s *Store) CreateExam(ctx context.Context, title string) (model.Exam, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return model.Exam{}, fmt.Errorf("exam title is required")
	}
	e := model.Exam{ID: uuid.NewString(), Title: title, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exams (id, title, is_active, created_at) VALUES (?, ?, 0, ?)`,
		e.ID, e.Title, e.CreatedAt,
	)
	if err != nil {
		return model.Exam{}, fmt.Errorf("insert exam: %w", err)
	}
	slog.Info("created exam", "id", e.ID, "title", e.Title)
	s.changed(ctx, feed.CollectionExams)
	return e, nil
}

// GetExam returns an exam by ID.
func (s *Store) GetExam(ctx context.Context, id string) (model.Exam, error) {
	var e model.Exam
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, is_active, created_at FROM exams WHERE id = ?`, id,
	).Scan(&e.ID, &e.Title, &e.IsActive, &e.CreatedAt)
	if err != nil {
		return model.Exam{}, notFound(err)
	}
	return e, nil
}

// ListExams returns all exams, oldest first.
func (s *Store) ListExams(ctx context.Context) ([]model.Exam, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, is_active, created_at FROM exams ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var exams []model.Exam
	for rows.Next() {
		var e model.Exam
		if err := rows.Scan(&e.ID, &e.Title, &e.IsActive, &e.CreatedAt); err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

// RenameExam changes an exam's title.
func (s *Store) RenameExam(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("exam title is required")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE exams SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	s.changed(ctx, feed.CollectionExams)
	return nil
}

// DeleteExam removes an exam and its questions. Records are kept; they carry
// their own snapshot of the exam title and question texts.
func (s *Store) DeleteExam(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE exam_id = ?`, id); err != nil {
		return fmt.Errorf("delete questions: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM exams WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete exam: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("deleted exam", "id", id)
	s.changed(ctx, feed.CollectionExams, feed.CollectionQuestions)
	return nil
}

// ActivateExam makes id the only active exam. Deactivating the others and
// activating the target happen in one transaction.
func (s *Store) ActivateExam(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE exams SET is_active = 0 WHERE is_active = 1`); err != nil {
		return fmt.Errorf("deactivate exams: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE exams SET is_active = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("activate exam: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("activated exam", "id", id)
	s.changed(ctx, feed.CollectionExams)
	return nil
}

// DeactivateExam closes an exam. No exam is active afterwards if it was the active one.
func (s *Store) DeactivateExam(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE exams SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	slog.Info("deactivated exam", "id", id)
	s.changed(ctx, feed.CollectionExams)
	return nil
}

type rowsAffected interface {
	RowsAffected() (int64, error)
}

func requireRow(res rowsAffected) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
