package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/pavelanni/proctor/internal/feed"
	"github.com/pavelanni/proctor/internal/model"
	"github.com/pavelanni/proctor/internal/scoring"
)

const questionColumns = `id, exam_id, type, text, options, answer, points, position`

type scanner interface {
	Scan(dest ...any) error
}

func scanQuestion(row scanner) (model.Question, error) {
	var q model.Question
	var options string
	if err := row.Scan(&q.ID, &q.ExamID, &q.Type, &q.Text, &options, &q.Answer, &q.Points, &q.Position); err != nil {
		return model.Question{}, err
	}
	if err := json.Unmarshal([]byte(options), &q.Options); err != nil {
		return model.Question{}, fmt.Errorf("decode options of question %s: %w", q.ID, err)
	}
	if len(q.Options) == 0 {
		q.Options = nil
	}
	return q, nil
}

// normalizeQuestion validates q and stores choice answers in canonical form.
func normalizeQuestion(q model.Question) (model.Question, error) {
	q.Text = strings.TrimSpace(q.Text)
	if !q.Type.IsChoice() {
		q.Options = nil
	}
	if err := q.Validate(); err != nil {
		return model.Question{}, err
	}
	q.Answer = scoring.CanonicalAnswer(q)
	return q, nil
}

func encodeOptions(opts []string) (string, error) {
	if opts == nil {
		opts = []string{}
	}
	b, err := json.Marshal(opts)
	return string(b), err
}

// CreateQuestion validates and inserts a question. A zero Position appends it
// after the exam's last question.
func (s *Store) CreateQuestion(ctx context.Context, q model.Question) (model.Question, error) {
	q, err := normalizeQuestion(q)
	if err != nil {
		return model.Question{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Question{}, err
	}
	defer tx.Rollback()

	q, err = insertQuestionTx(ctx, tx, q)
	if err != nil {
		return model.Question{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Question{}, err
	}
	s.changed(ctx, feed.CollectionQuestions)
	return q, nil
}

func insertQuestionTx(ctx context.Context, tx *sql.Tx, q model.Question) (model.Question, error) {
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM exams WHERE id = ?`, q.ExamID).Scan(&exists); err != nil {
		return model.Question{}, err
	}
	if exists == 0 {
		return model.Question{}, fmt.Errorf("exam %s: %w", q.ExamID, ErrNotFound)
	}
	if q.Position <= 0 {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(position), 0) + 1 FROM questions WHERE exam_id = ?`, q.ExamID,
		).Scan(&q.Position); err != nil {
			return model.Question{}, err
		}
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	opts, err := encodeOptions(q.Options)
	if err != nil {
		return model.Question{}, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO questions (`+questionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.ExamID, q.Type, q.Text, opts, q.Answer, q.Points, q.Position,
	)
	if err != nil {
		return model.Question{}, fmt.Errorf("insert question: %w", err)
	}
	return q, nil
}

// UpdateQuestion replaces a question's content. Its exam cannot change.
func (s *Store) UpdateQuestion(ctx context.Context, q model.Question) (model.Question, error) {
	cur, err := s.GetQuestion(ctx, q.ID)
	if err != nil {
		return model.Question{}, err
	}
	q.ExamID = cur.ExamID
	if q.Position <= 0 {
		q.Position = cur.Position
	}
	q, err = normalizeQuestion(q)
	if err != nil {
		return model.Question{}, err
	}
	opts, err := encodeOptions(q.Options)
	if err != nil {
		return model.Question{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE questions SET type = ?, text = ?, options = ?, answer = ?, points = ?, position = ?
		 WHERE id = ?`,
		q.Type, q.Text, opts, q.Answer, q.Points, q.Position, q.ID,
	)
	if err != nil {
		return model.Question{}, err
	}
	if err := requireRow(res); err != nil {
		return model.Question{}, err
	}
	s.changed(ctx, feed.CollectionQuestions)
	return q, nil
}

// DeleteQuestion removes a question.
func (s *Store) DeleteQuestion(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM questions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	slog.Info("deleted question", "id", id)
	s.changed(ctx, feed.CollectionQuestions)
	return nil
}

// GetQuestion returns a question by ID.
func (s *Store) GetQuestion(ctx context.Context, id string) (model.Question, error) {
	q, err := scanQuestion(s.db.QueryRowContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id = ?`, id))
	if err != nil {
		return model.Question{}, notFound(err)
	}
	return q, nil
}

// ListQuestions returns an exam's questions in position order.
func (s *Store) ListQuestions(ctx context.Context, examID string) ([]model.Question, error) {
	return s.queryQuestions(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE exam_id = ? ORDER BY position, id`, examID)
}

func (s *Store) listAllQuestions(ctx context.Context) ([]model.Question, error) {
	return s.queryQuestions(ctx,
		`SELECT `+questionColumns+` FROM questions ORDER BY exam_id, position, id`)
}

func (s *Store) queryQuestions(ctx context.Context, query string, args ...any) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// QuestionCount returns the number of questions of an exam.
func (s *Store) QuestionCount(ctx context.Context, examID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions WHERE exam_id = ?`, examID).Scan(&count)
	return count, err
}
