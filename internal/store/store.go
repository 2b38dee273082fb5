package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pavelanni/proctor/internal/feed"
	"github.com/pavelanni/proctor/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Options tune store behaviour.
type Options struct {
	// UniqueAttempts adds a unique index on (candidate, exam) so that two
	// concurrent first attempts cannot both persist a record.
	UniqueAttempts bool
}

// Store persists exams, questions, records and operator accounts in SQLite,
// and publishes a fresh snapshot of a collection after each committed change.
type Store struct {
	db   *sql.DB
	opts Options
	bus  feed.Bus

	exams     *feed.Hub[[]model.Exam]
	questions *feed.Hub[[]model.Question]
	records   *feed.Hub[[]model.Record]

	// refreshMu serializes reading and publishing a collection's snapshot,
	// so a hub never ends up holding an older listing than a newer one it saw.
	refreshMu map[feed.Collection]*sync.Mutex
}

func New(dbPath string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{
		db:        db,
		opts:      opts,
		bus:       feed.NopBus{},
		exams:     feed.NewHub[[]model.Exam](),
		questions: feed.NewHub[[]model.Question](),
		records:   feed.NewHub[[]model.Record](),
		refreshMu: map[feed.Collection]*sync.Mutex{
			feed.CollectionExams:     {},
			feed.CollectionQuestions: {},
			feed.CollectionRecords:   {},
		},
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	ctx := context.Background()
	for _, c := range []feed.Collection{feed.CollectionExams, feed.CollectionQuestions, feed.CollectionRecords} {
		if err := s.Refresh(ctx, c); err != nil {
			db.Close()
			return nil, fmt.Errorf("load %s: %w", c, err)
		}
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetBus attaches the replica change bus. Must be called before serving.
func (s *Store) SetBus(b feed.Bus) {
	if b == nil {
		b = feed.NopBus{}
	}
	s.bus = b
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exams (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS questions (
		id TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL,
		type TEXT NOT NULL,
		text TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '[]',
		answer TEXT NOT NULL DEFAULT '',
		points INTEGER NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (exam_id) REFERENCES exams(id)
	);
	CREATE INDEX IF NOT EXISTS idx_questions_exam ON questions(exam_id, position);

	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL,
		exam_title TEXT NOT NULL DEFAULT '',
		candidate_id TEXT NOT NULL,
		candidate_key TEXT NOT NULL,
		candidate_name TEXT NOT NULL,
		auto_score INTEGER NOT NULL DEFAULT 0,
		manual_score INTEGER NOT NULL DEFAULT 0,
		total_score INTEGER NOT NULL DEFAULT 0,
		answers TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		was_terminated INTEGER NOT NULL DEFAULT 0,
		graded_at DATETIME,
		graded_by TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_records_exam ON records(exam_id);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS flags (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		hash TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		exam_id TEXT NOT NULL,
		imported_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	if s.opts.UniqueAttempts {
		_, err := s.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_records_candidate_exam
			ON records(candidate_key, exam_id)`)
		if err != nil {
			return fmt.Errorf("unique attempts index: %w", err)
		}
	}
	return nil
}

// SubscribeExams calls fn with every new exams snapshot, starting with the current one.
func (s *Store) SubscribeExams(fn func([]model.Exam)) (unsubscribe func()) {
	return s.exams.Subscribe(fn)
}

// SubscribeQuestions calls fn with every new questions snapshot.
func (s *Store) SubscribeQuestions(fn func([]model.Question)) (unsubscribe func()) {
	return s.questions.Subscribe(fn)
}

// SubscribeRecords calls fn with every new records snapshot.
func (s *Store) SubscribeRecords(fn func([]model.Record)) (unsubscribe func()) {
	return s.records.Subscribe(fn)
}

// Refresh reloads a collection and publishes it to local subscribers.
// Concurrent refreshes of one collection publish in the order they read.
func (s *Store) Refresh(ctx context.Context, c feed.Collection) error {
	mu, ok := s.refreshMu[c]
	if !ok {
		return fmt.Errorf("unknown collection %q", c)
	}
	mu.Lock()
	defer mu.Unlock()

	switch c {
	case feed.CollectionExams:
		exams, err := s.ListExams(ctx)
		if err != nil {
			return err
		}
		s.exams.Publish(exams)
	case feed.CollectionQuestions:
		qs, err := s.listAllQuestions(ctx)
		if err != nil {
			return err
		}
		s.questions.Publish(qs)
	case feed.CollectionRecords:
		recs, err := s.ListRecords(ctx, "")
		if err != nil {
			return err
		}
		s.records.Publish(recs)
	default:
		return fmt.Errorf("unknown collection %q", c)
	}
	return nil
}

// changed is called after a committed write. The write already succeeded,
// so failures here are only logged.
func (s *Store) changed(ctx context.Context, cs ...feed.Collection) {
	ctx = context.WithoutCancel(ctx)
	for _, c := range cs {
		if err := s.Refresh(ctx, c); err != nil {
			slog.Error("failed to refresh snapshot", "collection", c, "error", err)
			continue
		}
		if err := s.bus.Publish(ctx, c); err != nil {
			slog.Warn("failed to publish change notice", "collection", c, "error", err)
		}
	}
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
