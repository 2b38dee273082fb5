package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/proctor/internal/model"
)

// SetFlag upserts a key-value pair in the flags table.
func (s *Store) SetFlag(ctx context.Context, key, value string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flags (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?, updated_at = ?`,
		key, value, now, value, now,
	)
	return err
}

// GetFlag returns the value for a flag key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetFlag(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM flags WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// DeleteFlagsBefore removes flags not updated since t.
func (s *Store) DeleteFlagsBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flags WHERE updated_at < ?`, t.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResultFlag is the per-principal "already has a result" entry.
type ResultFlag struct {
	store *Store
	key   string
}

// ResultFlagFor returns the result flag of a candidate principal.
func (s *Store) ResultFlagFor(principal string) *ResultFlag {
	return &ResultFlag{store: s, key: "result:" + principal}
}

// Load returns the saved record summary, if any.
func (f *ResultFlag) Load(ctx context.Context) (model.Record, bool, error) {
	raw, err := f.store.GetFlag(ctx, f.key)
	if err != nil {
		return model.Record{}, false, err
	}
	if raw == "" {
		return model.Record{}, false, nil
	}
	var rec model.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return model.Record{}, false, fmt.Errorf("decode result flag: %w", err)
	}
	return rec, true, nil
}

// Save stores rec as the principal's result.
func (f *ResultFlag) Save(ctx context.Context, rec model.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return f.store.SetFlag(ctx, f.key, string(raw))
}
