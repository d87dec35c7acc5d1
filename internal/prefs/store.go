// Package prefs persists UI display preferences, such as the active view mode,
// in a local sqlite database. Documents and execution state are never stored here.
package prefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidValue = errors.New("invalid value")
)

// Well-known preference keys.
const (
	KeyMode             = "mode"
	KeyGraphOrientation = "graph.orientation"
	KeyShowCosts        = "results.show_costs"
)

// allowed lists the accepted values for keys that take one of a fixed set.
// Keys not listed here accept any non-empty value.
var allowed = map[string][]string{
	KeyMode:             {"canvas", "notebook", "yaml"},
	KeyGraphOrientation: {"horizontal", "vertical"},
	KeyShowCosts:        {"true", "false"},
}

var defaults = map[string]string{
	KeyMode:             "canvas",
	KeyGraphOrientation: "horizontal",
	KeyShowCosts:        "true",
}

type Preference struct {
	Key       string
	Value     string
	UpdatedAt time.Time
	Default   bool
}

type RecentDocument struct {
	Path      string
	CascadeID string
	OpenedAt  time.Time
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create prefs dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod prefs path: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Validate reports whether value is acceptable for key.
func Validate(key, value string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidValue)
	}
	if value == "" {
		return fmt.Errorf("%w: empty value for %s", ErrInvalidValue, key)
	}
	choices, ok := allowed[key]
	if !ok {
		return nil
	}
	for _, c := range choices {
		if c == value {
			return nil
		}
	}
	return fmt.Errorf("%w: %s must be one of %v, got %q", ErrInvalidValue, key, choices, value)
}

// Get returns the stored value for key, falling back to the built-in default.
// ErrNotFound is returned when neither exists.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		if d, ok := defaults[key]; ok {
			return d, nil
		}
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("get preference %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := Validate(key, value); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO preferences(key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, ts(s.now()))
	if err != nil {
		return fmt.Errorf("set preference %s: %w", key, err)
	}
	return nil
}

// Delete removes a stored value so that Get falls back to the default again.
func (s *Store) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM preferences WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete preference %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

// List returns stored preferences merged with defaults for unset keys,
// sorted by key.
func (s *Store) List(ctx context.Context) ([]Preference, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, updated_at FROM preferences ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var out []Preference
	for rows.Next() {
		var p Preference
		var updated string
		if err := rows.Scan(&p.Key, &p.Value, &updated); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		if p.UpdatedAt, err = parseTS(updated); err != nil {
			return nil, fmt.Errorf("parse updated_at for %s: %w", p.Key, err)
		}
		seen[p.Key] = true
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate preferences: %w", err)
	}
	for k, v := range defaults {
		if !seen[k] {
			out = append(out, Preference{Key: k, Value: v, Default: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// TouchRecent records that the document at path was opened.
func (s *Store) TouchRecent(ctx context.Context, path, cascadeID string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO recent_documents(path, cascade_id, opened_at) VALUES (?, ?, ?)
ON CONFLICT(path) DO UPDATE SET cascade_id = excluded.cascade_id, opened_at = excluded.opened_at`,
		abs, cascadeID, ts(s.now()))
	if err != nil {
		return fmt.Errorf("touch recent %s: %w", abs, err)
	}
	return nil
}

// Recent returns up to limit recently opened documents, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]RecentDocument, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `SELECT path, cascade_id, opened_at FROM recent_documents ORDER BY opened_at DESC, path LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent documents: %w", err)
	}
	defer rows.Close()

	var out []RecentDocument
	for rows.Next() {
		var d RecentDocument
		var opened string
		if err := rows.Scan(&d.Path, &d.CascadeID, &opened); err != nil {
			return nil, fmt.Errorf("scan recent document: %w", err)
		}
		if d.OpenedAt, err = parseTS(opened); err != nil {
			return nil, fmt.Errorf("parse opened_at for %s: %w", d.Path, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
