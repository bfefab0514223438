package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps rules in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rules (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		logic TEXT NOT NULL DEFAULT '',
		sql_text TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, code string) (Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT code, name, logic, sql_text, updated_at FROM rules WHERE code = ?
	`, code)

	var r Rule
	if err := row.Scan(&r.Code, &r.Name, &r.Logic, &r.SQL, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Rule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, code)
		}
		return Rule{}, fmt.Errorf("failed to load rule: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rules (code, name, logic, sql_text, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name,
			logic = excluded.logic,
			sql_text = excluded.sql_text,
			updated_at = excluded.updated_at
	`, rule.Code, rule.Name, rule.Logic, rule.SQL, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, name, logic, sql_text, updated_at FROM rules ORDER BY code
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.Code, &r.Name, &r.Logic, &r.SQL, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
