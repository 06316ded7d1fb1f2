package rules

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists rules in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a rules database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open rules db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS rules (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		enabled      INTEGER NOT NULL DEFAULT 1,
		when_json    TEXT NOT NULL,
		then_json    TEXT NOT NULL,
		trigger_json TEXT NOT NULL,
		flags_json   TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create rules: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_rules_enabled ON rules(enabled)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_rules_updated_at ON rules(updated_at)`)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create inserts a new rule.
func (s *Store) Create(rule Rule) (*Rule, error) {
	now := time.Now().UTC()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	whenJSON, thenJSON, triggerJSON, flagsJSON, err := marshalRuleBlobs(&rule)
	if err != nil {
		return nil, err
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	_, err = s.db.Exec(`INSERT INTO rules (id, name, description, enabled, when_json, then_json, trigger_json, flags_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID,
		rule.Name,
		rule.Description,
		enabled,
		whenJSON,
		thenJSON,
		triggerJSON,
		flagsJSON,
		rule.CreatedAt.Format(time.RFC3339Nano),
		rule.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert rule: %w", err)
	}

	copyRule := rule
	return &copyRule, nil
}

// Update updates an existing rule.
func (s *Store) Update(rule Rule) (*Rule, error) {
	if rule.ID == "" {
		return nil, fmt.Errorf("rule id required")
	}

	rule.UpdatedAt = time.Now().UTC()

	whenJSON, thenJSON, triggerJSON, flagsJSON, err := marshalRuleBlobs(&rule)
	if err != nil {
		return nil, err
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	result, err := s.db.Exec(`UPDATE rules
		SET name = ?, description = ?, enabled = ?, when_json = ?, then_json = ?, trigger_json = ?, flags_json = ?, updated_at = ?
		WHERE id = ?`,
		rule.Name,
		rule.Description,
		enabled,
		whenJSON,
		thenJSON,
		triggerJSON,
		flagsJSON,
		rule.UpdatedAt.Format(time.RFC3339Nano),
		rule.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, sql.ErrNoRows
	}

	return s.Get(rule.ID)
}

// Get returns one rule by ID.
func (s *Store) Get(id string) (*Rule, error) {
	row := s.db.QueryRow(`SELECT id, name, description, enabled, when_json, then_json, trigger_json, flags_json, created_at, updated_at
		FROM rules WHERE id = ?`, id)
	return scanRule(row)
}

// List returns all rules in id order, which is also the deterministic
// evaluation order for run-all operations.
func (s *Store) List() ([]Rule, error) {
	rows, err := s.db.Query(`SELECT id, name, description, enabled, when_json, then_json, trigger_json, flags_json, created_at, updated_at
		FROM rules
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Rule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			continue
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

// Delete deletes a rule by ID.
func (s *Store) Delete(id string) error {
	result, err := s.db.Exec(`DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func marshalRuleBlobs(rule *Rule) (whenJSON, thenJSON, triggerJSON, flagsJSON string, err error) {
	when := rule.When
	if len(when) == 0 {
		when = json.RawMessage("{}")
	}
	thenBytes, err := json.Marshal(rule.Then)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal then: %w", err)
	}
	triggerBytes, err := json.Marshal(rule.Trigger)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal trigger: %w", err)
	}
	flagsBytes, err := json.Marshal(rule.Flags)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal flags: %w", err)
	}
	return string(when), string(thenBytes), string(triggerBytes), string(flagsBytes), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(s scanner) (*Rule, error) {
	var (
		rule                                       Rule
		enabled                                    int
		whenJSON, thenJSON, triggerJSON, flagsJSON string
		createdAt, updatedAt                       string
	)

	if err := s.Scan(
		&rule.ID,
		&rule.Name,
		&rule.Description,
		&enabled,
		&whenJSON,
		&thenJSON,
		&triggerJSON,
		&flagsJSON,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	rule.Enabled = enabled == 1
	rule.When = json.RawMessage(whenJSON)
	_ = json.Unmarshal([]byte(thenJSON), &rule.Then)
	_ = json.Unmarshal([]byte(triggerJSON), &rule.Trigger)
	_ = json.Unmarshal([]byte(flagsJSON), &rule.Flags)
	rule.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rule.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return &rule, nil
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
