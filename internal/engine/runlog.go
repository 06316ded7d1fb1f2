package engine

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNoRun reports a run log lookup miss.
var ErrNoRun = errors.New("run not found")

const defaultRunLogCap = 512

// RunRecord is one appended rule run. Result holds the full
// RuleRunResult JSON.
type RunRecord struct {
	ID         string          `json:"id"`
	RuleID     string          `json:"ruleId"`
	RuleName   string          `json:"ruleName,omitempty"`
	Trigger    string          `json:"trigger"`
	DryRun     bool            `json:"dryRun"`
	Result     json.RawMessage `json:"result"`
	DurationMs int64           `json:"durationMs"`
	StartedAt  time.Time       `json:"startedAt"`
}

// RunLog stores run history. List returns newest first.
type RunLog interface {
	Append(rec RunRecord) error
	List(limit int) ([]RunRecord, error)
	Get(id string) (*RunRecord, error)
}

func enrichRecord(rec *RunRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
}

// MemoryRunLog is a bounded in-process run log, used by tests and as
// the fallback when the SQLite log cannot be opened.
type MemoryRunLog struct {
	mu     sync.RWMutex
	runs   []RunRecord
	maxLen int
}

// NewMemoryRunLog creates an empty log. maxLen <= 0 uses the default
// capacity.
func NewMemoryRunLog(maxLen int) *MemoryRunLog {
	if maxLen <= 0 {
		maxLen = defaultRunLogCap
	}
	return &MemoryRunLog{maxLen: maxLen}
}

func (l *MemoryRunLog) Append(rec RunRecord) error {
	enrichRecord(&rec)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs = append(l.runs, rec)
	if len(l.runs) > l.maxLen {
		l.runs = l.runs[len(l.runs)-l.maxLen:]
	}
	return nil
}

func (l *MemoryRunLog) List(limit int) ([]RunRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.runs) {
		limit = len(l.runs)
	}
	out := make([]RunRecord, 0, limit)
	for i := len(l.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.runs[i])
	}
	return out, nil
}

func (l *MemoryRunLog) Get(id string) (*RunRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := range l.runs {
		if l.runs[i].ID == id {
			rec := l.runs[i]
			return &rec, nil
		}
	}
	return nil, ErrNoRun
}

// SQLiteRunLog persists run history in SQLite.
type SQLiteRunLog struct {
	db *sql.DB
}

// NewSQLiteRunLog opens (or creates) a run log database.
func NewSQLiteRunLog(dbPath string) (*SQLiteRunLog, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open run log db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS rule_runs (
		id           TEXT PRIMARY KEY,
		rule_id      TEXT NOT NULL,
		rule_name    TEXT NOT NULL DEFAULT '',
		trigger_kind TEXT NOT NULL,
		dry_run      INTEGER NOT NULL DEFAULT 0,
		result_json  TEXT NOT NULL,
		duration_ms  INTEGER NOT NULL,
		started_at   TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create rule_runs: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_rule_runs_rule ON rule_runs(rule_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_rule_runs_started ON rule_runs(started_at)`)

	return &SQLiteRunLog{db: db}, nil
}

// Close closes the underlying database.
func (l *SQLiteRunLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *SQLiteRunLog) Append(rec RunRecord) error {
	enrichRecord(&rec)

	result := rec.Result
	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	dryRun := 0
	if rec.DryRun {
		dryRun = 1
	}

	_, err := l.db.Exec(`INSERT INTO rule_runs (id, rule_id, rule_name, trigger_kind, dry_run, result_json, duration_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.RuleID,
		rec.RuleName,
		rec.Trigger,
		dryRun,
		string(result),
		rec.DurationMs,
		rec.StartedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (l *SQLiteRunLog) List(limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.Query(`SELECT id, rule_id, rule_name, trigger_kind, dry_run, result_json, duration_ms, started_at
		FROM rule_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (l *SQLiteRunLog) Get(id string) (*RunRecord, error) {
	row := l.db.QueryRow(`SELECT id, rule_id, rule_name, trigger_kind, dry_run, result_json, duration_ms, started_at
		FROM rule_runs WHERE id = ?`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRun
	}
	return rec, err
}

type runScanner interface {
	Scan(dest ...any) error
}

func scanRun(row runScanner) (*RunRecord, error) {
	var (
		rec       RunRecord
		dryRun    int
		result    string
		startedAt string
	)
	if err := row.Scan(&rec.ID, &rec.RuleID, &rec.RuleName, &rec.Trigger, &dryRun, &result, &rec.DurationMs, &startedAt); err != nil {
		return nil, err
	}
	rec.DryRun = dryRun != 0
	rec.Result = json.RawMessage(result)
	ts, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	rec.StartedAt = ts
	return &rec, nil
}
