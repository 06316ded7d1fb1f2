// Package pairing issues and verifies the bearer tokens that pair browser
// extensions and CLI clients with the daemon.
package pairing

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// Pairing represents a paired client. The token itself is never stored;
// only its bcrypt hash and a short prefix used for lookup.
type Pairing struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	TokenHash   string     `json:"-"`
	TokenPrefix string     `json:"token_prefix"` // "twp_" + 8 hex chars
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Enabled     bool       `json:"enabled"`
}

// Store manages pairings with SQLite backing.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStore opens (or creates) a SQLite-backed pairing store.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open pairing db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS pairings (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		token_hash   TEXT NOT NULL,
		token_prefix TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		last_used    TEXT,
		expires_at   TEXT,
		enabled      INTEGER NOT NULL DEFAULT 1
	)`); err != nil {
		db.Close()
		return nil, err
	}

	db.Exec(`CREATE INDEX IF NOT EXISTS idx_pairings_prefix ON pairings(token_prefix)`)

	return &Store{db: db}, nil
}

// Pair generates a token for a named client, stores the bcrypt hash, and
// returns the plaintext once.
func (s *Store) Pair(name string, expiresAt *time.Time) (*Pairing, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate token: %w", err)
	}
	plain := "twp_" + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash token: %w", err)
	}

	now := time.Now().UTC()
	p := &Pairing{
		ID:          uuid.NewString(),
		Name:        name,
		TokenHash:   string(hash),
		TokenPrefix: plain[:12],
		CreatedAt:   now,
		Enabled:     true,
		ExpiresAt:   expiresAt,
	}

	var expiresStr sql.NullString
	if expiresAt != nil {
		expiresStr = sql.NullString{String: expiresAt.Format(time.RFC3339Nano), Valid: true}
	}

	_, err = s.db.Exec(`INSERT INTO pairings (id, name, token_hash, token_prefix, created_at, expires_at, enabled)
		VALUES (?, ?, ?, ?, ?, ?, 1)`,
		p.ID, p.Name, p.TokenHash, p.TokenPrefix,
		now.Format(time.RFC3339Nano), expiresStr)
	if err != nil {
		return nil, "", fmt.Errorf("store pairing: %w", err)
	}

	return p, plain, nil
}

// Validate checks a plaintext token, returning the Pairing if valid.
func (s *Store) Validate(plain string) (*Pairing, error) {
	if len(plain) < 12 {
		return nil, fmt.Errorf("invalid token format")
	}

	prefix := plain[:12]
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		p                   Pairing
		createdAt           string
		lastUsed, expiresAt sql.NullString
		enabled             int
	)

	err := s.db.QueryRow(`SELECT id, name, token_hash, token_prefix, created_at, last_used, expires_at, enabled
		FROM pairings WHERE token_prefix = ?`, prefix).Scan(
		&p.ID, &p.Name, &p.TokenHash, &p.TokenPrefix,
		&createdAt, &lastUsed, &expiresAt, &enabled)
	if err != nil {
		return nil, fmt.Errorf("pairing not found")
	}

	p.Enabled = enabled == 1
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if lastUsed.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastUsed.String)
		p.LastUsedAt = &t
	}
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
		p.ExpiresAt = &t
	}

	if !p.Enabled {
		return nil, fmt.Errorf("pairing disabled")
	}

	if p.ExpiresAt != nil && time.Now().UTC().After(*p.ExpiresAt) {
		return nil, fmt.Errorf("pairing expired")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(p.TokenHash), []byte(plain)); err != nil {
		return nil, fmt.Errorf("invalid token")
	}

	// Update last_used
	now := time.Now().UTC()
	p.LastUsedAt = &now
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.db.Exec(`UPDATE pairings SET last_used = ? WHERE id = ?`,
			now.Format(time.RFC3339Nano), p.ID)
	}()

	return &p, nil
}

// Verify reports whether a plaintext token is valid. It adapts Validate
// for callback-shaped callers like the websocket hub.
func (s *Store) Verify(token string) bool {
	_, err := s.Validate(token)
	return err == nil
}

// List returns all pairings (without hashes), newest first.
func (s *Store) List() []Pairing {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, name, token_prefix, created_at, last_used, expires_at, enabled FROM pairings ORDER BY created_at DESC`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []Pairing
	for rows.Next() {
		var (
			p                   Pairing
			createdAt           string
			lastUsed, expiresAt sql.NullString
			enabled             int
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.TokenPrefix, &createdAt, &lastUsed, &expiresAt, &enabled); err != nil {
			continue
		}
		p.Enabled = enabled == 1
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if lastUsed.Valid {
			t, _ := time.Parse(time.RFC3339Nano, lastUsed.String)
			p.LastUsedAt = &t
		}
		if expiresAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
			p.ExpiresAt = &t
		}
		out = append(out, p)
	}
	return out
}

// Revoke disables a pairing.
func (s *Store) Revoke(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE pairings SET enabled = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("pairing not found: %s", id)
	}
	return nil
}

// Delete removes a pairing entirely.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM pairings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("pairing not found: %s", id)
	}
	return nil
}

// Close shuts down the store.
func (s *Store) Close() error {
	return s.db.Close()
}
