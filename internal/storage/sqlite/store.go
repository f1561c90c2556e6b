// Package sqlite persists bridge state across restarts: the current
// upstream credential and the last usage snapshot. Persistence is an
// optimization; callers treat every failure here as non-fatal.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/warpgate/internal/credential"
)

// Store is the SQLite-backed cache.
type Store struct {
	db *sql.DB
}

var _ credential.Cache = (*Store)(nil)

// New opens (or creates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			issued_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage_snapshots (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			request_limit INTEGER NOT NULL,
			requests_used INTEGER NOT NULL,
			resets_at TIMESTAMP,
			is_unlimited INTEGER NOT NULL DEFAULT 0,
			fetched_at TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// SaveCredential upserts the single persisted credential row.
func (s *Store) SaveCredential(cred credential.Credential) error {
	query := `INSERT INTO credentials (id, access_token, refresh_token, issued_at, expires_at, updated_at)
	          VALUES (1, ?, ?, ?, ?, ?)
	          ON CONFLICT(id) DO UPDATE SET
	            access_token = excluded.access_token,
	            refresh_token = excluded.refresh_token,
	            issued_at = excluded.issued_at,
	            expires_at = excluded.expires_at,
	            updated_at = excluded.updated_at`

	_, err := s.db.Exec(query,
		cred.AccessToken, cred.RefreshToken, cred.IssuedAt, cred.ExpiresAt, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// LoadCredential returns the persisted credential, or nil when none is
// stored.
func (s *Store) LoadCredential() (*credential.Credential, error) {
	query := `SELECT access_token, refresh_token, issued_at, expires_at FROM credentials WHERE id = 1`

	var cred credential.Credential
	err := s.db.QueryRow(query).Scan(
		&cred.AccessToken, &cred.RefreshToken, &cred.IssuedAt, &cred.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return &cred, nil
}

// UsageRecord is the persisted form of a quota snapshot.
type UsageRecord struct {
	RequestLimit int
	RequestsUsed int
	ResetsAt     time.Time
	Unlimited    bool
	FetchedAt    time.Time
}

// SaveUsage upserts the single persisted usage row.
func (s *Store) SaveUsage(rec UsageRecord) error {
	query := `INSERT INTO usage_snapshots (id, request_limit, requests_used, resets_at, is_unlimited, fetched_at)
	          VALUES (1, ?, ?, ?, ?, ?)
	          ON CONFLICT(id) DO UPDATE SET
	            request_limit = excluded.request_limit,
	            requests_used = excluded.requests_used,
	            resets_at = excluded.resets_at,
	            is_unlimited = excluded.is_unlimited,
	            fetched_at = excluded.fetched_at`

	_, err := s.db.Exec(query,
		rec.RequestLimit, rec.RequestsUsed, rec.ResetsAt, rec.Unlimited, rec.FetchedAt)
	if err != nil {
		return fmt.Errorf("failed to save usage snapshot: %w", err)
	}
	return nil
}

// LoadUsage returns the persisted usage snapshot, or nil when none exists.
func (s *Store) LoadUsage() (*UsageRecord, error) {
	query := `SELECT request_limit, requests_used, resets_at, is_unlimited, fetched_at
	          FROM usage_snapshots WHERE id = 1`

	var rec UsageRecord
	err := s.db.QueryRow(query).Scan(
		&rec.RequestLimit, &rec.RequestsUsed, &rec.ResetsAt, &rec.Unlimited, &rec.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load usage snapshot: %w", err)
	}
	return &rec, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
