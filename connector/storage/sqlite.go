// Package storage persists extension permission grants in SQLite so a
// consent decision survives application restarts and reconnections.
package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite"

	"github.com/backup-hub/keeweb/connector"
)

// GrantStore is a SQLite-backed connector.GrantStore. Records are keyed
// by extension identity; the scope payload is CBOR-encoded.
type GrantStore struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens a grant database at path. ":memory:" is
// supported for tests.
func Open(path string) (*GrantStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open grant database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &GrantStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *GrantStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS extension_grants (
		extension  TEXT PRIMARY KEY,
		payload    BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Load returns the stored grant for an extension identity. The second
// result is false when no grant exists.
func (s *GrantStore) Load(extension string) (*connector.GrantRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload []byte
	err := s.db.QueryRow(
		`SELECT payload FROM extension_grants WHERE extension = ?`, extension,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load grant: %w", err)
	}

	var rec connector.GrantRecord
	if err := cbor.Unmarshal(payload, &rec); err != nil {
		return nil, false, fmt.Errorf("failed to decode grant: %w", err)
	}
	return &rec, true, nil
}

// Save stores or replaces the grant for an extension identity.
func (s *GrantStore) Save(extension string, rec *connector.GrantRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode grant: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO extension_grants (extension, payload, updated_at) VALUES (?, ?, ?)`,
		extension, payload, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store grant: %w", err)
	}
	return nil
}

// Delete removes the grant for an extension identity. Deleting an absent
// grant is a no-op.
func (s *GrantStore) Delete(extension string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM extension_grants WHERE extension = ?`, extension); err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *GrantStore) Close() error {
	return s.db.Close()
}
