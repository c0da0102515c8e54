package vm

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ---------------------------------------------------------------------------
// Content-addressed module store
// ---------------------------------------------------------------------------
//
// Compiled modules are cached by the SHA-256 of their serialized bytes, so
// recompiling unchanged source is a lookup instead of a rebuild and two
// hosts can agree on a module by digest alone.

// ErrModuleNotFound is returned by Get for an unknown digest.
var ErrModuleNotFound = errors.New("vm: module not found in store")

const storeSchema = `
CREATE TABLE IF NOT EXISTS modules (
	digest     TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	size       INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	data       BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_modules_name ON modules(name);`

// ModuleStore is a SQLite-backed cache of serialized modules keyed by
// content digest.
type ModuleStore struct {
	db *sql.DB
}

// OpenStore opens (or creates) a module store at path. Use ":memory:" for
// an ephemeral store.
func OpenStore(path string) (*ModuleStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("vm: open module store: %w", err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("vm: module store schema: %w", err)
	}
	return &ModuleStore{db: db}, nil
}

// Close releases the underlying database.
func (s *ModuleStore) Close() error { return s.db.Close() }

// ModuleDigest returns the hex SHA-256 of the module's serialized bytes.
func ModuleDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put serializes the module and stores it under its digest. Storing the
// same content twice is a no-op; the digest is returned either way.
func (s *ModuleStore) Put(name string, m *Module) (string, error) {
	data := m.Encode()
	digest := ModuleDigest(data)
	_, err := s.db.Exec(
		`INSERT INTO modules (digest, name, size, created_at, data)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(digest) DO NOTHING`,
		digest, name, len(data), time.Now().UTC(), data)
	if err != nil {
		return "", fmt.Errorf("vm: store module: %w", err)
	}
	return digest, nil
}

// Get loads and decodes the module with the given digest.
func (s *ModuleStore) Get(digest string) (*Module, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM modules WHERE digest = ?`, digest).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, digest)
	}
	if err != nil {
		return nil, fmt.Errorf("vm: load module: %w", err)
	}
	return ReadModule(data)
}

// Has reports whether the store holds the digest.
func (s *ModuleStore) Has(digest string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM modules WHERE digest = ?`, digest).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("vm: probe module: %w", err)
	}
	return true, nil
}

// StoredModule describes one cache entry.
type StoredModule struct {
	Digest    string
	Name      string
	Size      int64
	CreatedAt time.Time
}

// List returns all entries, newest first.
func (s *ModuleStore) List() ([]StoredModule, error) {
	rows, err := s.db.Query(
		`SELECT digest, name, size, created_at FROM modules ORDER BY created_at DESC, digest`)
	if err != nil {
		return nil, fmt.Errorf("vm: list modules: %w", err)
	}
	defer rows.Close()

	var out []StoredModule
	for rows.Next() {
		var sm StoredModule
		if err := rows.Scan(&sm.Digest, &sm.Name, &sm.Size, &sm.CreatedAt); err != nil {
			return nil, fmt.Errorf("vm: list modules: %w", err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// Delete removes a digest from the store. Deleting an absent digest is
// not an error.
func (s *ModuleStore) Delete(digest string) error {
	_, err := s.db.Exec(`DELETE FROM modules WHERE digest = ?`, digest)
	if err != nil {
		return fmt.Errorf("vm: delete module: %w", err)
	}
	return nil
}
