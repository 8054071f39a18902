package vm

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ---------------------------------------------------------------------------
// Snapshot persistence
// ---------------------------------------------------------------------------

// SnapshotRecord describes a stored snapshot.
type SnapshotRecord struct {
	ID        string
	Name      string
	ContextID uint64
	VMVersion string
	CreatedAt time.Time
	SizeBytes int64
}

// SnapshotStore persists encoded snapshots in SQLite. Stored bytes are the
// full binary form, so everything loaded back through DecodeSnapshot goes
// through the same magic/version/checksum validation as any other source.
type SnapshotStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSnapshotStore opens (creating if needed) a snapshot store at dbPath.
func OpenSnapshotStore(dbPath string) (*SnapshotStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot store: %w", err)
	}

	// Busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		context_id INTEGER NOT NULL,
		vm_version TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		data BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating snapshots table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_snapshots_name ON snapshots (name)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating name index: %w", err)
	}
	return &SnapshotStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SnapshotStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save stores a snapshot under a human-readable name and returns its
// generated id. Saving the same name twice keeps both; Load by name
// returns the newest.
func (s *SnapshotStore) Save(name string, snap *Snapshot) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var meta metadataSegment
	if err := snap.decodeSegment(SegmentMetadata, &meta); err != nil {
		return "", err
	}
	data := snap.Encode()
	id := uuid.New().String()

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO snapshots (id, name, context_id, vm_version, created_at, data) VALUES (?, ?, ?, ?, ?, ?)",
		id, name, meta.ContextID, decodeVMVersion(snap.Header.VMVersion), snap.Header.CreatedAt, data,
	)
	if err != nil {
		return "", fmt.Errorf("saving snapshot: %w", err)
	}
	return id, nil
}

// Load retrieves and validates a snapshot by id.
func (s *SnapshotStore) Load(id string) (*Snapshot, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM snapshots WHERE id = ?", id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %q", ErrSnapshotNotFound, id)
		}
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	return DecodeSnapshot(data)
}

// LoadByName retrieves the most recent snapshot stored under name.
func (s *SnapshotStore) LoadByName(name string) (*Snapshot, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT data FROM snapshots WHERE name = ? ORDER BY created_at DESC, rowid DESC LIMIT 1",
		name,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: name %q", ErrSnapshotNotFound, name)
		}
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	return DecodeSnapshot(data)
}

// Delete removes a stored snapshot.
func (s *SnapshotStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("DELETE FROM snapshots WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id %q", ErrSnapshotNotFound, id)
	}
	return nil
}

// List returns the records of every stored snapshot, newest first.
func (s *SnapshotStore) List() ([]SnapshotRecord, error) {
	rows, err := s.db.Query(
		"SELECT id, name, context_id, vm_version, created_at, length(data) FROM snapshots ORDER BY created_at DESC, rowid DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var records []SnapshotRecord
	for rows.Next() {
		var rec SnapshotRecord
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.ContextID, &rec.VMVersion, &createdAt, &rec.SizeBytes); err != nil {
			return nil, fmt.Errorf("scanning snapshot record: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, rec)
	}
	return records, rows.Err()
}
