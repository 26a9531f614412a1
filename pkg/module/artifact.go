package module

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/calyx-lang/calyx/pkg/bytecode"
)

// ErrArtifactNotFound indicates the store has no entry for a content hash.
var ErrArtifactNotFound = errors.New("artifact not found")

var artifactEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder setup: %v", err))
	}
	artifactEncMode = em
}

// ArtifactMeta describes a cached compiled program.
type ArtifactMeta struct {
	Module        string    `cbor:"module"`
	Version       string    `cbor:"version"`
	FormatVersion uint8     `cbor:"format_version"`
	StoredAt      time.Time `cbor:"stored_at"`
}

// ArtifactStore persists compiled programs keyed by source content hash,
// so unchanged modules skip compilation across processes.
type ArtifactStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewArtifactStore opens (or creates) the store at the given path. Use
// ":memory:" for an ephemeral store.
func NewArtifactStore(path string) (*ArtifactStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening artifact store: %w", err)
	}
	// One connection keeps ":memory:" stores coherent.
	db.SetMaxOpenConns(1)

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS artifacts (
		hash TEXT PRIMARY KEY,
		program BLOB NOT NULL,
		meta BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating artifacts table: %w", err)
	}

	return &ArtifactStore{db: db}, nil
}

// Close closes the underlying database.
func (s *ArtifactStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put stores a compiled program under its source content hash, replacing
// any existing entry.
func (s *ArtifactStore) Put(hash [32]byte, prog *bytecode.Program, meta ArtifactMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if meta.StoredAt.IsZero() {
		meta.StoredAt = time.Now().UTC()
	}
	data, err := prog.Serialize()
	if err != nil {
		return fmt.Errorf("serializing artifact: %w", err)
	}
	metaBytes, err := artifactEncMode.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("encoding artifact metadata: %w", err)
	}

	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO artifacts (hash, program, meta) VALUES (?, ?, ?)",
		hex.EncodeToString(hash[:]), data, metaBytes,
	)
	if err != nil {
		return fmt.Errorf("storing artifact: %w", err)
	}
	return nil
}

// Get retrieves the program cached for a content hash.
func (s *ArtifactStore) Get(hash [32]byte) (*bytecode.Program, *ArtifactMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data, metaBytes []byte
	err := s.db.QueryRow(
		"SELECT program, meta FROM artifacts WHERE hash = ?",
		hex.EncodeToString(hash[:]),
	).Scan(&data, &metaBytes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrArtifactNotFound
		}
		return nil, nil, fmt.Errorf("querying artifact: %w", err)
	}

	prog, err := bytecode.Deserialize(data)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding artifact: %w", err)
	}
	var meta ArtifactMeta
	if err := cbor.Unmarshal(metaBytes, &meta); err != nil {
		return nil, nil, fmt.Errorf("decoding artifact metadata: %w", err)
	}
	return prog, &meta, nil
}
