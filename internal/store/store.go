// Package store provides the embedded per-organism columnar store holding
// metadata, mutation rows, coverage bitmaps, insertion rows, and sequence
// strings. The engine is not safe for concurrent handle use, so each store
// runs on a single connection and callers serialise access through the
// Organism handle.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultInlineSetLimit is the largest accession set inlined into SQL as a
// quoted IN-list; larger sets go through a temp table.
const DefaultInlineSetLimit = 10000

// Store wraps the single-connection SQLite handle for one organism.
type Store struct {
	db             *sql.DB
	path           string
	inlineSetLimit int
	tempSeq        int
}

func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000&_sync=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = 100000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA mmap_size = 1073741824",
		"PRAGMA busy_timeout = 10000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	// Temp tables and transactions assume one underlying connection.
	db.SetMaxOpenConns(1)
	return db, nil
}

// Create removes any stale store file plus its WAL/SHM sidecars and opens a
// fresh store with the full table set declared.
func Create(path string) (*Store, error) {
	RemoveFiles(path)
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Store{db: db, path: path, inlineSetLimit: DefaultInlineSetLimit}, nil
}

// Open opens an existing store file.
func Open(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("store file missing: %w", err)
	}
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to declare tables: %w", err)
	}
	return &Store{db: db, path: path, inlineSetLimit: DefaultInlineSetLimit}, nil
}

// RemoveFiles deletes a store file and its engine sidecars.
func RemoveFiles(path string) {
	os.Remove(path)
	os.Remove(path + "-wal")
	os.Remove(path + "-shm")
}

// SetInlineSetLimit overrides the IN-list inlining threshold.
func (s *Store) SetInlineSetLimit(n int) {
	if n > 0 {
		s.inlineSetLimit = n
	}
}

// Path returns the store file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS metadata (
		accession_version TEXT PRIMARY KEY,
		metadata_json TEXT
	);
	CREATE TABLE IF NOT EXISTS nuc_mutations (
		accession_version TEXT, segment TEXT,
		position INTEGER, ref_base TEXT, alt_base TEXT
	);
	CREATE TABLE IF NOT EXISTS aa_mutations (
		accession_version TEXT, gene TEXT,
		position INTEGER, ref_aa TEXT, alt_aa TEXT
	);
	CREATE TABLE IF NOT EXISTS nuc_coverage (
		accession_version TEXT, segment TEXT, coverage_bitmap BLOB
	);
	CREATE TABLE IF NOT EXISTS aa_coverage (
		accession_version TEXT, gene TEXT, coverage_bitmap BLOB
	);
	CREATE TABLE IF NOT EXISTS nuc_insertions (
		accession_version TEXT, segment TEXT,
		position INTEGER, inserted_symbols TEXT
	);
	CREATE TABLE IF NOT EXISTS aa_insertions (
		accession_version TEXT, gene TEXT,
		position INTEGER, inserted_symbols TEXT
	);
	CREATE TABLE IF NOT EXISTS aligned_nuc_sequences (
		accession_version TEXT, segment TEXT, sequence TEXT
	);
	CREATE TABLE IF NOT EXISTS unaligned_nuc_sequences (
		accession_version TEXT, segment TEXT, sequence TEXT
	);
	CREATE TABLE IF NOT EXISTS aligned_aa_sequences (
		accession_version TEXT, gene TEXT, sequence TEXT
	);`

	_, err := db.Exec(schema)
	return err
}

// CreateIndexes builds the accession indexes on the nine non-metadata
// tables. Run after bulk load, before the store is published.
func (s *Store) CreateIndexes() error {
	indexes := `
	CREATE INDEX IF NOT EXISTS idx_nuc_mut_acc ON nuc_mutations (accession_version);
	CREATE INDEX IF NOT EXISTS idx_aa_mut_acc ON aa_mutations (accession_version);
	CREATE INDEX IF NOT EXISTS idx_nuc_cov_acc ON nuc_coverage (accession_version);
	CREATE INDEX IF NOT EXISTS idx_aa_cov_acc ON aa_coverage (accession_version);
	CREATE INDEX IF NOT EXISTS idx_nuc_ins_acc ON nuc_insertions (accession_version);
	CREATE INDEX IF NOT EXISTS idx_aa_ins_acc ON aa_insertions (accession_version);
	CREATE INDEX IF NOT EXISTS idx_aln_nuc_acc ON aligned_nuc_sequences (accession_version);
	CREATE INDEX IF NOT EXISTS idx_unaln_nuc_acc ON unaligned_nuc_sequences (accession_version);
	CREATE INDEX IF NOT EXISTS idx_aln_aa_acc ON aligned_aa_sequences (accession_version);`

	if _, err := s.db.Exec(indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

func quoteAccession(a string) string {
	return "'" + strings.ReplaceAll(a, "'", "''") + "'"
}
