package store

import (
	"database/sql"
	"fmt"
)

// Loader is the single bulk-load transaction of the ingestion pipeline.
// All inserts go through prepared statements; Commit publishes them
// atomically.
type Loader struct {
	tx    *sql.Tx
	stmts map[string]*sql.Stmt
}

var loaderStatements = map[string]string{
	"metadata":      "INSERT INTO metadata (accession_version, metadata_json) VALUES (?, ?)",
	"nuc_mutation":  "INSERT INTO nuc_mutations VALUES (?, ?, ?, ?, ?)",
	"aa_mutation":   "INSERT INTO aa_mutations VALUES (?, ?, ?, ?, ?)",
	"nuc_coverage":  "INSERT INTO nuc_coverage VALUES (?, ?, ?)",
	"aa_coverage":   "INSERT INTO aa_coverage VALUES (?, ?, ?)",
	"nuc_insertion": "INSERT INTO nuc_insertions VALUES (?, ?, ?, ?)",
	"aa_insertion":  "INSERT INTO aa_insertions VALUES (?, ?, ?, ?)",
	"aligned_nuc":   "INSERT INTO aligned_nuc_sequences VALUES (?, ?, ?)",
	"unaligned_nuc": "INSERT INTO unaligned_nuc_sequences VALUES (?, ?, ?)",
	"aligned_aa":    "INSERT INTO aligned_aa_sequences VALUES (?, ?, ?)",
}

// BeginLoad opens the bulk-load transaction.
func (s *Store) BeginLoad() (*Loader, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin load transaction: %w", err)
	}
	stmts := make(map[string]*sql.Stmt, len(loaderStatements))
	for name, query := range loaderStatements {
		stmt, err := tx.Prepare(query)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("failed to prepare %s insert: %w", name, err)
		}
		stmts[name] = stmt
	}
	return &Loader{tx: tx, stmts: stmts}, nil
}

func (l *Loader) exec(name string, args ...any) error {
	if _, err := l.stmts[name].Exec(args...); err != nil {
		return fmt.Errorf("failed to insert %s row: %w", name, err)
	}
	return nil
}

// InsertMetadata stores one record's metadata document.
func (l *Loader) InsertMetadata(accession string, metadataJSON []byte) error {
	return l.exec("metadata", accession, metadataJSON)
}

// InsertMutation stores one mutation row.
func (l *Loader) InsertMutation(a Alphabet, accession, name string, position int, ref, alt string) error {
	if a == Nucleotide {
		return l.exec("nuc_mutation", accession, name, position, ref, alt)
	}
	return l.exec("aa_mutation", accession, name, position, ref, alt)
}

// InsertCoverage stores one coverage bitmap row.
func (l *Loader) InsertCoverage(a Alphabet, accession, name string, bitmap []byte) error {
	if a == Nucleotide {
		return l.exec("nuc_coverage", accession, name, bitmap)
	}
	return l.exec("aa_coverage", accession, name, bitmap)
}

// InsertInsertion stores one insertion row.
func (l *Loader) InsertInsertion(a Alphabet, accession, name string, position int, symbols string) error {
	if a == Nucleotide {
		return l.exec("nuc_insertion", accession, name, position, symbols)
	}
	return l.exec("aa_insertion", accession, name, position, symbols)
}

// InsertSequence stores one sequence string row.
func (l *Loader) InsertSequence(t SequenceTable, accession, name, sequence string) error {
	switch t {
	case AlignedNucleotide:
		return l.exec("aligned_nuc", accession, name, sequence)
	case UnalignedNucleotide:
		return l.exec("unaligned_nuc", accession, name, sequence)
	default:
		return l.exec("aligned_aa", accession, name, sequence)
	}
}

// Commit publishes the load.
func (l *Loader) Commit() error {
	for _, stmt := range l.stmts {
		stmt.Close()
	}
	if err := l.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit load: %w", err)
	}
	return nil
}

// Rollback abandons the load.
func (l *Loader) Rollback() error {
	for _, stmt := range l.stmts {
		stmt.Close()
	}
	return l.tx.Rollback()
}
