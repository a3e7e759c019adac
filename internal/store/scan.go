package store

import (
	"fmt"

	"github.com/loculus-project/seqlapis/internal/model"
)

// Alphabet selects the nucleotide or amino acid table family.
type Alphabet int

const (
	// Nucleotide targets the segment-keyed tables.
	Nucleotide Alphabet = iota
	// AminoAcid targets the gene-keyed tables.
	AminoAcid
)

func (a Alphabet) mutationTable() string {
	if a == Nucleotide {
		return "nuc_mutations"
	}
	return "aa_mutations"
}

func (a Alphabet) coverageTable() string {
	if a == Nucleotide {
		return "nuc_coverage"
	}
	return "aa_coverage"
}

func (a Alphabet) insertionTable() string {
	if a == Nucleotide {
		return "nuc_insertions"
	}
	return "aa_insertions"
}

// nameColumn is the segment/gene column shared by all side tables of the
// alphabet.
func (a Alphabet) nameColumn() string {
	if a == Nucleotide {
		return "segment"
	}
	return "gene"
}

func (a Alphabet) altColumn() string {
	if a == Nucleotide {
		return "alt_base"
	}
	return "alt_aa"
}

func (a Alphabet) refColumn() string {
	if a == Nucleotide {
		return "ref_base"
	}
	return "ref_aa"
}

// MetadataCount returns the number of ingested records.
func (s *Store) MetadataCount() (int64, error) {
	var count int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM metadata").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count metadata: %w", err)
	}
	return count, nil
}

// AllAccessions enumerates every ingested accession version.
func (s *Store) AllAccessions() ([]string, error) {
	rows, err := s.db.Query("SELECT accession_version FROM metadata")
	if err != nil {
		return nil, fmt.Errorf("failed to list accessions: %w", err)
	}
	defer rows.Close()

	var accessions []string
	for rows.Next() {
		var acc string
		if err := rows.Scan(&acc); err != nil {
			return nil, err
		}
		accessions = append(accessions, acc)
	}
	return accessions, rows.Err()
}

// MetadataRows returns the stored metadata JSON for the given accessions.
func (s *Store) MetadataRows(accessions []string) ([]model.MetadataRow, error) {
	if len(accessions) == 0 {
		return nil, nil
	}
	clause, cleanup, err := s.accessionClause(model.RestrictTo(accessions))
	if err != nil {
		return nil, err
	}
	defer cleanup()

	rows, err := s.db.Query("SELECT accession_version, metadata_json FROM metadata WHERE TRUE" + clause)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata rows: %w", err)
	}
	defer rows.Close()

	var out []model.MetadataRow
	for rows.Next() {
		var row model.MetadataRow
		if err := rows.Scan(&row.AccessionVersion, &row.JSON); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// MutatedAccessions returns the distinct accessions carrying a mutation at
// the given position on the named segment/gene, optionally constrained to
// a specific alternate symbol, within the accession restriction.
func (s *Store) MutatedAccessions(a Alphabet, name string, position int, alt string, set model.AccessionSet) ([]string, error) {
	clause, cleanup, err := s.accessionClause(set)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	query := fmt.Sprintf(
		"SELECT DISTINCT accession_version FROM %s WHERE %s = ? AND position = ?",
		a.mutationTable(), a.nameColumn())
	args := []any{name, position}
	if alt != "" {
		query += fmt.Sprintf(" AND %s = ?", a.altColumn())
		args = append(args, alt)
	}
	query += clause

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan mutations: %w", err)
	}
	defer rows.Close()

	var accessions []string
	for rows.Next() {
		var acc string
		if err := rows.Scan(&acc); err != nil {
			return nil, err
		}
		accessions = append(accessions, acc)
	}
	return accessions, rows.Err()
}

// ScanCoverage streams (accession, bitmap) pairs for the named
// segment/gene within the accession restriction.
func (s *Store) ScanCoverage(a Alphabet, name string, set model.AccessionSet, fn func(accession string, bitmap []byte) error) error {
	clause, cleanup, err := s.accessionClause(set)
	if err != nil {
		return err
	}
	defer cleanup()

	query := fmt.Sprintf(
		"SELECT accession_version, coverage_bitmap FROM %s WHERE %s = ?%s",
		a.coverageTable(), a.nameColumn(), clause)
	rows, err := s.db.Query(query, name)
	if err != nil {
		return fmt.Errorf("failed to scan coverage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var acc string
		var bitmap []byte
		if err := rows.Scan(&acc, &bitmap); err != nil {
			return err
		}
		if err := fn(acc, bitmap); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ScanAllCoverage streams (accession, segment/gene, bitmap) rows across
// every segment/gene within the accession restriction.
func (s *Store) ScanAllCoverage(a Alphabet, set model.AccessionSet, fn func(accession, name string, bitmap []byte) error) error {
	clause, cleanup, err := s.accessionClause(set)
	if err != nil {
		return err
	}
	defer cleanup()

	query := fmt.Sprintf(
		"SELECT accession_version, %s, coverage_bitmap FROM %s WHERE TRUE%s",
		a.nameColumn(), a.coverageTable(), clause)
	rows, err := s.db.Query(query)
	if err != nil {
		return fmt.Errorf("failed to scan coverage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var acc, name string
		var bitmap []byte
		if err := rows.Scan(&acc, &name, &bitmap); err != nil {
			return err
		}
		if err := fn(acc, name, bitmap); err != nil {
			return err
		}
	}
	return rows.Err()
}

// MutationCount is one (segment/gene, position, ref, alt) group with its
// accession count.
type MutationCount struct {
	Name     string
	Position int
	Ref      string
	Alt      string
	Count    int64
}

// MutationCounts groups the mutation rows within the accession restriction.
func (s *Store) MutationCounts(a Alphabet, set model.AccessionSet) ([]MutationCount, error) {
	clause, cleanup, err := s.accessionClause(set)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	query := fmt.Sprintf(
		"SELECT %[1]s, position, %[2]s, %[3]s, COUNT(*) FROM %[4]s WHERE TRUE%[5]s GROUP BY %[1]s, position, %[2]s, %[3]s",
		a.nameColumn(), a.refColumn(), a.altColumn(), a.mutationTable(), clause)
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to group mutations: %w", err)
	}
	defer rows.Close()

	var counts []MutationCount
	for rows.Next() {
		var c MutationCount
		if err := rows.Scan(&c.Name, &c.Position, &c.Ref, &c.Alt, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// InsertionAccessions returns the distinct accessions with an insertion at
// the given position whose upper-cased symbols contain the query substring.
// The target filter applies only when non-empty.
func (s *Store) InsertionAccessions(a Alphabet, target string, position int, symbols string, set model.AccessionSet) ([]string, error) {
	clause, cleanup, err := s.accessionClause(set)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	query := fmt.Sprintf(
		"SELECT DISTINCT accession_version FROM %s WHERE position = ?", a.insertionTable())
	args := []any{position}
	if target != "" {
		query += fmt.Sprintf(" AND %s = ?", a.nameColumn())
		args = append(args, target)
	}
	query += " AND UPPER(inserted_symbols) LIKE '%' || ? || '%'" + clause
	args = append(args, symbols)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan insertions: %w", err)
	}
	defer rows.Close()

	var accessions []string
	for rows.Next() {
		var acc string
		if err := rows.Scan(&acc); err != nil {
			return nil, err
		}
		accessions = append(accessions, acc)
	}
	return accessions, rows.Err()
}

// InsertionCount is one (segment/gene, position, symbols) group with its
// accession count.
type InsertionCount struct {
	Name     string
	Position int
	Symbols  string
	Count    int64
}

// InsertionCounts groups the insertion rows within the accession
// restriction. Nucleotide results order by position, amino acid results by
// gene then position.
func (s *Store) InsertionCounts(a Alphabet, set model.AccessionSet) ([]InsertionCount, error) {
	clause, cleanup, err := s.accessionClause(set)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	order := "position"
	if a == AminoAcid {
		order = "gene, position"
	}
	query := fmt.Sprintf(
		"SELECT %[1]s, position, inserted_symbols, COUNT(*) FROM %[2]s WHERE TRUE%[3]s GROUP BY %[1]s, position, inserted_symbols ORDER BY %[4]s",
		a.nameColumn(), a.insertionTable(), clause, order)
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to group insertions: %w", err)
	}
	defer rows.Close()

	var counts []InsertionCount
	for rows.Next() {
		var c InsertionCount
		if err := rows.Scan(&c.Name, &c.Position, &c.Symbols, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// SequenceTable selects one of the three sequence tables.
type SequenceTable int

const (
	// AlignedNucleotide holds reference-length aligned nucleotide strings.
	AlignedNucleotide SequenceTable = iota
	// UnalignedNucleotide holds raw nucleotide strings.
	UnalignedNucleotide
	// AlignedAminoAcid holds reference-length aligned amino acid strings.
	AlignedAminoAcid
)

func (t SequenceTable) table() string {
	switch t {
	case AlignedNucleotide:
		return "aligned_nuc_sequences"
	case UnalignedNucleotide:
		return "unaligned_nuc_sequences"
	default:
		return "aligned_aa_sequences"
	}
}

func (t SequenceTable) nameColumn() string {
	if t == AlignedAminoAcid {
		return "gene"
	}
	return "segment"
}

// Sequences returns the stored sequences for the given accessions on one
// segment/gene. Accessions without a stored row are absent from the result.
func (s *Store) Sequences(t SequenceTable, name string, accessions []string) ([]model.SequenceRow, error) {
	if len(accessions) == 0 {
		return nil, nil
	}
	clause, cleanup, err := s.accessionClause(model.RestrictTo(accessions))
	if err != nil {
		return nil, err
	}
	defer cleanup()

	query := fmt.Sprintf(
		"SELECT accession_version, sequence FROM %s WHERE %s = ?%s",
		t.table(), t.nameColumn(), clause)
	rows, err := s.db.Query(query, name)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sequences: %w", err)
	}
	defer rows.Close()

	var out []model.SequenceRow
	for rows.Next() {
		var row model.SequenceRow
		if err := rows.Scan(&row.AccessionVersion, &row.Sequence); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SequencesFilled is Sequences with a placeholder substituted for
// accessions without a stored row, preserving the input order.
func (s *Store) SequencesFilled(t SequenceTable, name string, accessions []string, fill byte, fillLength int) ([]model.SequenceRow, error) {
	stored, err := s.Sequences(t, name, accessions)
	if err != nil {
		return nil, err
	}
	found := make(map[string]string, len(stored))
	for _, row := range stored {
		found[row.AccessionVersion] = row.Sequence
	}

	var fillSeq string
	out := make([]model.SequenceRow, 0, len(accessions))
	for _, acc := range accessions {
		seq, ok := found[acc]
		if !ok {
			if fillSeq == "" {
				b := make([]byte, fillLength)
				for i := range b {
					b[i] = fill
				}
				fillSeq = string(b)
			}
			seq = fillSeq
		}
		out = append(out, model.SequenceRow{AccessionVersion: acc, Sequence: seq})
	}
	return out, nil
}
