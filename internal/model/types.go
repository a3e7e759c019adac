// Package model holds the request, record, and result shapes shared by the
// query engine, the ingestion pipeline, and the HTTP surface.
package model

import "encoding/json"

// ReleasedRecord is one line of the backend's released-data NDJSON stream.
// The side tables are keyed by segment name (nucleotide) or gene name
// (amino acid). Sequence values may be JSON null for segments the
// preprocessing pipeline could not align.
type ReleasedRecord struct {
	Metadata                     map[string]json.RawMessage `json:"metadata"`
	UnalignedNucleotideSequences map[string]*string         `json:"unalignedNucleotideSequences"`
	AlignedNucleotideSequences   map[string]*string         `json:"alignedNucleotideSequences"`
	AlignedAminoAcidSequences    map[string]*string         `json:"alignedAminoAcidSequences"`
	NucleotideInsertions         map[string][]string        `json:"nucleotideInsertions"`
	AminoAcidInsertions          map[string][]string        `json:"aminoAcidInsertions"`
}

// AccessionVersion extracts the mandatory accessionVersion metadata field.
func (r *ReleasedRecord) AccessionVersion() string {
	raw, ok := r.Metadata["accessionVersion"]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// MutationRecord is one row of a mutation frequency result.
type MutationRecord struct {
	Mutation     string  `json:"mutation"`
	Count        int64   `json:"count"`
	Coverage     int64   `json:"coverage"`
	Proportion   float64 `json:"proportion"`
	SequenceName *string `json:"sequenceName"`
	MutationFrom string  `json:"mutationFrom"`
	MutationTo   string  `json:"mutationTo"`
	Position     int     `json:"position"`
}

// InsertionRecord is one row of an insertion frequency result.
type InsertionRecord struct {
	Insertion       string  `json:"insertion"`
	Count           int64   `json:"count"`
	InsertedSymbols string  `json:"insertedSymbols"`
	Position        int     `json:"position"`
	SequenceName    *string `json:"sequenceName"`
}

// SequenceRow pairs an accession version with one stored sequence string.
type SequenceRow struct {
	AccessionVersion string
	Sequence         string
}

// MetadataRow pairs an accession version with its metadata JSON document.
type MetadataRow struct {
	AccessionVersion string
	JSON             []byte
}

// OrderByField is one entry of the orderBy control parameter.
type OrderByField struct {
	Field string `json:"field"`
	Type  string `json:"type"`
}

// Descending reports whether the entry requests descending order.
func (o OrderByField) Descending() bool { return o.Type == "descending" }
