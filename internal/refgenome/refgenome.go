// Package refgenome loads and serves the per-organism reference genome
// descriptions that drive mutation computation and query validation.
package refgenome

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// NamedSequence is one named reference string: a nucleotide segment or an
// amino acid gene.
type NamedSequence struct {
	Name     string `json:"name"`
	Sequence string `json:"sequence"`
}

// ReferenceGenomes describes one organism's reference: its ordered
// nucleotide segments and amino acid genes. Immutable once loaded.
type ReferenceGenomes struct {
	NucleotideSequences []NamedSequence `json:"nucleotideSequences"`
	Genes               []NamedSequence `json:"genes"`
}

// Load reads a reference genome file.
func Load(path string) (*ReferenceGenomes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read reference genomes: %w", err)
	}
	var ref ReferenceGenomes
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil, fmt.Errorf("failed to parse reference genomes %s: %w", path, err)
	}
	if len(ref.NucleotideSequences) == 0 {
		return nil, fmt.Errorf("reference genomes %s has no nucleotide sequences", path)
	}
	return &ref, nil
}

// Discover lists the organisms in a reference genome directory, one per
// <organism>.json file, sorted by name.
func Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read reference genome dir: %w", err)
	}
	var organisms []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		organisms = append(organisms, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(organisms)
	return organisms, nil
}

// FilePath returns the reference genome file for an organism inside dir.
func FilePath(dir, organism string) string {
	return filepath.Join(dir, organism+".json")
}

// MultiSegment reports whether the organism has more than one nucleotide
// segment.
func (r *ReferenceGenomes) MultiSegment() bool {
	return len(r.NucleotideSequences) > 1
}

// Segment returns the named nucleotide segment.
func (r *ReferenceGenomes) Segment(name string) (NamedSequence, bool) {
	for _, s := range r.NucleotideSequences {
		if s.Name == name {
			return s, true
		}
	}
	return NamedSequence{}, false
}

// Gene returns the named amino acid gene.
func (r *ReferenceGenomes) Gene(name string) (NamedSequence, bool) {
	for _, g := range r.Genes {
		if g.Name == name {
			return g, true
		}
	}
	return NamedSequence{}, false
}

// SegmentNames lists the nucleotide segment names in reference order.
func (r *ReferenceGenomes) SegmentNames() []string {
	names := make([]string, len(r.NucleotideSequences))
	for i, s := range r.NucleotideSequences {
		names[i] = s.Name
	}
	return names
}

// Base returns the upper-cased reference symbol at a zero-based position,
// or 0 when the position is out of range.
func (s NamedSequence) Base(position int) byte {
	if position < 0 || position >= len(s.Sequence) {
		return 0
	}
	b := s.Sequence[position]
	if b >= 'a' && b <= 'z' {
		b -= 'a' - 'A'
	}
	return b
}
