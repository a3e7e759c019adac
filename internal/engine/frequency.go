package engine

import (
	"fmt"
	"sort"

	"github.com/loculus-project/seqlapis/internal/genome"
	"github.com/loculus-project/seqlapis/internal/model"
	"github.com/loculus-project/seqlapis/internal/refgenome"
	"github.com/loculus-project/seqlapis/internal/store"
)

type namedPosition struct {
	name     string
	position int
}

// positionCoverage counts, per mutated (segment/gene, position), how many
// restricted accessions are covered there. These are the frequency
// denominators.
func positionCoverage(s *store.Store, a store.Alphabet, set model.AccessionSet, mutated map[namedPosition]struct{}) (map[namedPosition]int64, error) {
	byName := make(map[string][]int)
	for np := range mutated {
		byName[np.name] = append(byName[np.name], np.position)
	}

	coverage := make(map[namedPosition]int64, len(mutated))
	err := s.ScanAllCoverage(a, set, func(_ string, name string, bitmap []byte) error {
		for _, pos := range byName[name] {
			if genome.CoveredAt(bitmap, pos) {
				coverage[namedPosition{name, pos}]++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return coverage, nil
}

// NucMutationCounts aggregates nucleotide mutation frequencies over the
// restricted set, keeping records whose proportion reaches minProportion.
// Labels carry the segment prefix only for multi-segment organisms.
func NucMutationCounts(s *store.Store, ref *refgenome.ReferenceGenomes, set model.AccessionSet, minProportion float64) ([]model.MutationRecord, error) {
	counts, err := s.MutationCounts(store.Nucleotide, set)
	if err != nil {
		return nil, err
	}
	mutated := make(map[namedPosition]struct{}, len(counts))
	for _, c := range counts {
		mutated[namedPosition{c.Name, c.Position}] = struct{}{}
	}
	coverage, err := positionCoverage(s, store.Nucleotide, set, mutated)
	if err != nil {
		return nil, err
	}

	multiSegment := ref.MultiSegment()
	records := make([]model.MutationRecord, 0, len(counts))
	for _, c := range counts {
		cov := coverage[namedPosition{c.Name, c.Position}]
		proportion := 0.0
		if cov > 0 {
			proportion = float64(c.Count) / float64(cov)
		}
		if proportion < minProportion {
			continue
		}
		label := fmt.Sprintf("%s%d%s", c.Ref, c.Position+1, c.Alt)
		var sequenceName *string
		if multiSegment {
			label = c.Name + ":" + label
			name := c.Name
			sequenceName = &name
		}
		records = append(records, model.MutationRecord{
			Mutation:     label,
			Count:        c.Count,
			Coverage:     cov,
			Proportion:   proportion,
			SequenceName: sequenceName,
			MutationFrom: c.Ref,
			MutationTo:   c.Alt,
			Position:     c.Position + 1,
		})
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Position != records[j].Position {
			return records[i].Position < records[j].Position
		}
		return records[i].Mutation < records[j].Mutation
	})
	return records, nil
}

// AAMutationCounts aggregates amino acid mutation frequencies over the
// restricted set. Labels always carry the gene prefix; ordering is by
// gene, then position.
func AAMutationCounts(s *store.Store, set model.AccessionSet, minProportion float64) ([]model.MutationRecord, error) {
	counts, err := s.MutationCounts(store.AminoAcid, set)
	if err != nil {
		return nil, err
	}
	mutated := make(map[namedPosition]struct{}, len(counts))
	for _, c := range counts {
		mutated[namedPosition{c.Name, c.Position}] = struct{}{}
	}
	coverage, err := positionCoverage(s, store.AminoAcid, set, mutated)
	if err != nil {
		return nil, err
	}

	records := make([]model.MutationRecord, 0, len(counts))
	for _, c := range counts {
		cov := coverage[namedPosition{c.Name, c.Position}]
		proportion := 0.0
		if cov > 0 {
			proportion = float64(c.Count) / float64(cov)
		}
		if proportion < minProportion {
			continue
		}
		gene := c.Name
		records = append(records, model.MutationRecord{
			Mutation:     fmt.Sprintf("%s:%s%d%s", gene, c.Ref, c.Position+1, c.Alt),
			Count:        c.Count,
			Coverage:     cov,
			Proportion:   proportion,
			SequenceName: &gene,
			MutationFrom: c.Ref,
			MutationTo:   c.Alt,
			Position:     c.Position + 1,
		})
	}
	sort.Slice(records, func(i, j int) bool {
		if *records[i].SequenceName != *records[j].SequenceName {
			return *records[i].SequenceName < *records[j].SequenceName
		}
		return records[i].Position < records[j].Position
	})
	return records, nil
}

// NucInsertionCounts aggregates nucleotide insertion counts over the
// restricted set.
func NucInsertionCounts(s *store.Store, ref *refgenome.ReferenceGenomes, set model.AccessionSet) ([]model.InsertionRecord, error) {
	counts, err := s.InsertionCounts(store.Nucleotide, set)
	if err != nil {
		return nil, err
	}
	multiSegment := ref.MultiSegment()
	records := make([]model.InsertionRecord, 0, len(counts))
	for _, c := range counts {
		label := fmt.Sprintf("ins_%d:%s", c.Position, c.Symbols)
		var sequenceName *string
		if multiSegment {
			label = fmt.Sprintf("ins_%s:%d:%s", c.Name, c.Position, c.Symbols)
			name := c.Name
			sequenceName = &name
		}
		records = append(records, model.InsertionRecord{
			Insertion:       label,
			Count:           c.Count,
			InsertedSymbols: c.Symbols,
			Position:        c.Position,
			SequenceName:    sequenceName,
		})
	}
	return records, nil
}

// AAInsertionCounts aggregates amino acid insertion counts over the
// restricted set.
func AAInsertionCounts(s *store.Store, set model.AccessionSet) ([]model.InsertionRecord, error) {
	counts, err := s.InsertionCounts(store.AminoAcid, set)
	if err != nil {
		return nil, err
	}
	records := make([]model.InsertionRecord, 0, len(counts))
	for _, c := range counts {
		gene := c.Name
		records = append(records, model.InsertionRecord{
			Insertion:       fmt.Sprintf("ins_%s:%d:%s", gene, c.Position, c.Symbols),
			Count:           c.Count,
			InsertedSymbols: c.Symbols,
			Position:        c.Position,
			SequenceName:    &gene,
		})
	}
	return records, nil
}
