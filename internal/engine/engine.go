// Package engine executes mutation and insertion predicates against the
// columnar store and composes them with metadata predicates into the final
// accession set for each endpoint.
package engine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/loculus-project/seqlapis/internal/genome"
	"github.com/loculus-project/seqlapis/internal/model"
	"github.com/loculus-project/seqlapis/internal/queryparse"
	"github.com/loculus-project/seqlapis/internal/refgenome"
	"github.com/loculus-project/seqlapis/internal/store"
)

// ErrUnknownSequenceName marks a predicate naming a segment or gene the
// organism's reference does not have.
var ErrUnknownSequenceName = errors.New("unknown segment or gene")

// ErrBadLiteral marks an unparseable mutation or insertion literal in
// strict mode.
var ErrBadLiteral = errors.New("unparseable query literal")

// FilterByNucMutations intersects the accession sets matching each
// nucleotide mutation predicate, starting from the given restriction. A
// predicate without a target unions across every segment. An empty
// predicate list passes the restriction through, enumerating the whole
// store when unrestricted.
func FilterByNucMutations(s *store.Store, ref *refgenome.ReferenceGenomes, set model.AccessionSet, muts []queryparse.Mutation) ([]string, error) {
	if len(muts) == 0 {
		return passthrough(s, set)
	}

	current := set
	for _, pm := range muts {
		if current.Empty() {
			return nil, nil
		}

		var segments []string
		if pm.Target != "" {
			if _, ok := ref.Segment(pm.Target); !ok {
				return nil, fmt.Errorf("%w: segment %q", ErrUnknownSequenceName, pm.Target)
			}
			segments = []string{pm.Target}
		} else {
			segments = ref.SegmentNames()
		}

		matching := make(map[string]struct{})
		for _, seg := range segments {
			refSeq, _ := ref.Segment(seg)
			accs, err := evalMutation(s, store.Nucleotide, seg, refSeq.Base(pm.Position), pm, current)
			if err != nil {
				return nil, err
			}
			for _, a := range accs {
				matching[a] = struct{}{}
			}
		}
		current = model.RestrictTo(setToSlice(matching))
	}
	return sorted(current.Values()), nil
}

// FilterByAAMutations intersects the accession sets matching each amino
// acid mutation predicate. The gene target is mandatory.
func FilterByAAMutations(s *store.Store, ref *refgenome.ReferenceGenomes, set model.AccessionSet, muts []queryparse.Mutation) ([]string, error) {
	if len(muts) == 0 {
		return passthrough(s, set)
	}

	current := set
	for _, pm := range muts {
		if current.Empty() {
			return nil, nil
		}
		if pm.Target == "" {
			continue
		}
		gene, ok := ref.Gene(pm.Target)
		if !ok {
			return nil, fmt.Errorf("%w: gene %q", ErrUnknownSequenceName, pm.Target)
		}

		accs, err := evalMutation(s, store.AminoAcid, pm.Target, aaBase(gene, pm.Position), pm, current)
		if err != nil {
			return nil, err
		}
		current = model.RestrictTo(accs)
	}
	return sorted(current.Values()), nil
}

// aaBase returns the amino acid reference symbol without case folding.
func aaBase(gene refgenome.NamedSequence, position int) byte {
	if position < 0 || position >= len(gene.Sequence) {
		return 0
	}
	return gene.Sequence[position]
}

// evalMutation resolves one mutation predicate on one segment/gene.
func evalMutation(s *store.Store, a store.Alphabet, name string, refBase byte, pm queryparse.Mutation, set model.AccessionSet) ([]string, error) {
	switch pm.To {
	case queryparse.AnyMutation:
		return s.MutatedAccessions(a, name, pm.Position, "", set)
	case queryparse.ToReference:
		return referenceAccessions(s, a, name, pm.Position, set)
	default:
		if refBase != 0 && pm.Base == refBase {
			// Asking for the reference symbol explicitly: covered and
			// unmutated, same as the '.' form.
			return referenceAccessions(s, a, name, pm.Position, set)
		}
		return s.MutatedAccessions(a, name, pm.Position, string(pm.Base), set)
	}
}

// referenceAccessions returns accessions covered at the position whose
// mutation rows do not touch it.
func referenceAccessions(s *store.Store, a store.Alphabet, name string, position int, set model.AccessionSet) ([]string, error) {
	mutatedList, err := s.MutatedAccessions(a, name, position, "", set)
	if err != nil {
		return nil, err
	}
	mutated := make(map[string]struct{}, len(mutatedList))
	for _, acc := range mutatedList {
		mutated[acc] = struct{}{}
	}

	var matching []string
	err = s.ScanCoverage(a, name, set, func(acc string, bitmap []byte) error {
		if !genome.CoveredAt(bitmap, position) {
			return nil
		}
		if _, isMutated := mutated[acc]; !isMutated {
			matching = append(matching, acc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matching, nil
}

// FilterByInsertions intersects the accession sets matching each insertion
// predicate of the given alphabet.
func FilterByInsertions(s *store.Store, ref *refgenome.ReferenceGenomes, a store.Alphabet, set model.AccessionSet, insertions []queryparse.Insertion) ([]string, error) {
	if len(insertions) == 0 {
		return passthrough(s, set)
	}

	current := set
	for _, pi := range insertions {
		if current.Empty() {
			return nil, nil
		}
		if pi.Target != "" {
			if err := validateName(ref, a, pi.Target); err != nil {
				return nil, err
			}
		}
		accs, err := s.InsertionAccessions(a, pi.Target, pi.Position, pi.Symbols, current)
		if err != nil {
			return nil, err
		}
		current = model.RestrictTo(accs)
	}
	return sorted(current.Values()), nil
}

func validateName(ref *refgenome.ReferenceGenomes, a store.Alphabet, name string) error {
	if a == store.Nucleotide {
		if _, ok := ref.Segment(name); !ok {
			return fmt.Errorf("%w: segment %q", ErrUnknownSequenceName, name)
		}
		return nil
	}
	if _, ok := ref.Gene(name); !ok {
		return fmt.Errorf("%w: gene %q", ErrUnknownSequenceName, name)
	}
	return nil
}

func passthrough(s *store.Store, set model.AccessionSet) ([]string, error) {
	if !set.Restricted() {
		return s.AllAccessions()
	}
	return set.Values(), nil
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for acc := range set {
		out = append(out, acc)
	}
	return out
}

func sorted(values []string) []string {
	if values == nil {
		return []string{}
	}
	sort.Strings(values)
	return values
}
