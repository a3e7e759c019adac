package engine

import (
	"context"
	"fmt"

	"github.com/loculus-project/seqlapis/internal/model"
	"github.com/loculus-project/seqlapis/internal/queryparse"
	"github.com/loculus-project/seqlapis/internal/refgenome"
	"github.com/loculus-project/seqlapis/internal/store"
)

// MetadataFilter is the slice of the metadata store the planner needs.
type MetadataFilter interface {
	FilteredAccessions(ctx context.Context, req *model.Request, organism string, set model.AccessionSet) ([]string, error)
}

// Planner composes sequence predicates over the columnar store with
// metadata predicates over the relational store.
type Planner struct {
	Metadata MetadataFilter
	// StrictLiterals rejects unparseable mutation/insertion literals
	// instead of silently dropping them.
	StrictLiterals bool
}

// ApplySequenceFilters evaluates all four sequence predicate kinds in
// fixed order, feeding each stage's output into the next as an accession
// restriction, and returns the concrete matching accession list. Callers
// hold the organism's store lock.
func (p *Planner) ApplySequenceFilters(s *store.Store, ref *refgenome.ReferenceGenomes, req *model.Request) ([]string, error) {
	set := model.Unrestricted()
	applied := false

	nucMuts, err := p.parseMutations(req.NucleotideMutations, queryparse.ParseNucMutation)
	if err != nil {
		return nil, err
	}
	if len(nucMuts) > 0 {
		accs, err := FilterByNucMutations(s, ref, set, nucMuts)
		if err != nil {
			return nil, err
		}
		set, applied = model.RestrictTo(accs), true
	}

	aaMuts, err := p.parseMutations(req.AminoAcidMutations, queryparse.ParseAAMutation)
	if err != nil {
		return nil, err
	}
	if len(aaMuts) > 0 {
		accs, err := FilterByAAMutations(s, ref, set, aaMuts)
		if err != nil {
			return nil, err
		}
		set, applied = model.RestrictTo(accs), true
	}

	nucIns, err := p.parseInsertions(req.NucleotideInsertions)
	if err != nil {
		return nil, err
	}
	if len(nucIns) > 0 {
		accs, err := FilterByInsertions(s, ref, store.Nucleotide, set, nucIns)
		if err != nil {
			return nil, err
		}
		set, applied = model.RestrictTo(accs), true
	}

	aaIns, err := p.parseInsertions(req.AminoAcidInsertions)
	if err != nil {
		return nil, err
	}
	if len(aaIns) > 0 {
		accs, err := FilterByInsertions(s, ref, store.AminoAcid, set, aaIns)
		if err != nil {
			return nil, err
		}
		set, applied = model.RestrictTo(accs), true
	}

	if !applied {
		return s.AllAccessions()
	}
	return sorted(set.Values()), nil
}

// ResolveAccessions produces the final accession restriction for a
// request: sequence predicates first, metadata predicates second with the
// sequence result pushed down, unrestricted when neither is present. The
// store lock is released before the metadata round-trip.
func (p *Planner) ResolveAccessions(ctx context.Context, org *store.Organism, organism string, req *model.Request) (model.AccessionSet, error) {
	seqSet := model.Unrestricted()
	if req.HasSequenceFilters() {
		var accs []string
		err := org.WithStore(func(s *store.Store) error {
			var err error
			accs, err = p.ApplySequenceFilters(s, org.Reference(), req)
			return err
		})
		if err != nil {
			return model.AccessionSet{}, err
		}
		seqSet = model.RestrictTo(accs)
	}

	if req.HasMetadataFilters() {
		accs, err := p.Metadata.FilteredAccessions(ctx, req, organism, seqSet)
		if err != nil {
			return model.AccessionSet{}, err
		}
		return model.RestrictTo(accs), nil
	}
	return seqSet, nil
}

// ConcreteAccessions resolves a restriction into an explicit accession
// list, enumerating the store when unrestricted.
func ConcreteAccessions(org *store.Organism, set model.AccessionSet) ([]string, error) {
	if set.Restricted() {
		return set.Values(), nil
	}
	var accs []string
	err := org.WithStore(func(s *store.Store) error {
		var err error
		accs, err = s.AllAccessions()
		return err
	})
	return accs, err
}

func (p *Planner) parseMutations(literals []string, parse func(string) (queryparse.Mutation, bool)) ([]queryparse.Mutation, error) {
	var parsed []queryparse.Mutation
	for _, lit := range literals {
		m, ok := parse(lit)
		if !ok {
			if p.StrictLiterals {
				return nil, fmt.Errorf("%w: %q", ErrBadLiteral, lit)
			}
			continue
		}
		parsed = append(parsed, m)
	}
	return parsed, nil
}

func (p *Planner) parseInsertions(literals []string) ([]queryparse.Insertion, error) {
	var parsed []queryparse.Insertion
	for _, lit := range literals {
		ins, ok := queryparse.ParseInsertion(lit)
		if !ok {
			if p.StrictLiterals {
				return nil, fmt.Errorf("%w: %q", ErrBadLiteral, lit)
			}
			continue
		}
		parsed = append(parsed, ins)
	}
	return parsed, nil
}
