package engine

import (
	"context"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/loculus-project/seqlapis/internal/model"
	"github.com/loculus-project/seqlapis/internal/refgenome"
	"github.com/loculus-project/seqlapis/internal/store"
)

// fakeMetadata records the restriction it was handed and returns a fixed
// accession list.
type fakeMetadata struct {
	result   []string
	lastSet  model.AccessionSet
	called   bool
	organism string
}

func (f *fakeMetadata) FilteredAccessions(_ context.Context, _ *model.Request, organism string, set model.AccessionSet) ([]string, error) {
	f.called = true
	f.organism = organism
	f.lastSet = set
	return f.result, nil
}

func plannerFixture(t *testing.T) (*store.Organism, *refgenome.ReferenceGenomes) {
	t.Helper()
	ref := singleSegmentRef()
	s := buildStore(t, ref, map[string]map[string]string{
		"a.1": {"main": "ACCT"},
		"b.1": {"main": "ACGT"},
	}, nil)
	return store.NewOrganism("test-org", s, ref, "v1"), ref
}

func TestResolveAccessionsSequenceOnly(t *testing.T) {
	org, _ := plannerFixture(t)
	meta := &fakeMetadata{}
	p := &Planner{Metadata: meta}

	req := &model.Request{
		NucleotideMutations: []string{"G3C"},
		Filters:             map[string]any{"limit": "10"},
	}
	set, err := p.ResolveAccessions(context.Background(), org, "test-org", req)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if meta.called {
		t.Error("metadata store must not be consulted without metadata filters")
	}
	if !set.Restricted() || !reflect.DeepEqual(set.Values(), []string{"a.1"}) {
		t.Errorf("got %v, want restricted [a.1]", set.Values())
	}
}

func TestResolveAccessionsMetadataOnly(t *testing.T) {
	org, _ := plannerFixture(t)
	meta := &fakeMetadata{result: []string{"b.1"}}
	p := &Planner{Metadata: meta}

	req := &model.Request{Filters: map[string]any{"country": "CH"}}
	set, err := p.ResolveAccessions(context.Background(), org, "test-org", req)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !meta.called {
		t.Fatal("metadata store should have been consulted")
	}
	if meta.lastSet.Restricted() {
		t.Error("no sequence filters: metadata restriction should be unrestricted")
	}
	if !reflect.DeepEqual(set.Values(), []string{"b.1"}) {
		t.Errorf("got %v, want [b.1]", set.Values())
	}
}

func TestResolveAccessionsPushdown(t *testing.T) {
	// Sequence results feed the metadata query as a restriction.
	org, _ := plannerFixture(t)
	meta := &fakeMetadata{result: []string{"a.1"}}
	p := &Planner{Metadata: meta}

	req := &model.Request{
		NucleotideMutations: []string{"G3C"},
		Filters:             map[string]any{"country": "CH"},
	}
	if _, err := p.ResolveAccessions(context.Background(), org, "test-org", req); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !meta.lastSet.Restricted() || !reflect.DeepEqual(meta.lastSet.Values(), []string{"a.1"}) {
		t.Errorf("pushed-down set = %v, want [a.1]", meta.lastSet.Values())
	}
}

// lockProbeMetadata checks from inside the metadata round-trip that the
// organism's store lock has been released.
type lockProbeMetadata struct {
	org    *store.Organism
	locked bool
}

func (f *lockProbeMetadata) FilteredAccessions(context.Context, *model.Request, string, model.AccessionSet) ([]string, error) {
	done := make(chan struct{})
	go func() {
		f.org.WithStore(func(*store.Store) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		f.locked = true
	}
	return nil, nil
}

func TestStoreLockReleasedBeforeMetadataCall(t *testing.T) {
	org, _ := plannerFixture(t)
	probe := &lockProbeMetadata{org: org}
	p := &Planner{Metadata: probe}

	req := &model.Request{
		NucleotideMutations: []string{"G3C"},
		Filters:             map[string]any{"country": "CH"},
	}
	if _, err := p.ResolveAccessions(context.Background(), org, "test-org", req); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if probe.locked {
		t.Fatal("store lock held across the metadata round-trip")
	}
}

func TestResolveAccessionsUnfiltered(t *testing.T) {
	org, _ := plannerFixture(t)
	p := &Planner{Metadata: &fakeMetadata{}}

	set, err := p.ResolveAccessions(context.Background(), org, "test-org", &model.Request{Filters: map[string]any{}})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if set.Restricted() {
		t.Error("no filters: want unrestricted set")
	}
}

func TestApplySequenceFiltersDropsBadLiterals(t *testing.T) {
	org, ref := plannerFixture(t)
	p := &Planner{Metadata: &fakeMetadata{}}

	var accs []string
	err := org.WithStore(func(s *store.Store) error {
		var err error
		accs, err = p.ApplySequenceFilters(s, ref, &model.Request{
			NucleotideMutations: []string{"not-a-literal", "G3C"},
		})
		return err
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !reflect.DeepEqual(accs, []string{"a.1"}) {
		t.Errorf("got %v, want [a.1] from the parseable remainder", accs)
	}
}

func TestApplySequenceFiltersStrictMode(t *testing.T) {
	org, ref := plannerFixture(t)
	p := &Planner{Metadata: &fakeMetadata{}, StrictLiterals: true}

	err := org.WithStore(func(s *store.Store) error {
		_, err := p.ApplySequenceFilters(s, ref, &model.Request{
			NucleotideMutations: []string{"not-a-literal"},
		})
		return err
	})
	if err == nil {
		t.Fatal("strict mode should reject unparseable literals")
	}
}

func TestApplySequenceFiltersEmptyArrays(t *testing.T) {
	// Present-but-empty literal arrays enumerate the whole store.
	org, ref := plannerFixture(t)
	p := &Planner{Metadata: &fakeMetadata{}}

	var accs []string
	err := org.WithStore(func(s *store.Store) error {
		var err error
		accs, err = p.ApplySequenceFilters(s, ref, &model.Request{
			NucleotideMutations: []string{},
		})
		return err
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	sort.Strings(accs)
	if !reflect.DeepEqual(accs, []string{"a.1", "b.1"}) {
		t.Errorf("got %v, want all accessions", accs)
	}
}

func TestConcreteAccessions(t *testing.T) {
	org, _ := plannerFixture(t)

	accs, err := ConcreteAccessions(org, model.RestrictTo([]string{"x.1"}))
	if err != nil {
		t.Fatalf("concrete failed: %v", err)
	}
	if !reflect.DeepEqual(accs, []string{"x.1"}) {
		t.Errorf("restricted: got %v", accs)
	}

	accs, err = ConcreteAccessions(org, model.Unrestricted())
	if err != nil {
		t.Fatalf("concrete failed: %v", err)
	}
	if len(accs) != 2 {
		t.Errorf("unrestricted: got %v, want both accessions", accs)
	}
}
