package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/loculus-project/seqlapis/internal/model"
)

// newTestStore creates a store with two sequences on segment "main":
//
//	a.1 aligned ACGT (no mutations, fully covered)
//	b.1 aligned ACCT (G3C mutation), insertion 5:AAA
func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Create(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	loader, err := s.BeginLoad()
	if err != nil {
		t.Fatalf("failed to begin load: %v", err)
	}

	full := []byte{0xF0} // positions 0..3 covered
	insert := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
	insert(loader.InsertMetadata("a.1", []byte(`{"accessionVersion":"a.1"}`)))
	insert(loader.InsertSequence(AlignedNucleotide, "a.1", "main", "ACGT"))
	insert(loader.InsertCoverage(Nucleotide, "a.1", "main", full))

	insert(loader.InsertMetadata("b.1", []byte(`{"accessionVersion":"b.1"}`)))
	insert(loader.InsertSequence(AlignedNucleotide, "b.1", "main", "ACCT"))
	insert(loader.InsertCoverage(Nucleotide, "b.1", "main", full))
	insert(loader.InsertMutation(Nucleotide, "b.1", "main", 2, "G", "C"))
	insert(loader.InsertInsertion(Nucleotide, "b.1", "main", 5, "AAA"))

	if err := loader.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	if err := s.CreateIndexes(); err != nil {
		t.Fatalf("failed to create indexes: %v", err)
	}
	return s
}

func TestMetadataCountAndAccessions(t *testing.T) {
	s := newTestStore(t)

	count, err := s.MetadataCount()
	if err != nil {
		t.Fatalf("MetadataCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("got count %d, want 2", count)
	}

	accs, err := s.AllAccessions()
	if err != nil {
		t.Fatalf("AllAccessions failed: %v", err)
	}
	if len(accs) != 2 {
		t.Errorf("got %d accessions, want 2", len(accs))
	}
}

func TestMutatedAccessions(t *testing.T) {
	s := newTestStore(t)

	accs, err := s.MutatedAccessions(Nucleotide, "main", 2, "", model.Unrestricted())
	if err != nil {
		t.Fatalf("MutatedAccessions failed: %v", err)
	}
	if len(accs) != 1 || accs[0] != "b.1" {
		t.Errorf("got %v, want [b.1]", accs)
	}

	// Alt constraint.
	accs, err = s.MutatedAccessions(Nucleotide, "main", 2, "T", model.Unrestricted())
	if err != nil {
		t.Fatalf("MutatedAccessions failed: %v", err)
	}
	if len(accs) != 0 {
		t.Errorf("got %v, want empty", accs)
	}

	// Empty restriction matches nothing.
	accs, err = s.MutatedAccessions(Nucleotide, "main", 2, "", model.RestrictTo(nil))
	if err != nil {
		t.Fatalf("MutatedAccessions failed: %v", err)
	}
	if len(accs) != 0 {
		t.Errorf("empty restriction: got %v, want empty", accs)
	}

	// Restriction excluding the carrier.
	accs, err = s.MutatedAccessions(Nucleotide, "main", 2, "", model.RestrictTo([]string{"a.1"}))
	if err != nil {
		t.Fatalf("MutatedAccessions failed: %v", err)
	}
	if len(accs) != 0 {
		t.Errorf("restricted: got %v, want empty", accs)
	}
}

func TestScanCoverage(t *testing.T) {
	s := newTestStore(t)

	seen := map[string][]byte{}
	err := s.ScanCoverage(Nucleotide, "main", model.Unrestricted(), func(acc string, bitmap []byte) error {
		seen[acc] = bitmap
		return nil
	})
	if err != nil {
		t.Fatalf("ScanCoverage failed: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("got %d coverage rows, want 2", len(seen))
	}
	if seen["a.1"][0] != 0xF0 {
		t.Errorf("bitmap not round-tripped: %x", seen["a.1"])
	}
}

func TestMutationCounts(t *testing.T) {
	s := newTestStore(t)

	counts, err := s.MutationCounts(Nucleotide, model.Unrestricted())
	if err != nil {
		t.Fatalf("MutationCounts failed: %v", err)
	}
	if len(counts) != 1 {
		t.Fatalf("got %d groups, want 1", len(counts))
	}
	c := counts[0]
	if c.Name != "main" || c.Position != 2 || c.Ref != "G" || c.Alt != "C" || c.Count != 1 {
		t.Errorf("unexpected group %+v", c)
	}
}

func TestInsertionAccessions(t *testing.T) {
	s := newTestStore(t)

	// Infix match.
	accs, err := s.InsertionAccessions(Nucleotide, "", 5, "AA", model.Unrestricted())
	if err != nil {
		t.Fatalf("InsertionAccessions failed: %v", err)
	}
	if len(accs) != 1 || accs[0] != "b.1" {
		t.Errorf("got %v, want [b.1]", accs)
	}

	// Longer than stored: no match.
	accs, err = s.InsertionAccessions(Nucleotide, "", 5, "AAAA", model.Unrestricted())
	if err != nil {
		t.Fatalf("InsertionAccessions failed: %v", err)
	}
	if len(accs) != 0 {
		t.Errorf("got %v, want empty", accs)
	}

	// Wrong segment filter.
	accs, err = s.InsertionAccessions(Nucleotide, "other", 5, "AA", model.Unrestricted())
	if err != nil {
		t.Fatalf("InsertionAccessions failed: %v", err)
	}
	if len(accs) != 0 {
		t.Errorf("got %v, want empty", accs)
	}
}

func TestInsertionCounts(t *testing.T) {
	s := newTestStore(t)

	counts, err := s.InsertionCounts(Nucleotide, model.Unrestricted())
	if err != nil {
		t.Fatalf("InsertionCounts failed: %v", err)
	}
	if len(counts) != 1 {
		t.Fatalf("got %d groups, want 1", len(counts))
	}
	c := counts[0]
	if c.Name != "main" || c.Position != 5 || c.Symbols != "AAA" || c.Count != 1 {
		t.Errorf("unexpected group %+v", c)
	}
}

func TestSequencesFilled(t *testing.T) {
	s := newTestStore(t)

	loader, err := s.BeginLoad()
	if err != nil {
		t.Fatalf("failed to begin load: %v", err)
	}
	if err := loader.InsertMetadata("c.1", []byte(`{}`)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := loader.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	rows, err := s.SequencesFilled(AlignedNucleotide, "main", []string{"a.1", "c.1"}, 'N', 4)
	if err != nil {
		t.Fatalf("SequencesFilled failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].AccessionVersion != "a.1" || rows[0].Sequence != "ACGT" {
		t.Errorf("row 0 = %+v", rows[0])
	}
	if rows[1].AccessionVersion != "c.1" || rows[1].Sequence != "NNNN" {
		t.Errorf("row 1 should be the placeholder, got %+v", rows[1])
	}
}

func TestAccessionClauseQuoting(t *testing.T) {
	s := newTestStore(t)

	// An accession containing a quote must not break the query.
	accs, err := s.MutatedAccessions(Nucleotide, "main", 2, "", model.RestrictTo([]string{"x'y.1", "b.1"}))
	if err != nil {
		t.Fatalf("quoted accession scan failed: %v", err)
	}
	if len(accs) != 1 || accs[0] != "b.1" {
		t.Errorf("got %v, want [b.1]", accs)
	}
}

func TestAccessionClauseTempTable(t *testing.T) {
	s := newTestStore(t)
	s.SetInlineSetLimit(2)

	// Three accessions exceed the inline limit and go through the temp
	// table path.
	set := model.RestrictTo([]string{"b.1", "a.1", "nope.1"})
	accs, err := s.MutatedAccessions(Nucleotide, "main", 2, "", set)
	if err != nil {
		t.Fatalf("temp table scan failed: %v", err)
	}
	if len(accs) != 1 || accs[0] != "b.1" {
		t.Errorf("got %v, want [b.1]", accs)
	}

	// The temp table is dropped; a second scan must not collide.
	if _, err := s.MutatedAccessions(Nucleotide, "main", 2, "", set); err != nil {
		t.Fatalf("second temp table scan failed: %v", err)
	}
}

func TestOrganismSwapClosesOldStore(t *testing.T) {
	s1 := newTestStore(t)
	s2 := newTestStore(t)

	org := NewOrganism("test", s1, nil, "v1")
	org.Swap(s2)

	if err := org.WithStore(func(cur *Store) error {
		if cur != s2 {
			t.Error("swap did not install the new store")
		}
		return nil
	}); err != nil {
		t.Fatalf("WithStore failed: %v", err)
	}

	// The replaced handle is closed.
	if _, err := s1.MetadataCount(); err == nil {
		t.Error("old store should be closed after swap")
	}
}

func TestReuseAfterReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reopen.sqlite")

	s, err := Create(path)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	loader, err := s.BeginLoad()
	if err != nil {
		t.Fatalf("begin load failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := loader.InsertMetadata(fmt.Sprintf("s%d.1", i), []byte(`{}`)); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
	if err := loader.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	s.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer reopened.Close()
	count, err := reopened.MetadataCount()
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 3 {
		t.Errorf("got %d rows after reopen, want 3", count)
	}
}
