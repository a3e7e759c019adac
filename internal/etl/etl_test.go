package etl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loculus-project/seqlapis/internal/model"
	"github.com/loculus-project/seqlapis/internal/refgenome"
	"github.com/loculus-project/seqlapis/internal/store"
)

var testRef = &refgenome.ReferenceGenomes{
	NucleotideSequences: []refgenome.NamedSequence{{Name: "main", Sequence: "ACGTN"}},
	Genes:               []refgenome.NamedSequence{{Name: "GP", Sequence: "MKV"}},
}

func releasedDataServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/test-organism/get-released-data" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestRunIngestsRecords(t *testing.T) {
	body := `{"metadata":{"accessionVersion":"a.1","country":"CH"},"alignedNucleotideSequences":{"main":"ACCTT"},"unalignedNucleotideSequences":{"main":"ACCTT"},"alignedAminoAcidSequences":{"GP":"MYV"},"nucleotideInsertions":{"main":["5:AAA"]},"aminoAcidInsertions":{"GP":["2:EP"]}}
{"metadata":{"accessionVersion":"b.1"},"alignedNucleotideSequences":{"main":null}}
`
	server := releasedDataServer(t, body)
	pipeline := NewPipeline(server.URL, t.TempDir())

	s, err := pipeline.Run(context.Background(), "test-organism", testRef)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	defer s.Close()

	count, err := s.MetadataCount()
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("got %d records, want 2", count)
	}

	// a.1 carries the G3C mutation computed against ACGTN.
	accs, err := s.MutatedAccessions(store.Nucleotide, "main", 2, "C", model.Unrestricted())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(accs) != 1 || accs[0] != "a.1" {
		t.Errorf("got %v, want [a.1]", accs)
	}

	// Coverage skips the N reference position.
	err = s.ScanCoverage(store.Nucleotide, "main", model.Unrestricted(), func(acc string, bitmap []byte) error {
		if acc != "a.1" {
			t.Errorf("unexpected coverage row for %s", acc)
		}
		if bitmap[0] != 0xF0 {
			t.Errorf("bitmap = %x, want f0", bitmap)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("coverage scan failed: %v", err)
	}

	// Amino acid mutation K2Y.
	accs, err = s.MutatedAccessions(store.AminoAcid, "GP", 1, "Y", model.Unrestricted())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(accs) != 1 {
		t.Errorf("aa mutation missing: %v", accs)
	}

	// Insertions on both alphabets.
	accs, err = s.InsertionAccessions(store.Nucleotide, "", 5, "AAA", model.Unrestricted())
	if err != nil || len(accs) != 1 {
		t.Errorf("nuc insertion missing: %v %v", accs, err)
	}
	accs, err = s.InsertionAccessions(store.AminoAcid, "GP", 2, "EP", model.Unrestricted())
	if err != nil || len(accs) != 1 {
		t.Errorf("aa insertion missing: %v %v", accs, err)
	}

	// Sequences landed in the unaligned nucleotide and aligned amino acid
	// tables.
	rows, err := s.Sequences(store.UnalignedNucleotide, "main", []string{"a.1"})
	if err != nil || len(rows) != 1 {
		t.Errorf("unaligned sequence missing: %v %v", rows, err)
	}
	rows, err = s.Sequences(store.AlignedAminoAcid, "GP", []string{"a.1"})
	if err != nil || len(rows) != 1 {
		t.Errorf("aligned aa sequence missing: %v %v", rows, err)
	}
}

func TestRunSkipsMalformedLines(t *testing.T) {
	body := `not json at all
{"metadata":{"accessionVersion":"a.1"},"alignedNucleotideSequences":{"main":"ACGT"}}
`
	server := releasedDataServer(t, body)
	pipeline := NewPipeline(server.URL, t.TempDir())

	s, err := pipeline.Run(context.Background(), "test-organism", testRef)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	defer s.Close()

	count, _ := s.MetadataCount()
	if count != 1 {
		t.Errorf("got %d records, want 1 (malformed line skipped)", count)
	}
}

func TestRunReusesPopulatedStore(t *testing.T) {
	body := `{"metadata":{"accessionVersion":"a.1"}}
`
	server := releasedDataServer(t, body)
	dataDir := t.TempDir()
	pipeline := NewPipeline(server.URL, dataDir)

	s, err := pipeline.Run(context.Background(), "test-organism", testRef)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	s.Close()

	// Second run must reuse the file without re-downloading.
	server.Close()
	s, err = pipeline.Run(context.Background(), "test-organism", testRef)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	defer s.Close()

	count, _ := s.MetadataCount()
	if count != 1 {
		t.Errorf("got %d records after reuse, want 1", count)
	}
}

func TestRunFailsOnHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)
	pipeline := NewPipeline(server.URL, t.TempDir())

	if _, err := pipeline.Run(context.Background(), "test-organism", testRef); err == nil {
		t.Fatal("expected error on HTTP 500")
	}
}

func TestRunIgnoresEmptyExistingStore(t *testing.T) {
	body := `{"metadata":{"accessionVersion":"a.1"}}
`
	server := releasedDataServer(t, body)
	dataDir := t.TempDir()
	pipeline := NewPipeline(server.URL, dataDir)

	// A zero-row store file left behind by a failed ingestion is not
	// treated as data.
	empty, err := store.Create(pipeline.StorePath("test-organism"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	empty.Close()

	s, err := pipeline.Run(context.Background(), "test-organism", testRef)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	defer s.Close()

	count, _ := s.MetadataCount()
	if count != 1 {
		t.Errorf("got %d records, want fresh ingestion with 1", count)
	}
}

func TestSplitInsertion(t *testing.T) {
	pos, symbols, ok := splitInsertion("12:ACT")
	if !ok || pos != 12 || symbols != "ACT" {
		t.Errorf("got %d %q %v", pos, symbols, ok)
	}
	if _, _, ok := splitInsertion("nocolon"); ok {
		t.Error("expected failure without colon")
	}
	if _, _, ok := splitInsertion("x:ACT"); ok {
		t.Error("expected failure on bad position")
	}
}
