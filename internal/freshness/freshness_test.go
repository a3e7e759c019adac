package freshness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loculus-project/seqlapis/internal/refgenome"
	"github.com/loculus-project/seqlapis/internal/store"
)

type fakeUpstream struct {
	fingerprint string
	version     string
	err         error
}

func (f *fakeUpstream) Fingerprint(context.Context, string) (string, error) {
	return f.fingerprint, f.err
}

func (f *fakeUpstream) DisplayVersion(context.Context, string) (string, error) {
	return f.version, nil
}

// fakeIngester builds a store with a configurable row count, or fails.
type fakeIngester struct {
	dataDir string
	rows    int
	fail    bool
	runs    int
}

func (f *fakeIngester) StorePath(organism string) string {
	return filepath.Join(f.dataDir, organism+".sqlite")
}

func (f *fakeIngester) Run(_ context.Context, organism string, _ *refgenome.ReferenceGenomes) (*store.Store, error) {
	f.runs++
	if f.fail {
		return nil, errors.New("ingestion failed")
	}
	s, err := store.Create(f.StorePath(organism))
	if err != nil {
		return nil, err
	}
	loader, err := s.BeginLoad()
	if err != nil {
		return nil, err
	}
	for i := 0; i < f.rows; i++ {
		if err := loader.InsertMetadata(fmt.Sprintf("s%d.1", i), []byte(`{}`)); err != nil {
			return nil, err
		}
	}
	if err := loader.Commit(); err != nil {
		return nil, err
	}
	return s, nil
}

func writeReference(t *testing.T, dir, organism string) {
	t.Helper()
	ref := refgenome.ReferenceGenomes{
		NucleotideSequences: []refgenome.NamedSequence{{Name: "main", Sequence: "ACGT"}},
	}
	data, err := json.Marshal(ref)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := os.WriteFile(refgenome.FilePath(dir, organism), data, 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func newController(t *testing.T, ingester *fakeIngester, upstream *fakeUpstream) *Controller {
	t.Helper()
	refDir := t.TempDir()
	writeReference(t, refDir, "test-org")
	return &Controller{
		Catalog:      store.NewCatalog(),
		Upstream:     upstream,
		Ingester:     ingester,
		RefGenomeDir: refDir,
		Organisms:    []string{"test-org"},
		Interval:     time.Hour,
	}
}

func TestInitialLoadPublishes(t *testing.T) {
	ingester := &fakeIngester{dataDir: t.TempDir(), rows: 2}
	c := newController(t, ingester, &fakeUpstream{version: "2024-01-01"})

	c.InitialLoad(context.Background())

	org, ok := c.Catalog.Get("test-org")
	if !ok {
		t.Fatal("organism not published")
	}
	if org.DataVersion() != "2024-01-01" {
		t.Errorf("version = %q, want 2024-01-01", org.DataVersion())
	}
	var count int64
	org.WithStore(func(s *store.Store) error {
		count, _ = s.MetadataCount()
		return nil
	})
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestPublishCachedUsesExistingStore(t *testing.T) {
	ingester := &fakeIngester{dataDir: t.TempDir(), rows: 3}
	c := newController(t, ingester, &fakeUpstream{})

	// Prepare a populated store file, then publish from cache alone.
	s, err := ingester.Run(context.Background(), "test-org", nil)
	if err != nil {
		t.Fatalf("prep failed: %v", err)
	}
	s.Close()
	ingester.runs = 0

	c.PublishCached()

	org, ok := c.Catalog.Get("test-org")
	if !ok {
		t.Fatal("cached organism not published")
	}
	if org.DataVersion() != "loading" {
		t.Errorf("version = %q, want loading", org.DataVersion())
	}
	if ingester.runs != 0 {
		t.Error("PublishCached must not run ingestion")
	}
}

func TestRefreshOnFingerprintChange(t *testing.T) {
	ingester := &fakeIngester{dataDir: t.TempDir(), rows: 1}
	upstream := &fakeUpstream{fingerprint: "v1", version: "2024-01-01"}
	c := newController(t, ingester, upstream)

	c.InitialLoad(context.Background())
	c.fingerprints = map[string]string{"test-org": "v1"}

	// Same fingerprint: nothing happens.
	runsBefore := ingester.runs
	c.refreshOrganism(context.Background(), "test-org")
	if ingester.runs != runsBefore {
		t.Error("unchanged fingerprint must not trigger ETL")
	}

	// Changed fingerprint: reload and swap.
	upstream.fingerprint = "v2"
	upstream.version = "2024-02-02"
	ingester.rows = 5
	c.refreshOrganism(context.Background(), "test-org")

	if c.fingerprints["test-org"] != "v2" {
		t.Errorf("fingerprint not updated: %q", c.fingerprints["test-org"])
	}
	org, _ := c.Catalog.Get("test-org")
	if org.DataVersion() != "2024-02-02" {
		t.Errorf("version = %q, want 2024-02-02", org.DataVersion())
	}
	var count int64
	org.WithStore(func(s *store.Store) error {
		count, _ = s.MetadataCount()
		return nil
	})
	if count != 5 {
		t.Errorf("count = %d, want 5 after swap", count)
	}
}

func TestRefreshFailureKeepsFingerprint(t *testing.T) {
	ingester := &fakeIngester{dataDir: t.TempDir(), rows: 1}
	upstream := &fakeUpstream{fingerprint: "v1", version: "2024-01-01"}
	c := newController(t, ingester, upstream)

	c.InitialLoad(context.Background())
	c.fingerprints = map[string]string{"test-org": "v1"}

	upstream.fingerprint = "v2"
	ingester.fail = true
	c.refreshOrganism(context.Background(), "test-org")

	// The old fingerprint survives so the next tick retries.
	if c.fingerprints["test-org"] != "v1" {
		t.Errorf("fingerprint = %q, want v1 kept on failure", c.fingerprints["test-org"])
	}

	// The previous snapshot keeps serving.
	org, _ := c.Catalog.Get("test-org")
	var count int64
	org.WithStore(func(s *store.Store) error {
		count, _ = s.MetadataCount()
		return nil
	})
	if count != 1 {
		t.Errorf("count = %d, want previous snapshot intact", count)
	}
}

func TestRefreshProbeFailureSkips(t *testing.T) {
	ingester := &fakeIngester{dataDir: t.TempDir(), rows: 1}
	upstream := &fakeUpstream{err: errors.New("connection refused")}
	c := newController(t, ingester, upstream)
	c.fingerprints = map[string]string{"test-org": "v1"}

	runsBefore := ingester.runs
	c.refreshOrganism(context.Background(), "test-org")
	if ingester.runs != runsBefore {
		t.Error("probe failure must not trigger ETL")
	}
}
