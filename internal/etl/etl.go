// Package etl ingests an organism's released-data stream: it downloads the
// NDJSON records, computes mutations and coverage bitmaps against the
// reference, and bulk-loads the columnar store in a single transaction
// followed by index creation.
package etl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loculus-project/seqlapis/internal/genome"
	"github.com/loculus-project/seqlapis/internal/model"
	"github.com/loculus-project/seqlapis/internal/refgenome"
	"github.com/loculus-project/seqlapis/internal/store"
)

// scanBufferSize bounds one NDJSON line; whole-genome records with aligned
// sequences run to tens of megabytes.
const scanBufferSize = 256 * 1024 * 1024

// Pipeline ingests organisms from the backend's released-data endpoint
// into per-organism store files under DataDir.
type Pipeline struct {
	BackendURL string
	DataDir    string
	// InlineSetLimit is applied to every store the pipeline opens; zero
	// keeps the store default.
	InlineSetLimit int
	client         *http.Client
}

// NewPipeline returns a pipeline with the one-hour download ceiling.
func NewPipeline(backendURL, dataDir string) *Pipeline {
	return &Pipeline{
		BackendURL: backendURL,
		DataDir:    dataDir,
		client:     &http.Client{Timeout: time.Hour},
	}
}

// StorePath returns the organism's store file path.
func (p *Pipeline) StorePath(organism string) string {
	return filepath.Join(p.DataDir, organism+".sqlite")
}

// Run ingests one organism and returns the connected store. An existing
// store file holding at least one metadata row is reused as-is; the
// reference is authoritative, and re-ingestion is forced only by the
// freshness controller deleting the file first.
func (p *Pipeline) Run(ctx context.Context, organism string, ref *refgenome.ReferenceGenomes) (*store.Store, error) {
	path := p.StorePath(organism)

	if existing, err := store.Open(path); err == nil {
		count, err := existing.MetadataCount()
		if err == nil && count > 0 {
			logrus.WithFields(logrus.Fields{"organism": organism, "sequences": count}).
				Info("ETL: reusing existing store")
			existing.SetInlineSetLimit(p.InlineSetLimit)
			return existing, nil
		}
		existing.Close()
	}

	s, err := store.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create store for %s: %w", organism, err)
	}
	s.SetInlineSetLimit(p.InlineSetLimit)

	if err := p.load(ctx, s, organism, ref); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (p *Pipeline) load(ctx context.Context, s *store.Store, organism string, ref *refgenome.ReferenceGenomes) error {
	url := fmt.Sprintf("%s/%s/get-released-data", p.BackendURL, organism)
	logrus.WithFields(logrus.Fields{"organism": organism, "url": url}).Info("ETL: loading released data")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch released data for %s: %w", organism, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch released data for %s: HTTP %s", organism, resp.Status)
	}

	loader, err := s.BeginLoad()
	if err != nil {
		return err
	}

	count := 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1024*1024), scanBufferSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var record model.ReleasedRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			logrus.WithError(err).Warn("ETL: skipping malformed record")
			continue
		}

		if err := processRecord(loader, &record, ref); err != nil {
			logrus.WithError(err).Warn("ETL: skipping record")
			continue
		}

		count++
		if count%1000 == 0 {
			logrus.WithFields(logrus.Fields{"organism": organism, "sequences": count}).
				Info("ETL: progress")
		}
	}
	if err := scanner.Err(); err != nil {
		loader.Rollback()
		return fmt.Errorf("failed to read released data stream: %w", err)
	}

	if err := loader.Commit(); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"organism": organism, "sequences": count}).Info("ETL: loaded")

	if err := s.CreateIndexes(); err != nil {
		return err
	}
	logrus.WithField("organism", organism).Info("ETL: done")
	return nil
}

// processRecord writes one released record: metadata, then per-segment and
// per-gene sequences with their computed mutations and coverage, then
// insertions.
func processRecord(loader *store.Loader, record *model.ReleasedRecord, ref *refgenome.ReferenceGenomes) error {
	accession := record.AccessionVersion()
	if accession == "" {
		accession = "unknown"
	}

	metadataJSON, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := loader.InsertMetadata(accession, metadataJSON); err != nil {
		return err
	}

	for _, refSeq := range ref.NucleotideSequences {
		segment := refSeq.Name
		if aligned := record.AlignedNucleotideSequences[segment]; aligned != nil {
			muts, cov := genome.CompareNucleotide(*aligned, refSeq.Sequence)
			if err := loader.InsertSequence(store.AlignedNucleotide, accession, segment, *aligned); err != nil {
				return err
			}
			if err := loader.InsertCoverage(store.Nucleotide, accession, segment, cov.Bytes()); err != nil {
				return err
			}
			for _, m := range muts {
				if err := loader.InsertMutation(store.Nucleotide, accession, segment, m.Position, string(m.Ref), string(m.Alt)); err != nil {
					return err
				}
			}
		}
		if unaligned := record.UnalignedNucleotideSequences[segment]; unaligned != nil {
			if err := loader.InsertSequence(store.UnalignedNucleotide, accession, segment, *unaligned); err != nil {
				return err
			}
		}
	}

	for _, refGene := range ref.Genes {
		gene := refGene.Name
		aligned := record.AlignedAminoAcidSequences[gene]
		if aligned == nil {
			continue
		}
		muts, cov := genome.CompareAminoAcid(*aligned, refGene.Sequence)
		if err := loader.InsertSequence(store.AlignedAminoAcid, accession, gene, *aligned); err != nil {
			return err
		}
		if err := loader.InsertCoverage(store.AminoAcid, accession, gene, cov.Bytes()); err != nil {
			return err
		}
		for _, m := range muts {
			if err := loader.InsertMutation(store.AminoAcid, accession, gene, m.Position, string(m.Ref), string(m.Alt)); err != nil {
				return err
			}
		}
	}

	for segment, list := range record.NucleotideInsertions {
		for _, ins := range list {
			if position, symbols, ok := splitInsertion(ins); ok {
				if err := loader.InsertInsertion(store.Nucleotide, accession, segment, position, symbols); err != nil {
					return err
				}
			}
		}
	}
	for gene, list := range record.AminoAcidInsertions {
		for _, ins := range list {
			if position, symbols, ok := splitInsertion(ins); ok {
				if err := loader.InsertInsertion(store.AminoAcid, accession, gene, position, symbols); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// splitInsertion parses a stored insertion literal "<position>:<symbols>".
func splitInsertion(s string) (int, string, bool) {
	posStr, symbols, ok := strings.Cut(s, ":")
	if !ok {
		return 0, "", false
	}
	position, err := strconv.Atoi(posStr)
	if err != nil {
		return 0, "", false
	}
	return position, symbols, true
}
