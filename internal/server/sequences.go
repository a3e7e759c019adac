package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/loculus-project/seqlapis/internal/engine"
	"github.com/loculus-project/seqlapis/internal/model"
	"github.com/loculus-project/seqlapis/internal/store"
)

func (s *Server) handleUnalignedNucSequences(w http.ResponseWriter, r *http.Request) {
	s.sequences(w, r, store.UnalignedNucleotide)
}

func (s *Server) handleAlignedNucSequences(w http.ResponseWriter, r *http.Request) {
	s.sequences(w, r, store.AlignedNucleotide)
}

func (s *Server) handleAlignedAASequences(w http.ResponseWriter, r *http.Request) {
	s.sequences(w, r, store.AlignedAminoAcid)
}

// sequences renders filtered, paginated FASTA for one sequence table.
// Aligned fetches substitute a placeholder of the reference's length for
// accessions without a stored row: N for nucleotides, X for amino acids.
func (s *Server) sequences(w http.ResponseWriter, r *http.Request, table store.SequenceTable) {
	org, ok := s.organism(w, r)
	if !ok {
		return
	}
	ref := org.Reference()
	vars := mux.Vars(r)

	var name string
	var fill byte
	var fillLen int
	switch table {
	case store.AlignedAminoAcid:
		name = vars["gene"]
		gene, ok := ref.Gene(name)
		if !ok {
			writeError(w, http.StatusBadRequest, "Unknown gene: "+name)
			return
		}
		fill = 'X'
		fillLen = len(gene.Sequence)
	default:
		name = vars["segment"]
		if name == "" {
			name = ref.NucleotideSequences[0].Name
		}
		segment, ok := ref.Segment(name)
		if !ok {
			writeError(w, http.StatusBadRequest, "Unknown segment: "+name)
			return
		}
		fill = 'N'
		fillLen = len(segment.Sequence)
	}

	req := mergeRequest(r)
	offset := req.Offset()
	limit := req.Limit(100)

	set, err := s.planner.ResolveAccessions(r.Context(), org, org.Name(), req)
	if err != nil {
		fail(w, err)
		return
	}
	accs, err := engine.ConcreteAccessions(org, set)
	if err != nil {
		fail(w, err)
		return
	}

	if offset > len(accs) {
		offset = len(accs)
	}
	page := accs[offset:]
	if limit < len(page) {
		page = page[:limit]
	}

	template := req.StringParam("fastaHeaderTemplate")
	var rows []model.SequenceRow
	var templateMeta map[string]map[string]any
	err = org.WithStore(func(st *store.Store) error {
		var err error
		if table == store.UnalignedNucleotide {
			rows, err = st.Sequences(table, name, page)
		} else {
			rows, err = st.SequencesFilled(table, name, page, fill, fillLen)
		}
		if err != nil {
			return err
		}
		if template != "" {
			templateMeta, err = metadataForTemplate(st, page)
		}
		return err
	})
	if err != nil {
		fail(w, err)
		return
	}

	writeFasta(w, req, org.DataVersion(), buildFasta(rows, template, templateMeta))
}

// metadataForTemplate loads the stored metadata documents used to fill
// FASTA header templates.
func metadataForTemplate(st *store.Store, accessions []string) (map[string]map[string]any, error) {
	rows, err := st.MetadataRows(accessions)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		var doc map[string]any
		if err := json.Unmarshal(row.JSON, &doc); err == nil {
			out[row.AccessionVersion] = doc
		}
	}
	return out, nil
}

// buildFasta renders sequence rows as FASTA. A non-empty template replaces
// {field} placeholders in the header with metadata values; accessions
// without metadata fall back to a bare accession header.
func buildFasta(rows []model.SequenceRow, template string, metadata map[string]map[string]any) string {
	var b strings.Builder
	for _, row := range rows {
		header := row.AccessionVersion
		if template != "" {
			if doc, ok := metadata[row.AccessionVersion]; ok {
				header = fillTemplate(template, doc)
			}
		}
		b.WriteByte('>')
		b.WriteString(header)
		b.WriteByte('\n')
		b.WriteString(row.Sequence)
		b.WriteByte('\n')
	}
	return b.String()
}

func fillTemplate(template string, doc map[string]any) string {
	header := template
	for key, val := range doc {
		var replacement string
		switch t := val.(type) {
		case nil:
		case string:
			replacement = t
		default:
			encoded, err := json.Marshal(t)
			if err == nil {
				replacement = string(encoded)
			}
		}
		header = strings.ReplaceAll(header, "{"+key+"}", replacement)
	}
	return header
}
