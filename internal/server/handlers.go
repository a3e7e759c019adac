package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/loculus-project/seqlapis/internal/engine"
	"github.com/loculus-project/seqlapis/internal/model"
	"github.com/loculus-project/seqlapis/internal/store"
)

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	org, ok := s.organism(w, r)
	if !ok {
		return
	}
	req := mergeRequest(r)
	offset := req.Offset()
	limit := req.Limit(100)
	fields := req.Fields()
	orderBy := req.OrderBy()

	seqSet := model.Unrestricted()
	if req.HasSequenceFilters() {
		var err error
		seqSet, err = s.sequenceFiltered(org, req)
		if err != nil {
			fail(w, err)
			return
		}
	}

	rows, err := s.metadata.Details(r.Context(), req, org.Name(), seqSet)
	if err != nil {
		fail(w, err)
		return
	}
	totalCount := len(rows)

	docs := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		var doc map[string]any
		if err := json.Unmarshal(row.JSON, &doc); err == nil {
			docs = append(docs, doc)
		}
	}

	if len(orderBy) > 0 {
		sort.SliceStable(docs, func(i, j int) bool {
			for _, ob := range orderBy {
				a, b := docs[i][ob.Field], docs[j][ob.Field]
				cmp := compareValues(a, b)
				if ob.Descending() && a != nil && b != nil {
					cmp = -cmp
				}
				if cmp != 0 {
					return cmp < 0
				}
			}
			return false
		})
	}

	if offset > len(docs) {
		offset = len(docs)
	}
	docs = docs[offset:]
	if limit < len(docs) {
		docs = docs[:limit]
	}

	if fields != nil {
		projected := make([]map[string]any, len(docs))
		for i, doc := range docs {
			row := make(map[string]any, len(fields))
			for _, f := range fields {
				row[f] = doc[f]
			}
			projected[i] = row
		}
		docs = projected
	}

	writeResponse(w, req, org.DataVersion(), totalCount, docs)
}

// compareValues orders JSON values: nulls last, numbers numerically,
// strings lexically, everything else by encoded form.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	if fa, aok := a.(float64); aok {
		if fb, bok := b.(float64); bok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if !aok {
		raw, _ := json.Marshal(a)
		sa = string(raw)
	}
	if !bok {
		raw, _ := json.Marshal(b)
		sb = string(raw)
	}
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

func (s *Server) handleAggregated(w http.ResponseWriter, r *http.Request) {
	org, ok := s.organism(w, r)
	if !ok {
		return
	}
	req := mergeRequest(r)
	fields := req.Fields()

	seqSet := model.Unrestricted()
	if req.HasSequenceFilters() {
		var err error
		seqSet, err = s.sequenceFiltered(org, req)
		if err != nil {
			fail(w, err)
			return
		}
	}

	rows, err := s.metadata.Aggregated(r.Context(), req, org.Name(), fields, seqSet)
	if err != nil {
		fail(w, err)
		return
	}

	totalCount := 0
	for _, row := range rows {
		if c, ok := row["count"].(int64); ok {
			totalCount += int(c)
		}
	}
	writeResponse(w, req, org.DataVersion(), totalCount, rows)
}

func (s *Server) handleNucleotideMutations(w http.ResponseWriter, r *http.Request) {
	s.mutationCounts(w, r, store.Nucleotide)
}

func (s *Server) handleAminoAcidMutations(w http.ResponseWriter, r *http.Request) {
	s.mutationCounts(w, r, store.AminoAcid)
}

func (s *Server) mutationCounts(w http.ResponseWriter, r *http.Request, a store.Alphabet) {
	org, ok := s.organism(w, r)
	if !ok {
		return
	}
	req := mergeRequest(r)
	minProportion := req.MinProportion()

	set, err := s.planner.ResolveAccessions(r.Context(), org, org.Name(), req)
	if err != nil {
		fail(w, err)
		return
	}
	totalCount, err := s.restrictionCount(org, set)
	if err != nil {
		fail(w, err)
		return
	}

	var records []model.MutationRecord
	err = org.WithStore(func(st *store.Store) error {
		var err error
		if a == store.Nucleotide {
			records, err = engine.NucMutationCounts(st, org.Reference(), set, minProportion)
		} else {
			records, err = engine.AAMutationCounts(st, set, minProportion)
		}
		return err
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeResponse(w, req, org.DataVersion(), totalCount, records)
}

func (s *Server) handleNucleotideInsertions(w http.ResponseWriter, r *http.Request) {
	s.insertionCounts(w, r, store.Nucleotide)
}

func (s *Server) handleAminoAcidInsertions(w http.ResponseWriter, r *http.Request) {
	s.insertionCounts(w, r, store.AminoAcid)
}

func (s *Server) insertionCounts(w http.ResponseWriter, r *http.Request, a store.Alphabet) {
	org, ok := s.organism(w, r)
	if !ok {
		return
	}
	req := mergeRequest(r)

	set, err := s.planner.ResolveAccessions(r.Context(), org, org.Name(), req)
	if err != nil {
		fail(w, err)
		return
	}
	totalCount, err := s.restrictionCount(org, set)
	if err != nil {
		fail(w, err)
		return
	}

	var records []model.InsertionRecord
	err = org.WithStore(func(st *store.Store) error {
		var err error
		if a == store.Nucleotide {
			records, err = engine.NucInsertionCounts(st, org.Reference(), set)
		} else {
			records, err = engine.AAInsertionCounts(st, set)
		}
		return err
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeResponse(w, req, org.DataVersion(), totalCount, records)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	org, ok := s.organism(w, r)
	if !ok {
		return
	}
	var count int64
	err := org.WithStore(func(st *store.Store) error {
		var err error
		count, err = st.MetadataCount()
		return err
	})
	if err != nil {
		fail(w, err)
		return
	}

	dataVersion := org.DataVersion()
	body := map[string]any{
		"data": map[string]any{
			"dataVersion":   dataVersion,
			"lapisVersion":  Version,
			"organism":      org.Name(),
			"sequenceCount": count,
		},
		"info": responseInfo{
			DataVersion:  dataVersion,
			RequestID:    uuid.NewString(),
			RequestInfo:  "Info endpoint",
			LapisVersion: Version,
		},
	}
	w.Header().Set("Lapis-Data-Version", dataVersion)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func (s *Server) handleLineageDefinition(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.organism(w, r); !ok {
		return
	}
	vars := mux.Vars(r)
	key := fmt.Sprintf("%s/%s", vars["organism"], vars["column"])

	def, ok := s.lineage[key]
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.Write([]byte("{}"))
		return
	}
	json.NewEncoder(w).Encode(def)
}

// sequenceFiltered evaluates the request's sequence predicates under the
// organism's store lock.
func (s *Server) sequenceFiltered(org *store.Organism, req *model.Request) (model.AccessionSet, error) {
	var accs []string
	err := org.WithStore(func(st *store.Store) error {
		var err error
		accs, err = s.planner.ApplySequenceFilters(st, org.Reference(), req)
		return err
	})
	if err != nil {
		return model.AccessionSet{}, err
	}
	return model.RestrictTo(accs), nil
}

// restrictionCount sizes a restriction, counting the whole store when
// unrestricted.
func (s *Server) restrictionCount(org *store.Organism, set model.AccessionSet) (int, error) {
	if set.Restricted() {
		return set.Len(), nil
	}
	var count int64
	err := org.WithStore(func(st *store.Store) error {
		var err error
		count, err = st.MetadataCount()
		return err
	})
	return int(count), err
}
