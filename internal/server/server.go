// Package server exposes the organism-scoped query endpoints over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/loculus-project/seqlapis/internal/engine"
	"github.com/loculus-project/seqlapis/internal/lineage"
	"github.com/loculus-project/seqlapis/internal/model"
	"github.com/loculus-project/seqlapis/internal/store"
)

// Version is the service version reported in responses.
const Version = "seqlapis/0.2.0"

// Metadata is the slice of the metadata store the handlers need.
type Metadata interface {
	FilteredAccessions(ctx context.Context, req *model.Request, organism string, set model.AccessionSet) ([]string, error)
	Details(ctx context.Context, req *model.Request, organism string, set model.AccessionSet) ([]model.MetadataRow, error)
	Count(ctx context.Context, req *model.Request, organism string, set model.AccessionSet) (int64, error)
	Aggregated(ctx context.Context, req *model.Request, organism string, fields []string, set model.AccessionSet) ([]map[string]any, error)
}

// Server routes query requests to the engine and renders responses.
type Server struct {
	catalog  *store.Catalog
	metadata Metadata
	planner  *engine.Planner
	lineage  lineage.Definitions
}

// New assembles a server over the shared catalog and metadata store.
func New(catalog *store.Catalog, metadata Metadata, defs lineage.Definitions, strictLiterals bool) *Server {
	return &Server{
		catalog:  catalog,
		metadata: metadata,
		planner:  &engine.Planner{Metadata: metadata, StrictLiterals: strictLiterals},
		lineage:  defs,
	}
}

// Router builds the route table. Query endpoints accept GET and POST.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	sample := r.PathPrefix("/{organism}/sample").Subrouter()
	both := []string{"GET", "POST"}
	sample.HandleFunc("/details", s.handleDetails).Methods(both...)
	sample.HandleFunc("/aggregated", s.handleAggregated).Methods(both...)
	sample.HandleFunc("/nucleotideMutations", s.handleNucleotideMutations).Methods(both...)
	sample.HandleFunc("/aminoAcidMutations", s.handleAminoAcidMutations).Methods(both...)
	sample.HandleFunc("/nucleotideInsertions", s.handleNucleotideInsertions).Methods(both...)
	sample.HandleFunc("/aminoAcidInsertions", s.handleAminoAcidInsertions).Methods(both...)
	sample.HandleFunc("/unalignedNucleotideSequences", s.handleUnalignedNucSequences).Methods(both...)
	sample.HandleFunc("/unalignedNucleotideSequences/{segment}", s.handleUnalignedNucSequences).Methods(both...)
	sample.HandleFunc("/alignedNucleotideSequences", s.handleAlignedNucSequences).Methods(both...)
	sample.HandleFunc("/alignedNucleotideSequences/{segment}", s.handleAlignedNucSequences).Methods(both...)
	sample.HandleFunc("/alignedAminoAcidSequences/{gene}", s.handleAlignedAASequences).Methods(both...)
	sample.HandleFunc("/info", s.handleInfo).Methods("GET")
	sample.HandleFunc("/lineageDefinition/{column}", s.handleLineageDefinition).Methods("GET")
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}

// organism resolves the path's organism, writing a 404 when unknown.
func (s *Server) organism(w http.ResponseWriter, r *http.Request) (*store.Organism, bool) {
	name := mux.Vars(r)["organism"]
	org, ok := s.catalog.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown organism: "+name)
		return nil, false
	}
	return org, true
}

// fail maps an engine or store error onto the right status code.
func fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownSequenceName), errors.Is(err, engine.ErrBadLiteral):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logrus.WithError(err).Error("query failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
