package model

import (
	"encoding/json"
	"strconv"
	"strings"
)

// controlParams are the filter keys interpreted by the service itself.
// Anything else in Request.Filters is a metadata predicate.
var controlParams = map[string]bool{
	"limit":                true,
	"offset":               true,
	"fields":               true,
	"orderBy":              true,
	"nucleotideMutations":  true,
	"aminoAcidMutations":   true,
	"nucleotideInsertions": true,
	"aminoAcidInsertions":  true,
	"minProportion":        true,
	"downloadAsFile":       true,
	"downloadFileBasename": true,
	"dataFormat":           true,
	"compression":          true,
	"fastaHeaderTemplate":  true,
}

// IsControlParam reports whether key is a control parameter rather than a
// metadata filter.
func IsControlParam(key string) bool { return controlParams[key] }

// Request is one inbound query: mutation/insertion literal arrays plus the
// remaining filter keys (metadata predicates and control parameters).
type Request struct {
	NucleotideMutations  []string
	AminoAcidMutations   []string
	NucleotideInsertions []string
	AminoAcidInsertions  []string
	Filters              map[string]any
}

// HasSequenceFilters reports whether any mutation or insertion literal array
// was supplied, even an empty one.
func (r *Request) HasSequenceFilters() bool {
	return r.NucleotideMutations != nil || r.AminoAcidMutations != nil ||
		r.NucleotideInsertions != nil || r.AminoAcidInsertions != nil
}

// HasMetadataFilters reports whether any non-control filter key is present.
func (r *Request) HasMetadataFilters() bool {
	for k := range r.Filters {
		if !IsControlParam(k) {
			return true
		}
	}
	return false
}

// Limit returns the limit control parameter, or def when absent.
func (r *Request) Limit(def int) int { return r.intParam("limit", def) }

// Offset returns the offset control parameter, or 0 when absent.
func (r *Request) Offset() int { return r.intParam("offset", 0) }

func (r *Request) intParam(key string, def int) int {
	v, ok := r.Filters[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case float64:
		return int(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return def
}

// MinProportion returns the minProportion control parameter, or 0.05 when
// absent (the upstream LAPIS default).
func (r *Request) MinProportion() float64 {
	v, ok := r.Filters["minProportion"]
	if !ok {
		return 0.05
	}
	switch t := v.(type) {
	case float64:
		return t
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f
		}
	}
	return 0.05
}

// Fields returns the fields control parameter as a list, or nil when absent.
func (r *Request) Fields() []string {
	return stringList(r.Filters["fields"])
}

// OrderBy returns the parsed orderBy control parameter.
func (r *Request) OrderBy() []OrderByField {
	v, ok := r.Filters["orderBy"]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case string:
		return []OrderByField{{Field: t, Type: "ascending"}}
	case []any:
		var out []OrderByField
		for _, e := range t {
			switch f := e.(type) {
			case string:
				out = append(out, OrderByField{Field: f, Type: "ascending"})
			case map[string]any:
				ob := OrderByField{Type: "ascending"}
				if s, ok := f["field"].(string); ok {
					ob.Field = s
				}
				if s, ok := f["type"].(string); ok {
					ob.Type = s
				}
				if ob.Field != "" {
					out = append(out, ob)
				}
			}
		}
		return out
	}
	return nil
}

// StringParam returns a string-valued filter, or "" when absent.
func (r *Request) StringParam(key string) string {
	if s, ok := r.Filters[key].(string); ok {
		return s
	}
	return ""
}

// BoolParam returns a bool-valued filter, accepting "true" strings as well.
func (r *Request) BoolParam(key string) bool {
	switch t := r.Filters[key].(type) {
	case bool:
		return t
	case string:
		return t == "true"
	}
	return false
}

func stringList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		parts := strings.Split(t, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	}
	return nil
}
