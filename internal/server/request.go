package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/loculus-project/seqlapis/internal/model"
)

// listValuedParams are control keys whose comma-separated GET values split
// into arrays.
var listValuedParams = map[string]bool{
	"fields":               true,
	"nucleotideMutations":  true,
	"aminoAcidMutations":   true,
	"nucleotideInsertions": true,
	"aminoAcidInsertions":  true,
}

// mergeRequest combines URL query parameters with an optional JSON body
// into one request; body values win on conflicts.
func mergeRequest(r *http.Request) *model.Request {
	merged := make(map[string]any)

	for key, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		v := values[0]
		if len(values) > 1 {
			arr := make([]any, len(values))
			for i, s := range values {
				arr[i] = s
			}
			merged[key] = arr
		} else if listValuedParams[key] && strings.Contains(v, ",") {
			parts := strings.Split(v, ",")
			arr := make([]any, len(parts))
			for i, p := range parts {
				arr[i] = strings.TrimSpace(p)
			}
			merged[key] = arr
		} else {
			merged[key] = v
		}
	}

	if r.Body != nil && r.Method == http.MethodPost {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			for k, v := range body {
				merged[k] = v
			}
		}
	}

	req := &model.Request{
		NucleotideMutations:  takeList(merged, "nucleotideMutations"),
		AminoAcidMutations:   takeList(merged, "aminoAcidMutations"),
		NucleotideInsertions: takeList(merged, "nucleotideInsertions"),
		AminoAcidInsertions:  takeList(merged, "aminoAcidInsertions"),
		Filters:              merged,
	}
	return req
}

// takeList removes a key and normalises it to a string list; a lone string
// splits on commas. Returns nil when the key is absent.
func takeList(merged map[string]any, key string) []string {
	v, ok := merged[key]
	if !ok {
		return nil
	}
	delete(merged, key)
	switch t := v.(type) {
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
	}
	return []string{}
}
