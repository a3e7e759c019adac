// Package metadata translates request filters into parameterised SQL
// against the external relational metadata store and runs the metadata
// queries for the filter planner.
package metadata

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/loculus-project/seqlapis/internal/model"
)

// systemFields map to sequence_entries columns rather than the processed
// metadata JSON.
var systemFields = map[string]bool{
	"groupId":                     true,
	"groupName":                   true,
	"isRevocation":                true,
	"versionStatus":               true,
	"accessionVersion":            true,
	"accession":                   true,
	"version":                     true,
	"submitter":                   true,
	"submittedAtTimestamp":        true,
	"releasedAtTimestamp":         true,
	"versionComment":              true,
	"dataUseTerms":                true,
	"dataUseTermsRestrictedUntil": true,
}

func isSystemField(key string) bool { return systemFields[key] }

// filterBuilder accumulates WHERE conditions and their bind values.
type filterBuilder struct {
	conditions []string
	args       []any
}

func (b *filterBuilder) bind(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

func (b *filterBuilder) add(condition string) {
	b.conditions = append(b.conditions, condition)
}

// BuildFilter renders the request's metadata filters as a WHERE clause over
// the sequence_entries join, with positional bind values. Control
// parameters are skipped; unknown keys filter the processed metadata JSON.
func BuildFilter(req *model.Request, organism string) (string, []any) {
	b := &filterBuilder{}
	b.add("se.organism = " + b.bind(organism))
	b.add("se.released_at IS NOT NULL")

	for key, value := range req.Filters {
		if model.IsControlParam(key) {
			continue
		}
		if handleSystemFilter(b, key, value) {
			continue
		}

		if name, ok := strings.CutSuffix(key, ".regex"); ok {
			if isSystemField(name) {
				continue
			}
			if pattern, ok := value.(string); ok {
				b.add(fmt.Sprintf("sepd.processed_data->'metadata'->>'%s' ~ %s",
					escapeField(name), b.bind(pattern)))
			}
			continue
		}

		if name, ok := strings.CutSuffix(key, "From"); ok {
			addRangeFilter(b, name, value, ">=")
			continue
		}
		if name, ok := strings.CutSuffix(key, "To"); ok {
			addRangeFilter(b, name, value, "<=")
			continue
		}

		if value == nil {
			b.add(fmt.Sprintf("sepd.processed_data->'metadata'->>'%s' IS NULL", escapeField(key)))
			continue
		}

		if arr, ok := value.([]any); ok {
			var values []string
			for _, e := range arr {
				if s, ok := valueToString(e); ok {
					values = append(values, s)
				}
			}
			if len(values) == 0 {
				continue
			}
			placeholders := make([]string, len(values))
			for i, v := range values {
				placeholders[i] = b.bind(v)
			}
			b.add(fmt.Sprintf("sepd.processed_data->'metadata'->>'%s' IN (%s)",
				escapeField(key), strings.Join(placeholders, ", ")))
			continue
		}

		if s, ok := valueToString(value); ok {
			b.add(fmt.Sprintf("sepd.processed_data->'metadata'->>'%s' = %s",
				escapeField(key), b.bind(s)))
		}
	}

	if len(b.conditions) == 0 {
		return "TRUE", nil
	}
	return strings.Join(b.conditions, " AND "), b.args
}

// addRangeFilter handles From/To suffixed keys. System timestamp fields
// compare against the column via to_timestamp(millis/1000); everything
// else compares the metadata JSON value lexically.
func addRangeFilter(b *filterBuilder, name string, value any, op string) {
	val, ok := valueToString(value)
	if !ok {
		return
	}
	if isSystemField(name) {
		var col string
		switch name {
		case "submittedAtTimestamp":
			col = "se.submitted_at"
		case "releasedAtTimestamp":
			col = "se.released_at"
		default:
			return
		}
		b.add(fmt.Sprintf("%s %s to_timestamp(%s::double precision / 1000)", col, op, b.bind(val)))
		return
	}
	b.add(fmt.Sprintf("sepd.processed_data->'metadata'->>'%s' %s %s", escapeField(name), op, b.bind(val)))
}

// handleSystemFilter renders filters on system fields as column clauses.
// Returns true when the key was recognised as a system field.
func handleSystemFilter(b *filterBuilder, key string, value any) bool {
	switch key {
	case "groupId":
		if val, ok := valueToString(value); ok {
			b.add(fmt.Sprintf("se.group_id = %s::int", b.bind(val)))
		}
		return true
	case "versionStatus":
		if val, ok := value.(string); ok {
			switch val {
			case "LATEST_VERSION":
				b.add("se.version = (SELECT MAX(se2.version) FROM sequence_entries se2 " +
					"WHERE se2.accession = se.accession AND se2.released_at IS NOT NULL)")
			case "REVISED":
				b.add("se.version < (SELECT MAX(se2.version) FROM sequence_entries se2 " +
					"WHERE se2.accession = se.accession AND se2.released_at IS NOT NULL) " +
					"AND NOT EXISTS (SELECT 1 FROM sequence_entries se3 " +
					"WHERE se3.accession = se.accession AND se3.version > se.version " +
					"AND se3.is_revocation = TRUE AND se3.released_at IS NOT NULL)")
			case "REVOKED":
				b.add("EXISTS (SELECT 1 FROM sequence_entries se3 " +
					"WHERE se3.accession = se.accession AND se3.version > se.version " +
					"AND se3.is_revocation = TRUE AND se3.released_at IS NOT NULL)")
			}
		}
		return true
	case "isRevocation":
		if val, ok := valueToString(value); ok {
			b.add(fmt.Sprintf("se.is_revocation = %t", val == "true"))
		}
		return true
	case "accessionVersion":
		if val, ok := valueToString(value); ok {
			b.add("se.accession || '.' || se.version::text = " + b.bind(val))
		}
		return true
	case "accession":
		if val, ok := valueToString(value); ok {
			b.add("se.accession = " + b.bind(val))
		}
		return true
	case "version":
		if val, ok := valueToString(value); ok {
			b.add(fmt.Sprintf("se.version = %s::bigint", b.bind(val)))
		}
		return true
	case "submitter":
		if val, ok := valueToString(value); ok {
			b.add("se.submitter = " + b.bind(val))
		}
		return true
	case "groupName":
		if val, ok := valueToString(value); ok {
			b.add("gt.group_name = " + b.bind(val))
		}
		return true
	case "versionComment":
		if val, ok := valueToString(value); ok {
			b.add("se.version_comment = " + b.bind(val))
		}
		return true
	case "submittedAtTimestamp", "releasedAtTimestamp":
		// Exact timestamp matches are not supported; range filtering goes
		// through the From/To suffixes.
		return true
	case "dataUseTerms", "dataUseTermsRestrictedUntil":
		// Requires a join to data_use_terms_table which this deployment
		// does not mirror.
		return true
	}
	return false
}

// accessionRestriction renders the planner's accession set as an AND
// clause on (accession || '.' || version).
func accessionRestriction(set model.AccessionSet) string {
	if !set.Restricted() {
		return ""
	}
	values := set.Values()
	if len(values) == 0 {
		return " AND FALSE"
	}
	quoted := make([]string, len(values))
	for i, a := range values {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", "''") + "'"
	}
	return " AND (se.accession || '.' || se.version) IN (" + strings.Join(quoted, ",") + ")"
}

// escapeField sanitises a field name for embedding inside the JSON path
// expression.
func escapeField(field string) string {
	return strings.ReplaceAll(strings.ReplaceAll(field, `"`, ""), "'", "''")
}

func valueToString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	}
	return "", false
}
