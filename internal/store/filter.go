package store

import (
	"fmt"
	"strings"

	"github.com/loculus-project/seqlapis/internal/model"
)

// accessionClause renders an AccessionSet as an AND clause on
// accession_version. Unrestricted sets add nothing; an empty restricted
// set matches nothing; small sets are inlined as a quoted IN-list; sets
// past the inline limit are loaded into a temp table and joined via a
// subquery. The returned cleanup drops the temp table and must be called
// once the statement using the clause has run.
func (s *Store) accessionClause(set model.AccessionSet) (string, func(), error) {
	noop := func() {}
	if !set.Restricted() {
		return "", noop, nil
	}
	values := set.Values()
	if len(values) == 0 {
		return " AND FALSE", noop, nil
	}
	if len(values) <= s.inlineSetLimit {
		quoted := make([]string, len(values))
		for i, a := range values {
			quoted[i] = quoteAccession(a)
		}
		return " AND accession_version IN (" + strings.Join(quoted, ",") + ")", noop, nil
	}

	s.tempSeq++
	name := fmt.Sprintf("acc_filter_%d", s.tempSeq)
	if _, err := s.db.Exec("CREATE TEMP TABLE " + name + " (accession_version TEXT PRIMARY KEY)"); err != nil {
		return "", noop, fmt.Errorf("failed to create accession filter table: %w", err)
	}
	cleanup := func() { s.db.Exec("DROP TABLE IF EXISTS temp." + name) }

	const batch = 500
	for start := 0; start < len(values); start += batch {
		end := start + batch
		if end > len(values) {
			end = len(values)
		}
		var b strings.Builder
		b.WriteString("INSERT OR IGNORE INTO temp." + name + " (accession_version) VALUES ")
		args := make([]any, 0, end-start)
		for i, a := range values[start:end] {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString("(?)")
			args = append(args, a)
		}
		if _, err := s.db.Exec(b.String(), args...); err != nil {
			cleanup()
			return "", noop, fmt.Errorf("failed to fill accession filter table: %w", err)
		}
	}
	clause := " AND accession_version IN (SELECT accession_version FROM temp." + name + ")"
	return clause, cleanup, nil
}
