package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loculus-project/seqlapis/internal/model"
)

const baseJoin = `
	FROM sequence_entries se
	LEFT JOIN current_processing_pipeline cpp
	  ON cpp.organism = se.organism
	LEFT JOIN sequence_entries_preprocessed_data sepd
	  ON se.accession = sepd.accession
	  AND se.version = sepd.version
	  AND sepd.pipeline_version = cpp.version
	LEFT JOIN groups_table gt
	  ON se.group_id = gt.group_id`

// metadataSelect builds the full metadata JSON for one entry: computed
// system fields merged with the pipeline-derived metadata blob.
const metadataSelect = `
	jsonb_build_object(
		'accessionVersion', se.accession || '.' || se.version::text,
		'accession', se.accession,
		'version', se.version,
		'groupId', se.group_id,
		'groupName', gt.group_name,
		'submitter', se.submitter,
		'isRevocation', se.is_revocation,
		'submittedAtTimestamp', EXTRACT(EPOCH FROM se.submitted_at) * 1000,
		'releasedAtTimestamp', EXTRACT(EPOCH FROM se.released_at) * 1000,
		'versionComment', se.version_comment,
		'versionStatus', CASE
			WHEN se.version = (SELECT MAX(se2.version) FROM sequence_entries se2
				WHERE se2.accession = se.accession AND se2.released_at IS NOT NULL)
			THEN 'LATEST_VERSION'
			WHEN EXISTS (SELECT 1 FROM sequence_entries se3
				WHERE se3.accession = se.accession AND se3.version > se.version
				AND se3.is_revocation = TRUE AND se3.released_at IS NOT NULL)
			THEN 'REVOKED'
			ELSE 'REVISED'
		END
	) || COALESCE(sepd.processed_data->'metadata', '{}'::jsonb)`

// Store runs metadata queries against the external relational store.
type Store struct {
	pool *pgxpool.Pool
}

// New connects a pool to the metadata database.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to metadata store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// FilteredAccessions returns the accession versions matching the request's
// metadata filters, optionally restricted to a pre-filtered set.
func (s *Store) FilteredAccessions(ctx context.Context, req *model.Request, organism string, set model.AccessionSet) ([]string, error) {
	where, args := BuildFilter(req, organism)
	query := "SELECT se.accession || '.' || se.version " + baseJoin +
		" WHERE " + where + accessionRestriction(set)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("metadata accession query failed: %w", err)
	}
	defer rows.Close()

	var accessions []string
	for rows.Next() {
		var acc string
		if err := rows.Scan(&acc); err != nil {
			return nil, err
		}
		accessions = append(accessions, acc)
	}
	return accessions, rows.Err()
}

// Details returns accession versions plus their full metadata JSON.
func (s *Store) Details(ctx context.Context, req *model.Request, organism string, set model.AccessionSet) ([]model.MetadataRow, error) {
	where, args := BuildFilter(req, organism)
	query := "SELECT se.accession || '.' || se.version, (" + metadataSelect + ")::text " +
		baseJoin + " WHERE " + where + accessionRestriction(set)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("metadata details query failed: %w", err)
	}
	defer rows.Close()

	var out []model.MetadataRow
	for rows.Next() {
		var acc, doc string
		if err := rows.Scan(&acc, &doc); err != nil {
			return nil, err
		}
		out = append(out, model.MetadataRow{AccessionVersion: acc, JSON: []byte(doc)})
	}
	return out, rows.Err()
}

// Count returns the number of matching entries.
func (s *Store) Count(ctx context.Context, req *model.Request, organism string, set model.AccessionSet) (int64, error) {
	where, args := BuildFilter(req, organism)
	query := "SELECT COUNT(*) " + baseJoin + " WHERE " + where + accessionRestriction(set)

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("metadata count query failed: %w", err)
	}
	return count, nil
}

// systemFieldSelect is the SQL expression for a system field used in
// aggregation selects, or "" for plain metadata fields.
func systemFieldSelect(field string) string {
	switch field {
	case "accessionVersion":
		return "se.accession || '.' || se.version::text"
	case "accession":
		return "se.accession"
	case "version":
		return "se.version::text"
	case "groupId":
		return "se.group_id::text"
	case "groupName":
		return "gt.group_name"
	case "submitter":
		return "se.submitter"
	case "isRevocation":
		return "se.is_revocation::text"
	case "versionComment":
		return "se.version_comment"
	case "versionStatus":
		return `CASE
			WHEN se.version = (SELECT MAX(se2.version) FROM sequence_entries se2
				WHERE se2.accession = se.accession AND se2.released_at IS NOT NULL)
			THEN 'LATEST_VERSION'
			WHEN EXISTS (SELECT 1 FROM sequence_entries se3
				WHERE se3.accession = se.accession AND se3.version > se.version
				AND se3.is_revocation = TRUE AND se3.released_at IS NOT NULL)
			THEN 'REVOKED'
			ELSE 'REVISED'
		END`
	}
	return ""
}

// Aggregated groups matching entries by the selected fields with counts,
// ordered by count descending. With no fields it returns a single
// all-matching count row.
func (s *Store) Aggregated(ctx context.Context, req *model.Request, organism string, fields []string, set model.AccessionSet) ([]map[string]any, error) {
	if len(fields) == 0 {
		count, err := s.Count(ctx, req, organism, set)
		if err != nil {
			return nil, err
		}
		return []map[string]any{{"count": count}}, nil
	}

	where, args := BuildFilter(req, organism)

	selects := make([]string, len(fields))
	groupBy := make([]string, len(fields))
	for i, f := range fields {
		expr := systemFieldSelect(f)
		if expr == "" {
			expr = fmt.Sprintf("sepd.processed_data->'metadata'->>'%s'", escapeField(f))
		}
		selects[i] = expr
		groupBy[i] = fmt.Sprintf("%d", i+1)
	}

	query := "SELECT " + strings.Join(selects, ", ") + ", COUNT(*) " +
		baseJoin + " WHERE " + where + accessionRestriction(set) +
		" GROUP BY " + strings.Join(groupBy, ", ") +
		" ORDER BY COUNT(*) DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("metadata aggregation query failed: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields)+1)
		for i, f := range fields {
			row[f] = values[i]
		}
		count, _ := values[len(fields)].(int64)
		row["count"] = count
		out = append(out, row)
	}
	return out, rows.Err()
}

// Fingerprint summarises upstream state for one organism: pipeline start
// time, released entry count, and latest release time. Any change in the
// returned string means the organism's data changed.
func (s *Store) Fingerprint(ctx context.Context, organism string) (string, error) {
	const query = `SELECT
		COALESCE((SELECT MAX(started_using_at)::text FROM current_processing_pipeline WHERE organism = $1), 'none')
		|| '|' ||
		COALESCE((SELECT COUNT(*)::text || '|' || MAX(released_at)::text FROM sequence_entries WHERE organism = $1 AND released_at IS NOT NULL), '0|none')`

	var fp string
	if err := s.pool.QueryRow(ctx, query, organism).Scan(&fp); err != nil {
		return "", fmt.Errorf("fingerprint query failed: %w", err)
	}
	return fp, nil
}

// DisplayVersion returns the organism's published data version string, the
// current pipeline start timestamp.
func (s *Store) DisplayVersion(ctx context.Context, organism string) (string, error) {
	const query = `SELECT COALESCE(MAX(started_using_at)::text, 'unknown')
		FROM current_processing_pipeline WHERE organism = $1`

	var version string
	if err := s.pool.QueryRow(ctx, query, organism).Scan(&version); err != nil {
		return "", fmt.Errorf("display version query failed: %w", err)
	}
	return version, nil
}

// PipelineVersion returns the organism's current processing pipeline
// version, or ok=false when none is recorded.
func (s *Store) PipelineVersion(ctx context.Context, organism string) (int64, bool, error) {
	const query = `SELECT version FROM current_processing_pipeline WHERE organism = $1`

	var version int64
	err := s.pool.QueryRow(ctx, query, organism).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("pipeline version query failed: %w", err)
	}
	return version, true, nil
}
