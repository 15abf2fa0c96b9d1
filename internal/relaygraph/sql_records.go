package relaygraph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agentworkforce/relaygraph/internal/graph"
	"github.com/agentworkforce/relaygraph/internal/relaygraph/migrations"
)

const recordOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// SQLRecordStore implements RecordStore on postgres or sqlite. Statements use
// $n placeholders in order of first use so both drivers bind them the same
// way. Timestamps are stored as RFC 3339 text.
type SQLRecordStore struct {
	dialect string
	dsn     string
	openDB  sqlOpenFunc
	now     func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRecordStore(dsn string) (*SQLRecordStore, error) {
	return newSQLRecordStore(migrations.DialectPostgres, dsn)
}

func NewSQLiteRecordStore(path string) (*SQLRecordStore, error) {
	return newSQLRecordStore(migrations.DialectSQLite, path)
}

func newSQLRecordStore(dialect, dsn string) (*SQLRecordStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLRecordStore{
		dialect: dialect,
		dsn:     dsn,
		openDB:  sql.Open,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// BuildRecordStoreFromDSN selects a record store by scheme. An empty DSN
// yields the in-memory store.
func BuildRecordStoreFromDSN(dsn string) (RecordStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryRecordStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := graph.NormalizeScheme(parsed.Scheme); scheme {
	case "memory", "mem", "inmem":
		return NewMemoryRecordStore(), nil
	case "postgres", "postgresql":
		return NewPostgresRecordStore(dsn)
	case "sqlite", "sqlite3", "":
		path, err := graph.DSNPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLiteRecordStore(path)
	default:
		return nil, fmt.Errorf("%w: record store %s", ErrNotImplemented, scheme)
	}
}

// Migrate applies pending schema migrations.
func (s *SQLRecordStore) Migrate() error {
	return s.ensureReady()
}

func (s *SQLRecordStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect == migrations.DialectSQLite {
			db.SetMaxOpenConns(1)
		}
		if err := migrations.MigrateUp(db, s.dialect); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLRecordStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLRecordStore) ListTaxonomyRules(ctx context.Context, orgID string) ([]TaxonomyRule, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, recordOperationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, pattern, pattern_kind, slot_key, priority, mime_type, enabled
		FROM taxonomy_rules
		WHERE org_id = $1 AND enabled = $2
		ORDER BY priority ASC, id ASC`, orgID, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]TaxonomyRule, 0)
	for rows.Next() {
		var rule TaxonomyRule
		var kind string
		if err := rows.Scan(&rule.ID, &rule.OrgID, &rule.Pattern, &kind, &rule.SlotKey, &rule.Priority, &rule.MimeType, &rule.Enabled); err != nil {
			return nil, err
		}
		rule.PatternKind = PatternKind(kind)
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (s *SQLRecordStore) ListParserEntries(ctx context.Context, orgID, slot, mimeType string) ([]ParserEntry, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, recordOperationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, slot, mime_type, parser_name, parser_version, min_confidence, enabled
		FROM parser_registry
		WHERE org_id = $1 AND slot = $2 AND (LOWER(mime_type) = $3 OR mime_type = $4) AND enabled = $5
		ORDER BY parser_version DESC`, orgID, slot, strings.ToLower(mimeType), WildcardMimeType, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ParserEntry, 0)
	for rows.Next() {
		var entry ParserEntry
		if err := rows.Scan(&entry.ID, &entry.OrgID, &entry.Slot, &entry.MimeType, &entry.ParserName, &entry.ParserVersion, &entry.MinConfidence, &entry.Enabled); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Text ordering puts 1.9 above 1.10; re-sort numerically.
	SortParsers(out)
	return out, nil
}

func (s *SQLRecordStore) PutTaxonomyRule(ctx context.Context, rule TaxonomyRule) error {
	if strings.TrimSpace(rule.ID) == "" || strings.TrimSpace(rule.OrgID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	kind := rule.PatternKind
	if kind == "" {
		kind = PatternRegex
	}
	ctx, cancel := context.WithTimeout(ctx, recordOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO taxonomy_rules (id, org_id, pattern, pattern_kind, slot_key, priority, mime_type, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			org_id = EXCLUDED.org_id,
			pattern = EXCLUDED.pattern,
			pattern_kind = EXCLUDED.pattern_kind,
			slot_key = EXCLUDED.slot_key,
			priority = EXCLUDED.priority,
			mime_type = EXCLUDED.mime_type,
			enabled = EXCLUDED.enabled`,
		rule.ID, rule.OrgID, rule.Pattern, string(kind), rule.SlotKey, rule.Priority, rule.MimeType, rule.Enabled)
	return err
}

func (s *SQLRecordStore) PutParserEntry(ctx context.Context, entry ParserEntry) error {
	if strings.TrimSpace(entry.ID) == "" || strings.TrimSpace(entry.OrgID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, recordOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO parser_registry (id, org_id, slot, mime_type, parser_name, parser_version, min_confidence, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			org_id = EXCLUDED.org_id,
			slot = EXCLUDED.slot,
			mime_type = EXCLUDED.mime_type,
			parser_name = EXCLUDED.parser_name,
			parser_version = EXCLUDED.parser_version,
			min_confidence = EXCLUDED.min_confidence,
			enabled = EXCLUDED.enabled`,
		entry.ID, entry.OrgID, entry.Slot, entry.MimeType, entry.ParserName, entry.ParserVersion, entry.MinConfidence, entry.Enabled)
	return err
}

func (s *SQLRecordStore) UpsertExtractionJob(ctx context.Context, job ExtractionJob) (ExtractionJob, bool, error) {
	if strings.TrimSpace(job.ID) == "" || strings.TrimSpace(job.DedupeKey) == "" {
		return ExtractionJob{}, false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return ExtractionJob{}, false, err
	}
	if job.Status == "" {
		job.Status = JobQueued
	}
	now := s.now().Format(time.RFC3339Nano)
	ctx, cancel := context.WithTimeout(ctx, recordOperationTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO extraction_jobs (id, dedupe_key, org_id, file_id, slot, parser_name, parser_version, checksum, status, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		job.ID, job.DedupeKey, job.OrgID, job.FileID, job.Slot, job.ParserName, job.ParserVersion, job.Checksum, string(job.Status), job.Error, now, now)
	if err != nil {
		return ExtractionJob{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return ExtractionJob{}, false, err
	}
	stored, err := s.scanJob(s.db.QueryRowContext(ctx, jobSelect+` WHERE dedupe_key = $1`, job.DedupeKey))
	if err != nil {
		return ExtractionJob{}, false, err
	}
	return stored, affected > 0, nil
}

func (s *SQLRecordStore) UpdateExtractionJobStatus(ctx context.Context, jobID string, status JobStatus, errMsg string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, recordOperationTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `UPDATE extraction_jobs SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(status), errMsg, s.now().Format(time.RFC3339Nano), jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: extraction job %s", ErrNotFound, jobID)
	}
	return nil
}

func (s *SQLRecordStore) GetExtractionJob(ctx context.Context, jobID string) (ExtractionJob, error) {
	if err := s.ensureReady(); err != nil {
		return ExtractionJob{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, recordOperationTimeout)
	defer cancel()
	job, err := s.scanJob(s.db.QueryRowContext(ctx, jobSelect+` WHERE id = $1`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return ExtractionJob{}, fmt.Errorf("%w: extraction job %s", ErrNotFound, jobID)
	}
	return job, err
}

const jobSelect = `SELECT id, dedupe_key, org_id, file_id, slot, parser_name, parser_version, checksum, status, error, created_at, updated_at FROM extraction_jobs`

func (s *SQLRecordStore) scanJob(row *sql.Row) (ExtractionJob, error) {
	var job ExtractionJob
	var status, createdAt, updatedAt string
	if err := row.Scan(&job.ID, &job.DedupeKey, &job.OrgID, &job.FileID, &job.Slot, &job.ParserName, &job.ParserVersion, &job.Checksum, &status, &job.Error, &createdAt, &updatedAt); err != nil {
		return ExtractionJob{}, err
	}
	job.Status = JobStatus(status)
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return job, nil
}

func (s *SQLRecordStore) InsertClusterRecord(ctx context.Context, rec ClusterRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	ctx, cancel := context.WithTimeout(ctx, recordOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_clusters (id, org_id, file_id, project_id, status, entity_count, link_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.OrgID, rec.FileID, rec.ProjectID, rec.Status, rec.EntityCount, rec.LinkCount,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	return err
}

func (s *SQLRecordStore) UpdateClusterRecordStatus(ctx context.Context, clusterID, status string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, recordOperationTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `UPDATE content_clusters SET status = $1, updated_at = $2 WHERE id = $3`,
		status, s.now().Format(time.RFC3339Nano), clusterID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: cluster %s", ErrNotFound, clusterID)
	}
	return nil
}

func (s *SQLRecordStore) GetClusterRecord(ctx context.Context, clusterID string) (ClusterRecord, error) {
	if err := s.ensureReady(); err != nil {
		return ClusterRecord{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, recordOperationTimeout)
	defer cancel()
	var rec ClusterRecord
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, file_id, project_id, status, entity_count, link_count, created_at, updated_at
		FROM content_clusters WHERE id = $1`, clusterID).
		Scan(&rec.ID, &rec.OrgID, &rec.FileID, &rec.ProjectID, &rec.Status, &rec.EntityCount, &rec.LinkCount, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ClusterRecord{}, fmt.Errorf("%w: cluster %s", ErrNotFound, clusterID)
	}
	if err != nil {
		return ClusterRecord{}, err
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return rec, nil
}

var _ RecordStore = (*SQLRecordStore)(nil)
