package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/rulewise/rulewise/models"
)

// Store wraps the Postgres connection holding durable records: documents,
// per-document processing progress and cache hit/miss counters.
type Store struct {
	DB *sql.DB
}

var (
	metricsOnce      sync.Once
	completedCounter otelmetric.Int64Counter
	failedCounter    otelmetric.Int64Counter
	metricsInitErr   error
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	var err error
	completedCounter, err = meter.Int64Counter("documents_completed_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	failedCounter, err = meter.Int64Counter("documents_failed_total")
	if err != nil {
		metricsInitErr = err
	}
}

func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// Document operations

// CreateDocument inserts a new document row in the uploading state.
func (s *Store) CreateDocument(ctx context.Context, doc models.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id required")
	}
	if doc.Scope == "" {
		return fmt.Errorf("scope required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO documents (id, scope, filename, size_bytes, state, uploaded_at)
VALUES ($1,$2,$3,$4,$5,NOW())
`, doc.ID, doc.Scope, doc.Filename, doc.SizeBytes, string(models.StepUploading))
	return err
}

// GetDocument returns a document row; absence is reported via the bool.
func (s *Store) GetDocument(ctx context.Context, id string) (models.Document, bool, error) {
	var doc models.Document
	var state string
	err := s.DB.QueryRowContext(ctx, `
SELECT id, scope, filename, size_bytes, state, uploaded_at
FROM documents WHERE id=$1
`, id).Scan(&doc.ID, &doc.Scope, &doc.Filename, &doc.SizeBytes, &state, &doc.UploadedAt)
	if err == sql.ErrNoRows {
		return models.Document{}, false, nil
	}
	if err != nil {
		return models.Document{}, false, err
	}
	doc.State = models.ProcessingStep(state)
	return doc, true, nil
}

// ListDocuments returns the documents for a scope, newest first.
func (s *Store) ListDocuments(ctx context.Context, scope string) ([]models.Document, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, scope, filename, size_bytes, state, uploaded_at
FROM documents WHERE scope=$1 ORDER BY uploaded_at DESC
`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []models.Document
	for rows.Next() {
		var doc models.Document
		var state string
		if err := rows.Scan(&doc.ID, &doc.Scope, &doc.Filename, &doc.SizeBytes, &state, &doc.UploadedAt); err != nil {
			return nil, err
		}
		doc.State = models.ProcessingStep(state)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// DeleteDocument removes the document and, via cascade, its progress record.
func (s *Store) DeleteDocument(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Progress operations. The ingestion pipeline is the only writer.

// AdvanceProgress persists the step about to run, so a concurrent progress
// read never observes work in flight without a matching state record. The
// document row's state moves together with the progress row. A row already
// in a terminal state is never overwritten; the returned bool reports
// whether the advance happened, and false tells the pipeline to stop.
func (s *Store) AdvanceProgress(ctx context.Context, documentID string, step models.ProcessingStep, etaSeconds *int) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	res, err := tx.ExecContext(ctx, `
INSERT INTO processing_progress (document_id, step, percent, estimated_seconds_remaining, error, updated_at)
VALUES ($1,$2,$3,$4,'',NOW())
ON CONFLICT (document_id) DO UPDATE SET
  step = EXCLUDED.step,
  percent = EXCLUDED.percent,
  estimated_seconds_remaining = EXCLUDED.estimated_seconds_remaining,
  error = '',
  updated_at = NOW()
WHERE processing_progress.step NOT IN ($5,$6);
`, documentID, string(step), step.Percent(), etaSeconds, string(models.StepCompleted), string(models.StepFailed))
	if err != nil {
		return false, fmt.Errorf("upsert progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if _, err = tx.ExecContext(ctx, `UPDATE documents SET state=$2 WHERE id=$1`, documentID, string(step)); err != nil {
		return false, fmt.Errorf("update document state: %w", err)
	}
	if step == models.StepCompleted {
		metricsOnce.Do(initStoreMetrics)
		if metricsInitErr == nil && completedCounter != nil {
			completedCounter.Add(ctx, 1)
		}
	}
	return true, nil
}

// FailDocument moves a non-terminal document to the failed state with a
// human-readable cause. It reports whether the transition happened; a
// document already completed or failed is left untouched.
func (s *Store) FailDocument(ctx context.Context, documentID, cause string) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	var applied bool
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	res, err := tx.ExecContext(ctx, `
UPDATE processing_progress SET step=$2, error=$3, updated_at=NOW()
WHERE document_id=$1 AND step NOT IN ($4,$5)
`, documentID, string(models.StepFailed), cause, string(models.StepCompleted), string(models.StepFailed))
	if err != nil {
		return false, fmt.Errorf("fail progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	applied = n > 0
	if applied {
		if _, err = tx.ExecContext(ctx, `UPDATE documents SET state=$2 WHERE id=$1`, documentID, string(models.StepFailed)); err != nil {
			return false, fmt.Errorf("update document state: %w", err)
		}
		metricsOnce.Do(initStoreMetrics)
		if metricsInitErr == nil && failedCounter != nil {
			failedCounter.Add(ctx, 1)
		}
	}
	return applied, nil
}

// GetProgress returns the progress record for a document; absence is
// reported via the bool.
func (s *Store) GetProgress(ctx context.Context, documentID string) (models.ProcessingProgress, bool, error) {
	var (
		p    models.ProcessingProgress
		step string
		eta  sql.NullInt64
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT document_id, step, percent, estimated_seconds_remaining, error, updated_at
FROM processing_progress WHERE document_id=$1
`, documentID).Scan(&p.DocumentID, &step, &p.Percent, &eta, &p.Error, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.ProcessingProgress{}, false, nil
	}
	if err != nil {
		return models.ProcessingProgress{}, false, err
	}
	p.Step = models.ProcessingStep(step)
	if eta.Valid {
		v := int(eta.Int64)
		p.EstimatedSecondsRemaining = &v
	}
	return p, true, nil
}

// Cache stat operations. Counters only grow; ResetStats is the single
// administrative exception and also reports which fingerprints it cleared so
// the caller can drop the matching cache entries.

// RecordHit increments the hit counter and refreshes the last-hit timestamp.
func (s *Store) RecordHit(ctx context.Context, scope, fingerprint string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO cache_stats (scope, fingerprint, question, hit_count, last_hit_at, created_at)
VALUES ($1,$2,'',1,NOW(),NOW())
ON CONFLICT (scope, fingerprint) DO UPDATE SET
  hit_count = cache_stats.hit_count + 1,
  last_hit_at = NOW();
`, scope, fingerprint)
	return err
}

// RecordMiss increments the miss counter, creating the row if absent. The
// normalized question text is kept for dashboards; the first non-empty value
// wins.
func (s *Store) RecordMiss(ctx context.Context, scope, fingerprint, question string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO cache_stats (scope, fingerprint, question, miss_count, created_at)
VALUES ($1,$2,$3,1,NOW())
ON CONFLICT (scope, fingerprint) DO UPDATE SET
  miss_count = cache_stats.miss_count + 1,
  question = CASE WHEN cache_stats.question = '' THEN EXCLUDED.question ELSE cache_stats.question END;
`, scope, fingerprint, question)
	return err
}

// StatsSummary aggregates the counters for one scope, or globally for an
// empty scope. Aggregation happens at read time over the rows themselves, so
// the numbers always agree with the underlying counters.
func (s *Store) StatsSummary(ctx context.Context, scope string) (hits, misses, keys int64, err error) {
	err = s.DB.QueryRowContext(ctx, `
SELECT COALESCE(SUM(hit_count),0), COALESCE(SUM(miss_count),0), COUNT(*)
FROM cache_stats WHERE ($1 = '' OR scope = $1)
`, scope).Scan(&hits, &misses, &keys)
	return hits, misses, keys, err
}

// TopQuestions returns the n rows with the highest hit counts, ties broken
// by most recent hit.
func (s *Store) TopQuestions(ctx context.Context, scope string, n int) ([]models.CacheStat, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT scope, fingerprint, question, hit_count, miss_count, last_hit_at, created_at
FROM cache_stats WHERE ($1 = '' OR scope = $1)
ORDER BY hit_count DESC, last_hit_at DESC NULLS LAST
LIMIT $2
`, scope, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var stats []models.CacheStat
	for rows.Next() {
		var (
			st      models.CacheStat
			lastHit sql.NullTime
		)
		if err := rows.Scan(&st.Scope, &st.Fingerprint, &st.Question, &st.Hits, &st.Misses, &lastHit, &st.CreatedAt); err != nil {
			return nil, err
		}
		if lastHit.Valid {
			v := lastHit.Time
			st.LastHitAt = &v
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// ResetStats clears the counters for a scope and returns the fingerprints
// that were tracked, so the caller can also invalidate their cache entries.
func (s *Store) ResetStats(ctx context.Context, scope string) ([]string, error) {
	if scope == "" {
		return nil, fmt.Errorf("scope required for stats reset")
	}
	rows, err := s.DB.QueryContext(ctx, `
DELETE FROM cache_stats WHERE scope=$1 RETURNING fingerprint
`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var fingerprints []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		fingerprints = append(fingerprints, fp)
	}
	return fingerprints, rows.Err()
}

// Ping verifies connectivity, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.DB.PingContext(ctx)
}
