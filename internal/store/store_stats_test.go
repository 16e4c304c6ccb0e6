package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestRecordHitAndMiss(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	hitQuery := regexp.QuoteMeta(`
INSERT INTO cache_stats (scope, fingerprint, question, hit_count, last_hit_at, created_at)
VALUES ($1,$2,'',1,NOW(),NOW())
ON CONFLICT (scope, fingerprint) DO UPDATE SET
  hit_count = cache_stats.hit_count + 1,
  last_hit_at = NOW();
`)
	mock.ExpectExec(hitQuery).
		WithArgs("chess", "fp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.RecordHit(context.Background(), "chess", "fp-1"); err != nil {
		t.Fatalf("RecordHit: %v", err)
	}

	missQuery := regexp.QuoteMeta(`
INSERT INTO cache_stats (scope, fingerprint, question, miss_count, created_at)
VALUES ($1,$2,$3,1,NOW())
ON CONFLICT (scope, fingerprint) DO UPDATE SET
  miss_count = cache_stats.miss_count + 1,
  question = CASE WHEN cache_stats.question = '' THEN EXCLUDED.question ELSE cache_stats.question END;
`)
	mock.ExpectExec(missQuery).
		WithArgs("chess", "fp-1", "how does castling work?").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.RecordMiss(context.Background(), "chess", "fp-1", "how does castling work?"); err != nil {
		t.Fatalf("RecordMiss: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStatsSummaryEmptyScope(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
SELECT COALESCE(SUM(hit_count),0), COALESCE(SUM(miss_count),0), COUNT(*)
FROM cache_stats WHERE ($1 = '' OR scope = $1)
`)
	rows := sqlmock.NewRows([]string{"hits", "misses", "keys"}).AddRow(0, 0, 0)
	mock.ExpectQuery(query).WithArgs("empty-scope").WillReturnRows(rows)

	hits, misses, keys, err := st.StatsSummary(context.Background(), "empty-scope")
	if err != nil {
		t.Fatalf("StatsSummary: %v", err)
	}
	if hits != 0 || misses != 0 || keys != 0 {
		t.Fatalf("unexpected summary: %d/%d/%d", hits, misses, keys)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTopQuestions(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
SELECT scope, fingerprint, question, hit_count, miss_count, last_hit_at, created_at
FROM cache_stats WHERE ($1 = '' OR scope = $1)
ORDER BY hit_count DESC, last_hit_at DESC NULLS LAST
LIMIT $2
`)
	now := time.Now()
	rows := sqlmock.NewRows([]string{"scope", "fingerprint", "question", "hit_count", "miss_count", "last_hit_at", "created_at"}).
		AddRow("chess", "fp-1", "how does castling work?", 9, 1, now, now).
		AddRow("chess", "fp-2", "what is en passant?", 4, 2, nil, now)
	mock.ExpectQuery(query).WithArgs("chess", 5).WillReturnRows(rows)

	stats, err := st.TopQuestions(context.Background(), "chess", 5)
	if err != nil {
		t.Fatalf("TopQuestions: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(stats))
	}
	if stats[0].Fingerprint != "fp-1" || stats[0].Hits != 9 {
		t.Fatalf("unexpected first row: %+v", stats[0])
	}
	if stats[1].LastHitAt != nil {
		t.Fatalf("expected nil last hit, got %v", stats[1].LastHitAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestResetStatsReturnsFingerprints(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
DELETE FROM cache_stats WHERE scope=$1 RETURNING fingerprint
`)
	rows := sqlmock.NewRows([]string{"fingerprint"}).AddRow("fp-1").AddRow("fp-2")
	mock.ExpectQuery(query).WithArgs("chess").WillReturnRows(rows)

	fps, err := st.ResetStats(context.Background(), "chess")
	if err != nil {
		t.Fatalf("ResetStats: %v", err)
	}
	if len(fps) != 2 || fps[0] != "fp-1" || fps[1] != "fp-2" {
		t.Fatalf("unexpected fingerprints: %v", fps)
	}

	if _, err := st.ResetStats(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty scope")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
