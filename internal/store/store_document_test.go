package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/rulewise/rulewise/models"
)

func TestCreateDocument(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
INSERT INTO documents (id, scope, filename, size_bytes, state, uploaded_at)
VALUES ($1,$2,$3,$4,$5,NOW())
`)
	mock.ExpectExec(query).
		WithArgs("doc-1", "chess", "fide-handbook.pdf", int64(1024), "uploading").
		WillReturnResult(sqlmock.NewResult(0, 1))

	doc := models.Document{ID: "doc-1", Scope: "chess", Filename: "fide-handbook.pdf", SizeBytes: 1024}
	if err := st.CreateDocument(context.Background(), doc); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateDocumentRequiresIDAndScope(t *testing.T) {
	st := &Store{}
	if err := st.CreateDocument(context.Background(), models.Document{Scope: "chess"}); err == nil {
		t.Fatal("expected error without id")
	}
	if err := st.CreateDocument(context.Background(), models.Document{ID: "doc-1"}); err == nil {
		t.Fatal("expected error without scope")
	}
}

func TestGetDocumentAbsent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
SELECT id, scope, filename, size_bytes, state, uploaded_at
FROM documents WHERE id=$1
`)
	mock.ExpectQuery(query).WithArgs("nope").WillReturnRows(
		sqlmock.NewRows([]string{"id", "scope", "filename", "size_bytes", "state", "uploaded_at"}))

	_, ok, err := st.GetDocument(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if ok {
		t.Fatal("absent document must report ok=false")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteDocumentIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`DELETE FROM documents WHERE id=$1`)
	mock.ExpectExec(query).WithArgs("doc-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(query).WithArgs("doc-1").WillReturnResult(sqlmock.NewResult(0, 0))

	deleted, err := st.DeleteDocument(context.Background(), "doc-1")
	if err != nil || !deleted {
		t.Fatalf("first delete: deleted=%v err=%v", deleted, err)
	}
	deleted, err = st.DeleteDocument(context.Background(), "doc-1")
	if err != nil || deleted {
		t.Fatalf("second delete: deleted=%v err=%v", deleted, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListDocuments(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
SELECT id, scope, filename, size_bytes, state, uploaded_at
FROM documents WHERE scope=$1 ORDER BY uploaded_at DESC
`)
	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "scope", "filename", "size_bytes", "state", "uploaded_at"}).
		AddRow("doc-2", "chess", "errata.txt", int64(64), "completed", now).
		AddRow("doc-1", "chess", "rulebook.txt", int64(4096), "failed", now.Add(-time.Hour))
	mock.ExpectQuery(query).WithArgs("chess").WillReturnRows(rows)

	docs, err := st.ListDocuments(context.Background(), "chess")
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "doc-2" || docs[1].State != models.StepFailed {
		t.Fatalf("unexpected docs: %+v", docs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
