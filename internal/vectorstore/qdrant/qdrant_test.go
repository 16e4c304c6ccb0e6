package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rulewise/rulewise/internal/vectorstore"
)

func TestSearchFiltersByScopeAndRanks(t *testing.T) {
	var gotFilter map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/rules/points/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotFilter, _ = req["filter"].(map[string]any)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":[
			{"id":"c2","score":0.82,"payload":{"document_id":"d1","chunk_index":7,"text":"second"}},
			{"id":"c1","score":0.82,"payload":{"document_id":"d1","chunk_index":3,"text":"first"}},
			{"id":"c3","score":0.91,"payload":{"document_id":"d1","chunk_index":9,"text":"best"}}
		]}`))
	}))
	defer srv.Close()

	s := New(Config{URL: srv.URL, Collection: "rules", Dimension: 4})
	hits, err := s.Search(context.Background(), "chess", []float32{0.1, 0.2, 0.3, 0.4}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if gotFilter == nil {
		t.Fatal("search request carried no filter")
	}
	if len(hits) != 3 {
		t.Fatalf("expected 3 hits, got %d", len(hits))
	}
	if hits[0].ChunkID != "c3" {
		t.Fatalf("highest score first, got %s", hits[0].ChunkID)
	}
	// equal scores break on chunk sequence index
	if hits[1].ChunkID != "c1" || hits[2].ChunkID != "c2" {
		t.Fatalf("tie-break by index failed: %s, %s", hits[1].ChunkID, hits[2].ChunkID)
	}
}

func TestDeleteDocumentIdempotent(t *testing.T) {
	count := 2
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/collections/rulewise/points/count":
			_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"count": count}})
		case "/collections/rulewise/points/delete":
			count = 0
			_, _ = w.Write([]byte(`{"result":{"status":"completed"}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	s := New(Config{URL: srv.URL, Dimension: 4})
	deleted, err := s.DeleteDocument(context.Background(), "doc-1")
	if err != nil || !deleted {
		t.Fatalf("first delete: deleted=%v err=%v", deleted, err)
	}
	deleted, err = s.DeleteDocument(context.Background(), "doc-1")
	if err != nil || deleted {
		t.Fatalf("second delete must be a no-op: deleted=%v err=%v", deleted, err)
	}
}

func TestUpsertReportsPartialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"status":"completed"}}`))
	}))
	defer srv.Close()

	s := New(Config{URL: srv.URL, Dimension: 2})
	chunks := []vectorstore.Chunk{
		{ID: "a", Index: 0, Text: "ok", Vector: []float32{0.1, 0.2}},
		{ID: "", Index: 1, Text: "no id", Vector: []float32{0.1, 0.2}},
		{ID: "c", Index: 2, Text: "no vector"},
	}
	res, err := s.Upsert(context.Background(), "chess", "doc-1", chunks)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if res.Indexed != 1 || res.Failed != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestEnsureCollectionRequiresDimension(t *testing.T) {
	s := New(Config{URL: "http://localhost:6333"})
	if err := s.EnsureCollection(context.Background(), "chess"); err == nil {
		t.Fatal("expected error without dimension")
	}
}
