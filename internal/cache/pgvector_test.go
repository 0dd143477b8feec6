package cache

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockIndex(t *testing.T, dim int) (*PGVectorIndex, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return NewPGVectorIndex(db, dim), mock
}

func TestPGVectorIndex_Nearest(t *testing.T) {
	idx, mock := newMockIndex(t, 3)

	rows := sqlmock.NewRows([]string{"id", "response", "model", "similarity"}).
		AddRow("p1", []byte(`{"id":"r1"}`), "gpt-4o", 0.97)
	mock.ExpectQuery(`SELECT id, response, model, 1 - \(embedding <=> \$1::vector\)`).
		WithArgs("[0.5,0.25,-1]").
		WillReturnRows(rows)

	m, err := idx.Nearest(context.Background(), []float32{0.5, 0.25, -1})
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if m == nil || m.ID != "p1" || m.Score != 0.97 || string(m.Payload) != `{"id":"r1"}` {
		t.Fatalf("unexpected match: %+v", m)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPGVectorIndex_NearestEmpty(t *testing.T) {
	idx, mock := newMockIndex(t, 3)

	mock.ExpectQuery("FROM semantic_cache").WillReturnError(sql.ErrNoRows)

	m, err := idx.Nearest(context.Background(), []float32{1, 0, 0})
	if err != nil || m != nil {
		t.Fatalf("empty index must be (nil, nil), got %v / %v", m, err)
	}
}

func TestPGVectorIndex_Upsert(t *testing.T) {
	idx, mock := newMockIndex(t, 2)

	mock.ExpectExec("INSERT INTO semantic_cache").
		WithArgs("id-1", "[1,0]", []byte(`{}`), "gpt-4o", "sem:7f00:abc", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := idx.Upsert(context.Background(), Point{
		ID:        "id-1",
		Vector:    []float32{1, 0},
		Payload:   []byte(`{}`),
		Model:     "gpt-4o",
		Bucket:    "sem:7f00:abc",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPGVectorIndex_UpsertRejectsWrongDimension(t *testing.T) {
	idx, _ := newMockIndex(t, 3)

	if err := idx.Upsert(context.Background(), Point{ID: "x", Vector: []float32{1}}); err == nil {
		t.Fatal("expected dimension error")
	}
}

func TestPGVectorIndex_EnsureSchema(t *testing.T) {
	idx, mock := newMockIndex(t, 384)

	mock.ExpectExec("CREATE EXTENSION IF NOT EXISTS vector").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS semantic_cache`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS semantic_cache_embedding_idx`).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := idx.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
