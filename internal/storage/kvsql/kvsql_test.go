package kvsql

import (
	"context"
	"errors"
	"testing"

	"github.com/aerogramme-go/aerogramme/internal/aeroerr"
	"github.com/aerogramme-go/aerogramme/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Driver: "sqlite", DSN: "file::memory:?cache=shared", InMemory: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertGetConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	row := storage.Row{Partition: "p", SortKey: "001", Value: []byte("a")}
	if err := s.Insert(ctx, row); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := s.Get(ctx, "p", "001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Value) != "a" {
		t.Fatalf("expected 'a', got %q", got.Value)
	}

	err = s.Insert(ctx, storage.Row{Partition: "p", SortKey: "001", Value: []byte("b")})
	if !errors.Is(err, aeroerr.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestRangeAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"002", "001", "003"} {
		if err := s.Insert(ctx, storage.Row{Partition: "q", SortKey: k, Value: []byte(k)}); err != nil {
			t.Fatalf("Insert(%s) failed: %v", k, err)
		}
	}

	rows, err := s.Range(ctx, "q", "", "", 0)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	for i, want := range []string{"001", "002", "003"} {
		if rows[i].SortKey != want {
			t.Fatalf("row %d: expected %s, got %s", i, want, rows[i].SortKey)
		}
	}

	if err := s.Delete(ctx, "q", "002"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "q", "002"); !errors.Is(err, aeroerr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
