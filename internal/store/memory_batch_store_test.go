package store

import (
	"context"
	"testing"
	"time"

	"github.com/dunamismax/diptych/internal/domain"
)

func TestMemoryBatchStoreSaveKeepsCreatedAt(t *testing.T) {
	s := NewMemoryBatchStore()
	ctx := context.Background()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := s.Save(ctx, domain.BatchRecord{ID: "b1", Status: domain.BatchStatusIdle, Total: 2, CreatedAt: created}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, domain.BatchRecord{ID: "b1", Status: domain.BatchStatusComplete, Total: 2, Processed: 2, FinalPaths: []string{"a", "b"}}); err != nil {
		t.Fatalf("update: %v", err)
	}

	rec, ok, err := s.Get(ctx, "b1")
	if err != nil || !ok {
		t.Fatalf("expected record, ok=%v err=%v", ok, err)
	}
	if rec.Status != domain.BatchStatusComplete || rec.Processed != 2 {
		t.Fatalf("expected updated progress, got %+v", rec)
	}
	if !rec.CreatedAt.Equal(created) {
		t.Fatalf("expected created_at %v, got %v", created, rec.CreatedAt)
	}
	if rec.UpdatedAt.IsZero() {
		t.Fatal("expected updated_at to be set")
	}

	rec.FinalPaths[0] = "mutated"
	again, _, _ := s.Get(ctx, "b1")
	if again.FinalPaths[0] != "a" {
		t.Fatal("returned records must not alias stored paths")
	}
}

func TestMemoryBatchStoreMissing(t *testing.T) {
	_, ok, err := NewMemoryBatchStore().Get(context.Background(), "nope")
	if err != nil || ok {
		t.Fatalf("expected clean miss, ok=%v err=%v", ok, err)
	}
}
