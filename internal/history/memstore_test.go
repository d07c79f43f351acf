package history

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_RecentNewestFirst(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore(10)
	ctx := context.Background()

	for _, phrase := range []string{"one", "two", "three"} {
		rec := &Record{RequestID: phrase, Phrase: phrase, Recognized: true}
		if err := s.Save(ctx, rec); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if rec.ID == 0 || rec.CreatedAt.IsZero() {
			t.Errorf("Save did not fill ID/CreatedAt: %+v", rec)
		}
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].Phrase != "three" || got[1].Phrase != "two" {
		t.Errorf("Recent(2) = %+v", got)
	}
	if got[0].ID != 3 {
		t.Errorf("newest ID = %d, want 3", got[0].ID)
	}
}

func TestMemoryStore_EvictsOldest(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore(2)
	ctx := context.Background()
	for i := range 5 {
		_ = s.Save(ctx, &Record{Duration: time.Duration(i)})
	}

	got, _ := s.Recent(ctx, 10)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != 5 || got[1].ID != 4 {
		t.Errorf("IDs = %d,%d; want 5,4", got[0].ID, got[1].ID)
	}
}

func TestMemoryStore_KeepsExplicitCreatedAt(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore(0)
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := &Record{CreatedAt: at}
	_ = s.Save(context.Background(), rec)
	if !rec.CreatedAt.Equal(at) {
		t.Errorf("CreatedAt = %v, want %v", rec.CreatedAt, at)
	}
}

func TestMemoryStore_ConcurrentSave(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore(1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			_ = s.Save(ctx, &Record{})
		})
	}
	wg.Wait()

	got, _ := s.Recent(ctx, MaxLimit)
	if len(got) != 50 {
		t.Fatalf("len = %d, want 50", len(got))
	}
	seen := make(map[int64]bool)
	for _, r := range got {
		if seen[r.ID] {
			t.Fatalf("duplicate ID %d", r.ID)
		}
		seen[r.ID] = true
	}
}

func TestClampLimit(t *testing.T) {
	t.Parallel()
	for in, want := range map[int]int{-1: DefaultLimit, 0: DefaultLimit, 7: 7, MaxLimit + 1: MaxLimit} {
		if got := clampLimit(in); got != want {
			t.Errorf("clampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
