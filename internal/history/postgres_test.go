package history_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/speechlink/internal/history"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if SPEECHLINK_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("SPEECHLINK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SPEECHLINK_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a [history.PostgresStore] on a freshly dropped table.
func newTestStore(t *testing.T) *history.PostgresStore {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS recognitions CASCADE"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	pool.Close()

	store, err := history.NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestPostgresStore_SaveAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	recs := []*history.Record{
		{RequestID: "r1", ConnectionID: "c1", Language: "en-US", Format: "simple", Mode: "interactive",
			Phrase: "Hello.", Recognized: true, Duration: 1200 * time.Millisecond},
		{RequestID: "r2", ConnectionID: "c2", Language: "de-DE", Format: "detailed", Mode: "dictation",
			Error: "recognizer: connect: status 401", Duration: 30 * time.Millisecond},
	}
	for _, r := range recs {
		if err := store.Save(ctx, r); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if r.ID == 0 || r.CreatedAt.IsZero() {
			t.Errorf("Save did not populate ID/CreatedAt: %+v", r)
		}
	}

	got, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].RequestID != "r2" || got[1].RequestID != "r1" {
		t.Errorf("order = %s,%s; want r2,r1", got[0].RequestID, got[1].RequestID)
	}
	if got[1].Phrase != "Hello." || !got[1].Recognized || got[1].Duration != 1200*time.Millisecond {
		t.Errorf("round trip = %+v", got[1])
	}
	if got[0].Error == "" || got[0].Recognized {
		t.Errorf("failed record = %+v", got[0])
	}

	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestPostgresStore_RecentLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for range 5 {
		if err := store.Save(ctx, &history.Record{RequestID: "x", ConnectionID: "y", Language: "en-US", Format: "simple", Mode: "interactive"}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	got, err := store.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("len = %d, want 3", len(got))
	}
}

func TestNewPostgresStore_BadDSN(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := history.NewPostgresStore(ctx, "postgres://nobody@127.0.0.1:1/none?connect_timeout=1"); err == nil {
		t.Fatal("expected error for unreachable database")
	}
}
