package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/lookout/internal/analysis"
	"github.com/linnemanlabs/lookout/internal/analysis/pgstore"
	"github.com/linnemanlabs/lookout/internal/event"
	"github.com/linnemanlabs/lookout/internal/postgres"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("LOOKOUT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LOOKOUT_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)

	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

func testRecord(createdAt time.Time) *analysis.Record {
	return &analysis.Record{
		ID:          ulid.Make().String(),
		BatchID:     ulid.Make().String(),
		Fingerprint: event.Fingerprint("ecommerce-backend", "SQLSTATE 40P01: Deadlock found"),
		Event: event.LogEvent{
			Message:   "SQLSTATE 40P01: Deadlock found",
			Level:     "ERROR",
			Container: "order-processor",
			Pod:       "processor-15a-4",
			Namespace: "prod",
			AppLabel:  "ecommerce-backend",
			Image:     "processor:v1.1",
			Timestamp: "2025-11-17T11:08:45Z",
		},
		Result: analysis.Result{
			ServiceAffected: "ecommerce-backend",
			ProbableCause:   "lock contention between order writers",
			SuggestedAction: "retry with backoff",
		},
		Verdict:   analysis.VerdictParsed,
		CreatedAt: createdAt,
		Duration:  1.25,
	}
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s = %v, want %v", field, got, want)
	}
}

func TestPutAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	r := testRecord(time.Now().Truncate(time.Microsecond).UTC())
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false, want true")
	}

	assertEqual(t, "BatchID", r.BatchID, got.BatchID)
	assertEqual(t, "Fingerprint", r.Fingerprint, got.Fingerprint)
	assertEqual(t, "Event", r.Event, got.Event)
	assertEqual(t, "Result", r.Result, got.Result)
	assertEqual(t, "Verdict", r.Verdict, got.Verdict)
	assertEqual(t, "Duration", r.Duration, got.Duration)
	if !got.CreatedAt.Equal(r.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, r.CreatedAt)
	}
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)

	_, ok, err := s.Get(context.Background(), "nonexistent-id")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("Get returned ok=true for nonexistent ID")
	}
}

func TestPutUpserts(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	r := testRecord(time.Now().Truncate(time.Microsecond).UTC())
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r.Verdict = analysis.VerdictEngineError
	r.Error = "llm call: 529 overloaded"
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put (update): %v", err)
	}

	got, _, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	assertEqual(t, "Verdict", analysis.VerdictEngineError, got.Verdict)
	assertEqual(t, "Error", r.Error, got.Error)
}

func TestRecentNewestFirst(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	// future timestamps keep these rows ahead of anything else in the table
	base := time.Now().AddDate(100, 0, 0).Truncate(time.Microsecond).UTC()
	older := testRecord(base)
	newer := testRecord(base.Add(time.Microsecond))
	for _, r := range []*analysis.Record{older, newer} {
		if err := s.Put(ctx, r); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent len = %d, want 2", len(got))
	}
	assertEqual(t, "Recent[0].ID", newer.ID, got[0].ID)
	assertEqual(t, "Recent[1].ID", older.ID, got[1].ID)
}
