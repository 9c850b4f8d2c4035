package usage

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "usage_test.db")
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(tempDBPath(t))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenStoreCreatesFile(t *testing.T) {
	path := tempDBPath(t)
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatal("database file should exist after OpenStore")
	}
}

func TestInsertAndQueryUnsynced(t *testing.T) {
	store := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	record := DeliveryRecord{
		MessageID:   "1717243200000-0",
		JobID:       "job-001",
		JobType:     "insar_process",
		Attempt:     3,
		Outcome:     "retry",
		JobStatus:   "PROCESSING",
		StartedAt:   now,
		CompletedAt: now.Add(1200 * time.Millisecond),
		DurationMs:  1200,
		WorkerID:    "sentryal-test",
	}
	if err := store.Insert(record); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	records, err := store.QueryUnsynced(10)
	if err != nil {
		t.Fatalf("QueryUnsynced: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	r := records[0]
	if r.ID == 0 {
		t.Error("ID should be set after insert")
	}
	if r.JobID != "job-001" || r.Attempt != 3 || r.Outcome != "retry" || r.JobStatus != "PROCESSING" {
		t.Errorf("record = %+v", r)
	}
	if !r.StartedAt.Equal(now) {
		t.Errorf("StartedAt = %v, want %v", r.StartedAt, now)
	}
	if r.WorkerID != "sentryal-test" {
		t.Errorf("WorkerID = %q", r.WorkerID)
	}
}

func TestInsertDuplicateIgnored(t *testing.T) {
	store := openTestStore(t)

	now := time.Now().UTC()
	record := DeliveryRecord{
		MessageID:   "1-0",
		JobID:       "dup-job",
		JobType:     "insar_process",
		Outcome:     "success",
		StartedAt:   now,
		CompletedAt: now,
		DurationMs:  100,
	}
	if err := store.Insert(record); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	if err := store.Insert(record); err != nil {
		t.Fatalf("duplicate Insert should not error: %v", err)
	}

	// A later delivery of the same message is a separate record.
	record.StartedAt = now.Add(time.Minute)
	if err := store.Insert(record); err != nil {
		t.Fatalf("redelivery Insert: %v", err)
	}

	records, err := store.QueryUnsynced(10)
	if err != nil {
		t.Fatalf("QueryUnsynced: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("expected 2 records, got %d", len(records))
	}
}

func TestMarkSynced(t *testing.T) {
	store := openTestStore(t)

	now := time.Now().UTC()
	for i, id := range []string{"a", "b", "c"} {
		if err := store.Insert(DeliveryRecord{
			MessageID:   fmt.Sprintf("%d-0", i),
			JobID:       id,
			JobType:     "insar_process",
			Outcome:     "success",
			StartedAt:   now,
			CompletedAt: now.Add(time.Duration(i) * time.Second),
			DurationMs:  int64(i * 1000),
		}); err != nil {
			t.Fatalf("Insert %s: %v", id, err)
		}
	}

	records, err := store.QueryUnsynced(10)
	if err != nil {
		t.Fatalf("QueryUnsynced: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 unsynced, got %d", len(records))
	}

	if err := store.MarkSynced([]int64{records[0].ID, records[1].ID}); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	remaining, err := store.QueryUnsynced(10)
	if err != nil {
		t.Fatalf("QueryUnsynced after mark: %v", err)
	}
	if len(remaining) != 1 || remaining[0].JobID != "c" {
		t.Errorf("remaining = %+v, want only c", remaining)
	}

	if err := store.MarkSynced(nil); err != nil {
		t.Fatalf("MarkSynced(nil): %v", err)
	}
}

func TestQueryUnsyncedLimit(t *testing.T) {
	store := openTestStore(t)
	seedRecords(t, store, 5)

	records, err := store.QueryUnsynced(2)
	if err != nil {
		t.Fatalf("QueryUnsynced: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("expected 2 records with limit=2, got %d", len(records))
	}
}

func TestCountByOutcome(t *testing.T) {
	store := openTestStore(t)

	now := time.Now().UTC()
	outcomes := []string{"retry", "retry", "retry", "success", "skipped", "failed"}
	for i, o := range outcomes {
		r := DeliveryRecord{
			MessageID:   fmt.Sprintf("%d-0", i),
			JobID:       "job",
			JobType:     "insar_process",
			Outcome:     o,
			StartedAt:   now,
			CompletedAt: now,
		}
		if o == "failed" {
			r.ErrorMessage = "granule not found"
		}
		if err := store.Insert(r); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	counts, err := store.CountByOutcome()
	if err != nil {
		t.Fatalf("CountByOutcome: %v", err)
	}
	if counts["retry"] != 3 || counts["success"] != 1 || counts["skipped"] != 1 || counts["failed"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
