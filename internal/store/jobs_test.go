package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"gorm.io/gorm"

	"github.com/sentryal/sentryal-insar/internal/geo"
	"github.com/sentryal/sentryal-insar/internal/store"
	"github.com/sentryal/sentryal-insar/internal/store/storetest"
)

func seedInfrastructure(t *testing.T, db *gorm.DB) (*store.Infrastructure, []store.Point) {
	t.Helper()
	ctx := context.Background()
	infras := store.NewInfrastructureStore(db)

	infra, err := infras.Create(ctx, "Pont de Normandie", nil)
	if err != nil {
		t.Fatalf("Create infrastructure: %v", err)
	}
	pts, err := infras.AddPoints(ctx, infra.ID, []store.NewPoint{
		{Longitude: 0.27, Latitude: 49.43},
		{Longitude: 0.28, Latitude: 49.44},
		{Longitude: 0.29, Latitude: 49.42},
	})
	if err != nil {
		t.Fatalf("AddPoints: %v", err)
	}
	return infra, pts
}

func createJob(t *testing.T, jobs *store.JobStore, infra *store.Infrastructure, pts []store.Point) *store.Job {
	t.Helper()
	locs := make([]orb.Point, len(pts))
	for i, p := range pts {
		locs[i] = p.Location()
	}
	poly, err := geo.BoundingPolygon(locs)
	if err != nil {
		t.Fatalf("BoundingPolygon: %v", err)
	}
	job, err := jobs.Create(context.Background(), store.CreateJobParams{
		InfrastructureID: infra.ID,
		BBox:             geo.NewPolygon(poly),
	})
	if err != nil {
		t.Fatalf("Create job: %v", err)
	}
	return job
}

func TestCreateJob(t *testing.T) {
	db := storetest.Open(t)
	infra, pts := seedInfrastructure(t, db)
	jobs := store.NewJobStore(db)

	job := createJob(t, jobs, infra, pts)

	if job.Status != store.JobPending {
		t.Errorf("Status = %s, want PENDING", job.Status)
	}
	if job.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", job.RetryCount)
	}
	if job.ExternalJobID != nil {
		t.Errorf("ExternalJobID = %v, want nil", *job.ExternalJobID)
	}

	got, err := jobs.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := orb.Bound{Min: orb.Point{0.27, 49.42}, Max: orb.Point{0.29, 49.44}}
	if got.BBox.Bound() != want {
		t.Errorf("BBox = %v, want %v", got.BBox.Bound(), want)
	}
}

func TestCreateJobUnknownInfrastructure(t *testing.T) {
	db := storetest.Open(t)
	jobs := store.NewJobStore(db)
	poly, _ := geo.BoundingPolygon([]orb.Point{{1, 1}})

	_, err := jobs.Create(context.Background(), store.CreateJobParams{
		InfrastructureID: "does-not-exist",
		BBox:             geo.NewPolygon(poly),
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateJobRequiresBBox(t *testing.T) {
	db := storetest.Open(t)
	infra, _ := seedInfrastructure(t, db)
	jobs := store.NewJobStore(db)

	_, err := jobs.Create(context.Background(), store.CreateJobParams{InfrastructureID: infra.ID})
	if !errors.Is(err, geo.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestTransitionHappyPath(t *testing.T) {
	db := storetest.Open(t)
	infra, pts := seedInfrastructure(t, db)
	jobs := store.NewJobStore(db)
	ctx := context.Background()
	job := createJob(t, jobs, infra, pts)

	job, err := jobs.Transition(ctx, job.ID, []store.JobStatus{store.JobPending}, store.JobProcessing, store.JobUpdate{})
	if err != nil {
		t.Fatalf("PENDING->PROCESSING: %v", err)
	}
	if job.Version != 1 {
		t.Errorf("Version = %d, want 1", job.Version)
	}

	ext := "rp-123"
	retries := 1
	job, err = jobs.Transition(ctx, job.ID, []store.JobStatus{store.JobProcessing}, store.JobProcessing, store.JobUpdate{
		ExternalJobID: &ext,
		RetryCount:    &retries,
	})
	if err != nil {
		t.Fatalf("PROCESSING->PROCESSING: %v", err)
	}
	if job.ExternalJobID == nil || *job.ExternalJobID != ext {
		t.Errorf("ExternalJobID = %v, want %s", job.ExternalJobID, ext)
	}

	done := time.Now().UTC()
	ms := int64(1500)
	job, err = jobs.Transition(ctx, job.ID, []store.JobStatus{store.JobProcessing}, store.JobSucceeded, store.JobUpdate{
		ResultURLs:       []string{"https://example.com/a.tif", "https://example.com/b.tif"},
		ProcessingTimeMs: &ms,
		CompletedAt:      &done,
	})
	if err != nil {
		t.Fatalf("PROCESSING->SUCCEEDED: %v", err)
	}
	if job.Status != store.JobSucceeded {
		t.Errorf("Status = %s, want SUCCEEDED", job.Status)
	}
	if urls := job.URLs(); len(urls) != 2 {
		t.Errorf("URLs = %v, want 2 entries", urls)
	}
	if job.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}
	if job.ProcessingTimeMs == nil || *job.ProcessingTimeMs != 1500 {
		t.Errorf("ProcessingTimeMs = %v, want 1500", job.ProcessingTimeMs)
	}
}

func TestTransitionTerminalIsFinal(t *testing.T) {
	db := storetest.Open(t)
	infra, pts := seedInfrastructure(t, db)
	jobs := store.NewJobStore(db)
	ctx := context.Background()
	job := createJob(t, jobs, infra, pts)

	if _, err := jobs.Transition(ctx, job.ID, []store.JobStatus{store.JobPending}, store.JobCancelled, store.JobUpdate{}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Edges out of a terminal status are rejected before touching the row.
	for _, to := range []store.JobStatus{store.JobPending, store.JobProcessing, store.JobFailed, store.JobSucceeded} {
		_, err := jobs.Transition(ctx, job.ID, []store.JobStatus{store.JobCancelled}, to, store.JobUpdate{})
		if !errors.Is(err, store.ErrInvalidTransition) {
			t.Errorf("CANCELLED -> %s: err = %v, want ErrInvalidTransition", to, err)
		}
	}

	// A worker still believing the job is PROCESSING loses the CAS.
	_, err := jobs.Transition(ctx, job.ID, []store.JobStatus{store.JobProcessing}, store.JobSucceeded, store.JobUpdate{})
	if !errors.Is(err, store.ErrStateConflict) {
		t.Errorf("stale PROCESSING -> SUCCEEDED: err = %v, want ErrStateConflict", err)
	}

	got, _ := jobs.Get(ctx, job.ID)
	if got.Status != store.JobCancelled {
		t.Errorf("Status = %s, want CANCELLED", got.Status)
	}
}

func TestTransitionRejectsUnknownEdges(t *testing.T) {
	db := storetest.Open(t)
	infra, pts := seedInfrastructure(t, db)
	jobs := store.NewJobStore(db)
	job := createJob(t, jobs, infra, pts)

	tests := []struct {
		from []store.JobStatus
		to   store.JobStatus
	}{
		{nil, store.JobProcessing},
		{[]store.JobStatus{store.JobPending}, store.JobSucceeded},
		{[]store.JobStatus{store.JobPending}, store.JobPending},
		{[]store.JobStatus{store.JobProcessing}, store.JobPending},
	}
	for _, tt := range tests {
		_, err := jobs.Transition(context.Background(), job.ID, tt.from, tt.to, store.JobUpdate{})
		if !errors.Is(err, store.ErrInvalidTransition) {
			t.Errorf("%v -> %s: err = %v, want ErrInvalidTransition", tt.from, tt.to, err)
		}
	}
}

func TestTransitionNotFound(t *testing.T) {
	db := storetest.Open(t)
	jobs := store.NewJobStore(db)

	_, err := jobs.Transition(context.Background(), "missing", []store.JobStatus{store.JobPending}, store.JobProcessing, store.JobUpdate{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTransitionConcurrentExactlyOneWins(t *testing.T) {
	db := storetest.Open(t)
	infra, pts := seedInfrastructure(t, db)
	jobs := store.NewJobStore(db)
	job := createJob(t, jobs, infra, pts)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := jobs.Transition(context.Background(), job.ID,
				[]store.JobStatus{store.JobPending}, store.JobProcessing, store.JobUpdate{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, store.ErrStateConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
	if conflicts != workers-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, workers-1)
	}

	got, _ := jobs.Get(context.Background(), job.ID)
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1 (exactly one transition applied)", got.Version)
	}
}

func TestTransitionVersionPin(t *testing.T) {
	db := storetest.Open(t)
	infra, pts := seedInfrastructure(t, db)
	jobs := store.NewJobStore(db)
	ctx := context.Background()
	job := createJob(t, jobs, infra, pts)

	job, _ = jobs.Transition(ctx, job.ID, []store.JobStatus{store.JobPending}, store.JobProcessing, store.JobUpdate{})
	stale := job.Version

	one := 1
	if _, err := jobs.Transition(ctx, job.ID, []store.JobStatus{store.JobProcessing}, store.JobProcessing,
		store.JobUpdate{RetryCount: &one, IfVersion: &stale}); err != nil {
		t.Fatalf("first pinned transition: %v", err)
	}

	// A second delivery that read the same version must lose.
	two := 2
	_, err := jobs.Transition(ctx, job.ID, []store.JobStatus{store.JobProcessing}, store.JobProcessing,
		store.JobUpdate{RetryCount: &two, IfVersion: &stale})
	if !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("err = %v, want ErrStateConflict", err)
	}

	got, _ := jobs.Get(ctx, job.ID)
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}
}

func TestTransitionReturnsWrittenRow(t *testing.T) {
	db := storetest.Open(t)
	infra, pts := seedInfrastructure(t, db)
	jobs := store.NewJobStore(db)
	ctx := context.Background()
	job := createJob(t, jobs, infra, pts)

	job, err := jobs.Transition(ctx, job.ID, []store.JobStatus{store.JobPending}, store.JobProcessing, store.JobUpdate{})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	base := job.Version

	// Concurrent writers each bump the version once; every caller must get
	// back its own write, not whichever one landed last.
	const writers = 10
	var wg sync.WaitGroup
	results := make([]*store.Job, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n := i + 1
			got, err := jobs.Transition(ctx, job.ID, []store.JobStatus{store.JobProcessing}, store.JobProcessing,
				store.JobUpdate{RetryCount: &n})
			if err != nil {
				t.Errorf("writer %d: %v", n, err)
				return
			}
			results[i] = got
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]int)
	for i, got := range results {
		if got == nil {
			continue
		}
		if got.RetryCount != i+1 {
			t.Errorf("writer %d got RetryCount %d back", i+1, got.RetryCount)
		}
		if got.Status != store.JobProcessing || got.ID != job.ID {
			t.Errorf("writer %d got %s/%s back", i+1, got.ID, got.Status)
		}
		if got.Version <= base || got.Version > base+writers {
			t.Errorf("writer %d got version %d, want in (%d, %d]", i+1, got.Version, base, base+writers)
		}
		if prev, dup := seen[got.Version]; dup {
			t.Errorf("writers %d and %d both got version %d", prev, i+1, got.Version)
		}
		seen[got.Version] = i + 1
	}

	final, err := jobs.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Version != base+writers {
		t.Errorf("final version = %d, want %d", final.Version, base+writers)
	}
	if w := seen[final.Version]; w != 0 && final.RetryCount != w {
		t.Errorf("final RetryCount = %d, want %d from the last writer", final.RetryCount, w)
	}
}

func TestTransitionDuplicateExternalID(t *testing.T) {
	db := storetest.Open(t)
	infra, pts := seedInfrastructure(t, db)
	jobs := store.NewJobStore(db)
	ctx := context.Background()

	a := createJob(t, jobs, infra, pts)
	b := createJob(t, jobs, infra, pts)
	ext := "rp-shared"

	for _, j := range []*store.Job{a, b} {
		if _, err := jobs.Transition(ctx, j.ID, []store.JobStatus{store.JobPending}, store.JobProcessing, store.JobUpdate{}); err != nil {
			t.Fatalf("start %s: %v", j.ID, err)
		}
	}
	if _, err := jobs.Transition(ctx, a.ID, []store.JobStatus{store.JobProcessing}, store.JobProcessing,
		store.JobUpdate{ExternalJobID: &ext}); err != nil {
		t.Fatalf("assign to a: %v", err)
	}
	_, err := jobs.Transition(ctx, b.ID, []store.JobStatus{store.JobProcessing}, store.JobProcessing,
		store.JobUpdate{ExternalJobID: &ext})
	if !errors.Is(err, store.ErrDuplicateExternalID) {
		t.Fatalf("err = %v, want ErrDuplicateExternalID", err)
	}
}

func TestListStale(t *testing.T) {
	db := storetest.Open(t)
	infra, pts := seedInfrastructure(t, db)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	jobs := store.NewJobStore(db).WithClock(func() time.Time { return clock })

	old := createJob(t, jobs, infra, pts)
	done := createJob(t, jobs, infra, pts)
	if _, err := jobs.Transition(ctx, done.ID, []store.JobStatus{store.JobPending}, store.JobCancelled, store.JobUpdate{}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	clock = base.Add(time.Hour)
	fresh := createJob(t, jobs, infra, pts)

	stale, err := jobs.ListStale(ctx, base.Add(30*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		ids := make([]string, len(stale))
		for i, j := range stale {
			ids[i] = j.ID
		}
		t.Fatalf("stale = %v, want only %s (fresh %s)", ids, old.ID, fresh.ID)
	}
}

func TestCancel(t *testing.T) {
	db := storetest.Open(t)
	infra, pts := seedInfrastructure(t, db)
	jobs := store.NewJobStore(db)
	ctx := context.Background()
	job := createJob(t, jobs, infra, pts)

	cancelled, err := jobs.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != store.JobCancelled || cancelled.CompletedAt == nil {
		t.Errorf("cancelled job = %+v", cancelled)
	}
	if cancelled.ProcessingTimeMs == nil || *cancelled.ProcessingTimeMs < 1 {
		t.Errorf("ProcessingTimeMs = %v, want >= 1", cancelled.ProcessingTimeMs)
	}

	if _, err := jobs.Cancel(ctx, job.ID); !errors.Is(err, store.ErrStateConflict) {
		t.Errorf("second Cancel err = %v, want ErrStateConflict", err)
	}
}

func TestCanTransition(t *testing.T) {
	terminal := []store.JobStatus{store.JobSucceeded, store.JobFailed, store.JobCancelled}
	all := append([]store.JobStatus{store.JobPending, store.JobProcessing}, terminal...)
	for _, from := range terminal {
		if !from.Terminal() {
			t.Errorf("%s should be terminal", from)
		}
		for _, to := range all {
			if store.CanTransition(from, to) {
				t.Errorf("CanTransition(%s, %s) = true, terminal states have no edges", from, to)
			}
		}
	}
	if !store.CanTransition(store.JobPending, store.JobProcessing) {
		t.Error("PENDING -> PROCESSING should be allowed")
	}
	if store.CanTransition(store.JobPending, store.JobSucceeded) {
		t.Error("PENDING -> SUCCEEDED should not be allowed")
	}
}
