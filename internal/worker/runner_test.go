package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sentryal/sentryal-insar/internal/usage"
)

type retryCall struct {
	job   *Job
	delay time.Duration
}

// MockJobSource is a test implementation of JobSource.
type MockJobSource struct {
	name      string
	jobs      []*Job
	jobIndex  int
	acked     []*Job
	nacked    []*Job
	retried   []retryCall
	connected bool
	closed    bool
	mu        sync.Mutex
}

func NewMockJobSource(name string, jobs []*Job) *MockJobSource {
	return &MockJobSource{name: name, jobs: jobs}
}

func (m *MockJobSource) Name() string {
	return m.name
}

func (m *MockJobSource) Connect(ctx context.Context) error {
	m.connected = true
	return nil
}

func (m *MockJobSource) Next(ctx context.Context) (*Job, error) {
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return nil, ctx.Err()
	}
	if m.jobIndex >= len(m.jobs) {
		m.mu.Unlock()
		time.Sleep(time.Millisecond)
		return nil, nil
	}
	job := m.jobs[m.jobIndex]
	m.jobIndex++
	m.mu.Unlock()
	return job, nil
}

func (m *MockJobSource) Ack(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, job)
	return nil
}

func (m *MockJobSource) Retry(ctx context.Context, job *Job, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retried = append(m.retried, retryCall{job: job, delay: delay})
	return nil
}

func (m *MockJobSource) Nack(ctx context.Context, job *Job, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nacked = append(m.nacked, job)
	return nil
}

func (m *MockJobSource) Close() error {
	m.closed = true
	return nil
}

func (m *MockJobSource) AckedJobs() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Job(nil), m.acked...)
}

func (m *MockJobSource) NackedJobs() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Job(nil), m.nacked...)
}

func (m *MockJobSource) Retries() []retryCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]retryCall(nil), m.retried...)
}

// MockJobHandler is a test implementation of JobHandler.
type MockJobHandler struct {
	jobType  string
	result   *JobResult
	err      error
	executed []*Job
	mu       sync.Mutex
}

func NewMockJobHandler(jobType string, result *JobResult, err error) *MockJobHandler {
	return &MockJobHandler{jobType: jobType, result: result, err: err}
}

func (m *MockJobHandler) CanHandle(jobType string) bool {
	return m.jobType == jobType
}

func (m *MockJobHandler) Execute(ctx context.Context, job *Job, stream StreamWriter) (*JobResult, error) {
	m.mu.Lock()
	m.executed = append(m.executed, job)
	m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	if m.result == nil {
		return &JobResult{Status: JobStatusSuccess, Output: map[string]any{"executed": true}}, nil
	}
	r := *m.result
	return &r, nil
}

func (m *MockJobHandler) ExecutedJobs() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Job(nil), m.executed...)
}

// MockStreamWriter is a test implementation of StreamWriter.
type MockStreamWriter struct {
	mu          sync.Mutex
	started     bool
	progress    []string
	ended       bool
	errored     bool
	recoverable bool
}

func (m *MockStreamWriter) WriteStart(message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return nil
}

func (m *MockStreamWriter) WriteProgress(status string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = append(m.progress, status)
	return nil
}

func (m *MockStreamWriter) WriteEnd(result map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = true
	return nil
}

func (m *MockStreamWriter) WriteError(err error, recoverable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errored = true
	m.recoverable = recoverable
	return nil
}

func newTestJob(id, jobType string) *Job {
	return &Job{
		ID:        id,
		Type:      jobType,
		MessageID: id + "-msg",
		Metadata:  JobMetadata{Attempt: 1, MaxAttempts: 3, RetryDelay: 30 * time.Second},
	}
}

// runFor runs the runner until timeout and returns.
func runFor(t *testing.T, runner *Runner, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestNewRunner(t *testing.T) {
	source := NewMockJobSource("test", nil)
	handlers := []JobHandler{NewMockJobHandler("TEST_JOB", nil, nil)}
	runner := NewRunner(source, handlers, RunnerConfig{WorkerID: "test-worker", Verbose: true})

	if runner.source != source {
		t.Error("Runner source not set correctly")
	}
	if len(runner.handlers) != 1 {
		t.Errorf("Runner handlers count = %d, want 1", len(runner.handlers))
	}
	if runner.config.Concurrency != 1 {
		t.Errorf("Concurrency = %d, want default 1", runner.config.Concurrency)
	}
}

func TestRunnerWithStreamWriterFactory(t *testing.T) {
	runner := NewRunner(NewMockJobSource("test", nil), nil, RunnerConfig{WorkerID: "test"})

	result := runner.WithStreamWriterFactory(func(job *Job) StreamWriter {
		return &MockStreamWriter{}
	})

	if result != runner {
		t.Error("WithStreamWriterFactory should return the runner for chaining")
	}
	if runner.streamWriterFactory == nil {
		t.Error("streamWriterFactory should be set")
	}
}

func TestRunnerProcessesJobs(t *testing.T) {
	jobs := []*Job{newTestJob("job-1", "TEST_JOB"), newTestJob("job-2", "TEST_JOB")}
	source := NewMockJobSource("test", jobs)
	handler := NewMockJobHandler("TEST_JOB", nil, nil)

	writers := map[string]*MockStreamWriter{}
	var mu sync.Mutex
	runner := NewRunner(source, []JobHandler{handler}, RunnerConfig{WorkerID: "test-worker", ActivityFn: func(string, string) {}})
	runner.WithStreamWriterFactory(func(job *Job) StreamWriter {
		mu.Lock()
		defer mu.Unlock()
		w := &MockStreamWriter{}
		writers[job.ID] = w
		return w
	})

	runFor(t, runner, 100*time.Millisecond)

	if n := len(handler.ExecutedJobs()); n != 2 {
		t.Errorf("Executed jobs = %d, want 2", n)
	}
	if n := len(source.AckedJobs()); n != 2 {
		t.Errorf("Acked jobs = %d, want 2", n)
	}
	if !source.connected || !source.closed {
		t.Error("Source should be connected and closed")
	}
	for id, w := range writers {
		if !w.started || !w.ended {
			t.Errorf("writer for %s: started=%v ended=%v", id, w.started, w.ended)
		}
	}
	if s := runner.Stats(); s.Processed != 2 || s.InFlight != 0 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestRunnerAcksFailedJobs(t *testing.T) {
	source := NewMockJobSource("test", []*Job{newTestJob("job-1", "FAIL_JOB")})
	handler := NewMockJobHandler("FAIL_JOB", &JobResult{
		Status: JobStatusFailure,
		Error:  errors.New("granule not found"),
	}, nil)
	w := &MockStreamWriter{}
	runner := NewRunner(source, []JobHandler{handler}, RunnerConfig{WorkerID: "test-worker", ActivityFn: func(string, string) {}})
	runner.WithStreamWriterFactory(func(*Job) StreamWriter { return w })

	runFor(t, runner, 100*time.Millisecond)

	// A failed job is settled: acked, never redelivered or dead-lettered.
	if n := len(source.AckedJobs()); n != 1 {
		t.Errorf("Acked jobs = %d, want 1", n)
	}
	if n := len(source.Retries()); n != 0 {
		t.Errorf("Retries = %d, want 0", n)
	}
	if n := len(source.NackedJobs()); n != 0 {
		t.Errorf("Nacked jobs = %d, want 0", n)
	}
	if !w.errored || w.recoverable {
		t.Errorf("stream errored=%v recoverable=%v, want true/false", w.errored, w.recoverable)
	}
	if s := runner.Stats(); s.Failed != 1 {
		t.Errorf("Failed = %d, want 1", s.Failed)
	}
}

func TestRunnerRetryDelay(t *testing.T) {
	tests := []struct {
		name       string
		retryAfter time.Duration
		want       time.Duration
	}{
		{"job policy delay", 0, 30 * time.Second},
		{"handler override", 5 * time.Second, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := NewMockJobSource("test", []*Job{newTestJob("job-1", "POLL")})
			handler := NewMockJobHandler("POLL", &JobResult{Status: JobStatusRetry, RetryAfter: tt.retryAfter}, nil)
			runner := NewRunner(source, []JobHandler{handler}, RunnerConfig{WorkerID: "w", ActivityFn: func(string, string) {}})

			runFor(t, runner, 100*time.Millisecond)

			retries := source.Retries()
			if len(retries) != 1 {
				t.Fatalf("Retries = %d, want 1", len(retries))
			}
			if retries[0].delay != tt.want {
				t.Errorf("delay = %s, want %s", retries[0].delay, tt.want)
			}
			if n := len(source.AckedJobs()); n != 0 {
				t.Errorf("Acked jobs = %d, want 0", n)
			}
		})
	}
}

func TestRunnerHandlerErrorRetries(t *testing.T) {
	source := NewMockJobSource("test", []*Job{newTestJob("job-1", "TEST_JOB")})
	handler := NewMockJobHandler("TEST_JOB", nil, errors.New("database is locked"))
	w := &MockStreamWriter{}
	runner := NewRunner(source, []JobHandler{handler}, RunnerConfig{WorkerID: "w", ActivityFn: func(string, string) {}})
	runner.WithStreamWriterFactory(func(*Job) StreamWriter { return w })

	runFor(t, runner, 100*time.Millisecond)

	retries := source.Retries()
	if len(retries) != 1 || retries[0].delay != 30*time.Second {
		t.Fatalf("Retries = %+v, want one with the job's delay", retries)
	}
	if !w.errored || !w.recoverable {
		t.Errorf("stream errored=%v recoverable=%v, want true/true", w.errored, w.recoverable)
	}
}

func TestRunnerSkippedIsAcked(t *testing.T) {
	source := NewMockJobSource("test", []*Job{newTestJob("job-1", "TEST_JOB")})
	handler := NewMockJobHandler("TEST_JOB", &JobResult{Status: JobStatusSkipped}, nil)
	w := &MockStreamWriter{}
	runner := NewRunner(source, []JobHandler{handler}, RunnerConfig{WorkerID: "w", ActivityFn: func(string, string) {}})
	runner.WithStreamWriterFactory(func(*Job) StreamWriter { return w })

	runFor(t, runner, 100*time.Millisecond)

	if n := len(source.AckedJobs()); n != 1 {
		t.Errorf("Acked jobs = %d, want 1", n)
	}
	if w.ended || w.errored {
		t.Error("skipped delivery should publish neither end nor error")
	}
}

func TestRunnerNoHandler(t *testing.T) {
	source := NewMockJobSource("test", []*Job{newTestJob("job-1", "UNKNOWN_JOB")})
	handler := NewMockJobHandler("OTHER_JOB", nil, nil)

	var records []usage.DeliveryRecord
	runner := NewRunner(source, []JobHandler{handler}, RunnerConfig{
		WorkerID:    "test-worker",
		ActivityFn:  func(string, string) {},
		JobRecordFn: func(r usage.DeliveryRecord) { records = append(records, r) },
	})

	runFor(t, runner, 100*time.Millisecond)

	// Job should be dead-lettered because no handler
	if n := len(source.NackedJobs()); n != 1 {
		t.Errorf("Nacked jobs = %d, want 1", n)
	}
	if n := len(handler.ExecutedJobs()); n != 0 {
		t.Errorf("Executed jobs = %d, want 0", n)
	}
	if len(records) != 1 || records[0].Outcome != "dead_letter" {
		t.Errorf("records = %+v, want one dead_letter", records)
	}
}

func TestRunnerRecordsDeliveries(t *testing.T) {
	jobs := []*Job{newTestJob("ok", "A"), newTestJob("poll", "B")}
	source := NewMockJobSource("test", jobs)

	var mu sync.Mutex
	records := map[string]usage.DeliveryRecord{}
	runner := NewRunner(source, []JobHandler{
		NewMockJobHandler("A", &JobResult{Status: JobStatusSuccess, StoreStatus: "SUCCEEDED"}, nil),
		NewMockJobHandler("B", &JobResult{Status: JobStatusRetry, StoreStatus: "PROCESSING"}, nil),
	}, RunnerConfig{
		WorkerID:   "sentryal-abc",
		ActivityFn: func(string, string) {},
		JobRecordFn: func(r usage.DeliveryRecord) {
			mu.Lock()
			records[r.JobID] = r
			mu.Unlock()
		},
	})

	runFor(t, runner, 100*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	ok := records["ok"]
	if ok.Outcome != "success" || ok.JobStatus != "SUCCEEDED" || ok.WorkerID != "sentryal-abc" || ok.MessageID != "ok-msg" {
		t.Errorf("ok record = %+v", ok)
	}
	poll := records["poll"]
	if poll.Outcome != "retry" || poll.JobStatus != "PROCESSING" || poll.Attempt != 1 {
		t.Errorf("poll record = %+v", poll)
	}
}

// blockingHandler holds every delivery until release is closed.
type blockingHandler struct {
	entered chan struct{}
	release chan struct{}
}

func (h *blockingHandler) CanHandle(string) bool { return true }

func (h *blockingHandler) Execute(ctx context.Context, job *Job, stream StreamWriter) (*JobResult, error) {
	h.entered <- struct{}{}
	<-h.release
	return &JobResult{Status: JobStatusSuccess}, nil
}

func TestRunnerConcurrency(t *testing.T) {
	jobs := []*Job{newTestJob("a", "X"), newTestJob("b", "X"), newTestJob("c", "X")}
	source := NewMockJobSource("test", jobs)
	h := &blockingHandler{entered: make(chan struct{}, 3), release: make(chan struct{})}
	runner := NewRunner(source, []JobHandler{h}, RunnerConfig{WorkerID: "w", Concurrency: 3, ActivityFn: func(string, string) {}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	for i := range 3 {
		select {
		case <-h.entered:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d deliveries in flight, want 3", i)
		}
	}
	if s := runner.Stats(); s.InFlight != 3 {
		t.Errorf("InFlight = %d, want 3", s.InFlight)
	}

	close(h.release)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(source.AckedJobs()); n != 3 {
		t.Errorf("Acked jobs = %d, want 3", n)
	}
}

func TestRunnerRegisterHandler(t *testing.T) {
	runner := NewRunner(NewMockJobSource("test", nil), nil, RunnerConfig{WorkerID: "test"})
	runner.RegisterHandler(NewMockJobHandler("A", nil, nil))
	runner.RegisterHandler(NewMockJobHandler("B", nil, nil))

	if len(runner.handlers) != 2 {
		t.Errorf("handlers = %d, want 2", len(runner.handlers))
	}
}

func TestBuildDeliveryRecordTruncatesError(t *testing.T) {
	job := newTestJob("job-1", "insar_process")
	start := time.Now()
	r := buildDeliveryRecord(job, "failed", start, start.Add(250*time.Millisecond), nil, errors.New(strings.Repeat("x", 2000)))

	if len(r.ErrorMessage) != 1024 {
		t.Errorf("ErrorMessage length = %d, want 1024", len(r.ErrorMessage))
	}
	if r.DurationMs != 250 {
		t.Errorf("DurationMs = %d, want 250", r.DurationMs)
	}
}
