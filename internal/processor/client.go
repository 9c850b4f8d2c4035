// Package processor is the adapter to the external InSAR processing service.
//
// The service follows the serverless job API used in production:
//
//	POST {base}/run             {"input": {...}}  -> {"id": "...", "status": "IN_QUEUE"}
//	GET  {base}/status/{id}                       -> {"id": "...", "status": "...", "output": {...}}
//
// Every call is rate limited and classified into RetryableError or
// TerminalError so callers never inspect HTTP details.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"golang.org/x/time/rate"
)

// State is the coarse status of an external job.
type State string

const (
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateFailed   State = "failed"
)

// StatusReport is the result of a status poll.
type StatusReport struct {
	State State

	// Raw is the service's own status string (IN_QUEUE, COMPLETED, ...)
	Raw string

	// Error is the service-provided message when State is failed
	Error string
}

// SubmitPoint is a location at which the service extracts displacement.
type SubmitPoint struct {
	ID        string
	Longitude float64
	Latitude  float64
}

// SubmitRequest describes the area and period to process.
type SubmitRequest struct {
	JobID            string
	InfrastructureID string
	BBox             orb.Bound
	Points           []SubmitPoint
	WindowStart      *time.Time
	WindowEnd        *time.Time
	Parameters       map[string]any
}

// Client is the contract the worker needs from the processing service.
type Client interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Status(ctx context.Context, externalID string) (StatusReport, error)
	ProductURLs(ctx context.Context, externalID string) ([]string, error)
	Results(ctx context.Context, externalID string) (*Results, error)
}

// Config holds HTTP client settings.
type Config struct {
	// BaseURL is the endpoint root, e.g. "https://api.runpod.ai/v2/<endpoint>"
	BaseURL string

	// APIKey is sent as a bearer token
	APIKey string

	// Timeout is the per-request timeout (default: 30s)
	Timeout time.Duration

	// RequestsPerSecond limits outbound calls (default: 5)
	RequestsPerSecond float64

	// Burst is the limiter burst size (default: 1)
	Burst int

	// HTTPClient overrides the transport (tests)
	HTTPClient *http.Client

	// LogFn receives diagnostic messages (optional)
	LogFn func(level, msg string)
}

// HTTPClient talks to the processing service over HTTP.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logFn      func(level, msg string)
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the service at cfg.BaseURL.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("processor base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid processor base URL: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}

	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: hc,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logFn:      cfg.LogFn,
	}, nil
}

func (c *HTTPClient) log(level, format string, args ...any) {
	if c.logFn != nil {
		c.logFn(level, fmt.Sprintf(format, args...))
	}
}

// runResponse is the body of POST /run.
type runResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// statusResponse is the body of GET /status/{id}.
type statusResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

// outputEnvelope holds the fields of the handler output the client reads
// before schema-specific decoding.
type outputEnvelope struct {
	Status        string                     `json:"status"`
	Error         *string                    `json:"error"`
	SchemaVersion string                     `json:"schema_version"`
	Results       map[string]json.RawMessage `json:"results"`
}

// Submit starts processing and returns the service's job id.
func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	const op = "submit"

	input := make(map[string]any, len(req.Parameters)+6)
	for k, v := range req.Parameters {
		input[k] = v
	}
	points := make([]map[string]any, len(req.Points))
	for i, p := range req.Points {
		points[i] = map[string]any{"id": p.ID, "lon": p.Longitude, "lat": p.Latitude}
	}
	input["job_id"] = req.JobID
	input["infrastructure_id"] = req.InfrastructureID
	input["bbox"] = map[string]float64{
		"north": req.BBox.Max.Lat(),
		"south": req.BBox.Min.Lat(),
		"east":  req.BBox.Max.Lon(),
		"west":  req.BBox.Min.Lon(),
	}
	input["points"] = points
	if req.WindowStart != nil {
		input["start_date"] = req.WindowStart.UTC().Format(time.DateOnly)
	}
	if req.WindowEnd != nil {
		input["end_date"] = req.WindowEnd.UTC().Format(time.DateOnly)
	}

	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return "", &TerminalError{Op: op, Message: fmt.Sprintf("encode request: %v", err)}
	}

	var out runResponse
	if err := c.do(ctx, op, http.MethodPost, "/run", body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", malformed(op, "missing job id")
	}
	c.log("debug", "submitted job %s as %s (%s)", req.JobID, out.ID, out.Status)
	return out.ID, nil
}

// Status polls an external job.
func (c *HTTPClient) Status(ctx context.Context, externalID string) (StatusReport, error) {
	resp, err := c.fetch(ctx, "status", externalID)
	if err != nil {
		return StatusReport{}, err
	}

	report := StatusReport{Raw: resp.Status}
	switch resp.Status {
	case "IN_QUEUE", "IN_PROGRESS":
		report.State = StateRunning
	case "COMPLETED":
		report.State = StateComplete
		env, err := decodeEnvelope("status", resp.Output)
		if err != nil {
			return StatusReport{}, err
		}
		if env.Status == "error" {
			report.State = StateFailed
			report.Error = "processing error"
			if env.Error != nil && *env.Error != "" {
				report.Error = *env.Error
			}
		}
	case "FAILED", "CANCELLED", "TIMED_OUT":
		report.State = StateFailed
		report.Error = resp.Error
		if report.Error == "" {
			report.Error = "external job " + strings.ToLower(resp.Status)
		}
	default:
		return StatusReport{}, malformed("status", "unknown status %q", resp.Status)
	}
	return report, nil
}

// ProductURLs returns the artifact URLs of a completed job, sorted by name.
func (c *HTTPClient) ProductURLs(ctx context.Context, externalID string) ([]string, error) {
	const op = "product urls"
	resp, err := c.fetch(ctx, op, externalID)
	if err != nil {
		return nil, err
	}
	env, err := decodeEnvelope(op, resp.Output)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(env.Results))
	for k := range env.Results {
		if strings.HasSuffix(k, "_url") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var urls []string
	for _, k := range keys {
		var s *string
		if err := json.Unmarshal(env.Results[k], &s); err != nil {
			return nil, malformed(op, "%s is not a string", k)
		}
		if s != nil && *s != "" {
			urls = append(urls, *s)
		}
	}
	return urls, nil
}

// Results fetches and decodes the per-point measurements of a completed job.
func (c *HTTPClient) Results(ctx context.Context, externalID string) (*Results, error) {
	const op = "results"
	resp, err := c.fetch(ctx, op, externalID)
	if err != nil {
		return nil, err
	}
	if resp.Status != "COMPLETED" {
		return nil, &TerminalError{Op: op, Message: fmt.Sprintf("job %s is %s, not completed", externalID, resp.Status)}
	}
	return DecodeResults(resp.Output)
}

func (c *HTTPClient) fetch(ctx context.Context, op, externalID string) (*statusResponse, error) {
	if externalID == "" {
		return nil, &TerminalError{Op: op, Message: "external job id is empty"}
	}
	var resp statusResponse
	if err := c.do(ctx, op, http.MethodGet, "/status/"+url.PathEscape(externalID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do performs one rate-limited request and decodes a 2xx JSON body into out.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &RetryableError{Op: op, Err: err}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &TerminalError{Op: op, Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return &RetryableError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(op, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return malformed(op, "%v", err)
	}
	return nil
}

func decodeEnvelope(op string, raw json.RawMessage) (*outputEnvelope, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, malformed(op, "missing output")
	}
	var env outputEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, malformed(op, "output: %v", err)
	}
	return &env, nil
}
