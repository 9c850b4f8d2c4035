package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JobTypeInSAR is the dispatch type handled by the InSAR job handler.
const JobTypeInSAR = "insar_process"

// Queue errors
var (
	// ErrMalformedMessage indicates a stream entry that cannot be decoded.
	// It is never retried; the caller should dead-letter it.
	ErrMalformedMessage = errors.New("malformed dispatch message")

	// ErrInvalidPolicy indicates a retry policy outside its valid range
	ErrInvalidPolicy = errors.New("invalid retry policy")

	// ErrNotOwner indicates the delivery was reclaimed by another consumer,
	// which is now responsible for settling it
	ErrNotOwner = errors.New("delivery owned by another consumer")
)

// RetryPolicy bounds redelivery of one job.
type RetryPolicy struct {
	// MaxAttempts is how many redeliveries a job gets before it fails
	MaxAttempts int

	// FixedDelay is the pause before each redelivery
	FixedDelay time.Duration
}

// DefaultRetryPolicy polls every 30s for up to an hour.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 120, FixedDelay: 30 * time.Second}
}

// Validate checks the policy is usable.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: maxAttempts must be >= 1, got %d", ErrInvalidPolicy, p.MaxAttempts)
	}
	if p.FixedDelay < 0 {
		return fmt.Errorf("%w: fixedDelay must be >= 0, got %s", ErrInvalidPolicy, p.FixedDelay)
	}
	return nil
}

// DedupeTTL is how long the active marker of an enqueued job lives: long
// enough to cover every redelivery, short enough that a lost message does
// not block re-enqueueing forever.
func (p RetryPolicy) DedupeTTL() time.Duration {
	return time.Duration(p.MaxAttempts)*p.FixedDelay + time.Hour
}

type retryPolicyWire struct {
	MaxAttempts  int   `json:"maxAttempts"`
	FixedDelayMs int64 `json:"fixedDelayMs"`
}

func (p RetryPolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(retryPolicyWire{MaxAttempts: p.MaxAttempts, FixedDelayMs: p.FixedDelay.Milliseconds()})
}

func (p *RetryPolicy) UnmarshalJSON(data []byte) error {
	var w retryPolicyWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.MaxAttempts = w.MaxAttempts
	p.FixedDelay = time.Duration(w.FixedDelayMs) * time.Millisecond
	return nil
}

// DispatchMessage is the payload carried by a queue entry.
type DispatchMessage struct {
	JobID            string      `json:"jobId"`
	ExternalJobID    *string     `json:"externalJobId"`
	InfrastructureID string      `json:"infrastructureId"`
	EnqueuedAt       time.Time   `json:"enqueuedAt"`
	Attempt          int         `json:"attempt"`
	RetryPolicy      RetryPolicy `json:"retryPolicy"`
}

// Delivery is one read of a dispatch message by this consumer.
type Delivery struct {
	// MessageID is the stream entry id (for ack)
	MessageID string

	// Type routes the delivery to a handler
	Type string

	Message DispatchMessage

	// Raw holds the entry's fields as read
	Raw map[string]any
}

// fields encodes a message as stream entry fields.
func (m DispatchMessage) fields(jobType string) (map[string]any, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch message: %w", err)
	}
	return map[string]any{
		"jobId":   m.JobID,
		"type":    jobType,
		"payload": string(payload),
	}, nil
}

// parseDelivery decodes a stream entry. On failure the returned delivery
// still carries MessageID and Raw so the entry can be dead-lettered.
func parseDelivery(id string, values map[string]any) (*Delivery, error) {
	d := &Delivery{MessageID: id, Raw: make(map[string]any, len(values))}
	for k, v := range values {
		d.Raw[k] = v
	}
	if t, ok := values["type"].(string); ok {
		d.Type = t
	}

	payload, ok := values["payload"].(string)
	if !ok {
		return d, fmt.Errorf("%w: entry %s has no payload", ErrMalformedMessage, id)
	}
	if err := json.Unmarshal([]byte(payload), &d.Message); err != nil {
		return d, fmt.Errorf("%w: entry %s: %v", ErrMalformedMessage, id, err)
	}
	if d.Message.JobID == "" {
		if jobID, ok := values["jobId"].(string); ok {
			d.Message.JobID = jobID
		}
	}
	if d.Message.JobID == "" {
		return d, fmt.Errorf("%w: entry %s has no job id", ErrMalformedMessage, id)
	}
	if d.Type == "" {
		d.Type = JobTypeInSAR
	}
	return d, nil
}

// delayedEntry is what the delayed set stores until the entry is due.
type delayedEntry struct {
	Type    string          `json:"type"`
	Message DispatchMessage `json:"message"`
}
