// Package heartbeat reports worker liveness and load to Redis.
//
// Each worker refreshes a key that expires unless renewed, so the set of
// live workers is simply the set of existing keys:
//
//	Worker                                     Redis
//	┌─────────────┐  SET worker:v1:<id> EX 3×i ┌─────────────┐
//	│  Heartbeat  │ ────────────────────────▶  │  Keys       │ → sentryal workers
//	│  Publisher  │                            └─────────────┘
//	│   (every i) │  PUBLISH worker:v1:status  ┌─────────────┐
//	│             │ ────────────────────────▶  │  Pub/Sub    │ → live dashboards
//	└─────────────┘                            └─────────────┘
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentryal/sentryal-insar/internal/worker"
)

// Key layout.
const (
	KeyPrefix     = "worker:v1:"
	StatusChannel = "worker:v1:status"
)

// workerIDPattern validates worker IDs to prevent key injection.
// Only allows alphanumeric characters, hyphens, underscores, and dots.
var workerIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// WorkerStatus is the payload stored for each live worker.
type WorkerStatus struct {
	Version   string        `json:"version"`
	Timestamp string        `json:"timestamp"`
	WorkerID  string        `json:"workerId"`
	InFlight  int64         `json:"inFlight"`
	Processed int64         `json:"processed"`
	Failed    int64         `json:"failed"`
	System    SystemMetrics `json:"system"`
}

// RedisPublisher periodically writes this worker's status to Redis.
type RedisPublisher struct {
	client   *redis.Client
	workerID string
	interval time.Duration
	statsFn  func() worker.Stats
	sampleFn func() SystemMetrics
	logFn    func(level, msg string)
}

// RedisPublisherConfig holds configuration for the heartbeat publisher.
type RedisPublisherConfig struct {
	// Client is the Redis connection (not closed by the publisher)
	Client *redis.Client

	// WorkerID is the consumer name of this worker
	WorkerID string

	// Interval is the time between publishes (default: 10s)
	Interval time.Duration

	// StatsFn reports the runner's counters (optional)
	StatsFn func() worker.Stats

	// SampleFn overrides host metric collection (default: CollectSystemMetrics)
	SampleFn func() SystemMetrics

	// LogFn is an optional callback for logging
	LogFn func(level, msg string)
}

// NewRedisPublisher creates a new heartbeat publisher.
func NewRedisPublisher(cfg RedisPublisherConfig) (*RedisPublisher, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("heartbeat: redis client is required")
	}
	if !workerIDPattern.MatchString(cfg.WorkerID) {
		return nil, fmt.Errorf("invalid worker ID: must be 1-64 alphanumeric characters, hyphens, underscores, or dots")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.SampleFn == nil {
		cfg.SampleFn = CollectSystemMetrics
	}
	return &RedisPublisher{
		client:   cfg.Client,
		workerID: cfg.WorkerID,
		interval: cfg.Interval,
		statsFn:  cfg.StatsFn,
		sampleFn: cfg.SampleFn,
		logFn:    cfg.LogFn,
	}, nil
}

func (p *RedisPublisher) log(level, format string, args ...any) {
	if p.logFn != nil {
		p.logFn(level, fmt.Sprintf(format, args...))
	}
}

// Key returns the worker's liveness key.
func (p *RedisPublisher) Key() string {
	return KeyPrefix + p.workerID
}

// TTL is how long a heartbeat stays visible without renewal.
func (p *RedisPublisher) TTL() time.Duration {
	return 3 * p.interval
}

// Start publishes immediately and then every interval until ctx is done.
// The key is removed on shutdown so the worker disappears at once.
func (p *RedisPublisher) Start(ctx context.Context) error {
	if err := p.publishStatus(ctx); err != nil {
		p.log("warning", "heartbeat: initial publish failed: %v", err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.client.Del(context.WithoutCancel(ctx), p.Key())
			return ctx.Err()
		case <-ticker.C:
			if err := p.publishStatus(ctx); err != nil {
				p.log("warning", "heartbeat: publish failed: %v", err)
			}
		}
	}
}

// PublishOnce sends a single heartbeat and returns.
func (p *RedisPublisher) PublishOnce(ctx context.Context) error {
	return p.publishStatus(ctx)
}

func (p *RedisPublisher) publishStatus(ctx context.Context) error {
	msg := WorkerStatus{
		Version:   "1.0",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		WorkerID:  p.workerID,
		System:    p.sampleFn(),
	}
	if p.statsFn != nil {
		s := p.statsFn()
		msg.InFlight, msg.Processed, msg.Failed = s.InFlight, s.Processed, s.Failed
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	_, err = p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.Key(), jsonData, p.TTL())
		pipe.Publish(ctx, StatusChannel, jsonData)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish heartbeat: %w", err)
	}
	p.log("debug", "heartbeat: %s in-flight=%d processed=%d", p.workerID, msg.InFlight, msg.Processed)
	return nil
}

// List returns the status of every live worker, ordered by worker ID.
func List(ctx context.Context, client *redis.Client) ([]WorkerStatus, error) {
	var keys []string
	iter := client.Scan(ctx, 0, KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan workers: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read workers: %w", err)
	}

	out := make([]WorkerStatus, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var ws WorkerStatus
		if err := json.Unmarshal([]byte(s), &ws); err != nil {
			continue
		}
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}
