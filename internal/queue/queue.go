// Package queue is the dispatch queue between the API and the workers.
//
// It is built on Redis Streams with a consumer group:
//
//   - Enqueue XADDs a dispatch entry, guarded by a per-job active marker
//     (SET NX) so a job never has two live messages
//   - Workers XREADGROUP, then either Ack (done) or Retry (redeliver later)
//   - Retry parks the next attempt in a sorted set scored by due time;
//     PromoteDue moves due entries back onto the stream
//   - Reclaim takes over entries a crashed consumer left pending
//   - Entries that cannot be processed go to a dead-letter stream
//
// Lifecycle events are published on Redis Pub/Sub channel stream:v1:<jobId>.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Default key names.
const (
	DefaultStream        = "dispatch:v1:insar"
	DefaultConsumerGroup = "sentryal-workers"
	activeKeyPrefix      = "dispatch:v1:active:"
)

// StreamEvent is a job lifecycle event published to Pub/Sub.
type StreamEvent struct {
	Version   string         `json:"version"`
	Type      string         `json:"type"` // "start", "progress", "end", "error"
	JobID     string         `json:"jobId"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventChannel returns the Pub/Sub channel of a job's lifecycle events.
func EventChannel(jobID string) string {
	return "stream:v1:" + jobID
}

// Queue wraps the Redis operations of the dispatch protocol.
type Queue struct {
	client        *redis.Client
	ownsClient    bool
	stream        string
	delayedKey    string
	dlq           string
	consumerGroup string
	consumer      string
	block         time.Duration
	now           func() time.Time
}

// Config holds queue settings.
type Config struct {
	// URL is the Redis URL (redis://host:port/db)
	URL string

	// Password overrides the URL password if set
	Password string

	// Stream is the dispatch stream (default: dispatch:v1:insar)
	Stream string

	// ConsumerGroup is the consumer group (default: sentryal-workers)
	ConsumerGroup string

	// Consumer names this process within the group (default: generated)
	Consumer string

	// Block is how long Read waits for an entry (default: 5s)
	Block time.Duration
}

// New creates a queue. Call Connect before use, or use NewWithClient.
func New(cfg Config) *Queue {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = DefaultConsumerGroup
	}
	if cfg.Consumer == "" {
		cfg.Consumer = NewWorkerID()
	}
	if cfg.Block == 0 {
		cfg.Block = 5 * time.Second
	}

	parts := strings.Split(cfg.Stream, ":")
	return &Queue{
		stream:        cfg.Stream,
		delayedKey:    cfg.Stream + ":delayed",
		dlq:           "dlq:v1:" + parts[len(parts)-1],
		consumerGroup: cfg.ConsumerGroup,
		consumer:      cfg.Consumer,
		block:         cfg.Block,
		now:           time.Now,
	}
}

// NewWithClient creates a queue on an existing client, which the queue
// does not close.
func NewWithClient(client *redis.Client, cfg Config) *Queue {
	q := New(cfg)
	q.client = client
	return q
}

// WithClock overrides the time source (used by tests).
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// NewWorkerID returns a unique consumer name.
func NewWorkerID() string {
	return fmt.Sprintf("sentryal-%s", uuid.New().String()[:8])
}

// Dial parses a Redis URL and verifies the connection.
func Dial(ctx context.Context, url, password string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Connect establishes the Redis connection.
func (q *Queue) Connect(ctx context.Context, url, password string) error {
	client, err := Dial(ctx, url, password)
	if err != nil {
		return err
	}
	q.client = client
	q.ownsClient = true
	return nil
}

// EnsureConsumerGroup creates the consumer group if it doesn't exist.
func (q *Queue) EnsureConsumerGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func activeKey(jobID string) string {
	return activeKeyPrefix + jobID
}

// Enqueue adds a dispatch entry for msg.JobID unless one is already active.
// It returns false (and no error) when the job is already queued.
func (q *Queue) Enqueue(ctx context.Context, msg DispatchMessage, policy RetryPolicy) (bool, error) {
	if msg.JobID == "" {
		return false, fmt.Errorf("%w: job id is required", ErrMalformedMessage)
	}
	if err := policy.Validate(); err != nil {
		return false, err
	}

	now := q.now().UTC()
	ok, err := q.client.SetNX(ctx, activeKey(msg.JobID), now.Format(time.RFC3339), policy.DedupeTTL()).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim active marker: %w", err)
	}
	if !ok {
		return false, nil
	}

	msg.EnqueuedAt = now
	msg.RetryPolicy = policy
	if msg.Attempt < 1 {
		msg.Attempt = 1
	}
	fields, err := msg.fields(JobTypeInSAR)
	if err != nil {
		q.client.Del(ctx, activeKey(msg.JobID))
		return false, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, Values: fields}).Err(); err != nil {
		q.client.Del(ctx, activeKey(msg.JobID))
		return false, fmt.Errorf("failed to add dispatch entry: %w", err)
	}
	return true, nil
}

// Read returns the next entry for this consumer, or nil when none arrives
// within the block timeout. A malformed entry is returned together with an
// error wrapping ErrMalformedMessage.
func (q *Queue) Read(ctx context.Context) (*Delivery, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.consumerGroup,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    q.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	msg := streams[0].Messages[0]
	return parseDelivery(msg.ID, msg.Values)
}

// Ack acknowledges a delivery and releases the job's active marker. A
// delivery another consumer has since reclaimed is left to that consumer
// and ErrNotOwner is returned.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	owned, err := ackScript.Run(ctx, q.client,
		[]string{q.stream, activeKey(d.Message.JobID)},
		q.consumerGroup, q.consumer, d.MessageID, releaseFlag(d)).Int()
	if err != nil {
		return fmt.Errorf("failed to ack %s: %w", d.MessageID, err)
	}
	if owned == 0 {
		return fmt.Errorf("ack %s: %w", d.MessageID, ErrNotOwner)
	}
	return nil
}

// Retry acknowledges d and schedules its next attempt after delay, in one
// script. Callers may update d.Message (e.g. the external job id) first.
// Like Ack it does nothing for a delivery this consumer no longer owns.
func (q *Queue) Retry(ctx context.Context, d *Delivery, delay time.Duration) error {
	next := d.Message
	next.Attempt++
	entry, err := json.Marshal(delayedEntry{Type: d.Type, Message: next})
	if err != nil {
		return fmt.Errorf("marshal delayed entry: %w", err)
	}
	due := q.now().Add(delay)
	ttl := int64(next.RetryPolicy.DedupeTTL() / time.Second)

	owned, err := retryScript.Run(ctx, q.client,
		[]string{q.stream, q.delayedKey, activeKey(next.JobID)},
		q.consumerGroup, q.consumer, d.MessageID, due.UnixMilli(), string(entry), ttl).Int()
	if err != nil {
		return fmt.Errorf("failed to schedule retry of %s: %w", d.MessageID, err)
	}
	if owned == 0 {
		return fmt.Errorf("retry %s: %w", d.MessageID, ErrNotOwner)
	}
	return nil
}

// PromoteDue moves delayed entries due at or before now back onto the
// stream. Each entry is claimed with ZREM first, so concurrent promoters
// never add it twice.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list due entries: %w", err)
	}

	promoted := 0
	for _, m := range members {
		removed, err := q.client.ZRem(ctx, q.delayedKey, m).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to claim due entry: %w", err)
		}
		if removed == 0 {
			continue // another promoter took it
		}

		var entry delayedEntry
		if err := json.Unmarshal([]byte(m), &entry); err != nil {
			q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlq, Values: map[string]any{
				"reason":   "undecodable delayed entry: " + err.Error(),
				"payload":  m,
				"moved_at": now.UTC().Format(time.RFC3339),
			}})
			continue
		}
		fields, err := entry.Message.fields(entry.Type)
		if err != nil {
			return promoted, err
		}
		if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, Values: fields}).Err(); err != nil {
			// Put it back so the attempt is not lost.
			q.client.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(now.UnixMilli()), Member: m})
			return promoted, fmt.Errorf("failed to promote entry: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// Reclaim takes over entries pending on any consumer for at least minIdle,
// the delivery visibility timeout. Used to recover from crashed workers.
func (q *Queue) Reclaim(ctx context.Context, minIdle time.Duration, count int64) ([]*Delivery, error) {
	if count <= 0 {
		count = 10
	}
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.consumerGroup,
		Consumer: q.consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim entries: %w", err)
	}

	out := make([]*Delivery, 0, len(msgs))
	for _, m := range msgs {
		d, err := parseDelivery(m.ID, m.Values)
		if err != nil {
			if dlqErr := q.MoveToDLQ(ctx, d, err.Error()); dlqErr != nil {
				return out, dlqErr
			}
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// DeliveryCount returns how many times an entry has been delivered.
func (q *Queue) DeliveryCount(ctx context.Context, messageID string) (int64, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.consumerGroup,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(pending) > 0 {
		return pending[0].RetryCount, nil
	}
	return 0, nil
}

// MoveToDLQ copies an entry to the dead-letter stream and acknowledges it,
// provided this consumer still owns the delivery.
func (q *Queue) MoveToDLQ(ctx context.Context, d *Delivery, reason string) error {
	fields := map[string]any{
		"original_message_id": d.MessageID,
		"original_queue":      q.stream,
		"reason":              reason,
		"moved_at":            q.now().UTC().Format(time.RFC3339),
		"worker_id":           q.consumer,
		"jobId":               d.Message.JobID,
	}
	if p, ok := d.Raw["payload"]; ok {
		fields["payload"] = p
	}

	args := []any{q.consumerGroup, q.consumer, d.MessageID, releaseFlag(d)}
	for k, v := range fields {
		args = append(args, k, v)
	}
	owned, err := dlqScript.Run(ctx, q.client, []string{q.stream, activeKey(d.Message.JobID), q.dlq}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to dead-letter %s: %w", d.MessageID, err)
	}
	if owned == 0 {
		return fmt.Errorf("dead-letter %s: %w", d.MessageID, ErrNotOwner)
	}
	return nil
}

// PublishEvent publishes a lifecycle event for a job.
func (q *Queue) PublishEvent(ctx context.Context, jobID, eventType string, data map[string]any) error {
	event := StreamEvent{
		Version:   "1.0",
		Type:      eventType,
		JobID:     jobID,
		Timestamp: q.now().UTC().Format(time.RFC3339),
		Data:      data,
	}
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal stream event: %w", err)
	}
	return q.client.Publish(ctx, EventChannel(jobID), eventJSON).Err()
}

// SetJobStatus mirrors the latest known job status into job:<id>:status
// for cheap polling by clients that cannot hold a subscription.
func (q *Queue) SetJobStatus(ctx context.Context, jobID, status string, data map[string]any) error {
	fields := map[string]any{
		"status":     status,
		"worker_id":  q.consumer,
		"updated_at": q.now().UTC().Format(time.RFC3339),
	}
	for k, v := range data {
		fields[k] = v
	}
	return q.client.HSet(ctx, fmt.Sprintf("job:%s:status", jobID), fields).Err()
}

// Stats is a snapshot of queue depth.
type Stats struct {
	Stream  int64
	Pending int64
	Delayed int64
	DLQ     int64
}

// Stats reports the queue's current depth.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error
	if s.Stream, err = q.client.XLen(ctx, q.stream).Result(); err != nil {
		return s, err
	}
	pending, err := q.client.XPending(ctx, q.stream, q.consumerGroup).Result()
	if err != nil && !strings.Contains(err.Error(), "NOGROUP") {
		return s, err
	}
	if pending != nil {
		s.Pending = pending.Count
	}
	if s.Delayed, err = q.client.ZCard(ctx, q.delayedKey).Result(); err != nil {
		return s, err
	}
	if s.DLQ, err = q.client.XLen(ctx, q.dlq).Result(); err != nil {
		return s, err
	}
	return s, nil
}

// Client returns the underlying Redis client.
func (q *Queue) Client() *redis.Client {
	return q.client
}

// Consumer returns this process's consumer name.
func (q *Queue) Consumer() string {
	return q.consumer
}

// Stream returns the dispatch stream name.
func (q *Queue) Stream() string {
	return q.stream
}

// Close closes the Redis connection if the queue opened it.
func (q *Queue) Close() error {
	if q.client != nil && q.ownsClient {
		return q.client.Close()
	}
	return nil
}
