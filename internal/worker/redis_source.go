package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentryal/sentryal-insar/internal/queue"
)

// maskRedisURL masks the password in a Redis URL for safe logging.
// redis://:password@host:port -> redis://***@host:port
func maskRedisURL(redisURL string) string {
	u, err := url.Parse(redisURL)
	if err != nil {
		// If parsing fails, just show the scheme and a placeholder
		if strings.HasPrefix(redisURL, "redis://") {
			return "redis://***"
		}
		return "***"
	}
	// If there's a password, mask it
	if _, hasPass := u.User.Password(); hasPass {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// RedisSource implements JobSource on the dispatch queue.
// Besides reading new entries, Next promotes due retries and reclaims
// deliveries a crashed worker left unacknowledged.
type RedisSource struct {
	config RedisSourceConfig
	queue  *queue.Queue

	mu          sync.Mutex
	reclaimed   []*queue.Delivery
	lastReclaim time.Time
}

// RedisSourceConfig holds configuration for RedisSource.
type RedisSourceConfig struct {
	// URL is the Redis connection URL
	URL string

	// Password is the Redis password (optional)
	Password string

	// Client reuses an existing connection instead of dialing URL
	Client *redis.Client

	// Stream is the dispatch stream (default: dispatch:v1:insar)
	Stream string

	// ConsumerGroup is the consumer group name (default: sentryal-workers)
	ConsumerGroup string

	// Consumer names this worker in the group (default: generated)
	Consumer string

	// BlockMs is how long to wait for a job before returning nil (default: 5000)
	BlockMs int

	// VisibilityTimeout is how long a delivery may stay unacknowledged
	// before another worker reclaims it (default: 10m)
	VisibilityTimeout time.Duration

	// ReclaimInterval throttles reclaim scans (default: 30s)
	ReclaimInterval time.Duration

	// LogFn is an optional callback for logging (if nil, silent)
	LogFn func(level, msg string)
}

// NewRedisSource creates a new Redis Streams job source.
func NewRedisSource(cfg RedisSourceConfig) *RedisSource {
	if cfg.Stream == "" {
		cfg.Stream = queue.DefaultStream
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = queue.DefaultConsumerGroup
	}
	if cfg.Consumer == "" {
		cfg.Consumer = queue.NewWorkerID()
	}
	if cfg.BlockMs == 0 {
		cfg.BlockMs = 5000
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 10 * time.Minute
	}
	if cfg.ReclaimInterval == 0 {
		cfg.ReclaimInterval = 30 * time.Second
	}
	return &RedisSource{config: cfg}
}

// Name returns the source identifier.
func (s *RedisSource) Name() string {
	return "redis"
}

func (s *RedisSource) log(level, format string, args ...any) {
	if s.config.LogFn != nil {
		s.config.LogFn(level, fmt.Sprintf(format, args...))
	}
}

// Connect establishes connection to Redis and ensures the consumer group.
func (s *RedisSource) Connect(ctx context.Context) error {
	qcfg := queue.Config{
		URL:           s.config.URL,
		Password:      s.config.Password,
		Stream:        s.config.Stream,
		ConsumerGroup: s.config.ConsumerGroup,
		Consumer:      s.config.Consumer,
		Block:         time.Duration(s.config.BlockMs) * time.Millisecond,
	}
	if s.config.Client != nil {
		s.queue = queue.NewWithClient(s.config.Client, qcfg)
	} else {
		s.queue = queue.New(qcfg)
		if err := s.queue.Connect(ctx, s.config.URL, s.config.Password); err != nil {
			return err
		}
	}

	if err := s.queue.EnsureConsumerGroup(ctx); err != nil {
		return err
	}

	s.log("info", "   - Redis: %s", maskRedisURL(s.config.URL))
	s.log("info", "   - Worker ID: %s", s.queue.Consumer())
	s.log("info", "   - Stream: %s", s.queue.Stream())
	s.log("info", "   - Consumer group: %s", s.config.ConsumerGroup)
	return nil
}

// Next returns the next delivery: a reclaimed one if any, else a new entry.
func (s *RedisSource) Next(ctx context.Context) (*Job, error) {
	if n, err := s.queue.PromoteDue(ctx, time.Now()); err != nil {
		s.log("warning", "   - Failed to promote due retries: %v", err)
	} else if n > 0 {
		s.log("debug", "   - Promoted %d due retries", n)
	}

	if d := s.nextReclaimed(ctx); d != nil {
		return s.accept(ctx, d)
	}

	d, err := s.queue.Read(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrMalformedMessage) && d != nil {
			s.log("warning", "   - Dead-lettering malformed entry %s: %v", d.MessageID, err)
			if dlqErr := s.queue.MoveToDLQ(ctx, d, err.Error()); dlqErr != nil {
				return nil, dlqErr
			}
			return nil, nil
		}
		return nil, err
	}
	if d == nil {
		return nil, nil
	}
	return s.accept(ctx, d)
}

// nextReclaimed pops a reclaimed delivery, scanning for more at most once
// per ReclaimInterval.
func (s *RedisSource) nextReclaimed(ctx context.Context) *queue.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.reclaimed) == 0 && time.Since(s.lastReclaim) >= s.config.ReclaimInterval {
		s.lastReclaim = time.Now()
		ds, err := s.queue.Reclaim(ctx, s.config.VisibilityTimeout, 10)
		if err != nil {
			s.log("warning", "   - Failed to reclaim stale deliveries: %v", err)
		} else if len(ds) > 0 {
			s.log("info", "   - Reclaimed %d stale deliveries", len(ds))
		}
		s.reclaimed = append(s.reclaimed, ds...)
	}
	if len(s.reclaimed) == 0 {
		return nil
	}
	d := s.reclaimed[0]
	s.reclaimed = s.reclaimed[1:]
	return d
}

// accept converts a delivery to a job, dead-lettering it when its attempts
// are exhausted without the handler ever settling the job.
func (s *RedisSource) accept(ctx context.Context, d *queue.Delivery) (*Job, error) {
	policy := d.Message.RetryPolicy
	if policy.MaxAttempts < 1 {
		policy = queue.DefaultRetryPolicy()
	}
	if d.Message.Attempt > policy.MaxAttempts+1 {
		s.log("warning", "   - Job %s exceeded max attempts (%d), moving to DLQ",
			d.Message.JobID, policy.MaxAttempts)
		if err := s.queue.MoveToDLQ(ctx, d, "Exceeded max retry attempts"); err != nil {
			s.log("error", "   - Failed to move job to DLQ: %v", err)
		}
		return nil, nil
	}

	return &Job{
		ID:               d.Message.JobID,
		Type:             d.Type,
		ExternalID:       d.Message.ExternalJobID,
		InfrastructureID: d.Message.InfrastructureID,
		Source:           "redis",
		MessageID:        d.MessageID,
		Metadata: JobMetadata{
			EnqueuedAt:  d.Message.EnqueuedAt,
			Attempt:     d.Message.Attempt,
			MaxAttempts: policy.MaxAttempts,
			RetryDelay:  policy.FixedDelay,
		},
		delivery: d,
	}, nil
}

func (s *RedisSource) deliveryOf(job *Job) (*queue.Delivery, error) {
	d, ok := job.delivery.(*queue.Delivery)
	if !ok || d == nil {
		return nil, fmt.Errorf("job %s was not delivered by this source", job.ID)
	}
	return d, nil
}

// Ack acknowledges the delivery and releases the job's queue slot.
func (s *RedisSource) Ack(ctx context.Context, job *Job) error {
	d, err := s.deliveryOf(job)
	if err != nil {
		return err
	}
	return s.settled(job, s.queue.Ack(ctx, d))
}

// Retry schedules the next delivery, carrying the job's external id.
func (s *RedisSource) Retry(ctx context.Context, job *Job, delay time.Duration) error {
	d, err := s.deliveryOf(job)
	if err != nil {
		return err
	}
	d.Message.ExternalJobID = job.ExternalID
	return s.settled(job, s.queue.Retry(ctx, d, delay))
}

// Nack moves the delivery to the dead-letter stream.
func (s *RedisSource) Nack(ctx context.Context, job *Job, err error) error {
	d, derr := s.deliveryOf(job)
	if derr != nil {
		return derr
	}
	reason := "rejected"
	if err != nil {
		reason = err.Error()
	}
	return s.settled(job, s.queue.MoveToDLQ(ctx, d, reason))
}

// settled drops ErrNotOwner: a delivery reclaimed by another worker is
// theirs to settle.
func (s *RedisSource) settled(job *Job, err error) error {
	if errors.Is(err, queue.ErrNotOwner) {
		s.log("warning", "   - Message %s of job %s was reclaimed by another worker, leaving it to that worker", job.MessageID, job.ID)
		return nil
	}
	return err
}

// Close cleanly disconnects from Redis.
func (s *RedisSource) Close() error {
	if s.queue != nil {
		return s.queue.Close()
	}
	return nil
}

// Queue returns the underlying dispatch queue for stream writing.
func (s *RedisSource) Queue() *queue.Queue {
	return s.queue
}

// Ensure RedisSource implements JobSource
var _ JobSource = (*RedisSource)(nil)
