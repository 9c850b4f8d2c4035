package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStream receives synced delivery records.
const DefaultStream = "usage:v1:deliveries"

// PublishFunc sends a batch of delivery records to an external system.
// It should return an error if the publish fails.
type PublishFunc func(ctx context.Context, records []DeliveryRecord) error

// RedisPublishFunc returns a PublishFunc that appends each record as JSON
// to a Redis stream in a single pipeline.
func RedisPublishFunc(client *redis.Client, stream string) PublishFunc {
	if stream == "" {
		stream = DefaultStream
	}
	return func(ctx context.Context, records []DeliveryRecord) error {
		_, err := client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, r := range records {
				data, err := json.Marshal(r)
				if err != nil {
					return fmt.Errorf("marshal record %d: %w", r.ID, err)
				}
				pipe.XAdd(ctx, &redis.XAddArgs{
					Stream: stream,
					Values: map[string]any{"jobId": r.JobID, "outcome": r.Outcome, "record": string(data)},
				})
			}
			return nil
		})
		return err
	}
}

// Journal is the local side of a sync: deliveries not yet published.
// *Store implements it.
type Journal interface {
	QueryUnsynced(limit int) ([]DeliveryRecord, error)
	MarkSynced(ids []int64) error
}

// SyncerConfig holds configuration for the delivery syncer.
type SyncerConfig struct {
	// Journal holds the recorded deliveries
	Journal Journal

	// PublishFn sends records to the external system
	PublishFn PublishFunc

	// Interval between sync cycles (default: 60s)
	Interval time.Duration

	// BatchSize is the max records per publish call (default: 50)
	BatchSize int

	// FlushTimeout bounds the final drain on shutdown (default: 5s)
	FlushTimeout time.Duration

	// LogFn is called for log messages (optional)
	LogFn func(level, msg string)
}

// Syncer publishes journaled deliveries. Each cycle drains the backlog in
// batches, and shutdown gets one last drain so deliveries recorded by a
// stopping worker are not left behind until its next start.
//
// Records are marked synced only after a successful publish, so a crash
// between the two publishes them again; consumers of the stream must
// tolerate duplicates.
type Syncer struct {
	journal      Journal
	publishFn    PublishFunc
	interval     time.Duration
	batchSize    int
	flushTimeout time.Duration
	logFn        func(level, msg string)
}

// NewSyncer creates a delivery syncer.
func NewSyncer(cfg SyncerConfig) *Syncer {
	s := &Syncer{
		journal:      cfg.Journal,
		publishFn:    cfg.PublishFn,
		interval:     cfg.Interval,
		batchSize:    cfg.BatchSize,
		flushTimeout: cfg.FlushTimeout,
		logFn:        cfg.LogFn,
	}
	if s.interval <= 0 {
		s.interval = 60 * time.Second
	}
	if s.batchSize <= 0 {
		s.batchSize = 50
	}
	if s.flushTimeout <= 0 {
		s.flushTimeout = 5 * time.Second
	}
	return s
}

// Start drains the journal every interval until ctx is cancelled, then
// drains once more under FlushTimeout and returns ctx's error.
func (s *Syncer) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.flushTimeout)
			if n, err := s.Drain(flushCtx); err == nil && n > 0 {
				s.log("info", fmt.Sprintf("delivery sync: flushed %d records on shutdown", n))
			}
			cancel()
			return ctx.Err()
		case <-ticker.C:
			s.Drain(ctx)
		}
	}
}

// Drain publishes batches until the journal has no unsynced records, a
// batch comes back short, or a cycle fails. It returns how many records
// were published.
func (s *Syncer) Drain(ctx context.Context) (int, error) {
	total := 0
	for ctx.Err() == nil {
		n, err := s.SyncOnce(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n < s.batchSize {
			break
		}
	}
	return total, ctx.Err()
}

// SyncOnce publishes at most one batch and marks it synced.
func (s *Syncer) SyncOnce(ctx context.Context) (int, error) {
	records, err := s.journal.QueryUnsynced(s.batchSize)
	if err != nil {
		s.log("warning", fmt.Sprintf("delivery sync: query failed: %v", err))
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	if err := s.publishFn(ctx, records); err != nil {
		s.log("warning", fmt.Sprintf("delivery sync: publish failed (%d records): %v", len(records), err))
		return 0, err
	}

	ids := make([]int64, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	if err := s.journal.MarkSynced(ids); err != nil {
		s.log("warning", fmt.Sprintf("delivery sync: mark synced failed, %d records will be published again: %v", len(records), err))
		return 0, err
	}

	s.log("info", fmt.Sprintf("delivery sync: published %d records (%s .. %s)",
		len(records), records[0].MessageID, records[len(records)-1].MessageID))
	return len(records), nil
}

func (s *Syncer) log(level, msg string) {
	if s.logFn != nil {
		s.logFn(level, msg)
	}
}
