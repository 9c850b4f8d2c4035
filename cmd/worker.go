// cmd/worker.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sentryal/sentryal-insar/internal/heartbeat"
	"github.com/sentryal/sentryal-insar/internal/ingest"
	"github.com/sentryal/sentryal-insar/internal/jobs"
	"github.com/sentryal/sentryal-insar/internal/processor"
	"github.com/sentryal/sentryal-insar/internal/queue"
	"github.com/sentryal/sentryal-insar/internal/store"
	"github.com/sentryal/sentryal-insar/internal/usage"
	"github.com/sentryal/sentryal-insar/internal/worker"
)

var (
	workerWithSweep   bool
	workerNoHeartbeat bool
	workerNoUsage     bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run an InSAR processing worker",
	Long: `Consumes dispatched jobs from the Redis stream and drives each one through
the external radar-processing service: submit, poll through queue redelivery,
then ingest the results. Any number of workers can share a consumer group.

Each worker also publishes a heartbeat (see 'sentryal workers') and keeps a
local journal of deliveries that is synced to Redis.

Examples:
  # Run with the configured processor and defaults
  sentryal worker

  # Eight parallel deliveries, embedded recovery sweep
  sentryal worker --concurrency=8 --sweep

  # Poll every 10s, give up after 30 polls
  sentryal worker --fixed-delay=10s --max-attempts=30`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Processor.URL == "" {
		return fmt.Errorf("processor URL is required: set --processor-url or PROCESSOR_URL")
	}
	logFn := newLogFn()

	ctx, stop := signalContext()
	defer stop()

	fmt.Println("--- Starting Sentryal Worker ---")

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer store.Close(db)

	client, err := dialRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	proc, err := processor.NewHTTPClient(processor.Config{
		BaseURL:           cfg.Processor.URL,
		APIKey:            cfg.Processor.APIKey,
		Timeout:           cfg.Processor.Timeout,
		RequestsPerSecond: cfg.Processor.RequestsPerSecond,
		Burst:             cfg.Processor.Burst,
		LogFn:             logFn,
	})
	if err != nil {
		return err
	}

	workerID := queue.NewWorkerID()
	jobStore := store.NewJobStore(db)
	handler := jobs.NewInSARHandler(jobs.InSARConfig{
		Jobs:      jobStore,
		Points:    store.NewInfrastructureStore(db),
		Processor: proc,
		Ingestor:  ingest.New(db, ingest.Config{ChunkSize: cfg.Ingest.ChunkSize, Log: logFn}),
		Policy:    cfg.RetryPolicy(),
		LogFn:     logFn,
	})

	source := worker.NewRedisSource(worker.RedisSourceConfig{
		Client:            client,
		Stream:            cfg.Redis.Stream,
		ConsumerGroup:     cfg.Redis.ConsumerGroup,
		Consumer:          workerID,
		BlockMs:           int(cfg.Worker.Block / time.Millisecond),
		VisibilityTimeout: cfg.Worker.VisibilityTimeout,
		ReclaimInterval:   cfg.Worker.ReclaimInterval,
		LogFn:             logFn,
	})

	runnerCfg := worker.RunnerConfig{
		WorkerID:    workerID,
		Concurrency: cfg.Worker.Concurrency,
		Verbose:     debugMode,
		ActivityFn:  logFn,
	}

	var syncer *usage.Syncer
	if !workerNoUsage {
		journal, err := usage.OpenStore(cfg.Usage.Path)
		if err != nil {
			return err
		}
		defer journal.Close()
		runnerCfg.JobRecordFn = func(r usage.DeliveryRecord) {
			if err := journal.Insert(r); err != nil {
				logFn("warning", fmt.Sprintf("usage: failed to record delivery %s: %v", r.MessageID, err))
			}
		}
		syncer = usage.NewSyncer(usage.SyncerConfig{
			Journal:   journal,
			PublishFn: usage.RedisPublishFunc(client, cfg.Usage.Stream),
			Interval:  cfg.Usage.SyncInterval,
			LogFn:     logFn,
		})
	}

	runner := worker.NewRunner(source, []worker.JobHandler{handler}, runnerCfg)
	runner.WithStreamWriterFactory(worker.CreateRedisStreamWriterFactory(context.WithoutCancel(ctx), source))

	fmt.Printf("   - Worker ID: %s\n", workerID)
	fmt.Printf("   - Stream: %s (group %s)\n", cfg.Redis.Stream, cfg.Redis.ConsumerGroup)
	fmt.Printf("   - Retry policy: %d attempts every %s\n", cfg.Dispatch.MaxAttempts, cfg.Dispatch.FixedDelay)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(gctx)
	})
	if !workerNoHeartbeat {
		hb, err := heartbeat.NewRedisPublisher(heartbeat.RedisPublisherConfig{
			Client:   client,
			WorkerID: workerID,
			Interval: cfg.Heartbeat.Interval,
			StatsFn:  runner.Stats,
			LogFn:    logFn,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			return ignoreCancel(hb.Start(gctx))
		})
	}
	if syncer != nil {
		g.Go(func() error {
			return ignoreCancel(syncer.Start(gctx))
		})
	}
	if workerWithSweep {
		sweeper := newSweeper(cfg, jobStore, newQueue(client, cfg, workerID), logFn)
		g.Go(func() error {
			return ignoreCancel(sweeper.Run(gctx))
		})
	}

	err = g.Wait()

	if syncer != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		syncer.SyncOnce(flushCtx)
		cancel()
	}

	stats := runner.Stats()
	fmt.Printf("--- Worker shutdown complete (%d processed, %d failed) ---\n", stats.Processed, stats.Failed)
	return err
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().Int("concurrency", 0, "Deliveries processed in parallel (or set WORKER_CONCURRENCY env, default 4)")
	workerCmd.Flags().Int("max-attempts", 0, "Redeliveries before a job fails (or set DISPATCH_MAX_ATTEMPTS env, default 120)")
	workerCmd.Flags().Duration("fixed-delay", 0, "Pause between redeliveries (or set DISPATCH_FIXED_DELAY env, default 30s)")
	workerCmd.Flags().String("processor-url", "", "Processing service endpoint (or set PROCESSOR_URL env)")
	workerCmd.Flags().String("stream", "", "Dispatch stream (default dispatch:v1:insar)")
	workerCmd.Flags().String("group", "", "Consumer group (default sentryal-workers)")
	workerCmd.Flags().Duration("stale-after", 0, "Idle time before the embedded sweep re-enqueues a job (default 15m)")
	workerCmd.Flags().Duration("sweep-interval", 0, "Time between embedded sweeps (default 5m)")

	workerCmd.Flags().BoolVar(&workerWithSweep, "sweep", false, "Also run the recovery sweep in this worker")
	workerCmd.Flags().BoolVar(&workerNoHeartbeat, "no-heartbeat", false, "Do not publish worker heartbeats")
	workerCmd.Flags().BoolVar(&workerNoUsage, "no-usage", false, "Do not journal deliveries")
}
