// cmd/sweep.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentryal/sentryal-insar/internal/config"
	"github.com/sentryal/sentryal-insar/internal/store"
	"github.com/sentryal/sentryal-insar/internal/sweep"
	"github.com/sentryal/sentryal-insar/internal/ui"
)

var sweepOnce bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Re-enqueue jobs that stopped making progress",
	Long: `Finds PENDING and PROCESSING jobs that have not been updated for the
stale-after window and dispatches them again. Jobs that still have a live
dispatch are skipped, so running several sweeps at once is harmless.

Examples:
  # One pass, then exit
  sentryal sweep --once

  # Sweep every minute, treating jobs idle for 5 minutes as stale
  sentryal sweep --sweep-interval=1m --stale-after=5m`,
	RunE: runSweep,
}

// newSweeper builds the recovery sweep from configuration.
func newSweeper(cfg *config.Config, jobs sweep.JobLister, q sweep.Enqueuer, logFn func(level, msg string)) *sweep.Sweeper {
	return sweep.New(sweep.Config{
		Jobs:       jobs,
		Queue:      q,
		Policy:     cfg.RetryPolicy(),
		StaleAfter: cfg.Sweep.StaleAfter,
		Interval:   cfg.Sweep.Interval,
		BatchSize:  cfg.Sweep.BatchSize,
		LogFn:      logFn,
	})
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

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

	sweeper := newSweeper(cfg, store.NewJobStore(db), newQueue(client, cfg, ""), newLogFn())

	if !sweepOnce {
		fmt.Printf("--- Sweeping every %s (stale after %s) ---\n", cfg.Sweep.Interval, cfg.Sweep.StaleAfter)
		return ignoreCancel(sweeper.Run(ctx))
	}

	res, err := sweeper.RunOnce(ctx)
	if err != nil {
		return err
	}
	status := ui.NewStatusLine(nil)
	msg := fmt.Sprintf("Swept %d stale jobs: %d re-enqueued, %d already queued", res.Scanned, res.Enqueued, res.AlreadyQueued)
	if res.Errors > 0 {
		status.Warning(fmt.Sprintf("%s, %d failed", msg, res.Errors))
		return nil
	}
	status.Success(msg)
	return nil
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().BoolVar(&sweepOnce, "once", false, "Run a single pass and exit")
	sweepCmd.Flags().Duration("stale-after", 0, "Idle time after which a job is re-enqueued (default 15m)")
	sweepCmd.Flags().Duration("sweep-interval", 0, "Time between passes (default 5m)")
}
