// cmd/serve.go
package cmd

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sentryal/sentryal-insar/internal/api"
	"github.com/sentryal/sentryal-insar/internal/store"
)

var (
	serveAddr    string
	serveMigrate bool
	serveSweep   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serves the data API: infrastructures and their points, job creation and
cancellation, deformation time series, the map view, and a websocket relay
of job lifecycle events.

Examples:
  # Serve on the configured address (default :8080)
  sentryal serve

  # Create the schema first and also run the recovery sweep in-process
  sentryal serve --migrate --sweep`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logFn := newLogFn()

	ctx, stop := signalContext()
	defer stop()

	fmt.Println("--- Starting Sentryal API ---")

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer store.Close(db)
	if serveMigrate {
		if err := store.Migrate(db); err != nil {
			return err
		}
		fmt.Println("   - Schema migrated")
	}

	client, err := dialRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	q := newQueue(client, cfg, "")
	fmt.Printf("   - Dispatch stream: %s\n", q.Stream())

	if !debugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	jobs := store.NewJobStore(db)
	server := api.New(api.Config{
		DB:              db,
		Infrastructures: store.NewInfrastructureStore(db),
		Jobs:            jobs,
		Deformations:    store.NewDeformationStore(db),
		Queue:           q,
		Publisher:       q,
		Policy:          cfg.RetryPolicy(),
		Events:          client,
		LogFn:           logFn,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, cfg.HTTP.Addr)
	})
	if serveSweep {
		sweeper := newSweeper(cfg, jobs, q, logFn)
		g.Go(func() error {
			return ignoreCancel(sweeper.Run(gctx))
		})
	}

	err = g.Wait()
	fmt.Println("--- API shutdown complete ---")
	return err
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (or set HTTP_ADDR env, default :8080)")
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "Create or update the schema before serving")
	serveCmd.Flags().BoolVar(&serveSweep, "sweep", false, "Also run the recovery sweep in this process")
}
