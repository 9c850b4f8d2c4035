// cmd/root.go
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sentryal/sentryal-insar/internal/config"
	"github.com/sentryal/sentryal-insar/internal/ui"
)

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

var cfgFile string
var debugMode bool

// Connection flags shared by every command. Empty means "use config".
var (
	databaseDriver string
	databaseURL    string
	redisURL       string
	redisPassword  string
)

// debugLogFile is the file handle for debug logging
var debugLogFile *os.File
var debugLogMu sync.Mutex
var debugLogInitOnce sync.Once

// initDebugLogFile initializes the debug log file
func initDebugLogFile() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return
	}

	logDir := filepath.Join(homeDir, ".sentryal", "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return
	}

	logPath := filepath.Join(logDir, "debug.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return
	}

	debugLogFile = f

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(debugLogFile, "\n=== Debug session started: %s ===\n", timestamp)
}

// Debug prints a message if debug mode is enabled and writes to log file
func Debug(format string, args ...interface{}) {
	if debugMode {
		timestamp := time.Now().Format("2006-01-02 15:04:05.000")
		msg := fmt.Sprintf(format, args...)

		fmt.Printf("[DEBUG] %s\n", msg)

		debugLogMu.Lock()
		debugLogInitOnce.Do(initDebugLogFile)
		if debugLogFile != nil {
			fmt.Fprintf(debugLogFile, "[%s] %s\n", timestamp, msg)
		}
		debugLogMu.Unlock()
	}
}

// newLogFn is the log callback handed to every component.
func newLogFn() func(level, msg string) {
	return ui.NewLogFn(os.Stderr, debugMode)
}

// loadConfig reads config file, .env and environment, then applies any
// flags the user set on cmd. Flags win over everything else.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := applyFlagOverrides(cmd.Flags(), cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	Debug("config: driver=%s redis=%s stream=%s maxAttempts=%d delay=%s",
		cfg.Database.Driver, cfg.Redis.URL, cfg.Redis.Stream, cfg.Dispatch.MaxAttempts, cfg.Dispatch.FixedDelay)
	return cfg, nil
}

// applyFlagOverrides copies explicitly set flags into cfg. Flags a command
// does not define are simply never visited.
func applyFlagOverrides(flags *pflag.FlagSet, cfg *config.Config) error {
	var err error
	flags.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "database-driver":
			cfg.Database.Driver = f.Value.String()
		case "database-url":
			cfg.Database.DSN = f.Value.String()
		case "redis-url":
			cfg.Redis.URL = f.Value.String()
		case "redis-password":
			cfg.Redis.Password = f.Value.String()
		case "stream":
			cfg.Redis.Stream = f.Value.String()
		case "group":
			cfg.Redis.ConsumerGroup = f.Value.String()
		case "processor-url":
			cfg.Processor.URL = f.Value.String()
		case "addr":
			cfg.HTTP.Addr = f.Value.String()
		case "concurrency":
			cfg.Worker.Concurrency, err = flags.GetInt(f.Name)
		case "max-attempts":
			cfg.Dispatch.MaxAttempts, err = flags.GetInt(f.Name)
		case "fixed-delay":
			cfg.Dispatch.FixedDelay, err = flags.GetDuration(f.Name)
		case "stale-after":
			cfg.Sweep.StaleAfter, err = flags.GetDuration(f.Name)
		case "sweep-interval":
			cfg.Sweep.Interval, err = flags.GetDuration(f.Name)
		}
	})
	return err
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sentryal",
	Short: "Sentryal ingests InSAR ground-deformation data for monitored infrastructure",
	Long: `Sentryal runs the InSAR processing pipeline: an HTTP API that creates
jobs for an infrastructure's points, workers that drive each job through the
external radar-processing service, and a sweep that recovers orphaned jobs.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debugMode {
			fullCmd := cmd.CommandPath()
			cmd.Flags().Visit(func(f *pflag.Flag) {
				if f.Name == "debug" {
					return
				}
				switch {
				case strings.Contains(f.Name, "password"), strings.Contains(f.Name, "database-url"):
					fullCmd += " --" + f.Name + "=***"
				case f.Value.Type() == "bool":
					fullCmd += " --" + f.Name
				default:
					fullCmd += " --" + f.Name + "=" + f.Value.String()
				}
			})
			if len(args) > 0 {
				fullCmd += " " + strings.Join(args, " ")
			}
			Debug("command: %s", fullCmd)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", getEnvOrDefault("SENTRYAL_CONFIG", ""), "config file (default is ./sentryal.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug output")

	rootCmd.PersistentFlags().StringVar(&databaseDriver, "database-driver", "", "Database driver: postgres or sqlite (or set DATABASE_DRIVER env)")
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Database DSN (or set DATABASE_URL env)")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", "", "Redis connection URL (or set REDIS_URL env)")
	rootCmd.PersistentFlags().StringVar(&redisPassword, "redis-password", "", "Redis password (or set REDIS_PASSWORD env)")
}
