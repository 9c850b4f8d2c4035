// cmd/helpers.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/sentryal/sentryal-insar/internal/config"
	"github.com/sentryal/sentryal-insar/internal/queue"
	"github.com/sentryal/sentryal-insar/internal/store"
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openDatabase connects to the configured store. Migrations are not run.
func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := store.Open(store.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnectAttempts: cfg.Database.ConnectAttempts,
		ConnectDelay:    2 * time.Second,
		Debug:           debugMode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Database.Driver, err)
	}
	return db, nil
}

// dialRedis returns a verified Redis connection.
func dialRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.Redis.URL == "" {
		return nil, fmt.Errorf("redis URL is required: set --redis-url or REDIS_URL")
	}
	return queue.Dial(ctx, cfg.Redis.URL, cfg.Redis.Password)
}

// newQueue wraps client with the configured stream names.
func newQueue(client *redis.Client, cfg *config.Config, consumer string) *queue.Queue {
	return queue.NewWithClient(client, queue.Config{
		Stream:        cfg.Redis.Stream,
		ConsumerGroup: cfg.Redis.ConsumerGroup,
		Consumer:      consumer,
		Block:         cfg.Worker.Block,
	})
}

// ignoreCancel treats a context cancellation as a clean shutdown.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
