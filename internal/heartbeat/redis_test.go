package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sentryal/sentryal-insar/internal/worker"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func fixedSample() SystemMetrics {
	return SystemMetrics{Hostname: "worker-host", CPUPercent: 12.5, MemoryPercent: 40}
}

func TestNewRedisPublisher(t *testing.T) {
	_, client := setupRedis(t)

	tests := []struct {
		name    string
		config  RedisPublisherConfig
		wantErr bool
	}{
		{"valid config", RedisPublisherConfig{Client: client, WorkerID: "sentryal-1a2b3c4d"}, false},
		{"missing client", RedisPublisherConfig{WorkerID: "sentryal-1"}, true},
		{"invalid worker id", RedisPublisherConfig{Client: client, WorkerID: "bad id*"}, true},
		{"empty worker id", RedisPublisherConfig{Client: client}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub, err := NewRedisPublisher(tt.config)
			if tt.wantErr {
				if err == nil {
					t.Error("NewRedisPublisher() should return error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewRedisPublisher() error = %v", err)
			}
			if pub.TTL() != 30*time.Second {
				t.Errorf("TTL() = %v, want 30s for the default interval", pub.TTL())
			}
		})
	}
}

func TestPublishOnce(t *testing.T) {
	mr, client := setupRedis(t)

	pub, err := NewRedisPublisher(RedisPublisherConfig{
		Client:   client,
		WorkerID: "sentryal-aaaa",
		Interval: 5 * time.Second,
		SampleFn: fixedSample,
		StatsFn:  func() worker.Stats { return worker.Stats{InFlight: 2, Processed: 40, Failed: 1} },
	})
	if err != nil {
		t.Fatalf("NewRedisPublisher: %v", err)
	}

	if err := pub.PublishOnce(context.Background()); err != nil {
		t.Fatalf("PublishOnce: %v", err)
	}

	if ttl := mr.TTL("worker:v1:sentryal-aaaa"); ttl != 15*time.Second {
		t.Errorf("TTL = %v, want 15s", ttl)
	}

	raw, err := mr.Get("worker:v1:sentryal-aaaa")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var ws WorkerStatus
	if err := json.Unmarshal([]byte(raw), &ws); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ws.InFlight != 2 || ws.Processed != 40 || ws.Failed != 1 {
		t.Errorf("counters = %+v", ws)
	}
	if ws.System.Hostname != "worker-host" || ws.System.CPUPercent != 12.5 {
		t.Errorf("system = %+v", ws.System)
	}
}

func TestHeartbeatExpires(t *testing.T) {
	mr, client := setupRedis(t)
	pub, _ := NewRedisPublisher(RedisPublisherConfig{Client: client, WorkerID: "w1", Interval: time.Second, SampleFn: fixedSample})

	if err := pub.PublishOnce(context.Background()); err != nil {
		t.Fatalf("PublishOnce: %v", err)
	}
	mr.FastForward(4 * time.Second)

	workers, err := List(context.Background(), client)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(workers) != 0 {
		t.Errorf("workers = %+v, want none after expiry", workers)
	}
}

func TestList(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()

	for _, id := range []string{"w-b", "w-a", "w-c"} {
		pub, err := NewRedisPublisher(RedisPublisherConfig{Client: client, WorkerID: id, SampleFn: fixedSample})
		if err != nil {
			t.Fatalf("NewRedisPublisher: %v", err)
		}
		if err := pub.PublishOnce(ctx); err != nil {
			t.Fatalf("PublishOnce: %v", err)
		}
	}
	// Unrelated key under the prefix is ignored.
	client.Set(ctx, "worker:v1:garbage", "not json", 0)

	workers, err := List(ctx, client)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(workers) != 3 {
		t.Fatalf("workers = %d, want 3", len(workers))
	}
	if workers[0].WorkerID != "w-a" || workers[2].WorkerID != "w-c" {
		t.Errorf("order = %s, %s, %s", workers[0].WorkerID, workers[1].WorkerID, workers[2].WorkerID)
	}
}

func TestStartRemovesKeyOnShutdown(t *testing.T) {
	mr, client := setupRedis(t)
	pub, _ := NewRedisPublisher(RedisPublisherConfig{Client: client, WorkerID: "w1", Interval: 10 * time.Millisecond, SampleFn: fixedSample})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := pub.Start(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Start should return context.DeadlineExceeded, got %v", err)
	}
	if mr.Exists("worker:v1:w1") {
		t.Error("heartbeat key should be removed on shutdown")
	}
}
