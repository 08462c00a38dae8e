package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/voxrelay/voxrelay/internal/pkg/logger"
)

// newTestRedisStreamBus connects to a local Redis (db 15) or skips.
func newTestRedisStreamBus(t *testing.T) *RedisStreamBus {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skip("Skipping test - Redis not running")
	}

	prefix := fmt.Sprintf("voxrelay-test:%s:", uuid.NewString()[:8])
	bus := NewRedisStreamBusWithClient(client, RedisStreamConfig{
		Group:        "test",
		StreamPrefix: prefix,
		Block:        100 * time.Millisecond,
	}, logger.Discard())

	t.Cleanup(func() {
		cleanup := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
		defer cleanup.Close()
		keys, _ := cleanup.Keys(context.Background(), prefix+"*").Result()
		if len(keys) > 0 {
			cleanup.Del(context.Background(), keys...)
		}
	})
	return bus
}

func TestRedisStreamBus_PublishSubscribe(t *testing.T) {
	bus := newTestRedisStreamBus(t)
	defer bus.Close()

	var mu sync.Mutex
	var got []string
	var wg sync.WaitGroup
	wg.Add(2)

	err := bus.Subscribe(context.Background(), TopicAudioPending, func(ctx context.Context, e Event) error {
		mu.Lock()
		got = append(got, e.ID)
		mu.Unlock()
		wg.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	for _, id := range []string{"a", "b"} {
		ack, err := bus.Publish(context.Background(), TopicAudioPending, Event{ID: id})
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		if ack.StreamID == "" {
			t.Error("Ack.StreamID is empty")
		}
	}

	waitGroup(t, &wg, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Errorf("received %v, want 2 events", got)
	}
}

func TestRedisStreamBus_SubscribeTwiceSameGroup(t *testing.T) {
	bus := newTestRedisStreamBus(t)
	defer bus.Close()

	h := func(ctx context.Context, e Event) error { return nil }
	if err := bus.Subscribe(context.Background(), TopicGameEvent, h); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := bus.Subscribe(context.Background(), TopicGameEvent, h); err != nil {
		t.Fatalf("second Subscribe() error = %v", err)
	}
}

func TestRedisStreamBus_Close(t *testing.T) {
	bus := newTestRedisStreamBus(t)

	if err := bus.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := bus.Publish(context.Background(), "t", Event{ID: "x"}); err == nil {
		t.Error("Publish() after Close() should fail")
	}
}

func TestNewRedisStreamBus_RequiresGroup(t *testing.T) {
	if _, err := NewRedisStreamBus(RedisStreamConfig{URL: "redis://localhost:6379"}, nil); err == nil {
		t.Error("NewRedisStreamBus() without group should fail")
	}
}
