package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/voxrelay/voxrelay/internal/pkg/errors"
	"github.com/voxrelay/voxrelay/internal/pkg/logger"
)

// RedisStreamConfig holds Redis Streams settings.
type RedisStreamConfig struct {
	URL          string
	Group        string
	Consumer     string        // defaults to hostname plus a random suffix
	StreamPrefix string        // defaults to "voxrelay:stream:"
	MaxLen       int64         // approximate cap per stream, 0 = 10000
	Block        time.Duration // XREADGROUP block time, 0 = 2s
	BatchSize    int64         // entries per read, 0 = 16
}

// RedisStreamBus publishes with XADD and consumes through a consumer group.
// Entries are acknowledged after every handler has run.
type RedisStreamBus struct {
	client *redis.Client
	cfg    RedisStreamConfig
	log    *logger.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

const streamField = "event"

// NewRedisStreamBus connects to Redis and verifies the connection.
func NewRedisStreamBus(cfg RedisStreamConfig, log *logger.Logger) (*RedisStreamBus, error) {
	if cfg.Group == "" {
		return nil, errors.New(errors.CodeValidation, "redis stream group cannot be empty")
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "parsing redis URL", err)
	}

	client := redis.NewClient(opts)

	// Test connection with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(errors.CodeUnavailable, "connecting to redis", err)
	}

	return NewRedisStreamBusWithClient(client, cfg, log), nil
}

// NewRedisStreamBusWithClient wraps an existing client.
func NewRedisStreamBusWithClient(client *redis.Client, cfg RedisStreamConfig, log *logger.Logger) *RedisStreamBus {
	if cfg.Consumer == "" {
		host, _ := os.Hostname()
		cfg.Consumer = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "voxrelay:stream:"
	}
	if cfg.MaxLen == 0 {
		cfg.MaxLen = 10000
	}
	if cfg.Block == 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 16
	}
	if log == nil {
		log = logger.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RedisStreamBus{
		client:   client,
		cfg:      cfg,
		log:      log,
		handlers: make(map[string][]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (b *RedisStreamBus) stream(topic string) string {
	return b.cfg.StreamPrefix + topic
}

// Publish appends the event to the topic's stream.
func (b *RedisStreamBus) Publish(ctx context.Context, topic string, event Event) (Ack, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return Ack{}, errors.New(errors.CodeUnavailable, "bus is closed")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return Ack{}, errors.Wrap(errors.CodeInternal, "failed to marshal event", err)
	}

	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream(topic),
		MaxLen: b.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{streamField: data},
	}).Result()
	if err != nil {
		return Ack{}, errors.Wrap(errors.CodeUnavailable, "failed to publish to redis stream", err)
	}

	return Ack{EventID: event.ID, Topic: topic, StreamID: id}, nil
}

// Subscribe registers a handler and starts the group reader for a new topic.
func (b *RedisStreamBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	isNewTopic := len(b.handlers[topic]) == 0
	b.handlers[topic] = append(b.handlers[topic], handler)

	if isNewTopic {
		err := b.client.XGroupCreateMkStream(ctx, b.stream(topic), b.cfg.Group, "$").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			b.handlers[topic] = b.handlers[topic][:len(b.handlers[topic])-1]
			return errors.Wrap(errors.CodeUnavailable, "failed to create consumer group", err)
		}
		b.wg.Add(1)
		go b.consume(topic)
	}

	return nil
}

func (b *RedisStreamBus) handlersFor(topic string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handlers[topic]
}

// consume first drains entries this consumer read but never acknowledged, then
// follows new entries.
func (b *RedisStreamBus) consume(topic string) {
	defer b.wg.Done()

	stream := b.stream(topic)
	lastID := "0"

	for b.ctx.Err() == nil {
		res, err := b.client.XReadGroup(b.ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{stream, lastID},
			Count:    b.cfg.BatchSize,
			Block:    b.cfg.Block,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			b.log.Warn("Redis stream read failed", "topic", topic, "error", err.Error())
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var count int
		for _, s := range res {
			for _, msg := range s.Messages {
				count++
				b.handle(topic, msg)
				if err := b.client.XAck(b.ctx, stream, b.cfg.Group, msg.ID).Err(); err != nil && b.ctx.Err() == nil {
					b.log.Warn("Redis stream ack failed", "topic", topic, "id", msg.ID, "error", err.Error())
				}
			}
		}

		// Pending backlog exhausted; switch to new entries
		if lastID == "0" && count == 0 {
			lastID = ">"
		}
	}
}

func (b *RedisStreamBus) handle(topic string, msg redis.XMessage) {
	raw, ok := msg.Values[streamField].(string)
	if !ok {
		b.log.Warn("Dropping stream entry without event field", "topic", topic, "id", msg.ID)
		return
	}

	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		b.log.Warn("Dropping undecodable stream entry", "topic", topic, "id", msg.ID, "error", err.Error())
		return
	}

	ctx := context.WithoutCancel(b.ctx)
	for _, handler := range b.handlersFor(topic) {
		if err := handler(ctx, event); err != nil {
			b.log.Warn("Handler failed",
				"topic", topic,
				"event_id", event.ID,
				"error", err.Error(),
			)
		}
	}
}

// Close stops the readers and closes the client.
func (b *RedisStreamBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	b.handlers = nil
	b.mu.Unlock()

	return b.client.Close()
}
