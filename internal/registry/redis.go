package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRegistry stores one hash per connection plus a set of live ids.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// Hash field names.
const (
	fieldConnectedAt     = "connected_at"
	fieldDisplayName     = "display_name"
	fieldDomainName      = "domain_name"
	fieldStage           = "stage"
	fieldClientTimestamp = "client_timestamp"
	fieldUpdatedAt       = "updated_at"
)

// NewRedisRegistry connects to url and verifies the connection.
func NewRedisRegistry(url, prefix string) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewRedisRegistryWithClient(client, prefix), nil
}

// NewRedisRegistryWithClient wraps an existing client.
func NewRedisRegistryWithClient(client *redis.Client, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = "voxrelay:"
	}
	return &RedisRegistry{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *RedisRegistry) setKey() string {
	return r.prefix + "connections"
}

func (r *RedisRegistry) connKey(id string) string {
	return r.prefix + "conn:" + id
}

func (r *RedisRegistry) Register(ctx context.Context, id string, meta Metadata) error {
	now := r.now()
	key := r.connKey(id)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			fieldConnectedAt, toMillis(connectedAt(meta, now)),
			fieldDomainName, meta.DomainName,
			fieldStage, meta.Stage,
			fieldUpdatedAt, toMillis(now),
		)
		pipe.SAdd(ctx, r.setKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("registering connection: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Unregister(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.connKey(id))
		pipe.SRem(ctx, r.setKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("unregistering connection: %w", err)
	}
	return nil
}

func (r *RedisRegistry) ListAll(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *RedisRegistry) UpdateMetadata(ctx context.Context, id string, fields Fields) error {
	now := r.now()
	key := r.connKey(id)

	values := []any{fieldUpdatedAt, toMillis(now)}
	if fields.DisplayName != "" {
		values = append(values, fieldDisplayName, fields.DisplayName)
	}
	if fields.ClientTimestamp != "" {
		values = append(values, fieldClientTimestamp, fields.ClientTimestamp)
	}
	if fields.DomainName != "" {
		values = append(values, fieldDomainName, fields.DomainName)
	}
	if fields.Stage != "" {
		values = append(values, fieldStage, fields.Stage)
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// Upsert: an unknown id gets a connected_at of now
		pipe.HSetNX(ctx, key, fieldConnectedAt, toMillis(now))
		pipe.HSet(ctx, key, values...)
		pipe.SAdd(ctx, r.setKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("updating connection metadata: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (*Connection, error) {
	values, err := r.client.HGetAll(ctx, r.connKey(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("loading connection: %w", err)
	}
	if len(values) == 0 {
		return nil, ErrNotFound
	}

	return &Connection{
		ID:              id,
		ConnectedAt:     parseMillis(values[fieldConnectedAt]),
		DisplayName:     values[fieldDisplayName],
		DomainName:      values[fieldDomainName],
		Stage:           values[fieldStage],
		ClientTimestamp: values[fieldClientTimestamp],
		UpdatedAt:       parseMillis(values[fieldUpdatedAt]),
	}, nil
}

func (r *RedisRegistry) Count(ctx context.Context) (int, error) {
	n, err := r.client.SCard(ctx, r.setKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("counting connections: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying client.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return fromMillis(ms)
}
