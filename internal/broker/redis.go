package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"spool/internal/config"
	"spool/internal/logger"
)

const (
	redisFieldID      = "id"
	redisFieldKey     = "key"
	redisFieldValue   = "value"
	redisHeaderPrefix = "h:"
)

// RedisBackend stores entries in a Redis stream read through a consumer
// group. After a restart the consumer first drains its own pending list, so
// entries delivered but never acknowledged come back before new ones.
type RedisBackend struct {
	cfg    config.RedisStreamConfig
	logger logger.Logger

	mu            sync.Mutex
	client        *redis.Client
	drainPending  bool
	pendingCursor string
}

func NewRedisBackend(cfg config.RedisStreamConfig, log logger.Logger) *RedisBackend {
	return &RedisBackend{
		cfg:    cfg,
		logger: log.Named("redis_stream"),
	}
}

// NewRedisBackendWithClient is used when the connection is owned elsewhere,
// e.g. in tests.
func NewRedisBackendWithClient(client *redis.Client, cfg config.RedisStreamConfig, log logger.Logger) *RedisBackend {
	b := NewRedisBackend(cfg, log)
	b.client = client
	return b
}

func (b *RedisBackend) Name() string {
	return "redis"
}

func (b *RedisBackend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client == nil {
		b.client = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", b.cfg.Host, b.cfg.Port),
			Password: b.cfg.Password,
			DB:       b.cfg.DB,
		})
	}

	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	err := b.client.XGroupCreateMkStream(ctx, b.cfg.Stream, b.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	b.drainPending = true
	b.pendingCursor = "0"

	b.logger.Infow("Redis stream backend connected",
		"stream", b.cfg.Stream,
		"group", b.cfg.Group,
		"consumer", b.cfg.Consumer,
	)
	return nil
}

func (b *RedisBackend) conn() (*redis.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, ErrNotConnected
	}
	return b.client, nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	return client.Ping(ctx).Err()
}

func (b *RedisBackend) Write(ctx context.Context, entries []WireEntry) error {
	client, err := b.conn()
	if err != nil {
		return err
	}

	pipe := client.Pipeline()
	for _, e := range entries {
		values := map[string]interface{}{
			redisFieldID:    e.ID,
			redisFieldKey:   e.Key,
			redisFieldValue: e.Value,
		}
		for k, v := range e.Headers {
			values[redisHeaderPrefix+k] = v
		}

		args := &redis.XAddArgs{
			Stream: b.cfg.Stream,
			Values: values,
		}
		if b.cfg.MaxLen > 0 {
			args.MaxLen = b.cfg.MaxLen
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append to stream %s: %w", b.cfg.Stream, err)
	}
	return nil
}

func (b *RedisBackend) Poll(ctx context.Context, max int, timeout time.Duration) ([]WireEntry, error) {
	client, err := b.conn()
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	draining := b.drainPending
	cursor := b.pendingCursor
	b.mu.Unlock()

	if draining {
		entries, last, err := b.read(ctx, client, cursor, max, -1)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		if len(entries) == 0 {
			b.drainPending = false
		} else {
			b.pendingCursor = last
		}
		b.mu.Unlock()
		if len(entries) > 0 {
			return entries, nil
		}
	}

	entries, _, err := b.read(ctx, client, ">", max, timeout)
	return entries, err
}

func (b *RedisBackend) read(ctx context.Context, client *redis.Client, id string, max int, block time.Duration) ([]WireEntry, string, error) {
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{b.cfg.Stream, id},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, id, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, id, nil
		}
		return nil, id, fmt.Errorf("failed to read stream %s: %w", b.cfg.Stream, err)
	}

	var out []WireEntry
	last := id
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, redisEntry(m))
			last = m.ID
		}
	}
	return out, last, nil
}

func redisEntry(m redis.XMessage) WireEntry {
	e := WireEntry{
		ID:         []byte(fieldString(m.Values, redisFieldID)),
		Key:        []byte(fieldString(m.Values, redisFieldKey)),
		Token:      m.ID,
		EnqueuedAt: streamIDTime(m.ID),
	}
	if v, ok := m.Values[redisFieldValue]; ok {
		e.Value = []byte(fmt.Sprint(v))
	}
	for k, v := range m.Values {
		if strings.HasPrefix(k, redisHeaderPrefix) {
			if e.Headers == nil {
				e.Headers = make(map[string]string)
			}
			e.Headers[strings.TrimPrefix(k, redisHeaderPrefix)] = fmt.Sprint(v)
		}
	}
	return e
}

func fieldString(values map[string]interface{}, key string) string {
	v, ok := values[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}

func streamIDTime(id string) time.Time {
	ms, _, found := strings.Cut(id, "-")
	if !found {
		return time.Time{}
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

func (b *RedisBackend) Commit(ctx context.Context, tokens ...CommitToken) error {
	client, err := b.conn()
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(tokens))
	for _, t := range tokens {
		id, ok := t.(string)
		if !ok {
			return fmt.Errorf("unexpected commit token %T for redis backend", t)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}

	if err := client.XAck(ctx, b.cfg.Stream, b.cfg.Group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack stream entries: %w", err)
	}
	return nil
}

func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}
