package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"spool/internal/config"
	"spool/internal/constants"
	"spool/internal/logger"
	"spool/pkg/metrics"
	"spool/pkg/tracing"
)

type kafkaToken struct {
	Topic     string
	Partition int
	Offset    int64
}

// KafkaBackend writes journal entries to one topic and reads them back with a
// consumer group. Commits only ever advance to the highest contiguous finished
// offset of each partition.
type KafkaBackend struct {
	cfg    config.KafkaConfig
	logger logger.Logger

	mu      sync.RWMutex
	writer  *kafka.Writer
	reader  *kafka.Reader
	tracker *offsetTracker
	closed  bool
}

func NewKafkaBackend(cfg config.KafkaConfig, log logger.Logger) *KafkaBackend {
	return &KafkaBackend{
		cfg:     cfg,
		logger:  log.Named("kafka"),
		tracker: newOffsetTracker(),
	}
}

func (b *KafkaBackend) Name() string {
	return "kafka"
}

func (b *KafkaBackend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.writer != nil {
		return nil
	}

	if err := b.ping(ctx); err != nil {
		return err
	}

	b.writer = &kafka.Writer{
		Addr:                   kafka.TCP(b.cfg.Brokers...),
		Topic:                  b.cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           constants.KafkaWriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}

	b.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.cfg.Brokers,
		GroupID:  b.cfg.GroupID,
		Topic:    b.cfg.Topic,
		MinBytes: b.cfg.MinBytes,
		MaxBytes: b.cfg.MaxBytes,
	})

	b.logger.Infow("Kafka backend connected",
		"brokers", b.cfg.Brokers,
		"topic", b.cfg.Topic,
		"group_id", b.cfg.GroupID,
	)
	return nil
}

func (b *KafkaBackend) Ping(ctx context.Context) error {
	return b.ping(ctx)
}

func (b *KafkaBackend) ping(ctx context.Context) error {
	var lastErr error
	for _, addr := range b.cfg.Brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no brokers configured")
	}
	return fmt.Errorf("failed to reach kafka: %w", lastErr)
}

func (b *KafkaBackend) Write(ctx context.Context, entries []WireEntry) error {
	b.mu.RLock()
	w := b.writer
	b.mu.RUnlock()
	if w == nil {
		return ErrNotConnected
	}

	msgs := make([]kafka.Message, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, kafka.Message{
			Key:     e.Key,
			Value:   e.Value,
			Headers: tracing.InjectTraceContext(ctx, tracing.MapToHeaders(e.Headers)),
			Time:    time.Now(),
		})
	}

	if err := w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write kafka messages: %w", err)
	}
	return nil
}

// Poll fetches until max records were read or timeout elapses. The kafka-go
// reader stays usable after its fetch context expires.
func (b *KafkaBackend) Poll(ctx context.Context, max int, timeout time.Duration) ([]WireEntry, error) {
	b.mu.RLock()
	r := b.reader
	b.mu.RUnlock()
	if r == nil {
		return nil, ErrNotConnected
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out []WireEntry
	for len(out) < max {
		m, err := r.FetchMessage(pollCtx)
		if err != nil {
			if pollCtx.Err() != nil {
				break
			}
			if len(out) > 0 {
				b.logger.Warnw("Kafka fetch failed mid-poll, returning partial batch",
					"error", err,
					"fetched", len(out),
				)
				break
			}
			return nil, fmt.Errorf("failed to fetch kafka message: %w", err)
		}

		b.tracker.Track(m.Topic, m.Partition, m.Offset)
		out = append(out, WireEntry{
			ID:         []byte(fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)),
			Key:        m.Key,
			Value:      m.Value,
			Headers:    tracing.HeadersToMap(m.Headers),
			Token:      kafkaToken{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset},
			EnqueuedAt: m.Time,
		})
	}

	if len(out) > 0 {
		stats := r.Stats()
		if p, err := strconv.Atoi(stats.Partition); err == nil {
			metrics.SetKafkaConsumerLag(stats.Topic, p, stats.Lag)
		}
	}

	return out, nil
}

func (b *KafkaBackend) Commit(ctx context.Context, tokens ...CommitToken) error {
	b.mu.RLock()
	r := b.reader
	b.mu.RUnlock()
	if r == nil {
		return ErrNotConnected
	}

	latest := make(map[partitionKey]int64)
	for _, t := range tokens {
		tok, ok := t.(kafkaToken)
		if !ok {
			return fmt.Errorf("unexpected commit token %T for kafka backend", t)
		}
		commit, ok := b.tracker.Done(tok.Topic, tok.Partition, tok.Offset)
		if !ok {
			continue
		}
		key := partitionKey{topic: tok.Topic, partition: tok.Partition}
		if prev, seen := latest[key]; !seen || commit > prev {
			latest[key] = commit
		}
	}

	if len(latest) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(latest))
	for key, offset := range latest {
		msgs = append(msgs, kafka.Message{Topic: key.topic, Partition: key.partition, Offset: offset})
	}
	if err := r.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to commit kafka offsets: %w", err)
	}
	return nil
}

func (b *KafkaBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if b.writer != nil {
		if err := b.writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("writer close error: %w", err))
		}
	}
	if b.reader != nil {
		if err := b.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("reader close error: %w", err))
		}
	}
	return errors.Join(errs...)
}
