package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"spool/internal/config"
	"spool/internal/logger"
)

const natsMsgIDHeader = "Nats-Msg-Id"

// JetStreamBackend appends entries to a JetStream stream and reads them back
// with a durable pull consumer using explicit acks.
type JetStreamBackend struct {
	cfg    config.JetStreamConfig
	logger logger.Logger

	mu  sync.RWMutex
	nc  *nats.Conn
	js  nats.JetStreamContext
	sub *nats.Subscription
}

func NewJetStreamBackend(cfg config.JetStreamConfig, log logger.Logger) *JetStreamBackend {
	return &JetStreamBackend{
		cfg:    cfg,
		logger: log.Named("jetstream"),
	}
}

func (b *JetStreamBackend) Name() string {
	return "jetstream"
}

func (b *JetStreamBackend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sub != nil {
		return nil
	}

	nc, err := nats.Connect(b.cfg.URL, nats.Name("spool"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream(nats.Context(ctx))
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if err := b.ensureStream(js); err != nil {
		nc.Close()
		return err
	}

	if err := b.ensureConsumer(js); err != nil {
		nc.Close()
		return err
	}

	// Binding keeps Close from deleting a consumer the library did not create,
	// so pending entries survive a reconnect.
	sub, err := js.PullSubscribe(b.cfg.Subject, b.cfg.Durable,
		nats.Bind(b.cfg.Stream, b.cfg.Durable),
	)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create pull consumer: %w", err)
	}

	b.nc, b.js, b.sub = nc, js, sub

	b.logger.Infow("JetStream backend connected",
		"url", b.cfg.URL,
		"stream", b.cfg.Stream,
		"subject", b.cfg.Subject,
		"durable", b.cfg.Durable,
	)
	return nil
}

func (b *JetStreamBackend) ensureStream(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(b.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", b.cfg.Stream, err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      b.cfg.Stream,
		Subjects:  []string{b.cfg.Subject},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", b.cfg.Stream, err)
	}
	return nil
}

func (b *JetStreamBackend) ensureConsumer(js nats.JetStreamContext) error {
	_, err := js.ConsumerInfo(b.cfg.Stream, b.cfg.Durable)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to look up consumer %s: %w", b.cfg.Durable, err)
	}

	_, err = js.AddConsumer(b.cfg.Stream, &nats.ConsumerConfig{
		Durable:       b.cfg.Durable,
		FilterSubject: b.cfg.Subject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", b.cfg.Durable, err)
	}
	return nil
}

func (b *JetStreamBackend) Ping(ctx context.Context) error {
	b.mu.RLock()
	nc := b.nc
	b.mu.RUnlock()
	if nc == nil {
		return ErrNotConnected
	}
	return nc.FlushWithContext(ctx)
}

func (b *JetStreamBackend) Write(ctx context.Context, entries []WireEntry) error {
	b.mu.RLock()
	js := b.js
	b.mu.RUnlock()
	if js == nil {
		return ErrNotConnected
	}

	for _, e := range entries {
		msg := nats.NewMsg(b.cfg.Subject)
		msg.Data = e.Value
		if len(e.ID) > 0 {
			msg.Header.Set(natsMsgIDHeader, string(e.ID))
		}
		for k, v := range e.Headers {
			msg.Header.Set(k, v)
		}

		if _, err := js.PublishMsg(msg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}
	return nil
}

func (b *JetStreamBackend) Poll(ctx context.Context, max int, timeout time.Duration) ([]WireEntry, error) {
	b.mu.RLock()
	sub := b.sub
	b.mu.RUnlock()
	if sub == nil {
		return nil, ErrNotConnected
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msgs, err := sub.Fetch(max, nats.Context(pollCtx))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch from JetStream: %w", err)
	}

	out := make([]WireEntry, 0, len(msgs))
	for _, m := range msgs {
		e := WireEntry{
			ID:    []byte(m.Header.Get(natsMsgIDHeader)),
			Value: m.Data,
			Token: m,
		}
		for k := range m.Header {
			if k == natsMsgIDHeader {
				continue
			}
			if e.Headers == nil {
				e.Headers = make(map[string]string)
			}
			e.Headers[k] = m.Header.Get(k)
		}
		if meta, err := m.Metadata(); err == nil {
			e.EnqueuedAt = meta.Timestamp
		}
		out = append(out, e)
	}
	return out, nil
}

func (b *JetStreamBackend) Commit(ctx context.Context, tokens ...CommitToken) error {
	var errs []error
	for _, t := range tokens {
		m, ok := t.(*nats.Msg)
		if !ok {
			return fmt.Errorf("unexpected commit token %T for jetstream backend", t)
		}
		if err := m.Ack(nats.Context(ctx)); err != nil && !errors.Is(err, nats.ErrMsgAlreadyAckd) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *JetStreamBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.nc == nil {
		return nil
	}
	var err error
	if b.sub != nil {
		err = b.sub.Drain()
	}
	b.nc.Close()
	b.nc, b.js, b.sub = nil, nil, nil
	return err
}
