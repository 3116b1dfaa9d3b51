package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"spool/internal/config"
	"spool/internal/constants"
	"spool/internal/logger"
	"spool/pkg/metrics"
	"spool/pkg/models"
	"spool/pkg/tracing"
)

var defaultDedupFields = []string{models.FieldSource, models.FieldMessage}

// Dedup marks a message filtered when an identical one, by the configured
// fields, was seen within the TTL.
type Dedup struct {
	name    string
	store   DedupStore
	hasher  *Hasher
	fields  []string
	ttl     time.Duration
	onError string
	logger  logger.Logger
}

func NewDedup(cfg config.ProcessorConfig, deps Deps) (Processor, error) {
	if deps.Redis == nil {
		return nil, fmt.Errorf("dedup processor requires database.redis")
	}
	store := newBreakerDedupStore(NewRedisDedupStore(deps.Redis), "redis-dedup-"+cfg.Name, deps.CircuitBreaker, deps.Logger)
	return NewDedupWithStore(cfg, store, deps.Logger), nil
}

func NewDedupWithStore(cfg config.ProcessorConfig, store DedupStore, log logger.Logger) *Dedup {
	fields := cfg.Dedup.FieldsToHash
	if len(fields) == 0 {
		fields = defaultDedupFields
	}
	ttl := cfg.Dedup.TTLSeconds
	if ttl <= 0 {
		ttl = constants.DefaultTTLSeconds
	}
	onError := strings.ToLower(cfg.Dedup.OnRedisError)
	if onError == "" {
		onError = constants.FallbackAllow
	}

	return &Dedup{
		name:    cfg.Name,
		store:   store,
		hasher:  NewHasher(cfg.Dedup.HashAlgorithm),
		fields:  append([]string(nil), fields...),
		ttl:     time.Duration(ttl) * time.Second,
		onError: onError,
		logger:  log.Named("dedup"),
	}
}

func (d *Dedup) Name() string {
	return d.name
}

func (d *Dedup) Process(ctx context.Context, msgs []*models.Message) ([]*models.Message, error) {
	ctx, span := tracing.GetTracer("processor").Start(ctx, "processor.dedup")
	defer span.End()

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		unique, err := d.check(ctx, msg)
		if err != nil {
			unique = d.handleStoreError(ctx, msg, err)
		}
		msg.Filtered = !unique
	}
	return msgs, nil
}

func (d *Dedup) check(ctx context.Context, msg *models.Message) (bool, error) {
	values := make(map[string]interface{}, len(msg.Fields)+1)
	for k, v := range msg.Fields {
		values[k] = v
	}
	if _, ok := values["id"]; !ok {
		values["id"] = msg.ID
	}

	hash, err := d.hasher.ComputeHash(values, d.fields)
	if err != nil {
		return false, fmt.Errorf("failed to compute hash for message %s: %w", msg.ID, err)
	}

	return d.store.SetNX(ctx, constants.CacheKeyPrefixDedup+hash, time.Now().Unix(), d.ttl)
}

func (d *Dedup) handleStoreError(ctx context.Context, msg *models.Message, err error) bool {
	if d.onError == constants.FallbackReject {
		metrics.IncFallbackUsage(d.name, "reject_on_error", "store_error")
		d.logger.WarnwCtx(ctx, "Dedup store error, rejecting message (fallback: reject)",
			"message_id", msg.ID,
			"error", err,
		)
		return false
	}

	metrics.IncFallbackUsage(d.name, "allow_on_error", "store_error")
	d.logger.WarnwCtx(ctx, "Dedup store error, allowing message (fallback: allow)",
		"message_id", msg.ID,
		"error", err,
	)
	return true
}
