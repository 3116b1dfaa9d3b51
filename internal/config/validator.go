package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// checker collects every problem instead of stopping at the first, so one
// failed start reports the whole config.
type checker struct {
	errs []error
}

func (c *checker) failf(field, format string, args ...interface{}) {
	c.errs = append(c.errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (c *checker) require(ok bool, field, format string, args ...interface{}) {
	if !ok {
		c.failf(field, format, args...)
	}
}

func (c *checker) nonEmpty(field, value, what string) {
	c.require(value != "", field, "%s is required", what)
}

func (c *checker) port(field string, port int) {
	c.require(port >= 1 && port <= 65535, field, "port must be between 1 and 65535, got %d", port)
}

func (c *checker) atLeastOne(field string, n int) {
	c.require(n >= 1, field, "must be at least 1, got %d", n)
}

func (c *checker) positive(field string, d time.Duration) {
	c.require(d > 0, field, "must be positive, got %s", d)
}

// oneOf accepts the empty string as "use the default".
func (c *checker) oneOf(field, value string, allowed ...string) {
	if value == "" || slices.Contains(allowed, strings.ToLower(value)) {
		return
	}
	c.failf(field, "invalid value %q (valid: %s)", value, strings.Join(allowed, ", "))
}

func ValidateStatic(cfg *Config) error {
	c := &checker{}

	c.server(cfg.Server)
	c.broker(cfg.Broker)
	c.journal(cfg.Journal)
	c.pipeline(cfg.Pipeline)
	c.output(cfg.Output)
	c.database(cfg.Database)
	for i, p := range cfg.Processors {
		c.processor(fmt.Sprintf("processors[%d]", i), p)
	}
	c.inputs(cfg.Inputs)

	if len(c.errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(c.errs...))
	}
	return nil
}

func (c *checker) server(cfg ServerConfig) {
	c.port("server.port", cfg.Port)
	c.positive("server.read_timeout", cfg.ReadTimeout)
	c.positive("server.write_timeout", cfg.WriteTimeout)
}

func (c *checker) broker(cfg BrokerConfig) {
	switch cfg.Type {
	case "memory":
	case "kafka":
		c.require(len(cfg.Kafka.Brokers) > 0, "broker.kafka.brokers", "at least one Kafka broker is required")
		for i, addr := range cfg.Kafka.Brokers {
			c.nonEmpty(fmt.Sprintf("broker.kafka.brokers[%d]", i), addr, "broker address")
		}
		c.nonEmpty("broker.kafka.group_id", cfg.Kafka.GroupID, "consumer group id")
		c.nonEmpty("broker.kafka.topic", cfg.Kafka.Topic, "topic")
	case "redis":
		c.nonEmpty("broker.redis.host", cfg.Redis.Host, "Redis host")
		c.port("broker.redis.port", cfg.Redis.Port)
		c.nonEmpty("broker.redis.stream", cfg.Redis.Stream, "stream")
		c.nonEmpty("broker.redis.group", cfg.Redis.Group, "consumer group")
	case "jetstream":
		c.nonEmpty("broker.jetstream.url", cfg.JetStream.URL, "NATS URL")
		c.nonEmpty("broker.jetstream.stream", cfg.JetStream.Stream, "stream")
		c.nonEmpty("broker.jetstream.subject", cfg.JetStream.Subject, "subject")
		c.nonEmpty("broker.jetstream.durable", cfg.JetStream.Durable, "durable consumer name")
	case "":
		c.failf("broker.type", "broker type is required")
	default:
		c.failf("broker.type", "unknown broker type %q (supported: kafka, redis, jetstream, memory)", cfg.Type)
	}
}

func (c *checker) retry(field string, cfg RetryConfig) {
	c.require(cfg.MaxAttempts >= 0, field+".max_attempts", "must not be negative")
	c.require(cfg.InitialInterval >= 0, field+".initial_interval", "must not be negative")
	c.require(cfg.MaxInterval >= 0, field+".max_interval", "must not be negative")
	c.require(cfg.MaxInterval == 0 || cfg.MaxInterval >= cfg.InitialInterval,
		field+".max_interval", "must be at least initial_interval")
	c.require(cfg.Multiplier > 0, field+".multiplier", "must be positive")
}

func (c *checker) journal(cfg JournalConfig) {
	c.atLeastOne("journal.writer.batch_size", cfg.Writer.BatchSize)
	c.positive("journal.writer.flush_interval", cfg.Writer.FlushInterval)
	c.positive("journal.writer.ready_timeout", cfg.Writer.ReadyTimeout)
	c.retry("journal.writer.retry", cfg.Writer.Retry)

	c.atLeastOne("journal.reader.poll_max", cfg.Reader.PollMax)
	c.positive("journal.reader.poll_timeout", cfg.Reader.PollTimeout)
	c.positive("journal.reader.idle_wait", cfg.Reader.IdleWait)
	c.positive("journal.reader.error_backoff", cfg.Reader.ErrorBackoff)
}

func (c *checker) pipeline(cfg PipelineConfig) {
	c.atLeastOne("pipeline.workers", cfg.Workers)
	c.atLeastOne("pipeline.intake_capacity", cfg.IntakeCapacity)
	c.nonEmpty("pipeline.default_stream", cfg.DefaultStream, "default stream")
}

func (c *checker) output(cfg OutputConfig) {
	if !slices.Contains([]string{"log", "postgres", "mongodb"}, cfg.Sink) {
		c.failf("output.sink", "unknown sink %q (valid: log, postgres, mongodb)", cfg.Sink)
	}
	c.atLeastOne("output.buffer_capacity", cfg.BufferCapacity)
	c.require(cfg.HighWatermark > 0 && cfg.HighWatermark <= 1, "output.high_watermark", "must be in (0, 1]")
	c.require(cfg.LowWatermark >= 0 && cfg.LowWatermark < cfg.HighWatermark, "output.low_watermark", "must be in [0, high_watermark)")
	c.atLeastOne("output.batch_size", cfg.BatchSize)
	c.atLeastOne("output.workers", cfg.Workers)
	c.positive("output.flush_interval", cfg.FlushInterval)
}

func (c *checker) processor(field string, cfg ProcessorConfig) {
	switch cfg.Type {
	case "cel_filter":
		for i, rule := range cfg.Filter.Rules {
			c.nonEmpty(fmt.Sprintf("%s.filter.rules[%d].expression", field, i), rule.Expression, "expression")
		}
		c.oneOf(field+".filter.fallback.on_error", cfg.Filter.Fallback.OnError, "allow", "deny")
	case "dedup":
		c.oneOf(field+".dedup.hash_algorithm", cfg.Dedup.HashAlgorithm, "md5", "sha1", "sha256")
		c.require(cfg.Dedup.TTLSeconds >= 0, field+".dedup.ttl_seconds", "must not be negative")
		c.oneOf(field+".dedup.on_redis_error", cfg.Dedup.OnRedisError, "allow", "reject")
	case "static_fields":
		c.require(len(cfg.StaticFields.Fields) > 0, field+".static_fields.fields", "at least one field is required")
	case "route":
		for i, rule := range cfg.Route.Rules {
			ruleField := fmt.Sprintf("%s.route.rules[%d]", field, i)
			c.nonEmpty(ruleField+".expression", rule.Expression, "expression")
			c.nonEmpty(ruleField+".stream", rule.Stream, "stream")
		}
	default:
		c.failf(field+".type", "unknown processor type %q (supported: cel_filter, dedup, static_fields, route)", cfg.Type)
	}
}

func (c *checker) inputs(cfg InputsConfig) {
	seen := make(map[string]bool, len(cfg.UDP))
	for i, in := range cfg.UDP {
		field := fmt.Sprintf("inputs.udp[%d]", i)

		c.nonEmpty(field+".id", in.ID, "input id")
		if in.ID != "" && seen[in.ID] {
			c.failf(field+".id", "duplicate input id %q", in.ID)
		}
		seen[in.ID] = true

		c.port(field+".port", in.Port)
		c.require(in.RateLimit.RPS >= 0, field+".rate_limit.rps", "must not be negative")
		c.require(in.RateLimit.RPS == 0 || in.RateLimit.Burst >= 1, field+".rate_limit.burst", "must be at least 1 when rps is set")
	}
}

func (c *checker) database(cfg DatabaseConfig) {
	if pg := cfg.Postgres; pg.Host != "" || pg.Port > 0 {
		c.nonEmpty("database.postgres.host", pg.Host, "PostgreSQL host")
		c.port("database.postgres.port", pg.Port)
		c.nonEmpty("database.postgres.user", pg.User, "PostgreSQL user")
		c.nonEmpty("database.postgres.dbname", pg.DBName, "PostgreSQL database name")
		c.oneOf("database.postgres.sslmode", pg.SSLMode, "disable", "allow", "prefer", "require", "verify-ca", "verify-full")
	}

	if r := cfg.Redis; r.Host != "" || r.Port > 0 {
		c.nonEmpty("database.redis.host", r.Host, "Redis host")
		c.port("database.redis.port", r.Port)
		c.require(r.TTLSeconds >= 0, "database.redis.ttl_seconds", "must not be negative")
	}

	if m := cfg.MongoDB; m.URI != "" {
		c.require(strings.HasPrefix(m.URI, "mongodb://") || strings.HasPrefix(m.URI, "mongodb+srv://"),
			"database.mongodb.uri", "must start with mongodb:// or mongodb+srv://")
		c.nonEmpty("database.mongodb.database", m.Database, "MongoDB database name")
	}
}
