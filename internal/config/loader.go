package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 10*time.Second)
	viper.SetDefault("server.write_timeout", 10*time.Second)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("broker.type", "memory")
	viper.SetDefault("broker.kafka.topic", "spool-journal")
	viper.SetDefault("broker.kafka.group_id", "spool")
	viper.SetDefault("broker.kafka.min_bytes", 1)
	viper.SetDefault("broker.kafka.max_bytes", 10_000_000)
	viper.SetDefault("broker.redis.stream", "spool:journal")
	viper.SetDefault("broker.redis.group", "spool")
	viper.SetDefault("broker.jetstream.stream", "SPOOL")
	viper.SetDefault("broker.jetstream.subject", "spool.journal")
	viper.SetDefault("broker.jetstream.durable", "spool")
	viper.SetDefault("broker.jetstream.ack_wait", 30*time.Second)

	viper.SetDefault("journal.writer.batch_size", 100)
	viper.SetDefault("journal.writer.flush_interval", time.Second)
	viper.SetDefault("journal.writer.ready_timeout", 5*time.Second)
	viper.SetDefault("journal.writer.retry.max_attempts", 5)
	viper.SetDefault("journal.writer.retry.initial_interval", 100*time.Millisecond)
	viper.SetDefault("journal.writer.retry.max_interval", 5*time.Second)
	viper.SetDefault("journal.writer.retry.multiplier", 2.0)
	viper.SetDefault("journal.reader.poll_max", 500)
	viper.SetDefault("journal.reader.poll_timeout", time.Second)
	viper.SetDefault("journal.reader.idle_wait", 100*time.Millisecond)
	viper.SetDefault("journal.reader.error_backoff", time.Second)

	viper.SetDefault("pipeline.workers", 4)
	viper.SetDefault("pipeline.intake_capacity", 1024)
	viper.SetDefault("pipeline.default_stream", "default")

	viper.SetDefault("output.sink", "log")
	viper.SetDefault("output.buffer_capacity", 4096)
	viper.SetDefault("output.high_watermark", 0.9)
	viper.SetDefault("output.low_watermark", 0.5)
	viper.SetDefault("output.batch_size", 500)
	viper.SetDefault("output.flush_interval", time.Second)
	viper.SetDefault("output.workers", 2)
	viper.SetDefault("output.table", "messages")
	viper.SetDefault("output.collection", "messages")

	viper.SetDefault("circuit_breaker.max_requests", 5)
	viper.SetDefault("circuit_breaker.interval", 60*time.Second)
	viper.SetDefault("circuit_breaker.timeout", 30*time.Second)
	viper.SetDefault("circuit_breaker.failure_ratio", 0.6)
	viper.SetDefault("circuit_breaker.min_requests", 10)

	viper.SetDefault("resolver.ttl", 5*time.Minute)
	viper.SetDefault("resolver.lookup_timeout", 2*time.Second)

	viper.SetDefault("tracing.service_name", "spool")
	viper.SetDefault("tracing.sampler.type", "always")
	viper.SetDefault("tracing.sampler.param", 1.0)
}

func bindEnvVariables() {
	viper.BindEnv("node.id", "NODE_ID")

	viper.BindEnv("broker.type", "BROKER_TYPE")
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	viper.BindEnv("broker.kafka.topic", "BROKER_KAFKA_TOPIC")
	viper.BindEnv("broker.redis.host", "BROKER_REDIS_HOST")
	viper.BindEnv("broker.redis.port", "BROKER_REDIS_PORT")
	viper.BindEnv("broker.redis.password", "BROKER_REDIS_PASSWORD")
	viper.BindEnv("broker.jetstream.url", "BROKER_JETSTREAM_URL")

	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	return nil
}

// ApplyDefaults fills values that viper defaults cannot express: the node id
// and the built-in codec settings.
func ApplyDefaults(cfg *Config) {
	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.NewString()
	}

	if cfg.Codecs == nil {
		cfg.Codecs = make(map[string]CodecConfig)
	}
	for _, name := range []string{"json", "json_lines", "raw"} {
		codec, ok := cfg.Codecs[name]
		if !ok || codec.RequiredFields == nil {
			codec.RequiredFields = []string{"message"}
			cfg.Codecs[name] = codec
		}
	}

	for i := range cfg.Inputs.UDP {
		in := &cfg.Inputs.UDP[i]
		if in.Bind == "" {
			in.Bind = "0.0.0.0"
		}
		if in.Codec == "" {
			in.Codec = "json"
		}
		if in.MaxPacketBytes <= 0 {
			in.MaxPacketBytes = 65535
		}
	}

	if cfg.Broker.Redis.Consumer == "" {
		cfg.Broker.Redis.Consumer = cfg.Node.ID
	}
}
