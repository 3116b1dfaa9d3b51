package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig           `mapstructure:"server"`
	Node           NodeConfig             `mapstructure:"node"`
	Logging        LoggingConfig          `mapstructure:"logging"`
	Tracing        TracingConfig          `mapstructure:"tracing"`
	Broker         BrokerConfig           `mapstructure:"broker"`
	Journal        JournalConfig          `mapstructure:"journal"`
	Pipeline       PipelineConfig         `mapstructure:"pipeline"`
	Codecs         map[string]CodecConfig `mapstructure:"codecs"`
	Processors     []ProcessorConfig      `mapstructure:"processors"`
	Output         OutputConfig           `mapstructure:"output"`
	Database       DatabaseConfig         `mapstructure:"database"`
	CircuitBreaker CircuitBreakerConfig   `mapstructure:"circuit_breaker"`
	Inputs         InputsConfig           `mapstructure:"inputs"`
	Resolver       ResolverConfig         `mapstructure:"resolver"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// NodeConfig identifies this process in envelope source metadata.
type NodeConfig struct {
	ID string `mapstructure:"id"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig `mapstructure:"postgres"`
	Redis         RedisConfig    `mapstructure:"redis"`
	MongoDB       MongoDBConfig  `mapstructure:"mongodb"`
	RunMigrations bool           `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type BrokerConfig struct {
	Type      string            `mapstructure:"type"`
	Kafka     KafkaConfig       `mapstructure:"kafka"`
	Redis     RedisStreamConfig `mapstructure:"redis"`
	JetStream JetStreamConfig   `mapstructure:"jetstream"`
}

type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	GroupID  string   `mapstructure:"group_id"`
	Topic    string   `mapstructure:"topic"`
	MinBytes int      `mapstructure:"min_bytes"`
	MaxBytes int      `mapstructure:"max_bytes"`
}

type RedisStreamConfig struct {
	RedisConfig `mapstructure:",squash"`
	Stream      string `mapstructure:"stream"`
	Group       string `mapstructure:"group"`
	Consumer    string `mapstructure:"consumer"`
	MaxLen      int64  `mapstructure:"max_len"`
}

type JetStreamConfig struct {
	URL     string        `mapstructure:"url"`
	Stream  string        `mapstructure:"stream"`
	Subject string        `mapstructure:"subject"`
	Durable string        `mapstructure:"durable"`
	AckWait time.Duration `mapstructure:"ack_wait"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type JournalConfig struct {
	Writer WriterConfig `mapstructure:"writer"`
	Reader ReaderConfig `mapstructure:"reader"`
}

type WriterConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	ReadyTimeout  time.Duration `mapstructure:"ready_timeout"`
	Retry         RetryConfig   `mapstructure:"retry"`
}

type ReaderConfig struct {
	PollMax      int           `mapstructure:"poll_max"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	IdleWait     time.Duration `mapstructure:"idle_wait"`
	ErrorBackoff time.Duration `mapstructure:"error_backoff"`
}

type PipelineConfig struct {
	Workers        int    `mapstructure:"workers"`
	IntakeCapacity int    `mapstructure:"intake_capacity"`
	DefaultStream  string `mapstructure:"default_stream"`
}

type CodecConfig struct {
	RequiredFields []string `mapstructure:"required_fields"`
	OverrideSource string   `mapstructure:"override_source"`
}

type ProcessorConfig struct {
	Type         string              `mapstructure:"type"`
	Name         string              `mapstructure:"name"`
	Filter       FilteringConfig     `mapstructure:"filter"`
	Dedup        DeduplicationConfig `mapstructure:"dedup"`
	StaticFields StaticFieldsConfig  `mapstructure:"static_fields"`
	Route        RouteConfig         `mapstructure:"route"`
}

type RuleConfig struct {
	ID         string `mapstructure:"id"`
	Name       string `mapstructure:"name"`
	Expression string `mapstructure:"expression"`
	Stream     string `mapstructure:"stream"`
}

type FilteringConfig struct {
	Rules    []RuleConfig   `mapstructure:"rules"`
	Fallback FallbackConfig `mapstructure:"fallback"`
}

type FallbackConfig struct {
	OnError string `mapstructure:"on_error"` // "allow" or "deny" (default: "allow")
}

type DeduplicationConfig struct {
	HashAlgorithm string   `mapstructure:"hash_algorithm"`
	TTLSeconds    int      `mapstructure:"ttl_seconds"`
	OnRedisError  string   `mapstructure:"on_redis_error"`
	FieldsToHash  []string `mapstructure:"fields_to_hash"`
}

type StaticFieldsConfig struct {
	Fields    map[string]interface{} `mapstructure:"fields"`
	Overwrite bool                   `mapstructure:"overwrite"`
}

type RouteConfig struct {
	Rules []RuleConfig `mapstructure:"rules"`
}

type OutputConfig struct {
	Sink           string        `mapstructure:"sink"`
	BufferCapacity int           `mapstructure:"buffer_capacity"`
	HighWatermark  float64       `mapstructure:"high_watermark"`
	LowWatermark   float64       `mapstructure:"low_watermark"`
	BatchSize      int           `mapstructure:"batch_size"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	Workers        int           `mapstructure:"workers"`
	Table          string        `mapstructure:"table"`
	Collection     string        `mapstructure:"collection"`
}

type InputsConfig struct {
	UDP []UDPInputConfig `mapstructure:"udp"`
}

type UDPInputConfig struct {
	ID             string          `mapstructure:"id"`
	Bind           string          `mapstructure:"bind"`
	Port           int             `mapstructure:"port"`
	Codec          string          `mapstructure:"codec"`
	MaxPacketBytes int             `mapstructure:"max_packet_bytes"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig caps datagrams per sender address. RPS 0 disables it.
type RateLimitConfig struct {
	RPS    float64       `mapstructure:"rps"`
	Burst  int           `mapstructure:"burst"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

type ResolverConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	TTL           time.Duration `mapstructure:"ttl"`
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
