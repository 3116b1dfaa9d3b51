package broker

import (
	"fmt"

	"spool/internal/config"
	"spool/internal/logger"
)

func NewBackend(cfg config.BrokerConfig, log logger.Logger) (Backend, error) {
	switch cfg.Type {
	case "kafka":
		return NewKafkaBackend(cfg.Kafka, log), nil
	case "redis":
		return NewRedisBackend(cfg.Redis, log), nil
	case "jetstream":
		return NewJetStreamBackend(cfg.JetStream, log), nil
	case "memory":
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}
