package output

import (
	"context"
	"database/sql"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"

	"spool/internal/config"
	"spool/internal/logger"
	"spool/pkg/models"
)

// Sink persists a batch of messages. Insert must be idempotent per message
// id because batches are retried and queue entries can be redelivered.
type Sink interface {
	Name() string
	Insert(ctx context.Context, msgs []*models.Message) error
	Close(ctx context.Context) error
}

// SinkDeps carries the already connected stores a sink may write to.
type SinkDeps struct {
	Postgres *sql.DB
	Mongo    *mongo.Database
	Logger   logger.Logger
}

func NewSink(cfg config.OutputConfig, deps SinkDeps) (Sink, error) {
	switch cfg.Sink {
	case "", "log":
		return NewLogSink(deps.Logger), nil
	case "postgres":
		if deps.Postgres == nil {
			return nil, fmt.Errorf("postgres sink requires database.postgres")
		}
		return NewPostgresSink(deps.Postgres, cfg.Table), nil
	case "mongodb":
		if deps.Mongo == nil {
			return nil, fmt.Errorf("mongodb sink requires database.mongodb")
		}
		return NewMongoSink(deps.Mongo, cfg.Collection), nil
	default:
		return nil, fmt.Errorf("unsupported output sink: %s", cfg.Sink)
	}
}

// LogSink writes every message as one structured log line.
type LogSink struct {
	logger logger.Logger
}

func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{logger: log.Named("sink")}
}

func (s *LogSink) Name() string {
	return "log"
}

func (s *LogSink) Insert(ctx context.Context, msgs []*models.Message) error {
	for _, msg := range msgs {
		s.logger.Infow("message",
			"id", msg.ID,
			"input_id", msg.Source.InputID,
			"node_id", msg.Source.NodeID,
			"codec", msg.Codec,
			"streams", msg.Streams,
			"received_at", msg.ReceivedAt,
			"fields", msg.Fields,
		)
	}
	return nil
}

func (s *LogSink) Close(ctx context.Context) error {
	return nil
}
