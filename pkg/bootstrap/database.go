package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"spool/internal/config"
	"spool/internal/constants"
	"spool/internal/logger"
	"spool/pkg/migrations"
	"spool/pkg/retry"
)

// connectPolicy covers stores that come up a few seconds after the service,
// as they do under docker compose.
var connectPolicy = retry.Policy{
	MaxAttempts:     5,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	Multiplier:      2,
	MaxElapsedTime:  15 * time.Second,
}

// Stores holds the optional external stores. A field is nil when the store
// is not configured.
type Stores struct {
	Redis    *redis.Client
	Postgres *sql.DB
	Mongo    *mongo.Client
	MongoDB  *mongo.Database
}

type DatabaseConnector struct {
	Config *config.Config
	Logger logger.Logger
}

func NewDatabaseConnector(cfg *config.Config, log logger.Logger) *DatabaseConnector {
	return &DatabaseConnector{
		Config: cfg,
		Logger: log.Named("stores"),
	}
}

// Connect opens every configured store. On failure the stores opened so far
// are closed again.
func (dc *DatabaseConnector) Connect(ctx context.Context) (*Stores, error) {
	s := &Stores{}
	var err error

	if s.Redis, err = dc.connectRedis(ctx); err != nil {
		return nil, err
	}
	if s.Postgres, err = dc.connectPostgres(ctx); err != nil {
		s.Close(ctx)
		return nil, err
	}
	if s.Mongo, s.MongoDB, err = dc.connectMongo(ctx); err != nil {
		s.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (dc *DatabaseConnector) ping(ctx context.Context, store string, fn func() error) error {
	return retry.RetryWithCallback(ctx, connectPolicy, fn, func(attempt int, err error, next time.Duration) {
		dc.Logger.Warnw("Store not reachable yet, retrying",
			"store", store,
			"attempt", attempt,
			"next_retry", next,
			"error", err,
		)
	})
}

func (dc *DatabaseConnector) connectRedis(ctx context.Context) (*redis.Client, error) {
	cfg := dc.Config.Database.Redis
	if cfg.Host == "" {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := dc.ping(ctx, "redis", func() error { return rdb.Ping(ctx).Err() }); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	dc.Logger.Infow("Redis connected", "addr", rdb.Options().Addr)
	return rdb, nil
}

func postgresDSN(cfg config.PostgresConfig) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.DBName,
	}
	if cfg.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {cfg.SSLMode}}.Encode()
	}
	return u.String()
}

func (dc *DatabaseConnector) connectPostgres(ctx context.Context) (*sql.DB, error) {
	cfg := dc.Config.Database.Postgres
	if cfg.Host == "" {
		return nil, nil
	}

	db, err := sql.Open("postgres", postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(max(dc.Config.Output.Workers, 1) * 2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := dc.ping(ctx, "postgres", func() error { return db.PingContext(ctx) }); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if dc.Config.Database.RunMigrations {
		if err := migrations.MigratePostgres(db); err != nil {
			_ = db.Close()
			return nil, err
		}
		dc.Logger.Info("PostgreSQL migrations applied")
	}

	dc.Logger.Infow("PostgreSQL connected", "host", cfg.Host, "database", cfg.DBName)
	return db, nil
}

func (dc *DatabaseConnector) connectMongo(ctx context.Context) (*mongo.Client, *mongo.Database, error) {
	cfg := dc.Config.Database.MongoDB
	if cfg.URI == "" {
		return nil, nil, nil
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := dc.ping(ctx, "mongodb", func() error { return client.Ping(ctx, nil) }); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	name := cfg.Database
	if name == "" {
		name = constants.DefaultMongoDBName
	}
	db := client.Database(name)

	if dc.Config.Database.RunMigrations {
		collection := dc.Config.Output.Collection
		if collection == "" {
			collection = constants.DefaultMessagesTable
		}
		if err := migrations.EnsureMongoMessageIndexes(ctx, db, collection); err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, err
		}
	}

	dc.Logger.Infow("MongoDB connected", "database", name)
	return client, db, nil
}

// Close releases every open store and returns the errors it met.
func (s *Stores) Close(ctx context.Context) []error {
	if s == nil {
		return nil
	}
	var errs []error

	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if s.Postgres != nil {
		if err := s.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close error: %w", err))
		}
	}
	if s.Mongo != nil {
		if err := s.Mongo.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mongodb disconnect error: %w", err))
		}
	}
	return errs
}
