//go:build integration

// Package testinfra starts throwaway containers for integration tests.
package testinfra

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkamodule "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	postgresmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	redismodule "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"spool/pkg/migrations"
	"spool/pkg/retry"
)

const (
	startupTimeout = 60 * time.Second
	databaseName   = "spool_test"
)

// readyPolicy absorbs the restart postgres does once after init.
var readyPolicy = retry.Policy{
	MaxAttempts:     50,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     200 * time.Millisecond,
	Multiplier:      1,
	MaxElapsedTime:  10 * time.Second,
}

// Infra is what Setup started. Unrequested stores stay nil.
type Infra struct {
	PostgresDB   *sql.DB
	MongoDB      *mongo.Database
	RedisClient  *redisclient.Client
	KafkaBrokers []string
}

type Options struct {
	Postgres bool
	Mongo    bool
	Redis    bool
	Kafka    bool
}

// Setup starts the requested containers and registers their teardown with t.
func Setup(t *testing.T, opts Options) *Infra {
	t.Helper()

	if os.Getenv("TESTCONTAINERS_RYUK_DISABLED") == "" {
		t.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	}

	ctx := context.Background()
	infra := &Infra{}
	if opts.Postgres {
		infra.PostgresDB = startPostgres(ctx, t)
	}
	if opts.Mongo {
		infra.MongoDB = startMongo(ctx, t)
	}
	if opts.Redis {
		infra.RedisClient = startRedis(ctx, t)
	}
	if opts.Kafka {
		infra.KafkaBrokers = startKafka(ctx, t)
	}
	return infra
}

func startPostgres(ctx context.Context, t *testing.T) *sql.DB {
	container, err := postgresmodule.Run(ctx, "postgres:15",
		postgresmodule.WithDatabase(databaseName),
		postgresmodule.WithUsername("spool"),
		postgresmodule.WithPassword("spool"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("5432/tcp").WithStartupTimeout(startupTimeout),
		),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, retry.Retry(ctx, readyPolicy, func() error { return db.PingContext(ctx) }), "ping postgres")
	require.NoError(t, migrations.MigratePostgres(db), "migrate postgres")
	return db
}

func startMongo(ctx context.Context, t *testing.T) *mongo.Database {
	container, err := mongodb.Run(ctx, "mongo:6",
		mongodb.WithUsername("spool"),
		mongodb.WithPassword("spool"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("Waiting for connections").WithStartupTimeout(startupTimeout),
		),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "start mongo container")

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	return client.Database(databaseName)
}

func startRedis(ctx context.Context, t *testing.T) *redisclient.Client {
	container, err := redismodule.Run(ctx, "redis:8.4.0-alpine")
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "start redis container")

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opt, err := redisclient.ParseURL(uri)
	require.NoError(t, err)

	client := redisclient.NewClient(opt)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, retry.Retry(ctx, readyPolicy, func() error { return client.Ping(ctx).Err() }), "ping redis")
	return client
}

func startKafka(ctx context.Context, t *testing.T) []string {
	container, err := kafkamodule.Run(ctx, "confluentinc/confluent-local:7.5.0",
		kafkamodule.WithClusterID("spool-test"),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "start kafka container")

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	return brokers
}
