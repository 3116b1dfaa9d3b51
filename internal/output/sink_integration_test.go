//go:build integration

package output

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"spool/internal/constants"
	"spool/internal/testinfra"
	"spool/pkg/migrations"
	"spool/pkg/models"
)

func storedMessages() []*models.Message {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	build := func(id, text string) *models.Message {
		msg := models.NewMessage(map[string]interface{}{"message": text, "source": "host-a", "timestamp": ts})
		msg.ID = id
		msg.ReceivedAt = ts
		msg.Source.InputID = "udp-1"
		msg.Source.NodeID = "node-1"
		msg.Codec = "json"
		msg.AddStream("default")
		return msg
	}
	return []*models.Message{
		build("01J0000000000000000000000A", "first"),
		build("01J0000000000000000000000B", "second"),
	}
}

func TestPostgresSink_InsertIsIdempotent(t *testing.T) {
	infra := testinfra.Setup(t, testinfra.Options{Postgres: true})
	ctx := context.Background()

	sink := NewPostgresSink(infra.PostgresDB, constants.DefaultMessagesTable)
	msgs := storedMessages()

	require.NoError(t, sink.Insert(ctx, msgs))
	require.NoError(t, sink.Insert(ctx, msgs))

	var count int
	require.NoError(t, infra.PostgresDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&count))
	assert.Equal(t, 2, count)

	var source string
	require.NoError(t, infra.PostgresDB.QueryRowContext(ctx,
		"SELECT source FROM messages WHERE id = $1", msgs[0].ID).Scan(&source))
	assert.Equal(t, "host-a", source)
}

func TestMongoSink_InsertIsIdempotent(t *testing.T) {
	infra := testinfra.Setup(t, testinfra.Options{Mongo: true})
	ctx := context.Background()

	require.NoError(t, migrations.EnsureMongoMessageIndexes(ctx, infra.MongoDB, "messages"))

	sink := NewMongoSink(infra.MongoDB, "messages")
	msgs := storedMessages()

	require.NoError(t, sink.Insert(ctx, msgs))
	require.NoError(t, sink.Insert(ctx, msgs))

	count, err := infra.MongoDB.Collection("messages").CountDocuments(ctx, bson.M{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
