package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureMongoMessageIndexes creates the query indexes of the message
// collection. The collection itself appears on first insert.
func EnsureMongoMessageIndexes(ctx context.Context, db *mongo.Database, collection string) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "received_at", Value: -1}},
			Options: options.Index().SetName("idx_messages_received_at"),
		},
		{
			Keys:    bson.D{{Key: "input_id", Value: 1}, {Key: "received_at", Value: -1}},
			Options: options.Index().SetName("idx_messages_input_received"),
		},
		{
			Keys:    bson.D{{Key: "streams", Value: 1}},
			Options: options.Index().SetName("idx_messages_streams"),
		},
	}

	_, err := db.Collection(collection).Indexes().CreateMany(ctx, indexes)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}
