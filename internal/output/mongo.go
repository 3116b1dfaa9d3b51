package output

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"spool/internal/constants"
	"spool/pkg/models"
)

type MongoSink struct {
	collection *mongo.Collection
}

func NewMongoSink(db *mongo.Database, collection string) *MongoSink {
	if collection == "" {
		collection = constants.DefaultMessagesTable
	}
	return &MongoSink{collection: db.Collection(collection)}
}

func (s *MongoSink) Name() string {
	return "mongodb"
}

// Insert is unordered so one duplicate id does not stop the rest of the batch.
func (s *MongoSink) Insert(ctx context.Context, msgs []*models.Message) error {
	docs := make([]interface{}, 0, len(msgs))
	for _, msg := range msgs {
		docs = append(docs, messageDocument(msg))
	}

	_, err := s.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil || onlyDuplicates(err) {
		return nil
	}
	return fmt.Errorf("failed to insert %d messages: %w", len(msgs), err)
}

func (s *MongoSink) Close(ctx context.Context) error {
	return nil
}

func messageDocument(msg *models.Message) bson.M {
	return bson.M{
		"_id":         msg.ID,
		"received_at": msg.ReceivedAt,
		"input_id":    msg.Source.InputID,
		"node_id":     msg.Source.NodeID,
		"codec":       msg.Codec,
		"source":      msg.GetString(models.FieldSource),
		"streams":     msg.Streams,
		"fields":      msg.Fields,
	}
}

func onlyDuplicates(err error) bool {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) {
		return false
	}
	if bwe.WriteConcernError != nil {
		return false
	}
	for _, we := range bwe.WriteErrors {
		if !mongo.IsDuplicateKeyError(we) {
			return false
		}
	}
	return true
}
