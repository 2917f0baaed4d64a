package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"clusterd/cluster"
)

const DefaultMongoCollection = "cluster_directory"

// MongoDirectory implements cluster.DirectoryClient. An entry is the
// document whose _id is the entry name; a multi-valued attribute is an
// array field on it.
type MongoDirectory struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func ConnectMongo(ctx context.Context, url, database, collection string, timeout time.Duration) (*MongoDirectory, error) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url).SetTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if collection == "" {
		collection = DefaultMongoCollection
	}
	return &MongoDirectory{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}, nil
}

func entryFilter(entry string) bson.M {
	return bson.M{"_id": entry}
}

func valueFilter(entry, attr, value string) bson.M {
	return bson.M{"_id": entry, attr: value}
}

// InitEntry creates the entry document if it does not exist yet.
func (m *MongoDirectory) InitEntry(ctx context.Context, entry string) error {
	_, err := m.collection.UpdateOne(ctx,
		entryFilter(entry),
		bson.M{"$setOnInsert": bson.M{"_id": entry}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to create directory entry %s: %w", entry, err)
	}
	return nil
}

// DeleteEntry removes the entry document and every value on it.
func (m *MongoDirectory) DeleteEntry(ctx context.Context, entry string) error {
	if _, err := m.collection.DeleteOne(ctx, entryFilter(entry)); err != nil {
		return fmt.Errorf("failed to delete directory entry %s: %w", entry, err)
	}
	return nil
}

func (m *MongoDirectory) ReadMultiValued(ctx context.Context, entry, attr string) ([]string, error) {
	var doc bson.M
	err := m.collection.FindOne(ctx, entryFilter(entry), options.FindOne().SetProjection(bson.M{attr: 1})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, cluster.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from MongoDB: %w", entry, err)
	}
	return stringValues(doc[attr])
}

// stringValues converts a decoded array field to strings.
func stringValues(field any) ([]string, error) {
	if field == nil {
		return nil, nil
	}
	arr, ok := field.(bson.A)
	if !ok {
		return nil, fmt.Errorf("attribute is %T, not an array", field)
	}
	values := make([]string, 0, len(arr))
	for _, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("attribute value is %T, not a string", v)
		}
		values = append(values, s)
	}
	return values, nil
}

func (m *MongoDirectory) AddValue(ctx context.Context, entry, attr, value string) error {
	res, err := m.collection.UpdateOne(ctx, entryFilter(entry), bson.M{"$addToSet": bson.M{attr: value}})
	if err != nil {
		return fmt.Errorf("failed to add value to %s: %w", entry, err)
	}
	if res.MatchedCount == 0 {
		return cluster.ErrEntryNotFound
	}
	return nil
}

// ReplaceValue swaps the array element equal to oldValue in a single
// update.
func (m *MongoDirectory) ReplaceValue(ctx context.Context, entry, attr, oldValue, newValue string) error {
	res, err := m.collection.UpdateOne(ctx,
		valueFilter(entry, attr, oldValue),
		bson.M{"$set": bson.M{attr + ".$": newValue}},
	)
	if err != nil {
		return fmt.Errorf("failed to replace value on %s: %w", entry, err)
	}
	if res.MatchedCount == 0 {
		return cluster.ErrValueNotFound
	}
	return nil
}

func (m *MongoDirectory) DeleteValue(ctx context.Context, entry, attr, value string) error {
	res, err := m.collection.UpdateOne(ctx,
		valueFilter(entry, attr, value),
		bson.M{"$pull": bson.M{attr: value}},
	)
	if err != nil {
		return fmt.Errorf("failed to delete value from %s: %w", entry, err)
	}
	if res.MatchedCount == 0 {
		return cluster.ErrValueNotFound
	}
	return nil
}

func (m *MongoDirectory) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *MongoDirectory) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
