package datasource

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/crawlhub/crawlhub/internal/spider"
)

// MongoWriter writes ingested items into an external MongoDB datasource.
// The target "table" maps to a collection.
type MongoWriter struct {
	client   *mongo.Client
	database *mongo.Database
}

// NewMongoWriter connects to the datasource URI and pings the server.
func NewMongoWriter(ctx context.Context, ds spider.DataSource) (spider.Writer, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(ds.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return &MongoWriter{
		client:   client,
		database: client.Database(ds.Database),
	}, nil
}

// WriteItems inserts the items as documents, unordered so one bad document
// does not abort the rest of the batch.
func (w *MongoWriter) WriteItems(ctx context.Context, table string, items []spider.Item) error {
	docs := make([]any, 0, len(items))
	now := time.Now().UTC()
	for _, item := range items {
		doc := bson.M{"_ingested_at": now}
		for k, v := range item {
			doc[k] = v
		}
		docs = append(docs, doc)
	}
	opts := options.InsertMany().SetOrdered(false)
	if _, err := w.database.Collection(table).InsertMany(ctx, docs, opts); err != nil {
		return fmt.Errorf("insert into collection %s: %w", table, err)
	}
	return nil
}

// ReadItems returns up to limit recent documents from the collection.
func (w *MongoWriter) ReadItems(ctx context.Context, table string, limit int) ([]spider.Item, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "_ingested_at", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := w.database.Collection(table).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find in collection %s: %w", table, err)
	}
	defer cursor.Close(ctx)

	var out []spider.Item
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		out = append(out, spider.Item(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate collection %s: %w", table, err)
	}
	return out, nil
}

// EnsureTable bootstraps the collection's ingestion-time index. Collection
// creation itself is implicit on first insert.
func (w *MongoWriter) EnsureTable(ctx context.Context, table string) error {
	index := mongo.IndexModel{
		Keys: bson.D{{Key: "_ingested_at", Value: 1}},
	}
	if _, err := w.database.Collection(table).Indexes().CreateOne(ctx, index); err != nil {
		return fmt.Errorf("ensure index on %s: %w", table, err)
	}
	return nil
}

// TestConnection pings the server.
func (w *MongoWriter) TestConnection(ctx context.Context) error {
	if err := w.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping mongodb: %w", err)
	}
	return nil
}

// CreateDatabase is a no-op for MongoDB; databases materialize on first
// write.
func (w *MongoWriter) CreateDatabase(_ context.Context, _ string) error {
	return nil
}

// Close disconnects the client.
func (w *MongoWriter) Close(ctx context.Context) error {
	if err := w.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongodb: %w", err)
	}
	return nil
}
