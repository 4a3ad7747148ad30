package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sievedata/sieve/database"
)

const connectTimeout = 5 * time.Second

type MongoDatabase struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     database.Logger
}

// NewDatabase connects and pings within a short timeout; a missing server
// surfaces here so the caller can disable the document side for the process.
func NewDatabase(uri, dbName string, logger database.Logger) (*MongoDatabase, error) {
	if logger == nil {
		logger = database.NullLogger{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	d := &MongoDatabase{
		client:     client,
		collection: client.Database(dbName).Collection(database.Table),
		logger:     logger,
	}
	if err := d.initIndexes(ctx); err != nil {
		// Index creation failing is not fatal; inserts still work.
		logger.Printf("index creation failed: %s", err)
	}
	return d, nil
}

func (d *MongoDatabase) initIndexes(ctx context.Context) error {
	_, err := d.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "sys_ingested_at", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "username", Value: 1}},
		},
	})
	return err
}

// Insert stores the document verbatim, nested structure preserved.
func (d *MongoDatabase) Insert(record map[string]any) error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if _, err := d.collection.InsertOne(ctx, bson.M(record)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("mongo: %w: %v", database.ErrDuplicate, err)
		}
		return fmt.Errorf("mongo: insert: %w", err)
	}
	return nil
}

func (d *MongoDatabase) Count() (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	return d.collection.CountDocuments(ctx, bson.D{})
}

func (d *MongoDatabase) Close() error {
	return d.client.Disconnect(context.Background())
}
