package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"copilot2api-go/internal/credential"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultMongoDatabase = "copilot2api"
	accountsCollection   = "accounts"
)

// MongoStore keeps one document per credential in the accounts collection.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore connects, pings and ensures the unique id index.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if database == "" {
		database = defaultMongoDatabase
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	opts := options.Client().ApplyURI(uri).
		SetMaxPoolSize(10).
		SetServerSelectionTimeout(5 * time.Second)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	coll := client.Database(database).Collection(accountsCollection)
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "priority", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create account indexes: %w", err)
	}
	log.WithField("database", database).Info("connected to mongodb credential store")
	return &MongoStore{client: client, coll: coll}, nil
}

func (m *MongoStore) Name() string { return BackendMongo }

func (m *MongoStore) List(ctx context.Context) ([]credential.Credential, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "priority", Value: 1}, {Key: "created_at", Value: 1}, {Key: "id", Value: 1}})
	cur, err := m.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find accounts: %w", err)
	}
	creds := []credential.Credential{}
	if err := cur.All(ctx, &creds); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	for i := range creds {
		creds[i].CreatedAt = creds[i].CreatedAt.UTC()
	}
	credential.SortByPriority(creds)
	return creds, nil
}

func (m *MongoStore) Upsert(ctx context.Context, c credential.Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := m.coll.ReplaceOne(ctx, bson.D{{Key: "id", Value: c.ID}}, c, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", c.ID, err)
	}
	return nil
}

func (m *MongoStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	res, err := m.coll.DeleteOne(ctx, bson.D{{Key: "id", Value: id}})
	if err != nil {
		return fmt.Errorf("delete account %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return credential.ErrNotFound
	}
	return nil
}

// SetPriorities issues one unordered bulk write. Ids that match nothing are
// reported as ErrNotFound after the known ones were updated.
func (m *MongoStore) SetPriorities(ctx context.Context, priorities map[string]int) error {
	if len(priorities) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(priorities))
	for id, prio := range priorities {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.D{{Key: "id", Value: id}}).
			SetUpdate(bson.D{{Key: "$set", Value: bson.D{{Key: "priority", Value: prio}}}}))
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	res, err := m.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		var bwe mongo.BulkWriteException
		if errors.As(err, &bwe) {
			return fmt.Errorf("set priorities: %d write errors: %w", len(bwe.WriteErrors), err)
		}
		return fmt.Errorf("set priorities: %w", err)
	}
	if int(res.MatchedCount) != len(priorities) {
		return credential.ErrNotFound
	}
	return nil
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultOpTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}
