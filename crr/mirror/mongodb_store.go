package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cloudcrr/cloudcrr/crr/util"
)

// Store is the document-database surface the mirror writes through.
// Versioning semantics are preserved in the versioned key, hence NoVer.
type Store interface {
	PutObjectNoVer(ctx context.Context, bucket, key string, value []byte) error
	DeleteObjectNoVer(ctx context.Context, bucket, key string) error
}

type MongoStore struct {
	connect        *mongo.Client
	database       string
	collectionName string
}

type model struct {
	Bucket string `bson:"bucket"`
	Key    string `bson:"key"`
	Value  []byte `bson:"value"`
}

func NewMongoStore(config util.Configuration, prefix string) (*MongoStore, error) {
	glog.V(0).Infof("mirror.mongodb.uri: %v", config.GetString(prefix+"uri"))
	glog.V(0).Infof("mirror.mongodb.database: %v", config.GetString(prefix+"database"))
	store := &MongoStore{
		database:       config.GetString(prefix + "database"),
		collectionName: "metastore",
	}
	poolSize := config.GetInt(prefix + "option_pool_size")
	if err := store.connection(config.GetString(prefix+"uri"), uint64(poolSize)); err != nil {
		return nil, err
	}
	return store, nil
}

func (store *MongoStore) connection(uri string, poolSize uint64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := options.Client().ApplyURI(uri)
	if poolSize > 0 {
		opts.SetMaxPoolSize(poolSize)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return fmt.Errorf("connect %s: %v", uri, err)
	}

	c := client.Database(store.database).Collection(store.collectionName)
	if err := store.indexUnique(c); err != nil {
		return fmt.Errorf("ensure index: %v", err)
	}
	store.connect = client
	return nil
}

func (store *MongoStore) indexUnique(c *mongo.Collection) error {
	index := mongo.IndexModel{
		Keys:    bson.D{{Key: "bucket", Value: 1}, {Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := c.Indexes().CreateOne(context.Background(), index)
	return err
}

func (store *MongoStore) PutObjectNoVer(ctx context.Context, bucket, key string, value []byte) error {
	c := store.connect.Database(store.database).Collection(store.collectionName)

	filter := bson.D{{Key: "bucket", Value: bucket}, {Key: "key", Value: key}}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "value", Value: value}}}}
	opts := options.Update().SetUpsert(true)

	if _, err := c.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("upsert %s/%s: %v", bucket, key, err)
	}
	return nil
}

func (store *MongoStore) DeleteObjectNoVer(ctx context.Context, bucket, key string) error {
	c := store.connect.Database(store.database).Collection(store.collectionName)

	filter := bson.D{{Key: "bucket", Value: bucket}, {Key: "key", Value: key}}
	if _, err := c.DeleteOne(ctx, filter); err != nil {
		return fmt.Errorf("delete %s/%s: %v", bucket, key, err)
	}
	return nil
}

func (store *MongoStore) Close(ctx context.Context) error {
	return store.connect.Disconnect(ctx)
}
