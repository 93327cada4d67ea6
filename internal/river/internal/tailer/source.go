package tailer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/syntrixbase/mongoriver/internal/river/config"
	"github.com/syntrixbase/mongoriver/internal/river/events"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Cursor iterates raw documents. *mongo.Cursor satisfies it.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

// Source is the replicated document store as seen by the tailer.
type Source interface {
	// OldestPosition returns the timestamp of the oldest oplog entry.
	OldestPosition(ctx context.Context) (primitive.Timestamp, error)

	// LatestPosition returns the timestamp of the newest oplog entry.
	LatestPosition(ctx context.Context) (primitive.Timestamp, error)

	// TailOplog opens a tailable cursor over oplog entries at or after from
	// that concern the watched collection. The entry at from is always included.
	TailOplog(ctx context.Context, from primitive.Timestamp) (Cursor, error)

	// ScanCollection opens a cursor over every document of the collection.
	ScanCollection(ctx context.Context) (Cursor, error)

	// FindDocument fetches the current version of a document by _id.
	FindDocument(ctx context.Context, id any) (bson.M, bool, error)
}

// MongoSource implements Source on a replica set.
type MongoSource struct {
	client     *mongo.Client
	oplog      *mongo.Collection
	collection *mongo.Collection
	namespaces bson.A
	awaitTime  time.Duration
	batchSize  int32
}

var _ Source = (*MongoSource)(nil)

// Connect dials the replica set described by cfg and verifies it is reachable.
func Connect(ctx context.Context, cfg config.SourceConfig, tailerCfg config.TailerConfig) (*MongoSource, error) {
	pref, err := readPreference(cfg.ReadPreference)
	if err != nil {
		return nil, err
	}

	opts := options.Client().
		SetHosts(cfg.Hosts).
		SetReadPreference(pref).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ConnectTimeout).
		SetAppName("mongoriver")
	if cfg.ReplicaSet != "" {
		opts.SetReplicaSet(cfg.ReplicaSet)
	}
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{
			Username:   cfg.Username,
			Password:   cfg.Password,
			AuthSource: cfg.AuthSource,
		})
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", events.ErrTransientConnection, err)
	}
	if err := client.Ping(connectCtx, pref); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: ping: %v", events.ErrTransientConnection, err)
	}

	return NewMongoSource(client, cfg.Database, cfg.Collection, tailerCfg), nil
}

// NewMongoSource wraps an already connected client.
func NewMongoSource(client *mongo.Client, database, collection string, cfg config.TailerConfig) *MongoSource {
	return &MongoSource{
		client:     client,
		oplog:      client.Database("local").Collection("oplog.rs"),
		collection: client.Database(database).Collection(collection),
		namespaces: bson.A{database + "." + collection, database + ".$cmd", "admin.$cmd"},
		awaitTime:  cfg.AwaitTime,
		batchSize:  cfg.SnapshotBatchSize,
	}
}

// Close disconnects the client.
func (s *MongoSource) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoSource) OldestPosition(ctx context.Context) (primitive.Timestamp, error) {
	return s.edge(ctx, 1)
}

func (s *MongoSource) LatestPosition(ctx context.Context) (primitive.Timestamp, error) {
	return s.edge(ctx, -1)
}

func (s *MongoSource) edge(ctx context.Context, natural int) (primitive.Timestamp, error) {
	var entry struct {
		TS primitive.Timestamp `bson:"ts"`
	}
	err := s.oplog.FindOne(ctx, bson.D{},
		options.FindOne().
			SetSort(bson.D{{Key: "$natural", Value: natural}}).
			SetProjection(bson.D{{Key: "ts", Value: 1}}),
	).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return primitive.Timestamp{}, fmt.Errorf("%w: oplog is empty or missing; source must be a replica set member", events.ErrProtocol)
	}
	if err != nil {
		return primitive.Timestamp{}, fmt.Errorf("failed to read oplog bounds: %w", err)
	}
	return entry.TS, nil
}

func (s *MongoSource) TailOplog(ctx context.Context, from primitive.Timestamp) (Cursor, error) {
	filter := bson.D{
		{Key: "ts", Value: bson.D{{Key: "$gte", Value: from}}},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "ts", Value: from}},
			bson.D{{Key: "ns", Value: bson.D{{Key: "$in", Value: s.namespaces}}}},
		}},
	}
	opts := options.Find().
		SetCursorType(options.TailableAwait).
		SetMaxAwaitTime(s.awaitTime).
		SetNoCursorTimeout(true)

	cur, err := s.oplog.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open oplog cursor: %w", err)
	}
	return cur, nil
}

func (s *MongoSource) ScanCollection(ctx context.Context) (Cursor, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if s.batchSize > 0 {
		opts.SetBatchSize(s.batchSize)
	}
	cur, err := s.collection.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to scan collection: %w", err)
	}
	return cur, nil
}

func (s *MongoSource) FindDocument(ctx context.Context, id any) (bson.M, bool, error) {
	var doc bson.M
	err := s.collection.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up document: %w", err)
	}
	return doc, true, nil
}

func readPreference(mode string) (*readpref.ReadPref, error) {
	switch mode {
	case "", "primaryPreferred":
		return readpref.PrimaryPreferred(), nil
	case "primary":
		return readpref.Primary(), nil
	case "secondary":
		return readpref.Secondary(), nil
	case "secondaryPreferred":
		return readpref.SecondaryPreferred(), nil
	case "nearest":
		return readpref.Nearest(), nil
	default:
		return nil, fmt.Errorf("unsupported read preference %q", mode)
	}
}
