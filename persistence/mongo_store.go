package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/nellyag1/wavescape-portal222/session"
)

// NewMongoClient connects to MongoDB and verifies the connection.
func NewMongoClient(ctx context.Context, config MongoStoreConfig) (*mongo.Client, error) {
	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client, err := mongo.Connect(options.Client().ApplyURI(config.URI).SetConnectTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, nil
}

// mongoSession is the stored shape of a session. Document holds the JSON
// document verbatim; the other fields mirror it for queries.
type mongoSession struct {
	Name      string    `bson:"_id"`
	Version   int       `bson:"version"`
	States    []string  `bson:"states"`
	Document  string    `bson:"document"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func toMongoSession(record *session.Record) (*mongoSession, error) {
	data, err := encodeSession(record)
	if err != nil {
		return nil, err
	}
	version := record.Version
	if version == 0 {
		version = session.CurrentVersion
	}
	return &mongoSession{
		Name:      record.Name,
		Version:   version,
		States:    record.States.Names(),
		Document:  string(data),
		UpdatedAt: record.UpdatedAt,
	}, nil
}

// MongoSessionStore is a MongoDB implementation of SessionStore.
type MongoSessionStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	ownClient  bool
}

// NewMongoSessionStore creates a session store on config.SessionsCollection.
// When client is nil one is connected from config and closed with the store.
func NewMongoSessionStore(ctx context.Context, client *mongo.Client, config MongoStoreConfig) (*MongoSessionStore, error) {
	own := false
	if client == nil {
		var err error
		if client, err = NewMongoClient(ctx, config); err != nil {
			return nil, err
		}
		own = true
	}
	return &MongoSessionStore{
		client:     client,
		collection: client.Database(config.Database).Collection(config.SessionsCollection),
		ownClient:  own,
	}, nil
}

// Close disconnects an owned client
func (s *MongoSessionStore) Close() error {
	if !s.ownClient {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping checks if the store is healthy
func (s *MongoSessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Get retrieves a session by name
func (s *MongoSessionStore) Get(ctx context.Context, name string) (*session.Record, error) {
	var doc mongoSession
	err := s.collection.FindOne(ctx, bson.D{{Key: "_id", Value: name}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSession([]byte(doc.Document))
}

// Save upserts a session document
func (s *MongoSessionStore) Save(ctx context.Context, record *session.Record) error {
	if record == nil {
		return ErrInvalidInput
	}
	doc, err := toMongoSession(record)
	if err != nil {
		return err
	}
	_, err = s.collection.ReplaceOne(ctx, bson.D{{Key: "_id", Value: doc.Name}}, doc, options.Replace().SetUpsert(true))
	return err
}

// Delete removes a session document
func (s *MongoSessionStore) Delete(ctx context.Context, name string) error {
	res, err := s.collection.DeleteOne(ctx, bson.D{{Key: "_id", Value: name}})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Keys returns all session names in ascending order
func (s *MongoSessionStore) Keys(ctx context.Context) ([]string, error) {
	opts := options.Find().
		SetProjection(bson.D{{Key: "_id", Value: 1}}).
		SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Name string `bson:"_id"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	names := make([]string, len(rows))
	for i, r := range rows {
		names[i] = r.Name
	}
	return names, nil
}

// mongoLoop is the stored shape of a checkpoint.
type mongoLoop struct {
	InstanceID string    `bson:"_id"`
	SessionKey string    `bson:"session_key"`
	NextWakeAt time.Time `bson:"next_wake_at"`
	Done       bool      `bson:"done"`
	Data       string    `bson:"data"`
	CreatedAt  time.Time `bson:"created_at"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

func toMongoLoop(r *LoopRecord) *mongoLoop {
	return &mongoLoop{
		InstanceID: r.InstanceID,
		SessionKey: r.SessionKey,
		NextWakeAt: r.NextWakeAt.UTC(),
		Done:       r.Done,
		Data:       string(r.Data),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func (m *mongoLoop) record() *LoopRecord {
	return &LoopRecord{
		InstanceID: m.InstanceID,
		SessionKey: m.SessionKey,
		NextWakeAt: m.NextWakeAt,
		Done:       m.Done,
		Data:       []byte(m.Data),
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

// MongoLoopStore is a MongoDB implementation of LoopStore.
type MongoLoopStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	ownClient  bool
}

// NewMongoLoopStore creates a loop store on config.LoopsCollection.
// When client is nil one is connected from config and closed with the store.
func NewMongoLoopStore(ctx context.Context, client *mongo.Client, config MongoStoreConfig) (*MongoLoopStore, error) {
	own := false
	if client == nil {
		var err error
		if client, err = NewMongoClient(ctx, config); err != nil {
			return nil, err
		}
		own = true
	}
	return &MongoLoopStore{
		client:     client,
		collection: client.Database(config.Database).Collection(config.LoopsCollection),
		ownClient:  own,
	}, nil
}

// Close disconnects an owned client
func (s *MongoLoopStore) Close() error {
	if !s.ownClient {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping checks if the store is healthy
func (s *MongoLoopStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Save upserts a checkpoint document
func (s *MongoLoopStore) Save(ctx context.Context, record *LoopRecord) error {
	if err := record.validate(); err != nil {
		return err
	}
	doc := toMongoLoop(record)
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = doc.UpdatedAt
	}
	_, err := s.collection.ReplaceOne(ctx, bson.D{{Key: "_id", Value: doc.InstanceID}}, doc, options.Replace().SetUpsert(true))
	return err
}

// Get retrieves a checkpoint by instance id
func (s *MongoLoopStore) Get(ctx context.Context, instanceID string) (*LoopRecord, error) {
	var doc mongoLoop
	err := s.collection.FindOne(ctx, bson.D{{Key: "_id", Value: instanceID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.record(), nil
}

// Delete removes a checkpoint document
func (s *MongoLoopStore) Delete(ctx context.Context, instanceID string) error {
	res, err := s.collection.DeleteOne(ctx, bson.D{{Key: "_id", Value: instanceID}})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDue returns unfinished checkpoints due at or before the given time
func (s *MongoLoopStore) ListDue(ctx context.Context, before time.Time, limit int) ([]*LoopRecord, error) {
	opts := options.Find().SetSort(loopOrder())
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.find(ctx, dueFilter(before), opts)
}

// List returns every checkpoint
func (s *MongoLoopStore) List(ctx context.Context) ([]*LoopRecord, error) {
	return s.find(ctx, bson.D{}, options.Find().SetSort(loopOrder()))
}

// dueFilter matches unfinished checkpoints whose wake time has passed.
func dueFilter(before time.Time) bson.D {
	return bson.D{
		{Key: "done", Value: false},
		{Key: "next_wake_at", Value: bson.D{{Key: "$lte", Value: before.UTC()}}},
	}
}

func loopOrder() bson.D {
	return bson.D{{Key: "next_wake_at", Value: 1}, {Key: "_id", Value: 1}}
}

func (s *MongoLoopStore) find(ctx context.Context, filter bson.D, opts *options.FindOptionsBuilder) ([]*LoopRecord, error) {
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []mongoLoop
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*LoopRecord, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].record())
	}
	return out, nil
}
