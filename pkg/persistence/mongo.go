package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoUpdate struct {
	DocName   string    `bson:"docName"`
	Seq       int64     `bson:"seq"`
	Data      []byte    `bson:"data"`
	CreatedAt time.Time `bson:"createdAt"`
}

// MongoStore keeps update logs in MongoDB, either in one shared collection
// or in one collection per document.
type MongoStore struct {
	uri        string
	database   string
	collection string
	perDoc     bool

	mu      sync.Mutex
	client  *mongo.Client
	db      *mongo.Database
	indexed map[string]bool
	seqs    map[string]int64
	closed  bool
}

// MongoOption configures a MongoStore.
type MongoOption func(*MongoStore)

// WithMongoCollection sets the shared collection name.
// Default: "docs".
func WithMongoCollection(name string) MongoOption {
	return func(s *MongoStore) {
		s.collection = name
	}
}

// WithMongoCollectionPerDocument stores each document in a collection named
// after the document.
func WithMongoCollectionPerDocument(enabled bool) MongoOption {
	return func(s *MongoStore) {
		s.perDoc = enabled
	}
}

// NewMongoStore creates a store for the given connection string and
// database. The connection is made by Connect.
func NewMongoStore(uri, database string, opts ...MongoOption) (*MongoStore, error) {
	if uri == "" {
		return nil, fmt.Errorf("persistence: mongodb url is required")
	}
	if database == "" {
		return nil, fmt.Errorf("persistence: mongodb database is required")
	}
	s := &MongoStore{
		uri:        uri,
		database:   database,
		collection: "docs",
		indexed:    make(map[string]bool),
		seqs:       make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Connect implements UpdateStore.
func (s *MongoStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if s.client != nil {
		return nil
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(s.uri))
	if err != nil {
		return fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return fmt.Errorf("ping mongodb: %w", err)
	}
	s.client = client
	s.db = client.Database(s.database)
	return nil
}

// coll returns the collection for id, creating its index on first use.
func (s *MongoStore) coll(ctx context.Context, id string) (*mongo.Collection, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	if s.db == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	name := s.collection
	if s.perDoc {
		name = id
	}
	c := s.db.Collection(name)
	done := s.indexed[name]
	s.mu.Unlock()

	if done {
		return c, nil
	}
	_, err := c.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "docName", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("create index on %q: %w", name, err)
	}

	s.mu.Lock()
	s.indexed[name] = true
	s.mu.Unlock()
	return c, nil
}

// Load implements UpdateStore.
func (s *MongoStore) Load(ctx context.Context, id string) ([]Record, error) {
	c, err := s.coll(ctx, id)
	if err != nil {
		return nil, err
	}

	cur, err := c.Find(ctx, bson.M{"docName": id}, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", id, err)
	}
	var docs []mongoUpdate
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("load %q: %w", id, err)
	}

	if len(docs) == 0 {
		return nil, nil
	}
	out := make([]Record, len(docs))
	for i, d := range docs {
		out[i] = Record{Seq: d.Seq, Update: d.Data}
	}

	s.mu.Lock()
	if last := docs[len(docs)-1].Seq; last > s.seqs[id] {
		s.seqs[id] = last
	}
	s.mu.Unlock()
	return out, nil
}

func (s *MongoStore) nextSeq(ctx context.Context, c *mongo.Collection, id string) (int64, error) {
	s.mu.Lock()
	_, seeded := s.seqs[id]
	s.mu.Unlock()

	if !seeded {
		var last mongoUpdate
		err := c.FindOne(ctx, bson.M{"docName": id},
			options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})).Decode(&last)
		if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
			return 0, err
		}
		s.mu.Lock()
		if last.Seq > s.seqs[id] {
			s.seqs[id] = last.Seq
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[id]++
	return s.seqs[id], nil
}

// Append implements UpdateStore.
func (s *MongoStore) Append(ctx context.Context, id string, update []byte) (int64, error) {
	c, err := s.coll(ctx, id)
	if err != nil {
		return 0, err
	}
	seq, err := s.nextSeq(ctx, c, id)
	if err != nil {
		return 0, fmt.Errorf("append %q: %w", id, err)
	}
	_, err = c.InsertOne(ctx, mongoUpdate{
		DocName:   id,
		Seq:       seq,
		Data:      update,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("append %q: %w", id, err)
	}
	return seq, nil
}

// Compact implements UpdateStore. The merged update overwrites the record
// at through before older records are deleted.
func (s *MongoStore) Compact(ctx context.Context, id string, merged []byte, through int64) error {
	c, err := s.coll(ctx, id)
	if err != nil {
		return err
	}

	_, err = c.ReplaceOne(ctx,
		bson.M{"docName": id, "seq": through},
		mongoUpdate{DocName: id, Seq: through, Data: merged, CreatedAt: time.Now().UTC()},
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}
	if _, err := c.DeleteMany(ctx, bson.M{"docName": id, "seq": bson.M{"$lt": through}}); err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}

	s.mu.Lock()
	if through > s.seqs[id] {
		s.seqs[id] = through
	}
	s.mu.Unlock()
	return nil
}

// Close implements UpdateStore.
func (s *MongoStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.client == nil {
		return nil
	}
	err := s.client.Disconnect(ctx)
	s.client, s.db = nil, nil
	return err
}
