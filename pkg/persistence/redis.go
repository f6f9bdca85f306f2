package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each document's update log in a Redis list. A companion
// key holds the sequence number just before the list's first element, so
// compaction can trim the head of the list without renumbering.
type RedisStore struct {
	prefix string

	mu     sync.Mutex
	opts   *redis.Options
	client redis.UniversalClient
	closed bool
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key prefix.
// Default: "docsync:".
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a store for a redis:// URL. The client is created
// by Connect.
func NewRedisStore(url string, opts ...RedisOption) (*RedisStore, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("persistence: parse redis url: %w", err)
	}
	s := &RedisStore{prefix: "docsync:", opts: ropts}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewRedisStoreWithClient creates a store on an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{prefix: "docsync:", client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) listKey(id string) string   { return s.prefix + "doc:" + id }
func (s *RedisStore) offsetKey(id string) string { return s.prefix + "offset:" + id }

// Connect implements UpdateStore.
func (s *RedisStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	if s.client == nil {
		s.client = redis.NewClient(s.opts)
	}
	client := s.client
	s.mu.Unlock()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (s *RedisStore) handle() (redis.UniversalClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if s.client == nil {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

func (s *RedisStore) offset(ctx context.Context, c redis.UniversalClient, id string) (int64, error) {
	off, err := c.Get(ctx, s.offsetKey(id)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return off, err
}

// Load implements UpdateStore.
func (s *RedisStore) Load(ctx context.Context, id string) ([]Record, error) {
	c, err := s.handle()
	if err != nil {
		return nil, err
	}

	var (
		offCmd  *redis.StringCmd
		listCmd *redis.StringSliceCmd
	)
	_, err = c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		offCmd = pipe.Get(ctx, s.offsetKey(id))
		listCmd = pipe.LRange(ctx, s.listKey(id), 0, -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load %q: %w", id, err)
	}

	off, err := offCmd.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load %q offset: %w", id, err)
	}
	items, err := listCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", id, err)
	}
	if len(items) == 0 {
		return nil, nil
	}

	out := make([]Record, len(items))
	for i, v := range items {
		out[i] = Record{Seq: off + int64(i) + 1, Update: []byte(v)}
	}
	return out, nil
}

// Append implements UpdateStore.
func (s *RedisStore) Append(ctx context.Context, id string, update []byte) (int64, error) {
	c, err := s.handle()
	if err != nil {
		return 0, err
	}
	off, err := s.offset(ctx, c, id)
	if err != nil {
		return 0, fmt.Errorf("append %q offset: %w", id, err)
	}
	n, err := c.RPush(ctx, s.listKey(id), update).Result()
	if err != nil {
		return 0, fmt.Errorf("append %q: %w", id, err)
	}
	return off + n, nil
}

// Compact implements UpdateStore. Trim, push and offset update run in one
// MULTI/EXEC transaction.
func (s *RedisStore) Compact(ctx context.Context, id string, merged []byte, through int64) error {
	c, err := s.handle()
	if err != nil {
		return err
	}
	off, err := s.offset(ctx, c, id)
	if err != nil {
		return fmt.Errorf("compact %q offset: %w", id, err)
	}
	drop := through - off
	if drop < 0 {
		return fmt.Errorf("compact %q: seq %d precedes log start %d", id, through, off+1)
	}

	_, err = c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LTrim(ctx, s.listKey(id), drop, -1)
		pipe.LPush(ctx, s.listKey(id), merged)
		pipe.Set(ctx, s.offsetKey(id), through-1, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}
	return nil
}

// Close implements UpdateStore.
func (s *RedisStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
