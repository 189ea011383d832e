package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"

	"teamchat/internal/docstore"
)

const (
	defaultRedisPrefix = "teamchat"
	maxUpdateRetries   = 8
)

// RedisStore keeps documents in Redis so several server processes can share
// them. Each collection is a hash of JSON documents plus a sorted set holding
// insertion order; every write is announced on a per-collection channel and
// each process turns those announcements into fresh snapshots for its own
// subscribers.
type RedisStore struct {
	client *redis.Client
	prefix string
	feed   *docstore.Feed
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[string]*redisListener

	// beforeExec runs between the watched read and the transaction of an
	// Update. Tests use it to force contention.
	beforeExec func()
}

type redisListener struct {
	refs   int
	cancel context.CancelFunc
}

var _ docstore.Store = (*RedisStore)(nil)

// NewRedisStore connects to the Redis instance at url (redis://host:port/db).
// Keys are namespaced under prefix, "teamchat" when empty.
func NewRedisStore(ctx context.Context, url, prefix string, logger *slog.Logger) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client:    client,
		prefix:    prefix,
		feed:      docstore.NewFeed(),
		logger:    logger,
		listeners: make(map[string]*redisListener),
	}, nil
}

// Close stops every collection listener and the client.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	for name, l := range s.listeners {
		l.cancel()
		delete(s.listeners, name)
	}
	s.mu.Unlock()
	return s.client.Close()
}

func (s *RedisStore) docsKey(collection string) string  { return s.prefix + ":" + collection + ":docs" }
func (s *RedisStore) orderKey(collection string) string { return s.prefix + ":" + collection + ":order" }
func (s *RedisStore) channel(collection string) string  { return s.prefix + ":" + collection + ":changes" }
func (s *RedisStore) seqKey() string                    { return s.prefix + ":seq" }

// Subscribe streams the collection to onChange until ctx ends or the returned
// func is called.
func (s *RedisStore) Subscribe(ctx context.Context, collection string, onChange func([]docstore.Document)) (docstore.Unsubscribe, error) {
	if !docstore.ValidName(collection) {
		return nil, fmt.Errorf("subscribe %q: %w", collection, docstore.ErrInvalid)
	}
	if err := s.listen(ctx, collection); err != nil {
		return nil, err
	}
	unsub, err := s.feed.Subscribe(collection, onChange, s.loader(collection))
	if err != nil {
		s.release(collection)
		return nil, err
	}
	return docstore.BindContext(ctx, func() {
		unsub()
		s.release(collection)
	}), nil
}

func (s *RedisStore) listen(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.listeners[collection]; ok {
		l.refs++
		return nil
	}
	listenCtx, cancel := context.WithCancel(context.Background())
	ps := s.client.Subscribe(listenCtx, s.channel(collection))
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", collection, err)
	}
	s.listeners[collection] = &redisListener{refs: 1, cancel: cancel}
	go s.forward(listenCtx, collection, ps)
	return nil
}

func (s *RedisStore) release(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listeners[collection]
	if !ok {
		return
	}
	l.refs--
	if l.refs <= 0 {
		l.cancel()
		delete(s.listeners, collection)
	}
}

func (s *RedisStore) forward(ctx context.Context, collection string, ps *redis.PubSub) {
	defer ps.Close()
	messages := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-messages:
			if !ok {
				return
			}
			if err := s.feed.Publish(collection, s.loader(collection)); err != nil {
				s.logger.Warn("redis snapshot reload failed", slog.String("collection", collection), slog.String("error", err.Error()))
			}
		}
	}
}

// Collections lists the names of every collection holding documents.
func (s *RedisStore) Collections(ctx context.Context) ([]string, error) {
	head, tail := s.prefix+":", ":order"
	var names []string
	iter := s.client.Scan(ctx, 0, head+"*"+tail, 100).Iterator()
	for iter.Next(ctx) {
		name := strings.TrimSuffix(strings.TrimPrefix(iter.Val(), head), tail)
		if docstore.ValidName(name) {
			names = append(names, name)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Subscribers returns the number of this process's live subscriptions on
// collection.
func (s *RedisStore) Subscribers(collection string) int {
	return s.feed.Subscribers(collection)
}

func (s *RedisStore) loader(collection string) func() ([]docstore.Document, error) {
	return func() ([]docstore.Document, error) {
		return s.list(context.Background(), collection)
	}
}

func (s *RedisStore) list(ctx context.Context, collection string) ([]docstore.Document, error) {
	ids, err := s.client.ZRange(ctx, s.orderKey(collection), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	docs := make([]docstore.Document, 0, len(ids))
	if len(ids) == 0 {
		return docs, nil
	}
	values, err := s.client.HMGet(ctx, s.docsKey(collection), ids...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// removed between ZRANGE and HMGET
			continue
		}
		doc, err := decodeRedisDocument(ids[i], raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Get fetches one document. docstore.ErrNotFound is returned when it does not exist.
func (s *RedisStore) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	raw, err := s.client.HGet(ctx, s.docsKey(collection), id).Result()
	if errors.Is(err, redis.Nil) {
		return docstore.Document{}, fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	if err != nil {
		return docstore.Document{}, err
	}
	return decodeRedisDocument(id, raw)
}

// Update merges fields into an existing document. Concurrent writers to the
// same collection are serialised with WATCH and retried.
func (s *RedisStore) Update(ctx context.Context, collection, id string, fields docstore.Fields) error {
	key := s.docsKey(collection)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, id).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
		}
		if err != nil {
			return err
		}
		doc, err := decodeRedisDocument(id, raw)
		if err != nil {
			return err
		}
		doc.Fields = doc.Fields.Merge(fields)
		encoded, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		if s.beforeExec != nil {
			s.beforeExec()
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, id, encoded)
			return nil
		})
		return err
	}
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return err
		}
		return s.announce(ctx, collection, id)
	}
	return fmt.Errorf("update %s/%s after %d attempts: %w", collection, id, maxUpdateRetries, docstore.ErrConflict)
}

// QueryByField returns every document of the collection whose field equals
// value, in insertion order.
func (s *RedisStore) QueryByField(ctx context.Context, collection, field string, value any) ([]docstore.Document, error) {
	docs, err := s.list(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := []docstore.Document{}
	for _, doc := range docs {
		if docstore.Equal(doc.Fields[field], value) {
			out = append(out, doc)
		}
	}
	return out, nil
}

// Add inserts a document under a fresh id.
func (s *RedisStore) Add(ctx context.Context, collection string, kind docstore.Kind, fields docstore.Fields) (docstore.Document, error) {
	if kind == "" {
		return docstore.Document{}, fmt.Errorf("add to %q: kind: %w", collection, docstore.ErrInvalid)
	}
	doc := docstore.Document{ID: xid.New().String(), Kind: kind, Fields: fields}
	if err := s.Put(ctx, collection, doc); err != nil {
		return docstore.Document{}, err
	}
	return doc.Clone(), nil
}

// Put stores doc under its own id, replacing any previous version.
func (s *RedisStore) Put(ctx context.Context, collection string, doc docstore.Document) error {
	if !docstore.ValidName(collection) || !docstore.ValidName(doc.ID) {
		return fmt.Errorf("put into %q: %w", collection, docstore.ErrInvalid)
	}
	if doc.Fields == nil {
		doc.Fields = docstore.Fields{}
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, doc.ID, err)
	}
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.ZAddNX(ctx, s.orderKey(collection), redis.Z{Score: float64(seq), Member: doc.ID})
	pipe.HSet(ctx, s.docsKey(collection), doc.ID, encoded)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, doc.ID, err)
	}
	return s.announce(ctx, collection, doc.ID)
}

func (s *RedisStore) announce(ctx context.Context, collection, id string) error {
	return s.client.Publish(ctx, s.channel(collection), id).Err()
}

func decodeRedisDocument(id, raw string) (docstore.Document, error) {
	var doc docstore.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return docstore.Document{}, fmt.Errorf("decode %s: %w", id, err)
	}
	doc.ID = id
	if doc.Fields == nil {
		doc.Fields = docstore.Fields{}
	}
	return doc, nil
}
