package cache

import (
	"context"
	"time"

	"discussmatch/pkg/domain"
	"discussmatch/pkg/store"
)

type cachedTopic struct {
	Topic domain.Topic `json:"topic"`
	Found bool         `json:"found"`
}

// TopicStore decorates a store.Store so topic reads go through the cache.
// SaveTopic writes to the underlying store first and then invalidates.
type TopicStore struct {
	store.Store
	cache *RedisCache
	ttl   time.Duration
}

func NewTopicStore(next store.Store, c *RedisCache, ttl time.Duration) *TopicStore {
	return &TopicStore{Store: next, cache: c, ttl: ttl}
}

func (s *TopicStore) GetTopic(ctx context.Context, id string) (domain.Topic, bool, error) {
	res, err := GetOrLoad(ctx, s.cache, Key("topics", "id", id), s.ttl, func(ctx context.Context) (cachedTopic, error) {
		topic, ok, err := s.Store.GetTopic(ctx, id)
		return cachedTopic{Topic: topic, Found: ok}, err
	})
	if err != nil {
		return domain.Topic{}, false, err
	}
	return res.Topic, res.Found, nil
}

func (s *TopicStore) ListTopics(ctx context.Context) ([]domain.Topic, error) {
	return GetOrLoad(ctx, s.cache, Key("topics", "list"), s.ttl, s.Store.ListTopics)
}

func (s *TopicStore) SaveTopic(ctx context.Context, topic domain.Topic) error {
	if err := s.Store.SaveTopic(ctx, topic); err != nil {
		return err
	}
	s.cache.Delete(ctx, Key("topics", "list"), Key("topics", "id", topic.ID))
	return nil
}
