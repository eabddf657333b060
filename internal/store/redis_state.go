package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/DineFlow/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces conversation state keys.
const DefaultRedisKeyPrefix = "dineflow:state:"

// RedisStateStore keeps conversation state in Redis as JSON values.
type RedisStateStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ StateStore = (*RedisStateStore)(nil)

// RedisOption configures a RedisStateStore.
type RedisOption func(*RedisStateStore)

// WithRedisTTL expires idle sessions after ttl. Zero keeps state until reset.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStateStore) { s.ttl = ttl }
}

// WithRedisKeyPrefix overrides DefaultRedisKeyPrefix.
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStateStore) { s.prefix = prefix }
}

// NewRedisStateStore connects to the Redis server at url (redis://host:port/db).
func NewRedisStateStore(ctx context.Context, url string, opts ...RedisOption) (*RedisStateStore, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	s := NewRedisStateStoreWithClient(client, opts...)
	slog.Debug("RedisStateStore: connected", "addr", ropts.Addr, "db", ropts.DB, "ttl", s.ttl)
	return s, nil
}

// NewRedisStateStoreWithClient wraps an existing client.
func NewRedisStateStoreWithClient(client *redis.Client, opts ...RedisOption) *RedisStateStore {
	s := &RedisStateStore{client: client, prefix: DefaultRedisKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStateStore) key(sessionID string) string {
	return s.prefix + sessionID
}

func (s *RedisStateStore) GetState(ctx context.Context, sessionID string) (*models.ConversationState, error) {
	raw, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStateStore.GetState: get failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to get state for %s: %w", sessionID, err)
	}
	var st models.ConversationState
	if err := json.Unmarshal(raw, &st); err != nil {
		slog.Warn("RedisStateStore.GetState: undecodable state", "error", err, "sessionID", sessionID)
		return &models.ConversationState{SessionID: sessionID}, nil
	}
	return &st, nil
}

func (s *RedisStateStore) SaveState(ctx context.Context, st models.ConversationState) error {
	now := time.Now()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := s.client.Set(ctx, s.key(st.SessionID), raw, s.ttl).Err(); err != nil {
		slog.Error("RedisStateStore.SaveState: set failed", "error", err, "sessionID", st.SessionID)
		return fmt.Errorf("failed to save state for %s: %w", st.SessionID, err)
	}
	return nil
}

func (s *RedisStateStore) DeleteState(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete state for %s: %w", sessionID, err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStateStore) Close() error {
	return s.client.Close()
}
