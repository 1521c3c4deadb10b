package index

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Index maps merchant order ids to the most recent provider token. It is a
// convenience cache, not a source of truth: losing it only disables
// status-by-order resolution via token, which falls back to the provider's
// own order lookup.
type Index interface {
	Put(ctx context.Context, orderID, token string) error
	Get(ctx context.Context, orderID string) (string, bool, error)
}

// Memory is the in-process backend. Last write wins per key.
type Memory struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewMemory() *Memory {
	return &Memory{tokens: make(map[string]string)}
}

func (m *Memory) Put(_ context.Context, orderID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[orderID] = token
	return nil
}

func (m *Memory) Get(_ context.Context, orderID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	token, ok := m.tokens[orderID]
	return token, ok, nil
}

// Redis backs the index with a shared cache so a restart or a second node
// still resolves recent orders.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Put(ctx context.Context, orderID, token string) error {
	return r.client.Set(ctx, key(orderID), token, r.ttl).Err()
}

func (r *Redis) Get(ctx context.Context, orderID string) (string, bool, error) {
	token, err := r.client.Get(ctx, key(orderID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}

func key(orderID string) string {
	return "order-token:" + orderID
}
