package verification

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResultCache retains verification results per transaction for audit.
// Entries are keyed by transaction id and never consulted to skip a fresh
// evaluation.
type ResultCache interface {
	Put(ctx context.Context, res Result) error
	Get(ctx context.Context, txID string) (Result, bool, error)
}

const resultCachePrefix = "verification:v1:"

// RedisResultCache stores results as JSON in Redis with a TTL.
type RedisResultCache struct {
	Client *redis.Client
	TTL    time.Duration
}

// Put persists the result.
func (c *RedisResultCache) Put(ctx context.Context, res Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return c.Client.Set(ctx, resultCachePrefix+res.TransactionID, payload, ttl).Err()
}

// Get fetches a retained result.
func (c *RedisResultCache) Get(ctx context.Context, txID string) (Result, bool, error) {
	raw, err := c.Client.Get(ctx, resultCachePrefix+txID).Result()
	if err == redis.Nil {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return Result{}, false, err
	}
	return res, true, nil
}

// MemoryResultCache is a process-local cache for tests and dev mode.
type MemoryResultCache struct {
	mu      sync.RWMutex
	results map[string]Result
}

// NewMemoryResultCache builds an in-memory result cache.
func NewMemoryResultCache() *MemoryResultCache {
	return &MemoryResultCache{results: make(map[string]Result)}
}

// Put stores the result.
func (c *MemoryResultCache) Put(_ context.Context, res Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[res.TransactionID] = res
	return nil
}

// Get fetches a retained result.
func (c *MemoryResultCache) Get(_ context.Context, txID string) (Result, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.results[txID]
	return res, ok, nil
}
