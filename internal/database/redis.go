package database

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
)

// CacheState reports whether the cache is usable. Callers branch on it
// instead of checking for a nil client before every use.
type CacheState int

const (
	CacheConnected CacheState = iota
	CacheDegraded
)

func (s CacheState) String() string {
	if s == CacheConnected {
		return "connected"
	}
	return "degraded"
}

// Cache wraps the redis client with an explicit connected/degraded state.
// Every operation re-evaluates the state, so a cache that comes back after
// an outage is picked up without a restart.
type Cache struct {
	client *redis.Client

	mu     sync.RWMutex
	state  CacheState
	reason string
}

// InitCache initializes the redis-backed cache with config
func InitCache() *Cache {
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", "6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	addr := viper.GetString("redis.host") + ":" + viper.GetString("redis.port")
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	})

	c := NewCacheWithClient(rdb)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		c.markDegraded(err)
		log.Printf("[CACHE] Redis unreachable, starting degraded: %v", err)
		return c
	}

	log.Println("Redis connection established")
	return c
}

// NewCacheWithClient wraps an existing client; used by tests.
func NewCacheWithClient(client *redis.Client) *Cache {
	return &Cache{client: client, state: CacheConnected}
}

// State returns the current cache state and, when degraded, the reason.
func (c *Cache) State() (CacheState, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, c.reason
}

// Get returns the cached value and whether it was present. A miss and a
// degraded cache both report false.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		c.markConnected()
		return "", false
	}
	if err != nil {
		c.markDegraded(err)
		return "", false
	}
	c.markConnected()
	return val, true
}

// Set stores a value with a TTL; failures degrade the cache state.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.markDegraded(err)
		return
	}
	c.markConnected()
}

// Del removes keys; failures degrade the cache state.
func (c *Cache) Del(ctx context.Context, keys ...string) {
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.markDegraded(err)
		return
	}
	c.markConnected()
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) markDegraded(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CacheDegraded {
		log.Printf("[CACHE] Degraded: %v", err)
	}
	c.state = CacheDegraded
	c.reason = err.Error()
}

func (c *Cache) markConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CacheConnected {
		log.Println("[CACHE] Recovered, back to connected")
	}
	c.state = CacheConnected
	c.reason = ""
}
