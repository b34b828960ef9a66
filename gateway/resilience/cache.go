// Copyright 2025 CrossAudit
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resilience

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"crossaudit/platform/gateway/llm"
)

// DefaultCacheTTL bounds how long a decided response may be served without
// a fresh upstream call.
const DefaultCacheTTL = 5 * time.Minute

// CacheStore is the persistence contract behind the response cache. Both
// an in-process map and Redis satisfy it.
type CacheStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Fingerprint computes the deterministic cache/dedup key for a request:
// a sha256 over the normalized request fields plus the organization id.
// Caller id and metadata are excluded so identical calls within one
// organization share an entry.
func Fingerprint(req llm.CallRequest) string {
	var b strings.Builder
	b.WriteString(req.OrgID)
	b.WriteByte('\n')
	b.WriteString(req.Model)
	b.WriteByte('\n')
	fmt.Fprintf(&b, "%.4f\n%d\n", req.Temperature, req.MaxTokens)
	for _, m := range req.Messages {
		b.WriteString(m.Role)
		b.WriteByte(':')
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// ResponseCache stores final, policy-decided CallResponses by fingerprint.
// Entries expire after a fixed TTL; there is no other invalidation.
type ResponseCache struct {
	store CacheStore
	ttl   time.Duration
}

// NewResponseCache wraps a store with the response codec and TTL policy.
func NewResponseCache(store CacheStore, ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ResponseCache{store: store, ttl: ttl}
}

// Get returns the cached response for a fingerprint, if present and fresh.
func (c *ResponseCache) Get(ctx context.Context, fingerprint string) (*llm.CallResponse, bool) {
	raw, ok, err := c.store.Get(ctx, fingerprint)
	if err != nil || !ok {
		return nil, false
	}

	var resp llm.CallResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

// Put stores a decided response under its fingerprint. The caller is
// responsible for never passing a blocked result here.
func (c *ResponseCache) Put(ctx context.Context, fingerprint string, resp *llm.CallResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, fingerprint, raw, c.ttl)
}

// TTL reports the cache's fixed entry lifetime.
func (c *ResponseCache) TTL() time.Duration {
	return c.ttl
}

// MemoryStore is a process-local CacheStore with TTL expiry. Expired
// entries are dropped lazily on read and swept by a background janitor.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	stop chan struct{}
	once sync.Once
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryStore creates a store and starts its sweep goroutine.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		stop:    make(chan struct{}),
	}
	go s.sweepRoutine()
	return s
}

// Get returns the value for key if present and unexpired.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set stores value under key for ttl. Last writer wins.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Close stops the sweep goroutine.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *MemoryStore) sweepRoutine() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, e := range s.entries {
				if now.After(e.expiresAt) {
					delete(s.entries, k)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}

// RedisStore is a CacheStore backed by Redis, for multi-instance
// deployments where the cache must be shared.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Addr     string // host:port
	Password string
	DB       int
	Prefix   string // key namespace, default "gateway:cache:"
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "gateway:cache:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{client: client, prefix: cfg.Prefix}, nil
}

// Get returns the value for key if present.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Set stores value under key with ttl.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+key, value, ttl).Err()
}

// Close releases the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
