// Package cache holds the service's derived-data caches. Nothing in here is a
// source of truth: every entry can be dropped at any moment with only a
// latency cost, so invalidation is always a plain delete.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drivehub_cache_hits_total",
		Help: "Cache hits by cache name.",
	}, []string{"cache"})
	missesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drivehub_cache_misses_total",
		Help: "Cache misses by cache name.",
	}, []string{"cache"})
)

// TokenCache caches valid access tokens keyed by account email. Each entry
// carries its own TTL (remaining token validity minus the safety lead), which
// is why this sits on go-cache rather than a fixed-TTL LRU.
type TokenCache struct {
	c *gocache.Cache
}

// NewTokenCache creates the token cache. Expired entries are purged once a
// minute; reads never return an expired entry regardless of purge timing.
func NewTokenCache() *TokenCache {
	return &TokenCache{c: gocache.New(gocache.NoExpiration, time.Minute)}
}

// Get returns the cached access token for the email, if present and unexpired.
func (t *TokenCache) Get(email string) (string, bool) {
	v, ok := t.c.Get(email)
	if !ok {
		missesTotal.WithLabelValues("token").Inc()
		return "", false
	}
	hitsTotal.WithLabelValues("token").Inc()
	return v.(string), true
}

// Set stores the token with its own TTL.
func (t *TokenCache) Set(email, token string, ttl time.Duration) {
	t.c.Set(email, token, ttl)
}

// Delete drops the cached token.
func (t *TokenCache) Delete(email string) {
	t.c.Delete(email)
}

// TTLMap is a fixed-TTL LRU keyed by string, used for the per-principal
// account lists and pending authorization URLs.
type TTLMap[V any] struct {
	name string
	lru  *expirable.LRU[string, V]
}

// NewTTLMap creates a TTLMap reporting hit/miss metrics under the given name.
func NewTTLMap[V any](name string, size int, ttl time.Duration) *TTLMap[V] {
	return &TTLMap[V]{
		name: name,
		lru:  expirable.NewLRU[string, V](size, nil, ttl),
	}
}

// Get returns the cached value for key.
func (m *TTLMap[V]) Get(key string) (V, bool) {
	v, ok := m.lru.Get(key)
	if ok {
		hitsTotal.WithLabelValues(m.name).Inc()
	} else {
		missesTotal.WithLabelValues(m.name).Inc()
	}
	return v, ok
}

// Set stores the value under key.
func (m *TTLMap[V]) Set(key string, value V) {
	m.lru.Add(key, value)
}

// Delete invalidates the key.
func (m *TTLMap[V]) Delete(key string) {
	m.lru.Remove(key)
}
